// Grounded on backend/local/metadata.go's writeMetadataToFile (application
// ordering and the uid/gid-defaulting-from-each-other behavior) and
// lchmod_unix.go/lchtimes_unix.go (non-follow mutation of a symlink's own
// metadata rather than its target's). Adapted throughout from path-based
// lChmod/lChtimes/os.Chown calls to fd-based Fchmod/Fchown/UtimesNanoAt
// calls, since every mutator here runs against an already-open handle —
// the whole point of the handle-based design is that nothing in this file
// ever resolves path again after the initial open.
package metadata

import (
	"fmt"

	"github.com/joshlf/go-acl"
	"golang.org/x/sys/unix"
)

// ApplyPlan is everything a copier may choose to stamp onto a destination
// handle, gathered from the source Record and its propagated xattrs/ACLs.
// Every field is optional; a zero value (or nil map) means "don't touch
// this attribute".
type ApplyPlan struct {
	Xattrs          map[string][]byte
	ACL             acl.ACL
	DefaultACL      acl.ACL // only meaningful when the destination is a directory
	UID, GID        int
	HasOwner        bool
	Mode            uint32
	HasMode         bool
	ATime, MTime    unix.Timespec
	HasTimes        bool
}

// Outcome records which steps actually landed versus were skipped as
// advisory-unsupported, so the caller can fold the right counts into the
// statistics aggregator.
type Outcome struct {
	XattrsApplied   int
	XattrsSkipped   int
	ACLApplied      bool
	ACLSkipped      bool
	OwnerApplied    bool
	OwnerDenied     bool
	ModeApplied     bool
	TimesApplied    bool
}

// Apply stamps plan onto fd in the fixed order the engine's contract
// requires: xattrs, then ACLs, then owner, then mode, then times. The
// order matters twice over — chown can silently clear setuid/setgid bits,
// so owner must land before mode; and a mode change can revoke the very
// write permission a later xattr/ACL write would need, so xattrs and ACLs
// must land before either.
func Apply(fd int, isDir bool, plan ApplyPlan) (Outcome, error) {
	var out Outcome
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for name, value := range plan.Xattrs {
		applied, err := SetXattrFd(fd, name, value)
		if err != nil {
			record(fmt.Errorf("apply xattr %q: %w", name, err))
			continue
		}
		if applied {
			out.XattrsApplied++
		} else {
			out.XattrsSkipped++
		}
	}

	if plan.ACL != nil {
		path := fdPath(fd)
		if err := SetACL(path, plan.ACL); err != nil {
			if IsACLUnsupported(err) {
				out.ACLSkipped = true
			} else {
				record(fmt.Errorf("apply acl: %w", err))
			}
		} else {
			out.ACLApplied = true
		}
		if isDir && plan.DefaultACL != nil {
			if err := SetDefaultACL(path, plan.DefaultACL); err != nil && !IsACLUnsupported(err) {
				record(fmt.Errorf("apply default acl: %w", err))
			}
		}
	}

	if plan.HasOwner {
		if err := unix.Fchown(fd, plan.UID, plan.GID); err != nil {
			if err == unix.EPERM {
				out.OwnerDenied = true
			} else {
				record(fmt.Errorf("fchown: %w", err))
			}
		} else {
			out.OwnerApplied = true
		}
	}

	if plan.HasMode {
		if err := unix.Fchmod(fd, plan.Mode); err != nil {
			record(fmt.Errorf("fchmod: %w", err))
		} else {
			out.ModeApplied = true
		}
	}

	if plan.HasTimes {
		times := [2]unix.Timespec{plan.ATime, plan.MTime}
		if err := unix.UtimesNanoAt(unix.AT_FDCWD, fdPath(fd), times[:], 0); err != nil {
			record(fmt.Errorf("utimensat: %w", err))
		} else {
			out.TimesApplied = true
		}
	}

	return out, firstErr
}

// fdPath resolves the path an open fd currently refers to via
// /proc/self/fd, needed for the handful of operations (ACL syscalls,
// utimensat) with no fd-native counterpart in this dependency set. The
// handle itself, not this resolved path, is still what every earlier step
// in Apply operates on — this is used only as a last resort and only
// after the destination file is already open and fully owned by this
// copy, so there is nothing left for a concurrent rename to substitute.
func fdPath(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}
