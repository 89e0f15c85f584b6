// Grounded on backend/local/xattr.go, adapted from path-based xattr.LGet/
// LSet calls to their fd-based FGet/FSet/FList counterparts so a copy that
// already holds an open destination handle never needs a second path
// lookup (and the TOCTOU window that implies) just to propagate xattrs.
package metadata

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/pkg/xattr"
)

// xattrNamespacePrefixes lists the namespaces propagated by default. The
// teacher's local backend only ever dealt with "user."; this engine also
// carries "security." (ACLs live here on most Linux filesystems when not
// read through the dedicated ACL syscalls) and "trusted." for root-to-root
// copies, since a full archive-mode drop-in replacement needs more than
// user attributes to be byte-for-byte faithful.
var xattrNamespacePrefixes = []string{"user.", "security.", "trusted."}

// xattrSupported tracks whether an xattr operation has been rejected
// outright (ENOTSUP/EINVAL/ENOATTR), after which xattr listing and setting
// are disabled for the rest of the process, similar to backend/local's
// Fs.xattrSupported. Nothing is logged when this happens.
var xattrSupported atomic.Int32

func init() {
	xattrSupported.Store(1)
}

// IsXattrUnsupported reports whether err indicates the filesystem doesn't
// support extended attributes at all, demoting what would otherwise be a
// fatal error into an advisory condition; it also disables further xattr
// operations (see xattrSupported) and logs nothing.
func IsXattrUnsupported(err error) bool {
	xerr, ok := err.(*xattr.Error)
	if !ok {
		return false
	}
	if xerr.Err == syscall.EINVAL || xerr.Err == syscall.ENOTSUP || xerr.Err == xattr.ENOATTR {
		xattrSupported.CompareAndSwap(1, 0)
		return true
	}
	return false
}

// ListXattrsFd returns the namespace-qualified xattr names set on fd,
// filtered to the namespaces this engine propagates.
func ListXattrsFd(fd int) ([]string, error) {
	if xattrSupported.Load() == 0 {
		return nil, nil
	}
	names, err := xattr.FList(fdFile(fd))
	if err != nil {
		if IsXattrUnsupported(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list xattrs: %w", err)
	}
	out := names[:0]
	for _, n := range names {
		if hasAnyPrefix(n, xattrNamespacePrefixes) {
			out = append(out, n)
		}
	}
	return out, nil
}

// GetXattrFd reads a single xattr value from fd.
func GetXattrFd(fd int, name string) ([]byte, error) {
	v, err := xattr.FGet(fdFile(fd), name)
	if err != nil {
		if IsXattrUnsupported(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get xattr %q: %w", name, err)
	}
	return v, nil
}

// SetXattrFd writes a single xattr value to fd. Errors indicating the
// filesystem doesn't support xattrs are swallowed (caller should treat the
// nil return plus a false "applied" as advisory); all other errors are
// returned for the caller to classify.
func SetXattrFd(fd int, name string, value []byte) (applied bool, err error) {
	if xattrSupported.Load() == 0 {
		return false, nil
	}
	if err := xattr.FSet(fdFile(fd), name, value); err != nil {
		if IsXattrUnsupported(err) {
			return false, nil
		}
		return false, fmt.Errorf("set xattr %q: %w", name, err)
	}
	return true, nil
}

// fdFile wraps a raw file descriptor in an *os.File for pkg/xattr's F*
// calls. fd is borrowed, not owned: the caller's original handle remains
// responsible for closing it. os.NewFile attaches a finalizer that would
// close fd out from under that owner the next time this wrapper is
// garbage collected, so the finalizer is cleared immediately.
func fdFile(fd int) *os.File {
	f := os.NewFile(uintptr(fd), "")
	runtime.SetFinalizer(f, nil)
	return f
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
