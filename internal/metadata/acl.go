// ACL propagation. The retrieval pack carries no ACL library in the
// teacher itself (cloud object storage has no POSIX ACL concept), so this
// is pulled from the rest of the pack's dependency surface rather than
// grounded on a teacher file directly — see DESIGN.md.
package metadata

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/joshlf/go-acl"
)

// GetACL reads the access ACL for path. A filesystem that doesn't support
// POSIX ACLs reports ENOTSUP/EOPNOTSUPP, which is surfaced through
// IsACLUnsupported rather than treated as a hard failure.
func GetACL(path string) (acl.ACL, error) {
	entries, err := acl.Get(path)
	if err != nil {
		return nil, fmt.Errorf("get acl: %w", err)
	}
	return entries, nil
}

// SetACL writes the access ACL for path, in the fixed position the
// metadata-application order requires: after xattrs, before ownership.
func SetACL(path string, entries acl.ACL) error {
	if err := acl.Set(path, entries); err != nil {
		return fmt.Errorf("set acl: %w", err)
	}
	return nil
}

// GetDefaultACL reads the default ACL inherited by new children of a
// directory. Only meaningful for directories; callers should not call
// this for anything else.
func GetDefaultACL(path string) (acl.ACL, error) {
	entries, err := acl.GetDefault(path)
	if err != nil {
		return nil, fmt.Errorf("get default acl: %w", err)
	}
	return entries, nil
}

// SetDefaultACL writes the default ACL on a directory.
func SetDefaultACL(path string, entries acl.ACL) error {
	if err := acl.SetDefault(path, entries); err != nil {
		return fmt.Errorf("set default acl: %w", err)
	}
	return nil
}

// IsACLUnsupported reports whether err indicates the destination
// filesystem has no POSIX ACL support at all.
func IsACLUnsupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP)
}
