package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/copier"
	"github.com/jmalicki/iouring-sync/internal/dispatch"
	"github.com/jmalicki/iouring-sync/internal/ioring"
	"github.com/jmalicki/iouring-sync/internal/metadata"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var crtimeUnsupportedWarnOnce sync.Once

// handlerAdapter implements traversal.Handler by borrowing workers from a
// dispatch.Pool for each leaf operation.
type handlerAdapter struct {
	pool *dispatch.Pool
	cfg  *config.Config
}

// Stat resolves metadata through a borrowed worker's ring, submitting the
// statx(2) itself as a ring operation rather than calling unix.Statx
// synchronously, so the traversal driver's per-entry probe is demultiplexed
// through the same completion queue every other read/write already goes
// through. Falls back to metadata.Probe's synchronous path on a kernel old
// enough to lack statx(2) support entirely.
func (h *handlerAdapter) Stat(ctx context.Context, path string, followSymlinks bool) (metadata.Record, error) {
	if !metadata.StatxSupported() {
		return metadata.Probe(path, followSymlinks)
	}
	var rec metadata.Record
	err := h.pool.Ring(ctx, func(r *ioring.Ring) error {
		var stat unix.Statx_t
		flags := metadata.StatxFlags(followSymlinks, false)
		if err := r.Statx(ctx, unix.AT_FDCWD, path, flags, metadata.StatxMask, &stat); err != nil {
			return err
		}
		rec = metadata.RecordFromStatx(stat)
		return nil
	})
	if err != nil {
		return metadata.Record{}, fmt.Errorf("statx %q: %w", path, err)
	}
	return rec, nil
}

func (h *handlerAdapter) CopyFile(ctx context.Context, src, dst string, rec metadata.Record, plan metadata.ApplyPlan) error {
	return h.pool.Copier(ctx, func(c *copier.Copier) error {
		_, err := c.Copy(ctx, copier.Request{SourcePath: src, DestPath: dst, Source: rec, Plan: plan})
		if err == copier.ErrSkippedExisting {
			return nil
		}
		return err
	})
}

func (h *handlerAdapter) CreateHardlink(ctx context.Context, existingDest, newDest string) error {
	return h.pool.Ring(ctx, func(r *ioring.Ring) error {
		return r.Link(ctx, unix.AT_FDCWD, existingDest, unix.AT_FDCWD, newDest, 0)
	})
}

func (h *handlerAdapter) CreateSymlink(ctx context.Context, src, dst string, rec metadata.Record) error {
	target, err := os.Readlink(src)
	if err != nil {
		if metadata.IsCircularSymlink(err) {
			return fmt.Errorf("circular symlink at %q: %w", src, err)
		}
		return fmt.Errorf("readlink %q: %w", src, err)
	}
	return h.pool.Ring(ctx, func(r *ioring.Ring) error {
		return r.Symlink(ctx, target, unix.AT_FDCWD, dst)
	})
}

func (h *handlerAdapter) CreateDirectory(ctx context.Context, dst string, rec metadata.Record) error {
	return h.pool.Ring(ctx, func(r *ioring.Ring) error {
		mode := uint32(0o777)
		if h.cfg.PreservePermissions {
			mode = uint32(rec.Mode.Perm())
		}
		err := r.Mkdir(ctx, unix.AT_FDCWD, dst, mode)
		if err != nil && errors.Is(err, os.ErrExist) {
			return nil
		}
		return err
	})
}

// CopySpecial replicates a device, FIFO, or socket node. io_uring has no
// mknod opcode, so this is another deliberate synchronous exception to
// the ring-everywhere rule, like directory enumeration and the readlink in
// CreateSymlink — operations the kernel's io_uring surface doesn't cover.
func (h *handlerAdapter) CopySpecial(ctx context.Context, src, dst string, rec metadata.Record) error {
	var mode uint32
	switch rec.Kind {
	case metadata.KindDevice:
		mode = unix.S_IFBLK
		if rec.RawMode&unix.S_IFMT == unix.S_IFCHR {
			mode = unix.S_IFCHR
		}
	case metadata.KindFIFO:
		mode = unix.S_IFIFO
	case metadata.KindSocket:
		mode = unix.S_IFSOCK
	default:
		return fmt.Errorf("copyspecial: unexpected entry kind for %q", src)
	}
	if h.cfg.PreservePermissions {
		mode |= uint32(rec.Mode.Perm())
	} else {
		mode |= 0o600
	}
	if err := unix.Mknod(dst, mode, int(rec.Rdev)); err != nil {
		return fmt.Errorf("mknod %q: %w", dst, err)
	}
	return nil
}

func (h *handlerAdapter) BuildPlan(ctx context.Context, src string, rec metadata.Record, isDir bool) (metadata.ApplyPlan, error) {
	plan := metadata.ApplyPlan{}

	if h.cfg.PreserveXattrs {
		f, err := os.Open(src)
		if err == nil {
			defer f.Close()
			names, err := metadata.ListXattrsFd(int(f.Fd()))
			if err == nil && len(names) > 0 {
				plan.Xattrs = make(map[string][]byte, len(names))
				for _, name := range names {
					if v, err := metadata.GetXattrFd(int(f.Fd()), name); err == nil && v != nil {
						plan.Xattrs[name] = v
					}
				}
			}
		}
	}

	if h.cfg.PreserveACLs {
		if entries, err := metadata.GetACL(src); err == nil {
			plan.ACL = entries
		}
		if isDir {
			if entries, err := metadata.GetDefaultACL(src); err == nil {
				plan.DefaultACL = entries
			}
		}
	}

	if h.cfg.PreserveOwner || h.cfg.PreserveGroup {
		plan.HasOwner = true
		plan.UID = int(rec.UID)
		plan.GID = int(rec.GID)
	}

	if h.cfg.PreservePermissions {
		plan.HasMode = true
		plan.Mode = uint32(rec.Mode.Perm())
	}

	if h.cfg.PreserveTimes {
		plan.HasTimes = true
		plan.MTime = unix.NsecToTimespec(rec.MTime.UnixNano())
		if h.cfg.PreserveAtime {
			plan.ATime = unix.NsecToTimespec(rec.ATime.UnixNano())
		} else {
			plan.ATime = unix.Timespec{Nsec: int64(unix.UTIME_OMIT)}
		}
		if h.cfg.PreserveCrtime && rec.HasBTime {
			// No Linux syscall sets birth time directly (statx can only
			// read stx_btime); --crtimes is therefore always advisory,
			// logged once per run rather than per file.
			crtimeUnsupportedWarnOnce.Do(func() {
				logrus.WithField("subsystem", "copier").Warn("--crtimes requested but this kernel exposes no birth-time setter; skipping")
			})
		}
	}

	return plan, nil
}

func (h *handlerAdapter) StampDirectory(ctx context.Context, dst string, plan metadata.ApplyPlan) error {
	return h.pool.Ring(ctx, func(r *ioring.Ring) error {
		fd, err := r.Open(ctx, unix.AT_FDCWD, dst, unix.O_RDONLY|unix.O_DIRECTORY, 0)
		if err != nil {
			return err
		}
		defer func() { _ = r.Close_(ctx, fd) }()
		_, err = metadata.Apply(fd, true, plan)
		return err
	})
}
