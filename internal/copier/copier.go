// Package copier implements the file copier (spec §4.5): the open,
// stream, stamp, close protocol for a single regular file, entirely
// through already-open handles so that once the destination is created,
// nothing in this package resolves its path again except to unlink a
// partial destination after a fatal error — the core of the engine's
// TOCTOU defense (spec §4.2, §9).
//
// Grounded on backend/local.Object.Update (open O_WRONLY|O_CREATE|O_TRUNC,
// preallocate, io.Copy, close, remove-on-error, then SetModTime and
// writeMetadata in that order) and backend/local/metadata.go's
// writeMetadataToFile, generalized from os.File-based synchronous I/O to
// ring-submitted reads/writes and from path-based metadata calls to the
// fd-based internal/metadata package.
package copier

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/ioring"
	"github.com/jmalicki/iouring-sync/internal/metadata"
	"github.com/jmalicki/iouring-sync/internal/stats"
	"golang.org/x/sys/unix"
)

// CopyError is the fatal-per-file error type (spec §7): which operation
// failed, on which path, wrapping the underlying cause.
type CopyError struct {
	Path string
	Op   string
	Err  error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("copy %s: %s: %v", e.Path, e.Op, e.Err)
}

func (e *CopyError) Unwrap() error { return e.Err }

// ErrSkippedExisting is returned (not logged as a failure) when the
// existing-destination policy is SizeAndModTimeSkip and the destination
// already matches.
var ErrSkippedExisting = errors.New("copier: destination already up to date")

// Request describes a single regular-file copy.
type Request struct {
	SourcePath string
	DestPath   string
	Source     metadata.Record
	Plan       metadata.ApplyPlan
}

// Copier streams file contents and metadata through a single worker's
// Ring. It is not safe for concurrent use by multiple goroutines — each
// dispatcher worker owns exactly one Copier, built on its own Ring (spec
// §4.7 "one ring per worker").
type Copier struct {
	ring *ioring.Ring
	cfg  *config.Config
	st   *stats.Stats
}

// New returns a Copier that streams through ring using cfg's buffer size
// and existing-destination policy, tallying into st.
func New(ring *ioring.Ring, cfg *config.Config, st *stats.Stats) *Copier {
	return &Copier{ring: ring, cfg: cfg, st: st}
}

// Copy performs the full open -> stream -> stamp -> close protocol for
// req. On any fatal error it removes whatever partial destination it
// created before returning, matching the teacher's
// "remove-partially-written-file-on-error" behavior.
func (c *Copier) Copy(ctx context.Context, req Request) (copiedBytes int64, err error) {
	if c.cfg.Existing == config.ExistingSizeModTimeSkip {
		if skip, serr := c.destinationUpToDate(req); serr == nil && skip {
			c.st.SkippedFile()
			return 0, ErrSkippedExisting
		}
	}

	srcFd, err := c.ring.Open(ctx, unix.AT_FDCWD, req.SourcePath, unix.O_RDONLY, 0)
	if err != nil {
		return 0, &CopyError{Path: req.SourcePath, Op: "open-source", Err: err}
	}
	defer func() { _ = c.ring.Close_(context.Background(), srcFd) }()

	destFlags := unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	if c.cfg.Existing == config.ExistingError {
		destFlags |= unix.O_EXCL
	}
	destFd, err := c.ring.Open(ctx, unix.AT_FDCWD, req.DestPath, destFlags, uint32(req.Source.Mode.Perm()|0o200))
	if err != nil {
		if c.cfg.Existing == config.ExistingError && errors.Is(err, unix.EEXIST) {
			c.st.FailedFile(stats.ClassDestinationCreate)
			return 0, &CopyError{Path: req.DestPath, Op: "create-destination", Err: err}
		}
		return 0, &CopyError{Path: req.DestPath, Op: "create-destination", Err: err}
	}

	createdDest := true
	cleanup := func() {
		if createdDest {
			_ = c.ring.Unlink(context.Background(), unix.AT_FDCWD, req.DestPath, 0)
		}
	}

	if err := c.ring.Preallocate(ctx, destFd, req.Source.Size); err != nil {
		// A preallocation failure is ignored: it never aborts the copy
		// and is neither logged nor tallied.
		_ = err
	}

	n, err := c.stream(ctx, srcFd, destFd, req.Source.Size)
	if err != nil {
		_ = c.ring.Close_(context.Background(), destFd)
		cleanup()
		c.st.FailedFile(stats.ClassIOError)
		return n, &CopyError{Path: req.DestPath, Op: "stream", Err: err}
	}
	defer func() { _ = c.ring.Close_(context.Background(), destFd) }()

	outcome, err := metadata.Apply(destFd, false, req.Plan)
	if outcome.XattrsSkipped > 0 {
		c.st.FailedFile(stats.ClassXattr)
	}
	if outcome.OwnerDenied && c.cfg.StrictOwnership {
		cleanup()
		c.st.FailedFile(stats.ClassPermission)
		return n, &CopyError{Path: req.DestPath, Op: "apply-owner", Err: os.ErrPermission}
	}
	if err != nil {
		if c.cfg.Strict {
			cleanup()
			c.st.FailedFile(stats.ClassMetadataStamp)
			return n, &CopyError{Path: req.DestPath, Op: "apply-metadata", Err: err}
		}
		// Non-strict: the error is dropped and the file counts as
		// completed; it is not returned, logged or tallied.
	}

	c.st.CompletedFile(n)
	return n, nil
}

func (c *Copier) stream(ctx context.Context, srcFd, destFd int, size int64) (int64, error) {
	bufSize := c.cfg.EffectiveBufferSize()
	buf := make([]byte, bufSize)
	var offset int64
	for {
		read, err := c.ring.ReadAt(ctx, srcFd, buf, offset)
		if err != nil {
			return offset, err
		}
		if read == 0 {
			break
		}
		if _, err := c.ring.WriteAt(ctx, destFd, buf[:read], offset); err != nil {
			return offset, err
		}
		offset += int64(read)
		if size > 0 && offset >= size {
			break
		}
	}
	return offset, nil
}

// destinationUpToDate implements the SizeAndModTimeSkip quick-check
// (spec's Open Question 1 supplement): skip the copy when the
// destination already has the source's size and modification time.
func (c *Copier) destinationUpToDate(req Request) (bool, error) {
	dest, err := metadata.Probe(req.DestPath, false)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return dest.Size == req.Source.Size && dest.MTime.Equal(req.Source.MTime), nil
}
