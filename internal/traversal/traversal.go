// Package traversal implements the directory traversal driver (spec
// §4.6): for each entry, acquire a permit, classify it, dispatch by kind,
// and for directories fan out over children concurrently with a
// short-circuit on the first fatal failure, only stamping the directory's
// own metadata after every child has finished (so a later child's
// creation inside it can't be undone by an earlier metadata stamp that
// strips write permission).
//
// Directory enumeration itself stays synchronous — os.Open + Readdirnames
// in batches — a deliberate hybrid with the rest of the engine's
// completion-based I/O, grounded directly on backend/local.Fs.List's own
// readdir loop, since a single directory's entry list is rarely large
// enough to be worth an async round trip and every other read in this
// package already goes through the ring.
package traversal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/hardlink"
	"github.com/jmalicki/iouring-sync/internal/metadata"
	"github.com/jmalicki/iouring-sync/internal/permit"
	"github.com/jmalicki/iouring-sync/internal/stats"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
)

// Handler performs the kind-specific work the driver can't do itself: it
// owns whichever Ring/Copier the calling dispatcher worker was given.
// Implemented by the engine's per-worker glue so this package stays free
// of any io_uring dependency.
type Handler interface {
	Stat(ctx context.Context, path string, followSymlinks bool) (metadata.Record, error)
	CopyFile(ctx context.Context, src, dst string, rec metadata.Record, plan metadata.ApplyPlan) error
	CreateHardlink(ctx context.Context, existingDest, newDest string) error
	CreateSymlink(ctx context.Context, src, dst string, rec metadata.Record) error
	CreateDirectory(ctx context.Context, dst string, rec metadata.Record) error
	CopySpecial(ctx context.Context, src, dst string, rec metadata.Record) error
	BuildPlan(ctx context.Context, src string, rec metadata.Record, isDir bool) (metadata.ApplyPlan, error)
	StampDirectory(ctx context.Context, dst string, plan metadata.ApplyPlan) error
}

// Driver walks a source tree and replicates it under a destination root.
type Driver struct {
	cfg     *config.Config
	gate    *permit.Gate
	tracker *hardlink.Tracker
	st      *stats.Stats
	handler Handler
	log     *logrus.Entry

	rootDevice uint64
	haveRoot   bool
}

// New returns a Driver. The Driver starts one goroutine per directory
// entry when it fans out over a directory's children; the number of
// entries being processed at once is capped by gate, and handler decides
// which worker performs each leaf operation.
func New(cfg *config.Config, gate *permit.Gate, tracker *hardlink.Tracker, st *stats.Stats, handler Handler) *Driver {
	return &Driver{
		cfg:     cfg,
		gate:    gate,
		tracker: tracker,
		st:      st,
		handler: handler,
		log:     logrus.WithField("subsystem", "traversal"),
	}
}

// Walk replicates everything under src to dst.
func (d *Driver) Walk(ctx context.Context, src, dst string) error {
	rec, err := d.handler.Stat(ctx, src, d.cfg.PreserveSymlinks == false)
	if err != nil {
		return fmt.Errorf("traversal: stat root %q: %w", src, err)
	}
	d.rootDevice = rec.Identity.Device
	d.haveRoot = true
	return d.visit(ctx, src, dst, rec)
}

func (d *Driver) visit(ctx context.Context, src, dst string, rec metadata.Record) error {
	p, err := d.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	d.st.EnterFlight()
	defer func() {
		d.st.LeaveFlight()
		p.Release()
	}()

	entryLog := d.log.WithField("path", src)

	switch rec.Kind {
	case metadata.KindDirectory:
		return d.visitDirectory(ctx, src, dst, rec, entryLog)
	case metadata.KindSymlink:
		if err := d.handler.CreateSymlink(ctx, src, dst, rec); err != nil {
			entryLog.WithError(err).Error("failed to replicate symlink")
			d.st.FailedFile(stats.ClassIOError)
			if d.cfg.Strict {
				return err
			}
			return nil
		}
		d.st.CompletedFile(0)
		return nil
	case metadata.KindRegular:
		return d.visitFile(ctx, src, dst, rec, entryLog)
	case metadata.KindDevice, metadata.KindFIFO, metadata.KindSocket:
		if !d.cfg.PreserveDevices {
			return nil
		}
		if err := d.handler.CopySpecial(ctx, src, dst, rec); err != nil {
			entryLog.WithError(err).Error("failed to replicate special file")
			d.st.FailedFile(stats.ClassIOError)
			if d.cfg.Strict {
				return err
			}
		}
		return nil
	default:
		entryLog.Warn("unrecognized entry kind, skipping")
		d.st.SkippedFile()
		return nil
	}
}

func (d *Driver) visitFile(ctx context.Context, src, dst string, rec metadata.Record, entryLog *logrus.Entry) error {
	d.st.DiscoveredFile(rec.Size)

	if d.cfg.PreserveHardlinks && rec.NLink > 1 {
		claim, err := d.tracker.Observe(ctx, rec.Identity)
		if err != nil {
			return err
		}
		if !claim.First {
			if err := d.handler.CreateHardlink(ctx, claim.Path, dst); err != nil {
				entryLog.WithError(err).Warn("failed to hardlink, falling back to full copy")
			} else {
				d.st.CompletedFile(rec.Size)
				return nil
			}
		}
		plan, err := d.handler.BuildPlan(ctx, src, rec, false)
		if err != nil {
			if claim.First {
				d.tracker.Fail(rec.Identity, err)
			}
			return d.handleFileError(err, entryLog)
		}
		if err := d.handler.CopyFile(ctx, src, dst, rec, plan); err != nil {
			if claim.First {
				d.tracker.Fail(rec.Identity, err)
			}
			return d.handleFileError(err, entryLog)
		}
		if claim.First {
			d.tracker.Materialize(rec.Identity, dst)
		}
		return nil
	}

	plan, err := d.handler.BuildPlan(ctx, src, rec, false)
	if err != nil {
		return d.handleFileError(err, entryLog)
	}
	if err := d.handler.CopyFile(ctx, src, dst, rec, plan); err != nil {
		return d.handleFileError(err, entryLog)
	}
	return nil
}

func (d *Driver) handleFileError(err error, entryLog *logrus.Entry) error {
	entryLog.WithError(err).Error("failed to copy file")
	if d.cfg.Strict {
		return err
	}
	return nil
}

func (d *Driver) visitDirectory(ctx context.Context, src, dst string, rec metadata.Record, entryLog *logrus.Entry) error {
	if d.cfg.OneFileSystem && d.haveRoot && rec.Identity.Device != d.rootDevice {
		entryLog.Debug("crossing filesystem boundary, pruned by one-file-system")
		return nil
	}
	if err := d.handler.CreateDirectory(ctx, dst, rec); err != nil {
		entryLog.WithError(err).Error("failed to create destination directory")
		return err
	}

	names, err := readDirNames(src)
	if err != nil {
		entryLog.WithError(err).Error("failed to read directory")
		if d.cfg.Strict {
			return err
		}
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			destName := name
			if d.cfg.NormalizeUnicode {
				destName = norm.NFC.String(destName)
			}
			childSrc := filepath.Join(src, name)
			childDst := filepath.Join(dst, destName)
			childRec, err := d.handler.Stat(gctx, childSrc, !d.cfg.PreserveSymlinks)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Removed by a concurrent process between
					// readdir and stat; not this run's problem.
					return nil
				}
				entryLog.WithError(err).WithField("child", name).Error("failed to stat directory entry")
				if d.cfg.Strict {
					return err
				}
				return nil
			}
			if !d.cfg.Recursive && childRec.Kind != metadata.KindRegular {
				// Off means only top-level regular files are copied; a
				// subdirectory itself is neither created nor descended,
				// and other entry kinds are skipped.
				return nil
			}
			return d.visit(gctx, childSrc, childDst, childRec)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	plan, err := d.handler.BuildPlan(ctx, src, rec, true)
	if err != nil {
		entryLog.WithError(err).Warn("failed to build metadata plan for directory")
		return nil
	}
	if err := d.handler.StampDirectory(ctx, dst, plan); err != nil {
		entryLog.WithError(err).Warn("failed to stamp directory metadata")
	}
	return nil
}

func readDirNames(path string) ([]string, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directory %q: %w", path, err)
	}
	defer fd.Close()

	var names []string
	for {
		batch, err := fd.Readdirnames(1024)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read directory %q: %w", path, err)
		}
		names = append(names, batch...)
	}
	return names, nil
}
