// Package engine wires the async semaphore, hardlink tracker, statistics
// aggregator, work dispatcher, and directory traversal driver into the
// single entry point the CLI calls: Run(ctx, src, dst, cfg).
//
// Grounded on backend/local.NewFs's option-validation-then-construct
// shape (errLinksAndCopyLinks-style mutual-exclusion checks performed
// once at construction, before any traversal begins) and on
// fs/sync-style "resolve and validate both roots before doing anything"
// entry points elsewhere in the pack's sync tooling.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/copier"
	"github.com/jmalicki/iouring-sync/internal/dispatch"
	"github.com/jmalicki/iouring-sync/internal/hardlink"
	"github.com/jmalicki/iouring-sync/internal/ioring"
	"github.com/jmalicki/iouring-sync/internal/permit"
	"github.com/jmalicki/iouring-sync/internal/stats"
	"github.com/jmalicki/iouring-sync/internal/traversal"
	"github.com/sirupsen/logrus"
)

// Sentinel fatal-whole-run errors (spec §7), checked with errors.Is/As by
// callers the way the teacher's fs.ErrorDirNotFound/fs.ErrorIsFile are.
var (
	ErrSourceNotFound    = errors.New("engine: source path does not exist")
	ErrSameOrNestedPaths = errors.New("engine: source and destination resolve to the same path or one contains the other")
)

// ErrKernelTooOld is re-exported from internal/ioring so callers don't
// need to import that package just to check for it.
var ErrKernelTooOld = ioring.ErrKernelTooOld

// Result summarizes a completed run.
type Result struct {
	Stats stats.Snapshot
}

// Run replicates src onto dst according to cfg.
func Run(ctx context.Context, src, dst string, cfg *config.Config) (Result, error) {
	log := logrus.WithField("subsystem", "engine")

	absSrc, absDst, err := resolveRoots(src, dst)
	if err != nil {
		return Result{}, err
	}

	st := stats.New()
	gate := permit.New(cfg.MaxFilesInFlight)
	tracker := hardlink.New()

	workerCount := dispatch.ResolveWorkerCount(cfg.WorkerCount)
	pool, err := dispatch.New(workerCount, cfg.QueueDepth, func(r *ioring.Ring) *copier.Copier {
		return copier.New(r, cfg, st)
	})
	if err != nil {
		if errors.Is(err, ioring.ErrKernelTooOld) {
			return Result{}, ErrKernelTooOld
		}
		return Result{}, fmt.Errorf("engine: start dispatcher: %w", err)
	}
	defer func() {
		if cerr := pool.Close(); cerr != nil {
			log.WithError(cerr).Warn("error shutting down worker pool")
		}
	}()

	log.WithField("workers", workerCount).Info("starting replication")

	handler := &handlerAdapter{pool: pool, cfg: cfg}
	driver := traversal.New(cfg, gate, tracker, st, handler)

	if err := driver.Walk(ctx, absSrc, absDst); err != nil {
		return Result{Stats: st.Snapshot()}, err
	}

	return Result{Stats: st.Snapshot()}, nil
}

// resolveRoots implements Open Question 3's supplement: refuse a run
// whose source and destination are the same path, or where one nests
// inside the other.
func resolveRoots(src, dst string) (string, string, error) {
	if _, err := os.Lstat(src); err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrSourceNotFound
		}
		return "", "", fmt.Errorf("engine: stat source: %w", err)
	}

	absSrc, err := resolveReal(src)
	if err != nil {
		return "", "", fmt.Errorf("engine: resolve source: %w", err)
	}
	absDst, err := resolveReal(dst)
	if err != nil {
		// The destination may not exist yet, which is fine; fall back to
		// a plain absolute path in that case.
		absDst, err = filepath.Abs(dst)
		if err != nil {
			return "", "", fmt.Errorf("engine: resolve destination: %w", err)
		}
	}

	if absSrc == absDst {
		return "", "", ErrSameOrNestedPaths
	}
	if isWithin(absDst, absSrc) || isWithin(absSrc, absDst) {
		return "", "", ErrSameOrNestedPaths
	}
	return absSrc, absDst, nil
}

func resolveReal(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func isWithin(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
