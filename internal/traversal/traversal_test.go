package traversal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/hardlink"
	"github.com/jmalicki/iouring-sync/internal/metadata"
	"github.com/jmalicki/iouring-sync/internal/permit"
	"github.com/jmalicki/iouring-sync/internal/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

// fakeHandler records what the driver asked it to do without touching any
// real io_uring ring, so the driver's dispatch and concurrency logic can
// be exercised without a live kernel.
type fakeHandler struct {
	mu        sync.Mutex
	copied    []string
	dirs      []string
	symlinks  []string
	hardlinks []string
}

func (f *fakeHandler) Stat(ctx context.Context, path string, followSymlinks bool) (metadata.Record, error) {
	return metadata.Probe(path, followSymlinks)
}

func (f *fakeHandler) CopyFile(ctx context.Context, src, dst string, rec metadata.Record, plan metadata.ApplyPlan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copied = append(f.copied, dst)
	return os.WriteFile(dst, []byte("copied"), 0o644)
}

func (f *fakeHandler) CreateHardlink(ctx context.Context, existingDest, newDest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hardlinks = append(f.hardlinks, newDest)
	return os.Link(existingDest, newDest)
}

func (f *fakeHandler) CreateSymlink(ctx context.Context, src, dst string, rec metadata.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symlinks = append(f.symlinks, dst)
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	return os.Symlink(target, dst)
}

func (f *fakeHandler) CreateDirectory(ctx context.Context, dst string, rec metadata.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, dst)
	return os.MkdirAll(dst, 0o755)
}

func (f *fakeHandler) CopySpecial(ctx context.Context, src, dst string, rec metadata.Record) error {
	return nil
}

func (f *fakeHandler) BuildPlan(ctx context.Context, src string, rec metadata.Record, isDir bool) (metadata.ApplyPlan, error) {
	return metadata.ApplyPlan{}, nil
}

func (f *fakeHandler) StampDirectory(ctx context.Context, dst string, plan metadata.ApplyPlan) error {
	return nil
}

func newDriver(t *testing.T, cfg *config.Config, handler *fakeHandler) *Driver {
	t.Helper()
	gate := permit.New(8)
	tracker := hardlink.New()
	st := stats.New()
	return New(cfg, gate, tracker, st, handler)
}

func TestWalkCopiesRegularFilesRecursively(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := filepath.Join(t.TempDir(), "out")

	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "sub", "b.txt"), []byte("b"), 0o644))

	cfg, err := config.New(config.Config{Recursive: true})
	require.NoError(t, err)
	handler := &fakeHandler{}
	d := newDriver(t, cfg, handler)

	require.NoError(t, d.Walk(context.Background(), srcRoot, dstRoot))

	assert.Contains(t, handler.copied, filepath.Join(dstRoot, "a.txt"))
	assert.Contains(t, handler.copied, filepath.Join(dstRoot, "sub", "b.txt"))
	assert.Contains(t, handler.dirs, dstRoot)
	assert.Contains(t, handler.dirs, filepath.Join(dstRoot, "sub"))
}

func TestWalkNonRecursiveCopiesOnlyTopLevelEntries(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := filepath.Join(t.TempDir(), "out")

	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, "sub", "b.txt"), []byte("b"), 0o644))

	cfg, err := config.New(config.Config{Recursive: false})
	require.NoError(t, err)
	handler := &fakeHandler{}
	d := newDriver(t, cfg, handler)

	require.NoError(t, d.Walk(context.Background(), srcRoot, dstRoot))

	assert.Contains(t, handler.copied, filepath.Join(dstRoot, "a.txt"))
	assert.NotContains(t, handler.copied, filepath.Join(dstRoot, "sub", "b.txt"))
	assert.Equal(t, []string{dstRoot}, handler.dirs)
}

func TestWalkReplicatesSymlinksWhenPreserved(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := filepath.Join(t.TempDir(), "out")
	target := filepath.Join(srcRoot, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(target, filepath.Join(srcRoot, "link")))

	cfg, err := config.New(config.Config{Recursive: true, PreserveSymlinks: true})
	require.NoError(t, err)
	handler := &fakeHandler{}
	d := newDriver(t, cfg, handler)

	require.NoError(t, d.Walk(context.Background(), srcRoot, dstRoot))

	assert.Contains(t, handler.symlinks, filepath.Join(dstRoot, "link"))
	assert.Contains(t, handler.copied, filepath.Join(dstRoot, "target.txt"))
}

func TestWalkHardlinksSecondEncounter(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := filepath.Join(t.TempDir(), "out")

	a := filepath.Join(srcRoot, "a")
	b := filepath.Join(srcRoot, "b")
	require.NoError(t, os.WriteFile(a, []byte("shared"), 0o644))
	require.NoError(t, os.Link(a, b))

	cfg, err := config.New(config.Config{Recursive: true, PreserveHardlinks: true})
	require.NoError(t, err)
	handler := &fakeHandler{}
	d := newDriver(t, cfg, handler)

	require.NoError(t, d.Walk(context.Background(), srcRoot, dstRoot))

	assert.Len(t, handler.copied, 1)
	assert.Len(t, handler.hardlinks, 1)
}

func TestWalkNormalizesUnicodeDestinationNames(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := filepath.Join(t.TempDir(), "out")

	// Decomposed form (NFD): "cafe" followed by a combining acute accent
	// (U+0301), the way HFS+ stores file names on disk.
	composed := "caf\u00e9.txt"
	decomposed := norm.NFD.String(composed)
	require.NotEqual(t, composed, decomposed)
	require.NoError(t, os.WriteFile(filepath.Join(srcRoot, decomposed), []byte("x"), 0o644))

	cfg, err := config.New(config.Config{Recursive: true, NormalizeUnicode: true})
	require.NoError(t, err)
	handler := &fakeHandler{}
	d := newDriver(t, cfg, handler)

	require.NoError(t, d.Walk(context.Background(), srcRoot, dstRoot))

	assert.Contains(t, handler.copied, filepath.Join(dstRoot, composed))
}
