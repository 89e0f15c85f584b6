package copier

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/jmalicki/iouring-sync/internal/ioring"
	"github.com/jmalicki/iouring-sync/internal/metadata"
	"github.com/jmalicki/iouring-sync/internal/stats"
	"github.com/stretchr/testify/require"
)

func newTestRing(t *testing.T) *ioring.Ring {
	t.Helper()
	r, err := ioring.New(32)
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCopyStreamsBytesAndStampsMetadata(t *testing.T) {
	ring := newTestRing(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	content := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(src, content, 0o640))

	rec, err := metadata.Probe(src, false)
	require.NoError(t, err)

	cfg, err := config.New(config.Config{PreservePermissions: true})
	require.NoError(t, err)
	st := stats.New()
	c := New(ring, cfg, st)

	n, err := c.Copy(context.Background(), Request{
		SourcePath: src,
		DestPath:   dst,
		Source:     rec,
		Plan: metadata.ApplyPlan{
			HasMode: true,
			Mode:    uint32(rec.Mode.Perm()),
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, len(content), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, content, got)

	snap := st.Snapshot()
	require.EqualValues(t, 1, snap.CompletedFiles)
}

func TestCopySkipsWhenDestinationUpToDate(t *testing.T) {
	ring := newTestRing(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	content := []byte("identical")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	require.NoError(t, os.WriteFile(dst, content, 0o644))

	srcRec, err := metadata.Probe(src, false)
	require.NoError(t, err)
	dstRec, err := metadata.Probe(dst, false)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(dst, dstRec.ATime, srcRec.MTime))

	cfg, err := config.New(config.Config{Existing: config.ExistingSizeModTimeSkip})
	require.NoError(t, err)
	st := stats.New()
	c := New(ring, cfg, st)

	srcRec, err = metadata.Probe(src, false)
	require.NoError(t, err)

	_, err = c.Copy(context.Background(), Request{
		SourcePath: src,
		DestPath:   dst,
		Source:     srcRec,
	})
	require.ErrorIs(t, err, ErrSkippedExisting)
	require.EqualValues(t, 1, st.Snapshot().SkippedFiles)
}
