package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeRegularFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	rec, err := Probe(path, false)
	require.NoError(t, err)
	assert.Equal(t, KindRegular, rec.Kind)
	assert.EqualValues(t, 5, rec.Size)
	assert.NotZero(t, rec.Identity.Inode)
}

func TestProbeDirectory(t *testing.T) {
	dir := t.TempDir()
	rec, err := Probe(dir, false)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, rec.Kind)
}

func TestProbeSymlinkDoesNotFollowByDefault(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target.txt")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	rec, err := Probe(link, false)
	require.NoError(t, err)
	assert.Equal(t, KindSymlink, rec.Kind)

	rec, err = Probe(link, true)
	require.NoError(t, err)
	assert.Equal(t, KindRegular, rec.Kind)
}

func TestProbeFdMatchesPathProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	byPath, err := Probe(path, false)
	require.NoError(t, err)
	byFd, err := ProbeFd(int(f.Fd()))
	require.NoError(t, err)

	assert.Equal(t, byPath.Identity, byFd.Identity)
	assert.Equal(t, byPath.Size, byFd.Size)
}

func TestHardlinksShareIdentity(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	require.NoError(t, os.WriteFile(a, []byte("shared"), 0o644))
	require.NoError(t, os.Link(a, b))

	recA, err := Probe(a, false)
	require.NoError(t, err)
	recB, err := Probe(b, false)
	require.NoError(t, err)

	assert.Equal(t, recA.Identity, recB.Identity)
	assert.GreaterOrEqual(t, recA.NLink, uint32(2))
}

func TestIsCircularSymlinkFalseForPlainError(t *testing.T) {
	assert.False(t, IsCircularSymlink(nil))
	assert.False(t, IsCircularSymlink(os.ErrNotExist))
}
