package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/surgeq/internal/engine/types"
	"github.com/surge-downloader/surgeq/internal/testutil"
)

type denyAll struct{}

func (denyAll) RequestStorage(context.Context, string) (bool, error) { return false, nil }

var fixedNow = time.UnixMilli(1700000000000)

func newTestResolver(t *testing.T) (*Resolver, string, string) {
	t.Helper()
	private := filepath.Join(t.TempDir(), "downloads")
	scratch := filepath.Join(t.TempDir(), "scratch")
	r := NewResolver(Options{
		PrivateDir:   private,
		ScratchDir:   scratch,
		VerifyOnDisk: true,
		Now:          func() time.Time { return fixedNow },
		FreeSpace:    func(string) (uint64, error) { return 1 << 40, nil },
	})
	return r, private, scratch
}

func TestResolve_PrivateFallback(t *testing.T) {
	r, private, _ := newTestResolver(t)

	target, err := r.Resolve(context.Background(), "id1", "", "report.pdf")
	require.NoError(t, err)

	assert.Equal(t, "report.pdf", target.Name)
	assert.Equal(t, filepath.Join(private, "report.pdf"), target.FinalPath)
	assert.Equal(t, target.FinalPath+types.IncompleteSuffix, target.WritePath)
	assert.False(t, target.Staged)
	assert.DirExists(t, private)
}

func TestResolve_SanitizesName(t *testing.T) {
	r, private, _ := newTestResolver(t)

	target, err := r.Resolve(context.Background(), "id1", "", `bad:name?.txt`)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(private, "badname.txt"), target.FinalPath)
}

func TestResolve_CollisionWithExistingFile(t *testing.T) {
	r, _, _ := newTestResolver(t)
	dir := t.TempDir()
	testutil.CreateTestFile(t, dir, "report.pdf", 10)

	target, err := r.Resolve(context.Background(), "id1", dir, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, "report_1700000000000.pdf", target.Name)
}

func TestResolve_CollisionBumpsTimestamp(t *testing.T) {
	r, _, _ := newTestResolver(t)
	dir := t.TempDir()
	testutil.CreateTestFile(t, dir, "a.bin", 1)
	testutil.CreateTestFile(t, dir, "a_1700000000000.bin", 1)

	target, err := r.Resolve(context.Background(), "id1", dir, "a.bin")
	require.NoError(t, err)
	assert.Equal(t, "a_1700000000001.bin", target.Name)
}

func TestResolve_CollisionWithPartialFile(t *testing.T) {
	r, _, _ := newTestResolver(t)
	dir := t.TempDir()
	testutil.CreateTestFile(t, dir, "movie.mkv"+types.IncompleteSuffix, 10)

	target, err := r.Resolve(context.Background(), "id1", dir, "movie.mkv")
	require.NoError(t, err)
	assert.NotEqual(t, "movie.mkv", target.Name)
}

func TestResolve_ConcurrentSameNameGetDistinctPaths(t *testing.T) {
	r, _, _ := newTestResolver(t)

	a, err := r.Resolve(context.Background(), "a", "", "same.bin")
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), "b", "", "same.bin")
	require.NoError(t, err)
	assert.NotEqual(t, a.FinalPath, b.FinalPath)

	r.Release("a")
	c, err := r.Resolve(context.Background(), "c", "", "same.bin")
	require.NoError(t, err)
	assert.Equal(t, a.FinalPath, c.FinalPath, "released names become free again")
}

func TestResolve_ReservePreventsReuse(t *testing.T) {
	r, private, _ := newTestResolver(t)
	r.Reserve("old", Target{FinalPath: filepath.Join(private, "x.bin")})

	target, err := r.Resolve(context.Background(), "new", "", "x.bin")
	require.NoError(t, err)
	assert.Equal(t, "x_1700000000000.bin", target.Name)
}

func TestResolve_PermissionDenied(t *testing.T) {
	r := NewResolver(Options{PrivateDir: t.TempDir(), Permissions: denyAll{}})

	_, err := r.Resolve(context.Background(), "id", "", "f.bin")
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
	assert.NotErrorIs(t, err, types.ErrWriteFailed)
}

func TestCommit_Direct(t *testing.T) {
	r, _, _ := newTestResolver(t)
	target, err := r.Resolve(context.Background(), "id", "", "file.bin")
	require.NoError(t, err)
	testutil.CreateTestFile(t, filepath.Dir(target.WritePath), filepath.Base(target.WritePath), 1000)

	final, err := r.Commit("id", target, 1000)
	require.NoError(t, err)
	assert.Equal(t, target.FinalPath, final)
	assert.NoError(t, testutil.VerifyFileSize(final, 1000))
	assert.NoFileExists(t, target.WritePath)
}

func TestCommit_SizeMismatchFails(t *testing.T) {
	r, _, _ := newTestResolver(t)
	target, err := r.Resolve(context.Background(), "id", "", "file.bin")
	require.NoError(t, err)
	testutil.CreateTestFile(t, filepath.Dir(target.WritePath), filepath.Base(target.WritePath), 999)

	_, err = r.Commit("id", target, 1000)
	assert.ErrorIs(t, err, types.ErrWriteFailed)
	assert.NoFileExists(t, target.FinalPath, "a short file is never published")

	r.Discard("id", target)
	assert.NoFileExists(t, target.WritePath)
	assert.Empty(t, testutil.ListFiles(t, filepath.Dir(target.FinalPath)))
}

func TestCommit_AddsSniffedExtension(t *testing.T) {
	r, _, _ := newTestResolver(t)
	target, err := r.Resolve(context.Background(), "id", "", "picture")
	require.NoError(t, err)

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	require.NoError(t, os.WriteFile(target.WritePath, png, 0o644))

	final, err := r.Commit("id", target, int64(len(png)))
	require.NoError(t, err)
	assert.Equal(t, target.FinalPath+".png", final)
	assert.FileExists(t, final)
}

func TestResolveAndCommit_TreeStaging(t *testing.T) {
	r, _, scratch := newTestResolver(t)
	treeDir := t.TempDir()
	root := TreeScheme + treeDir

	target, err := r.Resolve(context.Background(), "id", root, "doc.txt")
	require.NoError(t, err)
	assert.True(t, target.Staged)
	assert.Equal(t, filepath.Join(scratch, types.ScratchPrefix+"id"), target.WritePath)
	assert.Equal(t, root+"/doc.txt", target.FinalPath)

	require.NoError(t, os.WriteFile(target.WritePath, []byte("hello world"), 0o644))
	final, err := r.Commit("id", target, 11)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(treeDir, "doc.txt"), final)
	assert.NoError(t, testutil.VerifyFileContent(final, []byte("hello world")))
	assert.NoFileExists(t, target.WritePath, "scratch must not survive a commit")

	require.NoError(t, r.RemoveFile(root, final))
	assert.NoFileExists(t, final)
}

func TestCommit_TreeFailureRemovesScratch(t *testing.T) {
	r, _, _ := newTestResolver(t)
	treeDir := t.TempDir()
	root := TreeScheme + treeDir

	target, err := r.Resolve(context.Background(), "id", root, "doc.txt")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target.WritePath, []byte("abc"), 0o644))
	// Another writer takes the name before the copy
	testutil.CreateTestFile(t, treeDir, "doc.txt", 1)

	_, err = r.Commit("id", target, 3)
	assert.ErrorIs(t, err, types.ErrWriteFailed)
	assert.NoFileExists(t, target.WritePath)
}

func TestResolve_TreeCollision(t *testing.T) {
	r, _, _ := newTestResolver(t)
	treeDir := t.TempDir()
	testutil.CreateTestFile(t, treeDir, "doc.txt", 1)

	target, err := r.Resolve(context.Background(), "id", TreeScheme+treeDir, "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "doc_1700000000000.txt", target.Name)
}

func TestDiscard(t *testing.T) {
	r, _, _ := newTestResolver(t)
	target, err := r.Resolve(context.Background(), "id", "", "f.bin")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target.WritePath, []byte("partial"), 0o644))

	r.Discard("id", target)
	assert.NoFileExists(t, target.WritePath)

	again, err := r.Resolve(context.Background(), "id2", "", "f.bin")
	require.NoError(t, err)
	assert.Equal(t, target.FinalPath, again.FinalPath)
}

func TestPreflight(t *testing.T) {
	r := NewResolver(Options{
		PrivateDir: t.TempDir(),
		FreeSpace:  func(string) (uint64, error) { return 100, nil },
	})
	assert.NoError(t, r.Preflight("/x/y", 100))
	assert.ErrorIs(t, r.Preflight("/x/y", 101), types.ErrWriteFailed)

	unknown := NewResolver(Options{
		FreeSpace: func(string) (uint64, error) { return 0, errors.New("unsupported") },
	})
	assert.NoError(t, unknown.Preflight("/x/y", 1<<40), "unknown free space must not block writes")
}

func TestSelectFolder(t *testing.T) {
	r, _, _ := newTestResolver(t)
	dir := filepath.Join(t.TempDir(), "picked")

	root, err := r.SelectFolder(context.Background(), StaticPicker{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, root)
	assert.DirExists(t, dir)

	_, err = r.SelectFolder(context.Background(), StaticPicker{})
	assert.ErrorIs(t, err, types.ErrSelectionCancelled)

	_, err = r.SelectFolder(context.Background(), StaticPicker{Path: TreeScheme + filepath.Join(dir, "missing")})
	assert.ErrorIs(t, err, types.ErrWriteFailed)
}

func TestCleanScratch(t *testing.T) {
	r, _, scratch := newTestResolver(t)
	require.NoError(t, os.MkdirAll(scratch, 0o755))
	testutil.CreateTestFile(t, scratch, types.ScratchPrefix+"keep", 1)
	testutil.CreateTestFile(t, scratch, types.ScratchPrefix+"orphan", 1)

	r.CleanScratch(map[string]bool{"keep": true})
	assert.FileExists(t, filepath.Join(scratch, types.ScratchPrefix+"keep"))
	assert.NoFileExists(t, filepath.Join(scratch, types.ScratchPrefix+"orphan"))
}
