package pliststore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/munkirepo/internal/plist"
	"github.com/schaermu/munkirepo/internal/testutil"
)

const memRoot = "/repo"

type recordCall struct {
	op       string
	filePath string
	user     string
}

// fakeRecorder implements Recorder for testing.
type fakeRecorder struct {
	calls []recordCall
	err   error
}

func (f *fakeRecorder) RecordAdd(_ context.Context, filePath, user string) error {
	f.calls = append(f.calls, recordCall{op: "add", filePath: filePath, user: user})
	return f.err
}

func (f *fakeRecorder) RecordDelete(_ context.Context, filePath, user string) error {
	f.calls = append(f.calls, recordCall{op: "delete", filePath: filePath, user: user})
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newMemStore(t *testing.T, opts ...Option) (*Store, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	for _, kind := range []string{"manifests", "pkgsinfo"} {
		require.NoError(t, fsys.MkdirAll(filepath.Join(memRoot, kind), 0o755))
	}
	opts = append([]Option{WithLogger(testLogger())}, opts...)
	return NewStore(fsys, memRoot, opts...), fsys
}

func writeMem(t *testing.T, fsys afero.Fs, rel, content string) {
	t.Helper()
	path := filepath.Join(memRoot, filepath.FromSlash(rel))
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte(content), 0o644))
}

func sorted(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}

func TestList_EmptyKind(t *testing.T) {
	store, _ := newMemStore(t)

	got, err := store.List("manifests")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestList_MissingKindDirectory(t *testing.T) {
	store, _ := newMemStore(t)

	got, err := store.List("catalogs")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestList_Exclusions(t *testing.T) {
	store, fsys := newMemStore(t)
	for _, rel := range []string{
		"manifests/site_default",
		"manifests/lab/lab_default",
		"manifests/lab/students/room1",
		"manifests/.DS_Store",
		"manifests/lab/._room1",
		"manifests/.git/config",
		"manifests/.git/objects/ab/cdef",
		"manifests/.svn/entries",
		"manifests/lab/.AppleDouble/lab_default",
		"manifests/.drafts/visible_in_hidden_dir",
	} {
		writeMem(t, fsys, rel, "x")
	}

	got, err := store.List("manifests")
	require.NoError(t, err)

	assert.Equal(t, []string{
		".drafts/visible_in_hidden_dir",
		"lab/lab_default",
		"lab/students/room1",
		"site_default",
	}, sorted(got))

	for _, p := range got {
		assert.False(t, IsHidden(filepath.Base(p)), p)
	}
}

func TestList_SkipsSymlinkedDirectory(t *testing.T) {
	root := testutil.NewRepo(t, "pkgsinfo")
	target := t.TempDir()
	testutil.WriteTree(t, target, map[string]string{"inner.plist": "x"})
	testutil.WriteTree(t, filepath.Join(root, "pkgsinfo"), map[string]string{"app.plist": "x"})
	require.NoError(t, os.Symlink(target, filepath.Join(root, "pkgsinfo", "linked")))
	require.NoError(t, os.Symlink(filepath.Join(root, "pkgsinfo", "app.plist"), filepath.Join(root, "pkgsinfo", "alias.plist")))

	store := NewStore(afero.NewOsFs(), root)
	got, err := store.List("pkgsinfo")
	require.NoError(t, err)

	// Symlinks to files are still records.
	assert.Equal(t, []string{"alias.plist", "app.plist"}, sorted(got))
}

func TestList_Restartable(t *testing.T) {
	store, fsys := newMemStore(t)
	writeMem(t, fsys, "pkgsinfo/a.plist", "x")

	first, err := store.List("pkgsinfo")
	require.NoError(t, err)
	writeMem(t, fsys, "pkgsinfo/b.plist", "x")
	second, err := store.List("pkgsinfo")
	require.NoError(t, err)

	assert.Equal(t, []string{"a.plist"}, first)
	assert.Equal(t, []string{"a.plist", "b.plist"}, sorted(second))
}

func TestNew_PkgsinfoSkeletonCreatesDirectories(t *testing.T) {
	rec := &fakeRecorder{}
	store, fsys := newMemStore(t, WithRecorder(rec))

	data, err := store.New(context.Background(), "pkgsinfo", "foo/bar.plist", "alice", nil)
	require.NoError(t, err)

	info, err := fsys.Stat(filepath.Join(memRoot, "pkgsinfo", "foo"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	onDisk, err := afero.ReadFile(fsys, filepath.Join(memRoot, "pkgsinfo", "foo", "bar.plist"))
	require.NoError(t, err)
	assert.Equal(t, data, onDisk)

	parsed, err := plist.XMLCodec{}.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, plist.Skeleton("pkgsinfo"), parsed)
	assert.Equal(t, []any{"development"}, parsed["catalogs"])

	require.Len(t, rec.calls, 1)
	assert.Equal(t, recordCall{
		op:       "add",
		filePath: filepath.Join(memRoot, "pkgsinfo", "foo", "bar.plist"),
		user:     "alice",
	}, rec.calls[0])
}

func TestNew_ManifestSkeleton(t *testing.T) {
	store, _ := newMemStore(t)

	_, err := store.New(context.Background(), "manifests", "site_default", "alice", nil)
	require.NoError(t, err)

	got, err := store.Read("manifests", "site_default")
	require.NoError(t, err)
	require.Len(t, got, 6)
	for _, key := range []string{
		"catalogs", "included_manifests", "managed_installs",
		"managed_uninstalls", "managed_updates", "optional_installs",
	} {
		require.Contains(t, got, key)
		assert.Empty(t, got[key], key)
	}
}

func TestNew_OtherKindGetsEmptyRecord(t *testing.T) {
	store, _ := newMemStore(t)

	_, err := store.New(context.Background(), "catalogs", "testing", "", nil)
	require.NoError(t, err)

	got, err := store.Read("catalogs", "testing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNew_WithRecord(t *testing.T) {
	store, _ := newMemStore(t)
	in := plist.Record{"name": "Firefox", "version": "120.0", "catalogs": []any{"testing"}}

	_, err := store.New(context.Background(), "pkgsinfo", "apps/Firefox-120.0.plist", "", in)
	require.NoError(t, err)

	got, err := store.Read("pkgsinfo", "apps/Firefox-120.0.plist")
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestNew_AlreadyExistsLeavesFileUntouched(t *testing.T) {
	root := testutil.NewRepo(t, "pkgsinfo")
	rec := &fakeRecorder{}
	store := NewStore(afero.NewOsFs(), root, WithLogger(testLogger()), WithRecorder(rec))
	ctx := context.Background()

	first, err := store.New(ctx, "pkgsinfo", "foo/bar.plist", "alice", nil)
	require.NoError(t, err)

	filePath := filepath.Join(root, "pkgsinfo", "foo", "bar.plist")
	past := time.Now().Add(-time.Hour).Truncate(time.Second)
	require.NoError(t, os.Chtimes(filePath, past, past))

	_, err = store.New(ctx, "pkgsinfo", "foo/bar.plist", "alice", plist.Record{"name": "other"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	var storeErr *Error
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "new", storeErr.Op)
	assert.Equal(t, ID{Kind: "pkgsinfo", Path: "foo/bar.plist"}, storeErr.ID)

	onDisk, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, first, onDisk)

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(past), "mtime changed to %v", info.ModTime())

	assert.Len(t, rec.calls, 1, "failed create must not be recorded")
}

func TestNew_WriteErrors(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll(filepath.Join(memRoot, "pkgsinfo"), 0o755))
	rec := &fakeRecorder{}
	store := NewStore(afero.NewReadOnlyFs(base), memRoot, WithLogger(testLogger()), WithRecorder(rec))

	t.Run("missing parent", func(t *testing.T) {
		_, err := store.New(context.Background(), "pkgsinfo", "new/dir/app.plist", "alice", nil)
		assert.ErrorIs(t, err, ErrWrite)
	})

	t.Run("existing parent", func(t *testing.T) {
		_, err := store.New(context.Background(), "pkgsinfo", "app.plist", "alice", nil)
		assert.ErrorIs(t, err, ErrWrite)
		var storeErr *Error
		require.True(t, errors.As(err, &storeErr))
		assert.Error(t, storeErr.Unwrap())
	})

	assert.Empty(t, rec.calls)
}

func TestRead_DoesNotExist(t *testing.T) {
	store, _ := newMemStore(t)

	_, err := store.Read("pkgsinfo", "missing.plist")
	assert.ErrorIs(t, err, ErrDoesNotExist)
	assert.NotErrorIs(t, err, ErrRead)
}

func TestRead_UnparseableIsEmptyByDefault(t *testing.T) {
	store, fsys := newMemStore(t)
	writeMem(t, fsys, "pkgsinfo/broken.plist", `<?xml version="1.0" encoding="UTF-8"?><plist version="1.0"><dict><key>name</key>`)

	got, err := store.Read("pkgsinfo", "broken.plist")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRead_UnparseableStrict(t *testing.T) {
	store, fsys := newMemStore(t, WithStrictParsing())
	writeMem(t, fsys, "pkgsinfo/broken.plist", `<?xml version="1.0" encoding="UTF-8"?><plist version="1.0"><dict><key>name</key>`)

	_, err := store.Read("pkgsinfo", "broken.plist")
	assert.ErrorIs(t, err, ErrParse)
}

func TestRead_IOError(t *testing.T) {
	root := testutil.NewRepo(t, "pkgsinfo")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkgsinfo", "actually_a_dir"), 0o755))
	store := NewStore(afero.NewOsFs(), root, WithLogger(testLogger()))

	_, err := store.Read("pkgsinfo", "actually_a_dir")
	assert.ErrorIs(t, err, ErrRead)
}

func TestWrite_ThenRead(t *testing.T) {
	rec := &fakeRecorder{}
	store, _ := newMemStore(t, WithRecorder(rec))
	want := plist.Record{"name": "Munki", "catalogs": []any{"production"}, "uninstallable": true}
	data, err := plist.XMLCodec{}.Serialize(want)
	require.NoError(t, err)

	require.NoError(t, store.Write(context.Background(), data, "pkgsinfo", "tools/munki.plist", "bob"))

	got, err := store.Read("pkgsinfo", "tools/munki.plist")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	raw, err := store.ReadRaw("pkgsinfo", "tools/munki.plist")
	require.NoError(t, err)
	assert.Equal(t, data, raw)

	require.Len(t, rec.calls, 1)
	assert.Equal(t, "add", rec.calls[0].op)
	assert.Equal(t, "bob", rec.calls[0].user)
}

func TestWrite_OverwritesVerbatim(t *testing.T) {
	store, fsys := newMemStore(t)
	writeMem(t, fsys, "manifests/site_default", "old")

	require.NoError(t, store.Write(context.Background(), []byte("new"), "manifests", "site_default", ""))

	got, err := afero.ReadFile(fsys, filepath.Join(memRoot, "manifests", "site_default"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
}

func TestWrite_CreatesOnlyMissingDirectories(t *testing.T) {
	root := testutil.NewRepo(t, "manifests")
	testutil.WriteTree(t, root, map[string]string{"manifests/lab/existing": "x"})
	store := NewStore(afero.NewOsFs(), root, WithLogger(testLogger()))

	require.NoError(t, store.Write(context.Background(), []byte("y"), "manifests", "lab/a/b/room1", ""))

	for _, dir := range []string{"lab", "lab/a", "lab/a/b"} {
		info, err := os.Stat(filepath.Join(root, "manifests", filepath.FromSlash(dir)))
		require.NoError(t, err)
		assert.True(t, info.IsDir(), dir)
	}
	entries, err := os.ReadDir(filepath.Join(root, "manifests", "lab"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a", "existing"}, names)
}

func TestWrite_Error(t *testing.T) {
	base := afero.NewMemMapFs()
	rec := &fakeRecorder{}
	store := NewStore(afero.NewReadOnlyFs(base), memRoot, WithLogger(testLogger()), WithRecorder(rec))

	err := store.Write(context.Background(), []byte("x"), "manifests", "site_default", "alice")
	assert.ErrorIs(t, err, ErrWrite)
	assert.Empty(t, rec.calls)
}

func TestDelete(t *testing.T) {
	rec := &fakeRecorder{}
	store, _ := newMemStore(t, WithRecorder(rec))
	ctx := context.Background()

	_, err := store.New(ctx, "pkgsinfo", "foo/bar.plist", "alice", nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "pkgsinfo", "foo/bar.plist", "alice"))

	_, err = store.Read("pkgsinfo", "foo/bar.plist")
	assert.ErrorIs(t, err, ErrDoesNotExist)

	got, err := store.List("pkgsinfo")
	require.NoError(t, err)
	assert.NotContains(t, got, "foo/bar.plist")

	require.Len(t, rec.calls, 2)
	assert.Equal(t, "delete", rec.calls[1].op)
	assert.Equal(t, filepath.Join(memRoot, "pkgsinfo", "foo", "bar.plist"), rec.calls[1].filePath)
}

func TestDelete_DoesNotExist(t *testing.T) {
	rec := &fakeRecorder{}
	store, _ := newMemStore(t, WithRecorder(rec))

	err := store.Delete(context.Background(), "pkgsinfo", "missing.plist", "alice")
	assert.ErrorIs(t, err, ErrDoesNotExist)
	assert.Empty(t, rec.calls)
}

func TestDelete_Error(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll(filepath.Join(memRoot, "pkgsinfo"), 0o755))
	require.NoError(t, afero.WriteFile(base, filepath.Join(memRoot, "pkgsinfo", "app.plist"), []byte("x"), 0o644))
	store := NewStore(afero.NewReadOnlyFs(base), memRoot, WithLogger(testLogger()))

	err := store.Delete(context.Background(), "pkgsinfo", "app.plist", "")
	assert.ErrorIs(t, err, ErrDelete)

	exists, err := afero.Exists(base, filepath.Join(memRoot, "pkgsinfo", "app.plist"))
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRecorder_SkippedWithoutUser(t *testing.T) {
	rec := &fakeRecorder{}
	store, _ := newMemStore(t, WithRecorder(rec))
	ctx := context.Background()

	_, err := store.New(ctx, "manifests", "a", "", nil)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, []byte("x"), "manifests", "a", ""))
	require.NoError(t, store.Delete(ctx, "manifests", "a", ""))

	assert.Empty(t, rec.calls)
}

func TestRecorder_SkippedWithoutRecorder(t *testing.T) {
	store, _ := newMemStore(t)
	ctx := context.Background()

	_, err := store.New(ctx, "manifests", "a", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "manifests", "a", "alice"))
}

func TestRecorder_FailureDoesNotFailMutation(t *testing.T) {
	var logs bytes.Buffer
	rec := &fakeRecorder{err: errors.New("git commit failed")}
	store, fsys := newMemStore(t,
		WithRecorder(rec),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	ctx := context.Background()

	_, err := store.New(ctx, "manifests", "a", "alice", nil)
	require.NoError(t, err)
	require.NoError(t, store.Write(ctx, []byte("x"), "manifests", "a", "alice"))
	require.NoError(t, store.Delete(ctx, "manifests", "a", "alice"))

	exists, err := afero.Exists(fsys, filepath.Join(memRoot, "manifests", "a"))
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Len(t, rec.calls, 3)
	assert.Contains(t, logs.String(), "version control recording failed")
	assert.Contains(t, logs.String(), "created plist")
	assert.Contains(t, logs.String(), "wrote plist")
	assert.Contains(t, logs.String(), "deleted plist")
}

func TestInvalidPaths(t *testing.T) {
	store, fsys := newMemStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		kind string
		path string
	}{
		{name: "parent escape", kind: "manifests", path: "../pkgsinfo/app.plist"},
		{name: "nested escape", kind: "manifests", path: "lab/../../outside"},
		{name: "absolute", kind: "manifests", path: "/etc/passwd"},
		{name: "empty path", kind: "manifests", path: ""},
		{name: "dot path", kind: "manifests", path: "."},
		{name: "empty kind", kind: "", path: "a"},
		{name: "nested kind", kind: "manifests/lab", path: "a"},
		{name: "hidden kind", kind: ".git", path: "config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.New(ctx, tt.kind, tt.path, "", nil)
			assert.ErrorIs(t, err, ErrInvalidPath)
			_, err = store.Read(tt.kind, tt.path)
			assert.ErrorIs(t, err, ErrInvalidPath)
			assert.ErrorIs(t, store.Write(ctx, []byte("x"), tt.kind, tt.path, ""), ErrInvalidPath)
			assert.ErrorIs(t, store.Delete(ctx, tt.kind, tt.path, ""), ErrInvalidPath)
		})
	}

	exists, err := afero.Exists(fsys, "/pkgsinfo/app.plist")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanPathsAreEquivalent(t *testing.T) {
	store, _ := newMemStore(t)
	ctx := context.Background()

	_, err := store.New(ctx, "manifests", "lab/./room1", "", nil)
	require.NoError(t, err)

	_, err = store.New(ctx, "manifests", "lab/extra/../room1", "", nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	exists, err := store.Exists("manifests", "lab/room1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestWithKinds(t *testing.T) {
	store, _ := newMemStore(t, WithKinds([]string{"manifests"}))

	_, err := store.List("pkgsinfo")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = store.New(context.Background(), "pkgsinfo", "a.plist", "", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = store.New(context.Background(), "manifests", "a", "", nil)
	assert.NoError(t, err)
}

func TestErrorString(t *testing.T) {
	err := newError("delete", ID{Kind: "pkgsinfo", Path: "a.plist"}, ErrDelete, errors.New("permission denied"))
	assert.Equal(t, "delete pkgsinfo/a.plist: plist delete failed: permission denied", err.Error())

	err = newError("read", ID{Kind: "pkgsinfo", Path: "a.plist"}, ErrDoesNotExist, nil)
	assert.Equal(t, "read pkgsinfo/a.plist: plist does not exist", err.Error())
	assert.Nil(t, err.Unwrap())
}
