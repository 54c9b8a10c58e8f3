package archive_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casedata-io/lexgo"
	"github.com/casedata-io/lexgo/archive"
)

const testSchema = `{
	"fields": [
		{"name": "title", "type": "text"},
		{"name": "year", "type": "i64", "fast": true}
	]
}`

func buildIndex(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	idx, err := lexgo.CreateFromJSON(dir, []byte(testSchema))
	require.NoError(t, err)
	defer func() { require.NoError(t, idx.Close()) }()

	require.NoError(t, idx.AddDocument(map[string]any{"title": "the dark knight", "year": 2008}))
	require.NoError(t, idx.AddDocument(map[string]any{"title": "heat", "year": 1995}))
	_, err = idx.Commit()
	require.NoError(t, err)
	return dir
}

func TestWriteRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := buildIndex(t)
	store := archive.NewMemoryStore()

	require.NoError(t, archive.Write(ctx, store, "backups/books.tar.zst", src))

	dst := t.TempDir()
	require.NoError(t, archive.Restore(ctx, store, "backups/books.tar.zst", dst))

	// The restored directory opens like the original.
	idx, err := lexgo.Open(dst)
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	n, err := idx.NumDocs()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	out, err := idx.SearchJSON(ctx, []byte(`{"type": "text", "query": "knight"}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "the dark knight")
}

func TestWriteSkipsUncommitted(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx, err := lexgo.CreateFromJSON(dir, []byte(testSchema))
	require.NoError(t, err)

	require.NoError(t, idx.AddDocument(map[string]any{"title": "committed", "year": 1}))
	_, err = idx.Commit()
	require.NoError(t, err)
	require.NoError(t, idx.AddDocument(map[string]any{"title": "buffered", "year": 2}))

	store := archive.NewMemoryStore()
	require.NoError(t, archive.Write(ctx, store, "snap", dir))
	require.NoError(t, idx.Close())

	dst := t.TempDir()
	require.NoError(t, archive.Restore(ctx, store, "snap", dst))

	restored, err := lexgo.Open(dst)
	require.NoError(t, err)
	defer func() { _ = restored.Close() }()

	n, err := restored.NumDocs()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestWriteNoIndex(t *testing.T) {
	err := archive.Write(context.Background(), archive.NewMemoryStore(), "x", t.TempDir())
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestRestoreRefusesExistingIndex(t *testing.T) {
	ctx := context.Background()
	src := buildIndex(t)
	store := archive.NewMemoryStore()
	require.NoError(t, archive.Write(ctx, store, "snap", src))

	// Restoring over a directory that already holds an index must fail
	// before touching anything.
	err := archive.Restore(ctx, store, "snap", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already holds an index")
}

func TestRestoreMissingArchive(t *testing.T) {
	err := archive.Restore(context.Background(), archive.NewMemoryStore(), "nope", t.TempDir())
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store, err := archive.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "a.tar.zst", strings.NewReader("alpha")))
	require.NoError(t, store.Put(ctx, "b.tar.zst", strings.NewReader("beta")))

	rc, err := store.Open(ctx, "a.tar.zst")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "alpha", string(data))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.tar.zst", "b.tar.zst"}, names)

	// Overwrite replaces the blob atomically.
	require.NoError(t, store.Put(ctx, "a.tar.zst", strings.NewReader("alpha2")))
	rc, err = store.Open(ctx, "a.tar.zst")
	require.NoError(t, err)
	data, _ = io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "alpha2", string(data))

	require.NoError(t, store.Delete(ctx, "a.tar.zst"))
	require.NoError(t, store.Delete(ctx, "a.tar.zst")) // tolerates missing
	_, err = store.Open(ctx, "a.tar.zst")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := archive.NewMemoryStore()

	require.NoError(t, store.Put(ctx, "backups/a", strings.NewReader("alpha")))
	require.NoError(t, store.Put(ctx, "backups/b", strings.NewReader("beta")))
	require.NoError(t, store.Put(ctx, "other/c", strings.NewReader("gamma")))

	names, err := store.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/a", "backups/b"}, names)

	_, err = store.Open(ctx, "missing")
	assert.ErrorIs(t, err, archive.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "backups/a"))
	names, err = store.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/b"}, names)
}
