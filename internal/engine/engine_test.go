package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casedata-io/lexgo/internal/fs"
	"github.com/casedata-io/lexgo/internal/segment"
	"github.com/casedata-io/lexgo/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	sc, err := schema.Parse([]byte(`{
		"fields": [
			{"name": "title", "type": "text"},
			{"name": "year", "type": "i64", "fast": true}
		]
	}`))
	require.NoError(t, err)
	return sc
}

func testOptions() Options {
	return Options{Policy: NoMergePolicy{}}
}

func createEngine(t *testing.T, dir string, o Options) *Engine {
	t.Helper()
	e, err := Create(dir, testSchema(t), o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCreateOpenLifecycle(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "the dark knight", "year": 2008}))
	require.NoError(t, e.Add(map[string]any{"title": "heat", "year": 1995}))

	// Nothing is visible before commit.
	snap, err := e.AcquireSnapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.LiveDocs())
	snap.DecRef()

	live, seq, err := e.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), live)
	assert.Equal(t, uint64(1), seq)
	require.NoError(t, e.Close())

	// Committed state survives a reopen.
	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()

	snap, err = e2.AcquireSnapshot()
	require.NoError(t, err)
	defer snap.DecRef()
	assert.Equal(t, uint64(2), snap.LiveDocs())
	assert.Equal(t, uint64(1), snap.Seq())
	require.Len(t, snap.Segments(), 1)

	_, ok := snap.Segments()[0].LookupTerm(0, []byte("dark"))
	assert.True(t, ok)
}

func TestCreateRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())
	require.NoError(t, e.Close())

	_, err := Create(dir, testSchema(t), testOptions())
	assert.ErrorIs(t, err, ErrExists)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(t.TempDir(), testOptions())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocking(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	_, err := Open(dir, testOptions())
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, e.Close())

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, e2.Close())
}

func TestCommitNothingPending(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "heat"}))
	_, seq, err := e.Commit()
	require.NoError(t, err)

	// An empty commit changes nothing, including the sequence number.
	live, seq2, err := e.Commit()
	require.NoError(t, err)
	assert.Equal(t, seq, seq2)
	assert.Equal(t, uint64(1), live)
}

func TestDeleteByTerm(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "the dark knight", "year": 2008}))
	require.NoError(t, e.Add(map[string]any{"title": "dark city", "year": 1998}))
	require.NoError(t, e.Add(map[string]any{"title": "heat", "year": 1995}))
	_, _, err := e.Commit()
	require.NoError(t, err)

	require.NoError(t, e.DeleteByTerm("title", "Dark"))
	live, _, err := e.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), live)

	snap, err := e.AcquireSnapshot()
	require.NoError(t, err)
	defer snap.DecRef()
	seg := snap.Segments()[0]
	assert.True(t, snap.Deleted(seg.ID(), 0))
	assert.True(t, snap.Deleted(seg.ID(), 1))
	assert.False(t, snap.Deleted(seg.ID(), 2))

	// Tombstones survive a reopen.
	require.NoError(t, e.Close())
	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()

	snap2, err := e2.AcquireSnapshot()
	require.NoError(t, err)
	defer snap2.DecRef()
	assert.Equal(t, uint64(1), snap2.LiveDocs())
}

func TestDeleteByNumericTerm(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "the dark knight", "year": 2008}))
	require.NoError(t, e.Add(map[string]any{"title": "heat", "year": 1995}))
	_, _, err := e.Commit()
	require.NoError(t, err)

	require.NoError(t, e.DeleteByTerm("year", 1995))
	live, _, err := e.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), live)
}

func TestDeleteRejections(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	var de *schema.DocumentError
	assert.ErrorAs(t, e.DeleteByTerm("nope", "x"), &de)
	assert.ErrorAs(t, e.DeleteByTerm("title", 42), &de)
	assert.ErrorAs(t, e.DeleteByTerm("title", "two words"), &de)
	assert.ErrorAs(t, e.DeleteByTerm("year", "not a number"), &de)

	// A value that analyzes to nothing deletes nothing.
	require.NoError(t, e.DeleteByTerm("title", "..."))
}

func TestDeleteReachesPendingSegments(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	// A delete queued before the first commit must cover documents that are
	// still buffered when it is queued.
	require.NoError(t, e.Add(map[string]any{"title": "doomed", "year": 1}))
	require.NoError(t, e.Add(map[string]any{"title": "kept", "year": 2}))
	require.NoError(t, e.DeleteByTerm("title", "doomed"))

	live, _, err := e.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), live)
}

func TestCommitFailureKeepsStateAndRetries(t *testing.T) {
	dir := t.TempDir()
	faulty := fs.NewFaultyFS(fs.Default)
	o := testOptions()
	o.FS = faulty
	e := createEngine(t, dir, o)

	require.NoError(t, e.Add(map[string]any{"title": "the dark knight", "year": 2008}))

	faulty.AddRule("MANIFEST-", fs.Fault{FailOnSync: true})
	_, _, err := e.Commit()
	var ce *CommitError
	require.ErrorAs(t, err, &ce)
	require.ErrorIs(t, err, fs.ErrInjected)

	// The published view is unchanged after the failed commit.
	snap, err2 := e.AcquireSnapshot()
	require.NoError(t, err2)
	assert.Equal(t, uint64(0), snap.LiveDocs())
	snap.DecRef()

	// The flushed segment and the delete queue are retained; a retry
	// publishes them.
	faulty.Clear()
	live, seq, err := e.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), live)
	assert.Equal(t, uint64(1), seq)
}

func TestOpenRemovesOrphans(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())
	require.NoError(t, e.Add(map[string]any{"title": "kept", "year": 1}))
	_, _, err := e.Commit()
	require.NoError(t, err)
	require.NoError(t, e.Close())

	// Plant files a crash between flush and commit would leave behind.
	orphanSeg := filepath.Join(dir, segment.Filename(999))
	orphanTmp := filepath.Join(dir, segment.Filename(998)+".tmp")
	require.NoError(t, os.WriteFile(orphanSeg, []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(orphanTmp, []byte("junk"), 0o644))

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()

	_, err = os.Stat(orphanSeg)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(orphanTmp)
	assert.True(t, os.IsNotExist(err))

	// The live segment is untouched.
	snap, err := e2.AcquireSnapshot()
	require.NoError(t, err)
	defer snap.DecRef()
	assert.Equal(t, uint64(1), snap.LiveDocs())
}

func TestMergePublishesAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	// Two commits produce two segments.
	require.NoError(t, e.Add(map[string]any{"title": "the dark knight", "year": 2008}))
	_, _, err := e.Commit()
	require.NoError(t, err)
	require.NoError(t, e.Add(map[string]any{"title": "dark city", "year": 1998}))
	_, _, err = e.Commit()
	require.NoError(t, err)

	// Tombstone one doc so the merge drops it for good.
	require.NoError(t, e.DeleteByTerm("title", "city"))
	_, _, err = e.Commit()
	require.NoError(t, err)

	ids := e.LiveSegmentIDs()
	require.Len(t, ids, 2)
	require.NoError(t, e.Merge(ids))

	snap, err := e.AcquireSnapshot()
	require.NoError(t, err)
	defer snap.DecRef()
	require.Len(t, snap.Segments(), 1)
	assert.Equal(t, uint64(1), snap.LiveDocs())
	// Merging materialized the tombstones; none remain.
	assert.Nil(t, snap.Tombstones(snap.Segments()[0].ID()))

	// The input files are deleted once nothing references them.
	for _, id := range ids {
		_, err := os.Stat(filepath.Join(dir, segment.Filename(id)))
		assert.True(t, os.IsNotExist(err), "segment %d should be gone", id)
	}

	// Merged state survives a reopen.
	require.NoError(t, e.Close())
	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()
	snap2, err := e2.AcquireSnapshot()
	require.NoError(t, err)
	defer snap2.DecRef()
	assert.Equal(t, uint64(1), snap2.LiveDocs())
}

func TestMergeWaitsForPinnedSnapshots(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "one", "year": 1}))
	_, _, err := e.Commit()
	require.NoError(t, err)
	require.NoError(t, e.Add(map[string]any{"title": "two", "year": 2}))
	_, _, err = e.Commit()
	require.NoError(t, err)

	ids := e.LiveSegmentIDs()

	// A reader holding the old snapshot keeps the input files alive.
	pinned, err := e.AcquireSnapshot()
	require.NoError(t, err)

	require.NoError(t, e.Merge(ids))
	for _, id := range ids {
		_, err := os.Stat(filepath.Join(dir, segment.Filename(id)))
		assert.NoError(t, err, "segment %d must persist while pinned", id)
	}

	// The pinned view still reads its own segment set.
	assert.Equal(t, uint64(2), pinned.LiveDocs())
	require.Len(t, pinned.Segments(), 2)

	pinned.DecRef()
	for _, id := range ids {
		_, err := os.Stat(filepath.Join(dir, segment.Filename(id)))
		assert.True(t, os.IsNotExist(err), "segment %d should be gone after release", id)
	}
}

func TestMergeRejectsDeadSegment(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "one", "year": 1}))
	_, _, err := e.Commit()
	require.NoError(t, err)

	var me *MergeError
	err = e.Merge([]uint64{1, 999})
	require.ErrorAs(t, err, &me)

	// A single input without tombstones is a no-op, as is an empty list.
	require.NoError(t, e.Merge([]uint64{1}))
	require.NoError(t, e.Merge(nil))
}

func TestMergeCompactsSingleSegmentTombstones(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "the dark knight", "year": 2008}))
	require.NoError(t, e.Add(map[string]any{"title": "dark city", "year": 1998}))
	_, _, err := e.Commit()
	require.NoError(t, err)
	require.NoError(t, e.DeleteByTerm("title", "city"))
	_, _, err = e.Commit()
	require.NoError(t, err)

	ids := e.LiveSegmentIDs()
	require.Len(t, ids, 1)
	require.NoError(t, e.Merge(ids))

	// The lone segment was rewritten without its tombstoned document.
	snap, err := e.AcquireSnapshot()
	require.NoError(t, err)
	defer snap.DecRef()
	require.Len(t, snap.Segments(), 1)
	rewritten := snap.Segments()[0]
	assert.NotEqual(t, ids[0], rewritten.ID())
	assert.Equal(t, uint32(1), rewritten.NumDocs())
	assert.Equal(t, uint64(1), snap.LiveDocs())
	assert.Nil(t, snap.Tombstones(rewritten.ID()))

	_, err = os.Stat(filepath.Join(dir, segment.Filename(ids[0])))
	assert.True(t, os.IsNotExist(err), "input segment file should be gone")
}

func TestAutoFlushOnBufferLimit(t *testing.T) {
	dir := t.TempDir()
	o := testOptions()
	o.WriteBufferLimit = 1 // every Add flushes
	e := createEngine(t, dir, o)

	require.NoError(t, e.Add(map[string]any{"title": "one", "year": 1}))
	require.NoError(t, e.Add(map[string]any{"title": "two", "year": 2}))

	st := e.Stats()
	assert.Equal(t, 2, st.PendingSegments)
	assert.Equal(t, uint64(2), st.BufferedDocs)
	// Flushed but uncommitted segments stay invisible.
	assert.Equal(t, uint64(0), st.LiveDocs)

	live, _, err := e.Commit()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), live)
}

func TestCloseDiscardsUncommitted(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "lost", "year": 1}))
	require.NoError(t, e.Close())

	// Close is idempotent.
	require.NoError(t, e.Close())

	e2, err := Open(dir, testOptions())
	require.NoError(t, err)
	defer func() { _ = e2.Close() }()
	snap, err := e2.AcquireSnapshot()
	require.NoError(t, err)
	defer snap.DecRef()
	assert.Equal(t, uint64(0), snap.LiveDocs())
}

func TestOperationsAfterClose(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Add(map[string]any{"title": "x"}), ErrClosed)
	assert.ErrorIs(t, e.DeleteByTerm("title", "x"), ErrClosed)
	_, _, err := e.Commit()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.AcquireSnapshot()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Merge([]uint64{1, 2}), ErrClosed)
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	e := createEngine(t, dir, testOptions())

	require.NoError(t, e.Add(map[string]any{"title": "one", "year": 1}))
	require.NoError(t, e.Add(map[string]any{"title": "two", "year": 2}))
	_, _, err := e.Commit()
	require.NoError(t, err)
	require.NoError(t, e.DeleteByTerm("title", "one"))
	_, _, err = e.Commit()
	require.NoError(t, err)

	st := e.Stats()
	assert.Equal(t, uint64(2), st.Seq)
	assert.Equal(t, 1, st.NumSegments)
	assert.Equal(t, uint64(1), st.LiveDocs)
	// Tombstoned docs still count into the raw total until a merge.
	assert.Equal(t, uint64(2), st.TotalDocs)
	assert.Equal(t, uint64(0), st.BufferedDocs)
}
