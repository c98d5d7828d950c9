package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexuskv/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWAL(t *testing.T, opts Options) (*WAL, []core.WALEntry) {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = t.TempDir()
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	w, recovered, err := Open(opts)
	require.NoError(t, err)
	return w, recovered
}

func makeEntry(i int) core.WALEntry {
	return core.WALEntry{
		EntryType: core.EntryTypePut,
		Key:       []byte(fmt.Sprintf("key-%04d", i)),
		Value:     []byte(fmt.Sprintf("value-%04d", i)),
		SeqNum:    uint64(i + 1),
	}
}

func TestWALAppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	w, recovered := newTestWAL(t, Options{Dir: dir})
	require.Empty(t, recovered)

	const numEntries = 50
	for i := 0; i < numEntries; i++ {
		require.NoError(t, w.Append(makeEntry(i)))
	}
	require.NoError(t, w.Close())

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, recovered, numEntries)
	for i, entry := range recovered {
		expected := makeEntry(i)
		assert.Equal(t, expected.Key, entry.Key)
		assert.Equal(t, expected.Value, entry.Value)
		assert.Equal(t, expected.SeqNum, entry.SeqNum)
		assert.Equal(t, core.EntryTypePut, entry.EntryType)
	}
}

func TestWALAppendBatchAtomicRecord(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir})

	batch := []core.WALEntry{makeEntry(0), makeEntry(1), makeEntry(2)}
	require.NoError(t, w.AppendBatch(batch))
	require.NoError(t, w.Close())

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, recovered, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i].Key, recovered[i].Key)
		assert.Equal(t, batch[i].SeqNum, recovered[i].SeqNum)
	}
}

func TestWALRotation(t *testing.T) {
	dir := t.TempDir()
	// Small max size forces frequent rotation.
	w, _ := newTestWAL(t, Options{Dir: dir, MaxSegmentSize: 256})

	for i := 0; i < 40; i++ {
		require.NoError(t, w.Append(makeEntry(i)))
	}
	assert.Greater(t, w.ActiveSegmentIndex(), uint64(1), "expected at least one rotation")
	require.NoError(t, w.Close())

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways, MaxSegmentSize: 256})
	require.NoError(t, err)
	defer w2.Close()
	assert.Len(t, recovered, 40)
}

func TestWALPurge(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir, MaxSegmentSize: 256})
	defer w.Close()

	for i := 0; i < 40; i++ {
		require.NoError(t, w.Append(makeEntry(i)))
	}
	active := w.ActiveSegmentIndex()
	require.Greater(t, active, uint64(2))

	require.NoError(t, w.Purge(active-1))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, f := range files {
		idx, err := core.ParseSegmentFileName(f.Name())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, idx, active, "purged segment %s still present", f.Name())
	}
}

func TestWALPurgeNeverDeletesActiveSegment(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir})
	defer w.Close()

	require.NoError(t, w.Append(makeEntry(0)))
	active := w.ActiveSegmentIndex()

	require.NoError(t, w.Purge(active))

	path := filepath.Join(dir, core.FormatSegmentFileName(active))
	_, err := os.Stat(path)
	assert.NoError(t, err, "active segment must survive purge")
}

func TestWALStartRecoveryIndexSkipsCheckpointedSegments(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir})

	require.NoError(t, w.Append(makeEntry(0)))
	firstSegment := w.ActiveSegmentIndex()
	require.NoError(t, w.Rotate())
	require.NoError(t, w.Append(makeEntry(1)))
	require.NoError(t, w.Close())

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways, StartRecoveryIndex: firstSegment})
	require.NoError(t, err)
	defer w2.Close()

	require.Len(t, recovered, 1)
	assert.Equal(t, makeEntry(1).Key, recovered[0].Key)
}

func TestWALRecoveryStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir})

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(makeEntry(i)))
	}
	segIdx := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	// Truncate the tail of the segment to simulate a crash mid-write.
	path := filepath.Join(dir, core.FormatSegmentFileName(segIdx))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-3))

	// The torn record is dropped; the prefix survives.
	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	require.NoError(t, w2.Close())
	assert.Len(t, recovered, 4)
}

func TestWALRecoveryDetectsCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir})

	require.NoError(t, w.Append(makeEntry(0)))
	require.NoError(t, w.Append(makeEntry(1)))
	segIdx := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	// Flip a byte inside the first record's payload.
	path := filepath.Join(dir, core.FormatSegmentFileName(segIdx))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := 14 // FileHeader packed size
	data[headerSize+6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	assert.ErrorIs(t, err, core.ErrCorrupted)
	assert.Nil(t, w2)
	assert.Empty(t, recovered, "no entries should be recovered past corruption")
}

func TestWALCorruptionInOlderSegmentFailsOpen(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir, MaxSegmentSize: 256})

	for i := 0; i < 30; i++ {
		require.NoError(t, w.Append(makeEntry(i)))
	}
	require.Greater(t, w.ActiveSegmentIndex(), uint64(2))
	require.NoError(t, w.Close())

	// Flip a byte in the first record of the first segment. The segments
	// after it are intact, so recovery must refuse to continue rather than
	// silently drop them.
	path := filepath.Join(dir, core.FormatSegmentFileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	headerSize := 14
	data[headerSize+6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways, MaxSegmentSize: 256})
	assert.ErrorIs(t, err, core.ErrCorrupted)
	assert.Nil(t, w2)
	assert.Empty(t, recovered)
}

func TestWALTornTailInOlderSegmentFailsOpen(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestWAL(t, Options{Dir: dir, MaxSegmentSize: 256})

	for i := 0; i < 30; i++ {
		require.NoError(t, w.Append(makeEntry(i)))
	}
	require.Greater(t, w.ActiveSegmentIndex(), uint64(2))
	require.NoError(t, w.Close())

	// A truncated record is only acceptable at the tail of the newest
	// segment; in an older one it hides the intact segments behind it.
	path := filepath.Join(dir, core.FormatSegmentFileName(1))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-3))

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways, MaxSegmentSize: 256})
	assert.Error(t, err)
	assert.Nil(t, w2)
	assert.Empty(t, recovered)
}

func TestWALInjectedAppendError(t *testing.T) {
	w, _ := newTestWAL(t, Options{})
	defer w.Close()

	injected := fmt.Errorf("disk on fire")
	w.SetTestingOnlyInjectAppendError(injected)
	err := w.Append(makeEntry(0))
	assert.ErrorIs(t, err, injected)
}
