package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngineOptions(dataDir string) StorageEngineOptions {
	return StorageEngineOptions{
		DataDir:              dataDir,
		MemtableThreshold:    4 * 1024,
		MaxL0Files:           4,
		MaxLevels:            4,
		BaseTargetSize:       16 * 1024,
		CompactionInterval:   time.Hour, // Tests drive compaction explicitly.
		BackgroundMaxRetries: 2,
		WALSyncMode:          wal.SyncAlways,
	}
}

func newTestEngine(t *testing.T, dataDir string) *StorageEngine {
	t.Helper()
	e, err := NewStorageEngine(newTestEngineOptions(dataDir))
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEnginePutGetDelete(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("alpha"), []byte("one")))
	require.NoError(t, e.Put(ctx, []byte("beta"), []byte("two")))

	val, err := e.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), val)

	// Overwrite: newest version wins.
	require.NoError(t, e.Put(ctx, []byte("alpha"), []byte("uno")))
	val, err = e.Get(ctx, []byte("alpha"))
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), val)

	require.NoError(t, e.Delete(ctx, []byte("alpha")))
	_, err = e.Get(ctx, []byte("alpha"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	// Deleting a missing key is not an error.
	require.NoError(t, e.Delete(ctx, []byte("never-existed")))

	_, err = e.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineRejectsEmptyKey(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	assert.Error(t, e.Put(ctx, nil, []byte("v")))
	assert.Error(t, e.Delete(ctx, nil))
}

func TestEngineGetFromFlushedSSTable(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("persist-me"), []byte("payload")))
	require.NoError(t, e.Delete(ctx, []byte("gone")))
	require.NoError(t, e.TriggerFlush(true))

	require.Greater(t, e.levels.GetTotalTableCount(), 0)

	val, err := e.Get(ctx, []byte("persist-me"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), val)

	_, err = e.Get(ctx, []byte("gone"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineTombstoneShadowsFlushedValue(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("key"), []byte("old")))
	require.NoError(t, e.TriggerFlush(true))

	// Tombstone in the memtable must hide the sstable value.
	require.NoError(t, e.Delete(ctx, []byte("key")))
	_, err := e.Get(ctx, []byte("key"))
	assert.ErrorIs(t, err, core.ErrNotFound)

	// And after flushing the tombstone too.
	require.NoError(t, e.TriggerFlush(true))
	_, err = e.Get(ctx, []byte("key"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineScanMergesAllSources(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, e.Put(ctx, []byte("c"), []byte("flushed")))
	require.NoError(t, e.TriggerFlush(true))

	require.NoError(t, e.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, e.Put(ctx, []byte("c"), []byte("3"))) // Shadows the flushed version.
	require.NoError(t, e.Delete(ctx, []byte("a")))           // Hidden from the scan.
	require.NoError(t, e.Put(ctx, []byte("d"), []byte("4")))

	iter, err := e.Scan(ctx, nil, nil, core.Ascending)
	require.NoError(t, err)
	defer iter.Close()

	var keys, values []string
	for iter.Next() {
		entry, err := iter.At()
		require.NoError(t, err)
		keys = append(keys, string(entry.Key))
		values = append(values, string(entry.Value))
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"b", "c", "d"}, keys)
	assert.Equal(t, []string{"2", "3", "4"}, values)
}

func TestEngineScanRangeDescending(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		require.NoError(t, e.Put(ctx, key, []byte{byte(i)}))
	}

	iter, err := e.Scan(ctx, []byte("k01"), []byte("k04"), core.Descending)
	require.NoError(t, err)
	defer iter.Close()

	var keys []string
	for iter.Next() {
		entry, err := iter.At()
		require.NoError(t, err)
		keys = append(keys, string(entry.Key))
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"k03", "k02", "k01"}, keys)
}

func TestEnginePutBatchAtomicRecovery(t *testing.T) {
	dataDir := t.TempDir()
	e := newTestEngine(t, dataDir)
	ctx := context.Background()

	require.NoError(t, e.PutBatch(ctx, []core.Command{
		{Type: core.EntryTypePut, Key: []byte("b1"), Value: []byte("v1")},
		{Type: core.EntryTypePut, Key: []byte("b2"), Value: []byte("v2")},
		{Type: core.EntryTypeDelete, Key: []byte("b1")},
	}))
	require.NoError(t, e.Close())

	reopened := newTestEngine(t, dataDir)
	_, err := reopened.Get(ctx, []byte("b1"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	val, err := reopened.Get(ctx, []byte("b2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestEngineRecoversFromWAL(t *testing.T) {
	dataDir := t.TempDir()
	e := newTestEngine(t, dataDir)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("durable"), []byte("value")))
	require.NoError(t, e.Delete(ctx, []byte("durable-then-deleted")))
	seqBefore := e.seqNum.Load()
	// Close without flushing: the data only exists in the WAL.
	require.NoError(t, e.Close())

	reopened := newTestEngine(t, dataDir)
	assert.Equal(t, seqBefore, reopened.seqNum.Load())

	val, err := reopened.Get(ctx, []byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
	_, err = reopened.Get(ctx, []byte("durable-then-deleted"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineRefusesToOpenWithCorruptWALSegment(t *testing.T) {
	dataDir := t.TempDir()
	opts := newTestEngineOptions(dataDir)
	// Tiny segments so unflushed writes span many WAL files.
	opts.WALMaxSegmentSize = 256

	e, err := NewStorageEngine(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		require.NoError(t, e.Put(ctx, []byte(fmt.Sprintf("key-%02d", i)), []byte(fmt.Sprintf("val-%02d", i))))
	}
	require.NoError(t, e.Close())

	walDir := filepath.Join(dataDir, walDirName)
	segments, err := os.ReadDir(walDir)
	require.NoError(t, err)
	require.Greater(t, len(segments), 2)

	// Flip a byte inside the first segment's first record. Every later
	// segment is intact, so a reopen that swallowed this would silently
	// drop acknowledged writes; it must fail instead.
	path := filepath.Join(walDir, core.FormatSegmentFileName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[20] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = NewStorageEngine(opts)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestEngineToleratesTornWALTail(t *testing.T) {
	dataDir := t.TempDir()
	e := newTestEngine(t, dataDir)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Put(ctx, []byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("val-%d", i))))
	}
	require.NoError(t, e.Close())

	// Chop the last few bytes off the newest segment, as a crash mid-write
	// would. The torn record is dropped, the prefix is replayed.
	walDir := filepath.Join(dataDir, walDirName)
	segments, err := os.ReadDir(walDir)
	require.NoError(t, err)
	last := segments[len(segments)-1]
	path := filepath.Join(walDir, last.Name())
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-3))

	reopened := newTestEngine(t, dataDir)
	for i := 0; i < 4; i++ {
		val, err := reopened.Get(ctx, []byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("val-%d", i)), val)
	}
	_, err = reopened.Get(ctx, []byte("key-4"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineReopensFromManifest(t *testing.T) {
	dataDir := t.TempDir()
	e := newTestEngine(t, dataDir)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("manifested"), []byte("value")))
	require.NoError(t, e.TriggerFlush(true))
	tableCount := e.levels.GetTotalTableCount()
	require.Greater(t, tableCount, 0)
	nextID := e.nextSSTableID.Load()
	require.NoError(t, e.Close())

	reopened := newTestEngine(t, dataDir)
	assert.Equal(t, tableCount, reopened.levels.GetTotalTableCount())
	// Fresh sstables must never reuse an existing ID.
	assert.GreaterOrEqual(t, reopened.nextSSTableID.Load(), nextID)

	val, err := reopened.Get(ctx, []byte("manifested"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), val)
}

func TestEngineFlushAdvancesCheckpointAndPurgesWAL(t *testing.T) {
	dataDir := t.TempDir()
	e := newTestEngine(t, dataDir)
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("k"), []byte("v")))
	require.NoError(t, e.TriggerFlush(true))

	// The checkpoint file must cover the flushed memtable's WAL segment.
	matches, err := filepath.Glob(filepath.Join(dataDir, core.CheckpointFileName))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// Reopen: nothing to replay, but the flushed value is still visible.
	require.NoError(t, e.Close())
	reopened := newTestEngine(t, dataDir)
	assert.Equal(t, int64(0), reopened.metrics.WALRecoveredEntriesTotal.Value())
	val, err := reopened.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestEngineApplyCommandIdempotent(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	put := func(index uint64, key, value string) error {
		return e.ApplyCommand(index, core.EncodeCommand(core.Command{
			Type:  core.EntryTypePut,
			Key:   []byte(key),
			Value: []byte(value),
		}))
	}

	require.NoError(t, put(1, "k", "v1"))
	require.NoError(t, put(2, "k", "v2"))
	assert.Equal(t, uint64(2), e.LastAppliedIndex())

	// Re-applying an already applied index is a silent no-op.
	require.NoError(t, put(1, "k", "stale"))
	assert.Equal(t, uint64(2), e.LastAppliedIndex())
	assert.Equal(t, int64(1), e.metrics.ApplySkippedTotal.Value())

	val, err := e.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)

	// Delete through the replicated path.
	require.NoError(t, e.ApplyCommand(3, core.EncodeCommand(core.Command{
		Type: core.EntryTypeDelete,
		Key:  []byte("k"),
	})))
	_, err = e.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngineApplyCommandRejectsGarbage(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	err := e.ApplyCommand(1, []byte{0xFF, 0x01})
	assert.ErrorIs(t, err, core.ErrCorrupted)
	assert.Equal(t, uint64(0), e.LastAppliedIndex())
}

func TestEngineDegradedModeOnFlushFailure(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	require.NoError(t, e.Put(ctx, []byte("k"), []byte("v")))
	e.SetTestingOnlyInjectFlushError(errors.New("disk on fire"))

	err := e.TriggerFlush(true)
	assert.ErrorIs(t, err, ErrDegraded)

	// Writes are rejected, reads still work.
	assert.ErrorIs(t, e.Put(ctx, []byte("k2"), []byte("v2")), ErrDegraded)
	assert.ErrorIs(t, e.Delete(ctx, []byte("k")), ErrDegraded)
	assert.ErrorIs(t, e.ApplyCommand(10, core.EncodeCommand(core.Command{
		Type: core.EntryTypePut, Key: []byte("x"),
	})), ErrDegraded)

	val, err := e.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
}

func TestEngineCompactionMergesL0IntoL1(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()

	// Several overlapping L0 tables with successive versions of the same keys.
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			key := []byte(fmt.Sprintf("key-%d", i))
			value := []byte(fmt.Sprintf("round-%d", round))
			require.NoError(t, e.Put(ctx, key, value))
		}
		require.NoError(t, e.TriggerFlush(true))
	}
	require.NoError(t, e.Delete(ctx, []byte("key-0")))
	require.NoError(t, e.TriggerFlush(true))
	require.Equal(t, 4, len(e.levels.GetTablesForLevel(0)))

	require.NoError(t, e.compactL0())

	assert.Empty(t, e.levels.GetTablesForLevel(0))
	assert.NotEmpty(t, e.levels.GetTablesForLevel(1))
	assert.Empty(t, e.levels.VerifyConsistency())

	_, err := e.Get(ctx, []byte("key-0"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	for i := 1; i < 4; i++ {
		val, err := e.Get(ctx, []byte(fmt.Sprintf("key-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte("round-2"), val)
	}
}

func TestEngineSnapshotRestoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	source := newTestEngine(t, t.TempDir())

	for i := 0; i < 20; i++ {
		require.NoError(t, source.Put(ctx, []byte(fmt.Sprintf("key-%02d", i)), []byte(fmt.Sprintf("val-%02d", i))))
	}
	require.NoError(t, source.Delete(ctx, []byte("key-05")))
	sourceSeq := source.seqNum.Load()

	snapshotDir := filepath.Join(t.TempDir(), "snap")
	require.NoError(t, source.CreateSnapshot(ctx, snapshotDir))

	target := newTestEngine(t, t.TempDir())
	require.NoError(t, target.Put(ctx, []byte("pre-restore"), []byte("discarded")))
	require.NoError(t, target.RestoreFromSnapshot(ctx, snapshotDir))

	assert.Equal(t, sourceSeq, target.seqNum.Load())
	assert.Equal(t, sourceSeq, target.LastAppliedIndex())

	_, err := target.Get(ctx, []byte("pre-restore"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = target.Get(ctx, []byte("key-05"))
	assert.ErrorIs(t, err, core.ErrNotFound)
	for _, i := range []int{0, 7, 19} {
		val, err := target.Get(ctx, []byte(fmt.Sprintf("key-%02d", i)))
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("val-%02d", i)), val)
	}

	// The restored node keeps working and survives a reopen.
	require.NoError(t, target.Put(ctx, []byte("post-restore"), []byte("alive")))
	dataDir := target.dataDir
	require.NoError(t, target.Close())

	reopened := newTestEngine(t, dataDir)
	val, err := reopened.Get(ctx, []byte("post-restore"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alive"), val)
	val, err = reopened.Get(ctx, []byte("key-07"))
	require.NoError(t, err)
	assert.Equal(t, []byte("val-07"), val)
}

func TestEngineClosedOperationsFail(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	ctx := context.Background()
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Put(ctx, []byte("k"), []byte("v")), core.ErrClosed)
	_, err := e.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = e.Scan(ctx, nil, nil, core.Ascending)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, e.ApplyCommand(1, nil), core.ErrClosed)

	// Close is idempotent.
	assert.NoError(t, e.Close())
}
