package sstable

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	key       string
	value     string
	entryType core.EntryType
	seqNum    uint64
}

// buildTestSSTable writes entries (which must be in key ASC, seqNum DESC
// order) and loads the resulting table.
func buildTestSSTable(t *testing.T, dir string, id uint64, entries []testEntry, compressor core.Compressor) *SSTable {
	t.Helper()
	writer, err := NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:                      dir,
		ID:                           id,
		EstimatedKeys:                uint64(len(entries)),
		BloomFilterFalsePositiveRate: 0.01,
		BlockSize:                    128, // Small blocks force multi-block tables.
		Compressor:                   compressor,
	})
	require.NoError(t, err)

	for _, e := range entries {
		var value []byte
		if e.entryType != core.EntryTypeDelete {
			value = []byte(e.value)
		}
		require.NoError(t, writer.Add([]byte(e.key), value, e.entryType, e.seqNum))
	}
	require.NoError(t, writer.Finish())

	tbl, err := LoadSSTable(LoadSSTableOptions{FilePath: writer.FilePath(), ID: id})
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func manyEntries(n int) []testEntry {
	entries := make([]testEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, testEntry{
			key:       fmt.Sprintf("key-%04d", i),
			value:     fmt.Sprintf("value-%04d", i),
			entryType: core.EntryTypePut,
			seqNum:    uint64(i + 1),
		})
	}
	return entries
}

func TestSSTableWriteReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	tbl := buildTestSSTable(t, dir, 1, manyEntries(200), nil)

	assert.Equal(t, []byte("key-0000"), tbl.MinKey)
	assert.Equal(t, []byte("key-0199"), tbl.MaxKey)

	for _, i := range []int{0, 1, 57, 128, 199} {
		key := fmt.Sprintf("key-%04d", i)
		val, entryType, err := tbl.Get([]byte(key))
		require.NoError(t, err, "key %s", key)
		assert.Equal(t, core.EntryTypePut, entryType)
		assert.Equal(t, fmt.Sprintf("value-%04d", i), string(val))
	}

	_, _, err := tbl.Get([]byte("key-9999"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = tbl.Get([]byte("aaa"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSSTableGetTombstone(t *testing.T) {
	dir := t.TempDir()
	entries := []testEntry{
		{key: "alive", value: "v", entryType: core.EntryTypePut, seqNum: 1},
		{key: "dead", entryType: core.EntryTypeDelete, seqNum: 2},
	}
	tbl := buildTestSSTable(t, dir, 2, entries, nil)

	_, entryType, err := tbl.Get([]byte("dead"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, core.EntryTypeDelete, entryType, "tombstone must be distinguishable from absence")

	_, entryType, err = tbl.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotEqual(t, core.EntryTypeDelete, entryType)
}

func TestSSTableNewestVersionWins(t *testing.T) {
	dir := t.TempDir()
	entries := []testEntry{
		{key: "k", value: "new", entryType: core.EntryTypePut, seqNum: 9},
		{key: "k", value: "old", entryType: core.EntryTypePut, seqNum: 3},
	}
	tbl := buildTestSSTable(t, dir, 3, entries, nil)

	val, _, err := tbl.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(val))
}

func TestSSTableCompressionRoundtrip(t *testing.T) {
	for _, ct := range []core.CompressionType{core.CompressionSnappy, core.CompressionLZ4, core.CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			dir := t.TempDir()
			compressor, err := compressors.NewCompressor(ct)
			require.NoError(t, err)

			tbl := buildTestSSTable(t, dir, 4, manyEntries(100), compressor)
			val, _, err := tbl.Get([]byte("key-0042"))
			require.NoError(t, err)
			assert.Equal(t, "value-0042", string(val))
			require.NoError(t, tbl.VerifyIntegrity())
		})
	}
}

func TestSSTableBloomFilterNoFalseNegatives(t *testing.T) {
	dir := t.TempDir()
	entries := manyEntries(500)
	tbl := buildTestSSTable(t, dir, 5, entries, nil)

	for _, e := range entries {
		assert.True(t, tbl.Contains([]byte(e.key)), "bloom filter must never report a written key as absent")
	}
}

func TestBloomFilterEmpiricalFalsePositiveRate(t *testing.T) {
	const (
		inserted   = 10000
		probes     = 10000
		targetRate = 0.01
	)
	bf, err := NewBloomFilter(inserted, targetRate)
	require.NoError(t, err)

	for i := 0; i < inserted; i++ {
		bf.Add([]byte(fmt.Sprintf("member-%08d", i)))
	}

	falsePositives := 0
	for i := 0; i < probes; i++ {
		if bf.Contains([]byte(fmt.Sprintf("absent-%08d", i))) {
			falsePositives++
		}
	}
	rate := float64(falsePositives) / float64(probes)
	assert.LessOrEqual(t, rate, 2*targetRate, "observed false positive rate %f", rate)
}

func TestSSTableIteratorAscendingRange(t *testing.T) {
	dir := t.TempDir()
	tbl := buildTestSSTable(t, dir, 6, manyEntries(50), nil)

	iter, err := tbl.NewIterator([]byte("key-0010"), []byte("key-0015"), core.Ascending)
	require.NoError(t, err)
	defer iter.Close()

	var got []string
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		got = append(got, string(node.Key))
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"key-0010", "key-0011", "key-0012", "key-0013", "key-0014"}, got)
}

func TestSSTableIteratorFullScan(t *testing.T) {
	dir := t.TempDir()
	n := 200
	tbl := buildTestSSTable(t, dir, 7, manyEntries(n), nil)

	iter, err := tbl.NewIterator(nil, nil, core.Ascending)
	require.NoError(t, err)
	defer iter.Close()

	count := 0
	var prev string
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		if count > 0 {
			assert.Less(t, prev, string(node.Key), "keys must be strictly ascending")
		}
		prev = string(node.Key)
		count++
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, n, count)
}

func TestSSTableIteratorDescending(t *testing.T) {
	dir := t.TempDir()
	entries := []testEntry{
		{key: "a", value: "a1", entryType: core.EntryTypePut, seqNum: 1},
		{key: "b", value: "b-new", entryType: core.EntryTypePut, seqNum: 5},
		{key: "b", value: "b-old", entryType: core.EntryTypePut, seqNum: 2},
		{key: "c", value: "c1", entryType: core.EntryTypePut, seqNum: 3},
	}
	tbl := buildTestSSTable(t, dir, 8, entries, nil)

	iter, err := tbl.NewIterator(nil, nil, core.Descending)
	require.NoError(t, err)
	defer iter.Close()

	var keys []string
	var seqs []uint64
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		keys = append(keys, string(node.Key))
		seqs = append(seqs, node.SeqNum)
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"c", "b", "b", "a"}, keys)
	assert.Equal(t, []uint64{3, 5, 2, 1}, seqs, "versions of a key stay newest-first even when iterating backwards")
}

func TestSSTableIteratorDescendingLargeRange(t *testing.T) {
	dir := t.TempDir()
	tbl := buildTestSSTable(t, dir, 9, manyEntries(100), nil)

	iter, err := tbl.NewIterator([]byte("key-0020"), []byte("key-0025"), core.Descending)
	require.NoError(t, err)
	defer iter.Close()

	var got []string
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		got = append(got, string(node.Key))
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"key-0024", "key-0023", "key-0022", "key-0021", "key-0020"}, got)
}

func TestSSTableWriterRejectsUnsortedKeys(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(core.SSTableWriterOptions{DataDir: dir, ID: 10, EstimatedKeys: 10})
	require.NoError(t, err)
	defer writer.Abort()

	require.NoError(t, writer.Add([]byte("b"), []byte("v"), core.EntryTypePut, 2))
	err = writer.Add([]byte("a"), []byte("v"), core.EntryTypePut, 1)
	assert.Error(t, err, "out-of-order key must be rejected")

	// Same key with a higher sequence number is also out of order.
	err = writer.Add([]byte("b"), []byte("v"), core.EntryTypePut, 5)
	assert.Error(t, err)
}

func TestSSTableAbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(core.SSTableWriterOptions{DataDir: dir, ID: 11, EstimatedKeys: 10})
	require.NoError(t, err)
	require.NoError(t, writer.Add([]byte("a"), []byte("v"), core.EntryTypePut, 1))
	require.NoError(t, writer.Abort())

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files, "abort must leave no files behind")
}

func TestSSTableDetectsCorruptedBlock(t *testing.T) {
	dir := t.TempDir()
	tbl := buildTestSSTable(t, dir, 12, manyEntries(50), nil)

	// Flip a byte inside the first data block, past the block header.
	firstBlock := tbl.index.GetEntries()[0]
	f, err := os.OpenFile(tbl.FilePath(), os.O_RDWR, 0644)
	require.NoError(t, err)
	corruptAt := firstBlock.BlockOffset + BlockHeaderSize + 3
	_, err = f.WriteAt([]byte{0xFF}, corruptAt)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, _, err = tbl.Get([]byte("key-0000"))
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.ErrorIs(t, tbl.VerifyIntegrity(), ErrCorrupted)
}

func TestSSTableLoadRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	tbl := buildTestSSTable(t, dir, 13, manyEntries(20), nil)
	path := tbl.FilePath()

	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-5))

	_, err = LoadSSTable(LoadSSTableOptions{FilePath: path, ID: 13})
	assert.Error(t, err, "a truncated footer must fail to load")
}

func TestSSTableLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "99.sst")
	require.NoError(t, os.WriteFile(path, make([]byte, 200), 0644))

	_, err := LoadSSTable(LoadSSTableOptions{FilePath: path, ID: 99})
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSSTableRefCountDeferredDeletion(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(core.SSTableWriterOptions{DataDir: dir, ID: 14, EstimatedKeys: 10})
	require.NoError(t, err)
	require.NoError(t, writer.Add([]byte("k"), []byte("v"), core.EntryTypePut, 1))
	require.NoError(t, writer.Finish())

	tbl, err := LoadSSTable(LoadSSTableOptions{FilePath: writer.FilePath(), ID: 14})
	require.NoError(t, err)

	iter, err := tbl.NewIterator(nil, nil, core.Ascending)
	require.NoError(t, err)

	tbl.MarkObsolete()
	require.NoError(t, tbl.Close())

	// The iterator still holds a reference; the file must survive.
	_, err = os.Stat(tbl.FilePath())
	assert.NoError(t, err, "file must not be removed while readers exist")
	assert.True(t, iter.Next())

	require.NoError(t, iter.Close())
	_, err = os.Stat(tbl.FilePath())
	assert.True(t, os.IsNotExist(err), "file must be removed once the last reference is released")
}
