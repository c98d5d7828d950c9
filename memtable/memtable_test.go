package memtable

import (
	"fmt"
	"testing"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemtablePutGet(t *testing.T) {
	mt := NewMemtable(1024, &utils.SystemClock{})

	require.NoError(t, mt.Put([]byte("a"), []byte("1"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("b"), []byte("2"), core.EntryTypePut, 2))

	val, entryType, found := mt.Get([]byte("a"))
	require.True(t, found)
	assert.Equal(t, core.EntryTypePut, entryType)
	assert.Equal(t, []byte("1"), val)

	_, _, found = mt.Get([]byte("missing"))
	assert.False(t, found)
}

func TestMemtableNewestVersionWins(t *testing.T) {
	mt := NewMemtable(1024, &utils.SystemClock{})

	require.NoError(t, mt.Put([]byte("k"), []byte("old"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("k"), []byte("new"), core.EntryTypePut, 5))
	require.NoError(t, mt.Put([]byte("k"), []byte("mid"), core.EntryTypePut, 3))

	val, _, found := mt.Get([]byte("k"))
	require.True(t, found)
	assert.Equal(t, []byte("new"), val, "highest sequence number must win")

	// All three versions are retained for flushing.
	assert.Equal(t, 3, mt.Len())
}

func TestMemtableTombstoneVisible(t *testing.T) {
	mt := NewMemtable(1024, &utils.SystemClock{})

	require.NoError(t, mt.Put([]byte("k"), []byte("v"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("k"), nil, core.EntryTypeDelete, 2))

	val, entryType, found := mt.Get([]byte("k"))
	require.True(t, found, "tombstone is a valid lookup result")
	assert.Equal(t, core.EntryTypeDelete, entryType)
	assert.Nil(t, val)
}

func TestMemtableSeal(t *testing.T) {
	mt := NewMemtable(1024, &utils.SystemClock{})
	require.NoError(t, mt.Put([]byte("k"), []byte("v"), core.EntryTypePut, 1))

	assert.False(t, mt.IsSealed())
	mt.Seal()
	assert.True(t, mt.IsSealed())

	err := mt.Put([]byte("k2"), []byte("v2"), core.EntryTypePut, 2)
	assert.ErrorIs(t, err, ErrSealed)

	// Reads still work after sealing.
	val, _, found := mt.Get([]byte("k"))
	require.True(t, found)
	assert.Equal(t, []byte("v"), val)
}

func TestMemtableIsFull(t *testing.T) {
	mt := NewMemtable(64, &utils.SystemClock{})
	assert.False(t, mt.IsFull())

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, mt.Put(key, []byte("some-value"), core.EntryTypePut, uint64(i+1)))
	}
	assert.True(t, mt.IsFull())
	assert.Greater(t, mt.Size(), int64(64))
}

func TestMemtableIteratorAscending(t *testing.T) {
	mt := NewMemtable(4096, &utils.SystemClock{})
	keys := []string{"banana", "apple", "cherry", "date"}
	for i, k := range keys {
		require.NoError(t, mt.Put([]byte(k), []byte(k+"-v"), core.EntryTypePut, uint64(i+1)))
	}
	// Shadow one key with a newer version.
	require.NoError(t, mt.Put([]byte("banana"), []byte("banana-v2"), core.EntryTypePut, 10))

	iter := mt.NewIterator(nil, nil, core.Ascending)
	defer iter.Close()

	var got []string
	var vals []string
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		got = append(got, string(node.Key))
		vals = append(vals, string(node.Value))
	}
	require.NoError(t, iter.Error())
	assert.Equal(t, []string{"apple", "banana", "cherry", "date"}, got)
	assert.Equal(t, "banana-v2", vals[1], "iterator must surface the newest version")
}

func TestMemtableIteratorRange(t *testing.T) {
	mt := NewMemtable(4096, &utils.SystemClock{})
	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, mt.Put(key, []byte("v"), core.EntryTypePut, uint64(i+1)))
	}

	iter := mt.NewIterator([]byte("key-03"), []byte("key-07"), core.Ascending)
	defer iter.Close()

	var got []string
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		got = append(got, string(node.Key))
	}
	assert.Equal(t, []string{"key-03", "key-04", "key-05", "key-06"}, got)
}

func TestMemtableIteratorDescending(t *testing.T) {
	mt := NewMemtable(4096, &utils.SystemClock{})
	for i := 0; i < 5; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		require.NoError(t, mt.Put(key, []byte(fmt.Sprintf("v%d", i)), core.EntryTypePut, uint64(i+1)))
	}
	// Two versions of key-02; descending iteration must still yield the newest.
	require.NoError(t, mt.Put([]byte("key-02"), []byte("v2-new"), core.EntryTypePut, 20))

	iter := mt.NewIterator(nil, nil, core.Descending)
	defer iter.Close()

	var got []string
	byKey := map[string]string{}
	for iter.Next() {
		node, err := iter.At()
		require.NoError(t, err)
		got = append(got, string(node.Key))
		byKey[string(node.Key)] = string(node.Value)
	}
	assert.Equal(t, []string{"key-04", "key-03", "key-02", "key-01", "key-00"}, got)
	assert.Equal(t, "v2-new", byKey["key-02"])
}

type captureWriter struct {
	keys []string
	seqs []uint64
}

func (c *captureWriter) Add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	c.keys = append(c.keys, string(key))
	c.seqs = append(c.seqs, seqNum)
	return nil
}
func (c *captureWriter) Finish() error      { return nil }
func (c *captureWriter) Abort() error       { return nil }
func (c *captureWriter) FilePath() string   { return "" }
func (c *captureWriter) CurrentSize() int64 { return 0 }

func TestMemtableFlushToSSTableWritesAllVersions(t *testing.T) {
	mt := NewMemtable(4096, &utils.SystemClock{})
	require.NoError(t, mt.Put([]byte("a"), []byte("1"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("a"), []byte("2"), core.EntryTypePut, 3))
	require.NoError(t, mt.Put([]byte("b"), []byte("3"), core.EntryTypePut, 2))

	w := &captureWriter{}
	require.NoError(t, mt.FlushToSSTable(w))

	// Key ASC, SeqNum DESC.
	assert.Equal(t, []string{"a", "a", "b"}, w.keys)
	assert.Equal(t, []uint64{3, 1, 2}, w.seqs)
}
