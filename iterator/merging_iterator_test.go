package iterator

import (
	"errors"
	"testing"

	"github.com/INLOpen/nexuskv/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceIterator yields a fixed set of pre-sorted nodes. It reuses its node
// buffer between calls, like the real iterators do.
type sliceIterator struct {
	nodes  []core.IteratorNode
	pos    int
	cur    *core.IteratorNode
	err    error
	closed bool
}

func newSliceIterator(nodes ...core.IteratorNode) *sliceIterator {
	return &sliceIterator{nodes: nodes}
}

func (s *sliceIterator) Next() bool {
	if s.err != nil || s.pos >= len(s.nodes) {
		s.cur = nil
		return false
	}
	s.cur = &s.nodes[s.pos]
	s.pos++
	return true
}

func (s *sliceIterator) At() (*core.IteratorNode, error) {
	if s.cur == nil {
		return nil, errors.New("not positioned")
	}
	return s.cur, nil
}

func (s *sliceIterator) Error() error { return s.err }
func (s *sliceIterator) Close() error {
	s.closed = true
	return nil
}

func put(key, value string, seq uint64) core.IteratorNode {
	return core.IteratorNode{Key: []byte(key), Value: []byte(value), EntryType: core.EntryTypePut, SeqNum: seq}
}

func del(key string, seq uint64) core.IteratorNode {
	return core.IteratorNode{Key: []byte(key), EntryType: core.EntryTypeDelete, SeqNum: seq}
}

func collect(t *testing.T, it core.Iterator) (keys []string, values []string) {
	t.Helper()
	for it.Next() {
		node, err := it.At()
		require.NoError(t, err)
		keys = append(keys, string(node.Key))
		values = append(values, string(node.Value))
	}
	require.NoError(t, it.Error())
	return keys, values
}

func TestMergingIteratorInterleavedSources(t *testing.T) {
	a := newSliceIterator(put("a", "1", 1), put("c", "3", 3), put("e", "5", 5))
	b := newSliceIterator(put("b", "2", 2), put("d", "4", 4))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters: []core.Iterator{a, b},
		Order: core.Ascending,
	})
	require.NoError(t, err)
	defer mi.Close()

	keys, values := collect(t, mi)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keys)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, values)
}

func TestMergingIteratorNewestVersionWins(t *testing.T) {
	// Memtable-like source has the newest version, sstable-like source the older.
	newer := newSliceIterator(put("k", "new", 10))
	older := newSliceIterator(put("k", "old", 2), put("z", "zv", 3))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters: []core.Iterator{older, newer},
		Order: core.Ascending,
	})
	require.NoError(t, err)
	defer mi.Close()

	keys, values := collect(t, mi)
	assert.Equal(t, []string{"k", "z"}, keys)
	assert.Equal(t, []string{"new", "zv"}, values)
}

func TestMergingIteratorHidesTombstones(t *testing.T) {
	newer := newSliceIterator(del("b", 9))
	older := newSliceIterator(put("a", "1", 1), put("b", "2", 2), put("c", "3", 3))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters: []core.Iterator{older, newer},
		Order: core.Ascending,
	})
	require.NoError(t, err)
	defer mi.Close()

	keys, _ := collect(t, mi)
	assert.Equal(t, []string{"a", "c"}, keys, "a key shadowed by a tombstone must not appear")
}

func TestMergingIteratorEmitTombstones(t *testing.T) {
	newer := newSliceIterator(del("b", 9))
	older := newSliceIterator(put("b", "2", 2))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:          []core.Iterator{older, newer},
		Order:          core.Ascending,
		EmitTombstones: true,
	})
	require.NoError(t, err)
	defer mi.Close()

	require.True(t, mi.Next())
	node, err := mi.At()
	require.NoError(t, err)
	assert.Equal(t, core.EntryTypeDelete, node.EntryType)
	assert.Equal(t, uint64(9), node.SeqNum, "the tombstone must win over the older put")
	assert.False(t, mi.Next())
}

func TestMergingIteratorRange(t *testing.T) {
	src := newSliceIterator(put("a", "1", 1), put("b", "2", 2), put("c", "3", 3), put("d", "4", 4))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:    []core.Iterator{src},
		StartKey: []byte("b"),
		EndKey:   []byte("d"),
		Order:    core.Ascending,
	})
	require.NoError(t, err)
	defer mi.Close()

	keys, _ := collect(t, mi)
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestMergingIteratorDescending(t *testing.T) {
	// Descending sources yield key DESC, seq DESC within a key.
	a := newSliceIterator(put("c", "3", 3), put("a", "1", 1))
	b := newSliceIterator(put("d", "4", 4), put("b", "2", 2))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters: []core.Iterator{a, b},
		Order: core.Descending,
	})
	require.NoError(t, err)
	defer mi.Close()

	keys, _ := collect(t, mi)
	assert.Equal(t, []string{"d", "c", "b", "a"}, keys)
}

func TestMergingIteratorDescendingRange(t *testing.T) {
	src := newSliceIterator(put("d", "4", 4), put("c", "3", 3), put("b", "2", 2), put("a", "1", 1))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:    []core.Iterator{src},
		StartKey: []byte("b"),
		EndKey:   []byte("d"),
		Order:    core.Descending,
	})
	require.NoError(t, err)
	defer mi.Close()

	keys, _ := collect(t, mi)
	assert.Equal(t, []string{"c", "b"}, keys)
}

func TestMergingIteratorCloseClosesSources(t *testing.T) {
	a := newSliceIterator(put("a", "1", 1))
	b := newSliceIterator(put("b", "2", 2))

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters: []core.Iterator{a, b},
		Order: core.Ascending,
	})
	require.NoError(t, err)
	require.NoError(t, mi.Close())

	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestEmptyIterator(t *testing.T) {
	it := NewEmptyIterator()
	assert.False(t, it.Next())
	assert.NoError(t, it.Error())
	assert.NoError(t, it.Close())
}
