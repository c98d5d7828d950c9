package sstable

import (
	"bytes"
	"fmt"

	"github.com/INLOpen/nexuskv/core"
)

// sstableIterator iterates over the entries of a single SSTable within an
// optional [startKey, endKey) range. It yields every stored version of a key;
// deduplication across versions happens in the merging layer.
type sstableIterator struct {
	table    *SSTable
	order    core.SortOrder
	startKey []byte
	endKey   []byte

	numBlocks int
	blockIdx  int // next block to decode (asc: increasing, desc: decreasing)

	entries []core.IteratorNode
	pos     int
	cur     *core.IteratorNode
	err     error
	closed  bool
}

var _ core.Iterator = (*sstableIterator)(nil)

// NewIterator returns an iterator over the table's entries in the given
// order, restricted to [startKey, endKey). The iterator holds a reference
// to the table until Close is called.
func (s *SSTable) NewIterator(startKey, endKey []byte, order core.SortOrder) (core.Iterator, error) {
	if s.refs.Load() <= 0 {
		return nil, ErrClosed
	}
	s.Ref()

	it := &sstableIterator{
		table:     s,
		order:     order,
		startKey:  startKey,
		endKey:    endKey,
		numBlocks: len(s.index.GetEntries()),
	}

	if order == core.Ascending {
		it.blockIdx = it.firstCandidateBlock()
	} else {
		it.blockIdx = it.lastCandidateBlock()
	}
	return it, nil
}

// firstCandidateBlock returns the index of the first block that may contain
// keys >= startKey.
func (it *sstableIterator) firstCandidateBlock() int {
	if it.startKey == nil || it.numBlocks == 0 {
		return 0
	}
	i := it.table.index.findFirstGreaterOrEqual(it.startKey)
	if i < it.numBlocks && bytes.Equal(it.table.index.GetEntries()[i].FirstKey, it.startKey) {
		return i
	}
	if i > 0 {
		// startKey may fall inside the preceding block.
		return i - 1
	}
	return 0
}

// lastCandidateBlock returns the index of the last block that may contain
// keys < endKey, or -1 if none can.
func (it *sstableIterator) lastCandidateBlock() int {
	if it.numBlocks == 0 {
		return -1
	}
	if it.endKey == nil {
		return it.numBlocks - 1
	}
	i := it.table.index.findFirstGreaterOrEqual(it.endKey)
	// Block i starts at or after endKey (exclusive), so the candidate is i-1.
	return i - 1
}

func (it *sstableIterator) Next() bool {
	if it.err != nil || it.closed {
		return false
	}
	for it.pos >= len(it.entries) {
		if !it.loadNextBlock() {
			it.cur = nil
			return false
		}
	}
	it.cur = &it.entries[it.pos]
	it.pos++
	return true
}

// loadNextBlock decodes the next candidate block into it.entries. Returns
// false when the range is exhausted or an error occurred.
func (it *sstableIterator) loadNextBlock() bool {
	for {
		if it.order == core.Ascending {
			if it.blockIdx >= it.numBlocks {
				return false
			}
			indexEntry := it.table.index.GetEntries()[it.blockIdx]
			if it.endKey != nil && bytes.Compare(indexEntry.FirstKey, it.endKey) >= 0 {
				// Every remaining block starts at or past the range end.
				return false
			}
			entries, err := it.decodeBlock(indexEntry.BlockOffset, indexEntry.BlockLength)
			if err != nil {
				it.err = err
				return false
			}
			it.blockIdx++
			if len(entries) == 0 {
				continue
			}
			it.entries = entries
			it.pos = 0
			return true
		}

		// Descending.
		if it.blockIdx < 0 {
			return false
		}
		indexEntry := it.table.index.GetEntries()[it.blockIdx]
		entries, err := it.decodeBlock(indexEntry.BlockOffset, indexEntry.BlockLength)
		if err != nil {
			it.err = err
			return false
		}
		if it.startKey != nil && bytes.Compare(indexEntry.FirstKey, it.startKey) < 0 {
			// Earlier blocks hold only keys below the range start.
			it.blockIdx = -1
		} else {
			it.blockIdx--
		}
		if len(entries) == 0 {
			if it.blockIdx < 0 {
				return false
			}
			continue
		}
		it.entries = reverseByKeyGroups(entries)
		it.pos = 0
		return true
	}
}

// decodeBlock reads a data block and returns its entries restricted to the
// iterator's key range, in stored order (key ASC, seqNum DESC).
func (it *sstableIterator) decodeBlock(offset int64, length uint32) ([]core.IteratorNode, error) {
	block, err := it.table.readBlock(offset, length)
	if err != nil {
		return nil, fmt.Errorf("sstable iterator: %w", err)
	}
	var entries []core.IteratorNode
	blockIter := NewBlockIterator(block.getEntriesData())
	for blockIter.Next() {
		key := blockIter.Key()
		if it.startKey != nil && bytes.Compare(key, it.startKey) < 0 {
			continue
		}
		if it.endKey != nil && bytes.Compare(key, it.endKey) >= 0 {
			break
		}
		entries = append(entries, core.IteratorNode{
			Key:       key,
			Value:     blockIter.Value(),
			EntryType: blockIter.EntryType(),
			SeqNum:    blockIter.SeqNum(),
		})
	}
	if err := blockIter.Error(); err != nil {
		return nil, fmt.Errorf("sstable iterator: %w", err)
	}
	return entries, nil
}

// reverseByKeyGroups reorders entries from (key ASC, seqNum DESC) to
// (key DESC, seqNum DESC), keeping versions of each key together.
func reverseByKeyGroups(entries []core.IteratorNode) []core.IteratorNode {
	out := make([]core.IteratorNode, 0, len(entries))
	i := len(entries)
	for i > 0 {
		j := i - 1
		for j > 0 && bytes.Equal(entries[j-1].Key, entries[i-1].Key) {
			j--
		}
		out = append(out, entries[j:i]...)
		i = j
	}
	return out
}

func (it *sstableIterator) At() (*core.IteratorNode, error) {
	if it.cur == nil {
		return nil, fmt.Errorf("iterator is not positioned at a valid entry")
	}
	return it.cur, nil
}

func (it *sstableIterator) Error() error {
	return it.err
}

func (it *sstableIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.entries = nil
	it.cur = nil
	return it.table.Unref()
}
