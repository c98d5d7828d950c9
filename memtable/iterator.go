package memtable

import (
	"bytes"
	"sync"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/skiplist"
)

// MemtableIterator iterates over the latest version of each distinct key in the memtable.
// It is not safe for concurrent use by multiple goroutines.
type MemtableIterator struct {
	mu       *sync.RWMutex // The lock from the parent memtable. MUST be released by Close().
	iter     *skiplist.Iterator[*MemtableKey, *MemtableEntry]
	startKey []byte
	endKey   []byte
	order    core.SortOrder
	valid    bool
	node     core.IteratorNode
	err      error
}

var _ core.Iterator = (*MemtableIterator)(nil)

// skipToLatestVersionOfCurrentKeyDescending advances the iterator to the latest
// version (highest SeqNum) of the key it is currently on. Reversed iteration
// visits versions oldest-first, so this walks forward to the newest one.
func (it *MemtableIterator) skipToLatestVersionOfCurrentKeyDescending() {
	currentKey := it.iter.Key().Key
	for {
		peekIter := it.iter.Clone()
		if !peekIter.Next() || !bytes.Equal(peekIter.Key().Key, currentKey) {
			break
		}
		it.iter.Next()
	}
}

// Next moves the iterator to the next distinct key.
func (it *MemtableIterator) Next() bool {
	if !it.valid {
		// First call: initial positioning.
		it.valid = true
		var found bool
		if it.order == core.Ascending {
			if it.startKey != nil {
				found = it.iter.Seek(&MemtableKey{Key: it.startKey, SeqNum: ^uint64(0)})
			} else {
				found = it.iter.First()
			}
		} else {
			if it.endKey != nil {
				// Start at the greatest key < endKey. A reversed iterator's
				// Seek finds the first element <= key.
				found = it.iter.Seek(&MemtableKey{Key: it.endKey, SeqNum: 0})
				if !found {
					found = it.iter.Last()
				}
			} else {
				found = it.iter.Last()
			}
		}

		if !found {
			it.valid = false
			return false
		}
		if it.order == core.Descending {
			it.skipToLatestVersionOfCurrentKeyDescending()
		}
	} else {
		lastKey := it.iter.Key().Key
		for {
			if !it.iter.Next() {
				it.valid = false
				return false
			}
			if !bytes.Equal(it.iter.Key().Key, lastKey) {
				break
			}
		}
		if it.order == core.Descending {
			it.skipToLatestVersionOfCurrentKeyDescending()
		}
	}

	// Bounds checking; descending scans may start out of bounds.
	for {
		currentKey := it.iter.Key().Key
		if it.order == core.Ascending {
			if it.endKey != nil && bytes.Compare(currentKey, it.endKey) >= 0 {
				it.valid = false
				return false
			}
		} else {
			if it.startKey != nil && bytes.Compare(currentKey, it.startKey) < 0 {
				it.valid = false
				return false
			}
			if it.endKey != nil && bytes.Compare(currentKey, it.endKey) >= 0 {
				// Out of bounds; advance to the next distinct key and retry.
				lastKey := currentKey
				for {
					if !it.iter.Next() {
						it.valid = false
						return false
					}
					if !bytes.Equal(it.iter.Key().Key, lastKey) {
						break
					}
				}
				it.skipToLatestVersionOfCurrentKeyDescending()
				continue
			}
		}
		return true
	}
}

// At returns the current entry. Valid only until the next call to Next().
func (it *MemtableIterator) At() (*core.IteratorNode, error) {
	if !it.valid {
		return nil, core.ErrNotFound
	}
	entry := it.iter.Value()
	it.node = core.IteratorNode{
		Key:       entry.Key,
		Value:     entry.Value,
		EntryType: entry.EntryType,
		SeqNum:    it.iter.Key().SeqNum,
	}
	return &it.node, nil
}

// Error returns the error.
func (it *MemtableIterator) Error() error {
	return it.err
}

// Close releases the iterator's resources, including the read lock on the memtable.
// It is safe to call Close multiple times.
func (it *MemtableIterator) Close() error {
	if it.mu == nil {
		return nil
	}
	it.valid = false
	it.mu.RUnlock()
	it.mu = nil
	return nil
}
