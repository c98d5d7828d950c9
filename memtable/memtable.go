package memtable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/utils"
	"github.com/INLOpen/skiplist"
)

// ErrSealed is returned by Put when the memtable has been sealed for flushing.
var ErrSealed = errors.New("memtable is sealed")

// MemtableKey orders entries by user key ascending, then sequence number
// descending, so the newest version of a key is always encountered first.
type MemtableKey struct {
	Key    []byte
	SeqNum uint64
}

// MemtableEntry is the stored value for a MemtableKey.
type MemtableEntry struct {
	Key       []byte
	Value     []byte
	EntryType core.EntryType
	SeqNum    uint64
}

// size returns the estimated memory size of the entry.
func (e *MemtableEntry) size() int64 {
	return int64(len(e.Key) + len(e.Value) + binary.MaxVarintLen64 + 1 /*EntryType*/)
}

func comparator(a, b *MemtableKey) int {
	cmp := bytes.Compare(a.Key, b.Key)
	if cmp != 0 {
		return cmp // Sort by key first
	}
	// Keys are equal, sort by sequence number descending: the entry with the
	// higher SeqNum compares "less" so it comes first.
	if a.SeqNum > b.SeqNum {
		return -1
	}
	if a.SeqNum < b.SeqNum {
		return 1
	}
	return 0
}

// Memtable is an in-memory, sorted data structure that buffers incoming writes.
type Memtable struct {
	mu        sync.RWMutex
	data      *skiplist.SkipList[*MemtableKey, *MemtableEntry]
	sizeBytes int64
	threshold int64
	sealed    bool

	FlushRetries        int           // Number of times this memtable has failed to flush
	NextRetryDelay      time.Duration // Delay before the next flush attempt
	CreationTime        time.Time
	LastWALSegmentIndex uint64
	CompletionChan      chan error // For synchronous flush operations
	Err                 error      // Stores the last error encountered during a flush attempt
}

// NewMemtable creates a new Memtable with a given size threshold.
func NewMemtable(threshold int64, clock utils.Clock) *Memtable {
	return &Memtable{
		data:         skiplist.NewWithComparator[*MemtableKey, *MemtableEntry](comparator),
		threshold:    threshold,
		CreationTime: clock.Now(),
	}
}

// Put adds or updates a key-value pair or a tombstone in the memtable.
// A sealed memtable rejects all writes.
func (m *Memtable) Put(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return ErrSealed
	}

	newKey := &MemtableKey{Key: key, SeqNum: seqNum}
	newEntry := &MemtableEntry{
		Key:       key,
		Value:     value,
		EntryType: entryType,
		SeqNum:    seqNum,
	}

	// The comparator includes the sequence number, so a new SeqNum always
	// inserts a new node. Insert only returns a non-nil old node when a key
	// with an identical SeqNum is re-applied, which is a same-version rewrite.
	oldNode := m.data.Insert(newKey, newEntry)
	if oldNode != nil {
		m.sizeBytes -= oldNode.Value().size()
	}
	m.sizeBytes += newEntry.size()
	return nil
}

// Get retrieves the newest version of a key from the memtable.
// A tombstone is a valid result; the caller decides how to interpret it.
func (m *Memtable) Get(key []byte) (value []byte, entryType core.EntryType, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data == nil {
		return nil, 0, false
	}

	// Seek to (key, max_seq). Because the comparator sorts SeqNum descending,
	// this lands on the newest version of the key if any version exists.
	searchKey := &MemtableKey{Key: key, SeqNum: ^uint64(0)}
	node, ok := m.data.Seek(searchKey)
	if ok {
		foundKey := node.Key()
		if bytes.Equal(foundKey.Key, key) {
			entry := node.Value()
			if entry.EntryType == core.EntryTypeDelete {
				return nil, entry.EntryType, true
			}
			return entry.Value, entry.EntryType, true
		}
	}
	return nil, 0, false
}

// Seal marks the memtable read-only. The transition is one-way.
func (m *Memtable) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

// IsSealed reports whether the memtable has been sealed.
func (m *Memtable) IsSealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

// Size returns the estimated size of the data in the memtable in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull checks if the memtable has reached its size threshold.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes >= m.threshold
}

// Len returns the number of entries in the memtable.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return 0
	}
	return m.data.Len()
}

// NewIterator creates a new iterator over the latest version of each distinct
// key within [startKey, endKey). The iterator holds a read lock on the
// memtable for its lifetime; the caller MUST call Close() to release it.
func (m *Memtable) NewIterator(startKey, endKey []byte, order core.SortOrder) core.Iterator {
	m.mu.RLock()
	opts := make([]skiplist.IteratorOption[*MemtableKey, *MemtableEntry], 0)
	if order == core.Descending {
		opts = append(opts, skiplist.WithReverse[*MemtableKey, *MemtableEntry]())
	}

	iter := m.data.NewIterator(opts...)

	return &MemtableIterator{
		mu:       &m.mu,
		iter:     iter,
		startKey: startKey,
		endKey:   endKey,
		order:    order,
	}
}

// FlushToSSTable writes all entries from the memtable to the given writer.
// All versions of each key are persisted; compaction removes shadowed
// versions later.
func (m *Memtable) FlushToSSTable(writer core.SSTableWriterInterface) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// The skiplist iterator traverses in (Key ASC, SeqNum DESC) order, which
	// is exactly the SSTable's on-disk order.
	iter := m.data.NewIterator()
	for iter.Next() {
		memKey := iter.Key()
		memEntry := iter.Value()
		if err := writer.Add(memEntry.Key, memEntry.Value, memEntry.EntryType, memKey.SeqNum); err != nil {
			return fmt.Errorf("failed to add memtable entry to sstable writer (key: %s): %w", string(memEntry.Key), err)
		}
	}
	return nil
}

// Close releases the resources used by the memtable.
func (m *Memtable) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.sizeBytes = 0
}
