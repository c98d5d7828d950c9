package iterator

import (
	"bytes"
	"container/heap"
	"fmt"

	"github.com/INLOpen/nexuskv/core"
)

// mergingHeapItem is an item in the heap for MergingIterator. Key and value
// are copied from the underlying iterator, whose buffers may be reused on
// the next call to Next().
type mergingHeapItem struct {
	iter core.Iterator
	node core.IteratorNode
}

// mergingHeap orders items by key (in the configured direction), breaking
// ties by sequence number descending so the newest version surfaces first.
type mergingHeap struct {
	items []*mergingHeapItem
	order core.SortOrder
}

func (h *mergingHeap) Len() int { return len(h.items) }

func (h *mergingHeap) Less(i, j int) bool {
	itemI, itemJ := h.items[i], h.items[j]
	keyCmp := bytes.Compare(itemI.node.Key, itemJ.node.Key)
	if keyCmp != 0 {
		if h.order == core.Descending {
			return keyCmp > 0
		}
		return keyCmp < 0
	}
	// Equal keys: the higher sequence number is the newer version and must
	// be processed first.
	return itemI.node.SeqNum > itemJ.node.SeqNum
}

func (h *mergingHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergingHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*mergingHeapItem))
}

func (h *mergingHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	h.items = old[0 : n-1]
	return item
}

// MergingIterator combines multiple sorted iterators into a single view.
// For each distinct key it yields only the version with the highest sequence
// number; older versions are consumed silently. Point tombstones are skipped
// unless EmitTombstones is set (compaction needs them until the bottom level).
type MergingIterator struct {
	iters          []core.Iterator
	heap           *mergingHeap
	startKey       []byte
	endKey         []byte
	order          core.SortOrder
	emitTombstones bool

	cur   core.IteratorNode
	valid bool
	err   error
}

var _ core.Iterator = (*MergingIterator)(nil)
var _ core.Iterator = (*EmptyIterator)(nil)

// MergingIteratorParams holds all parameters for NewMergingIterator.
type MergingIteratorParams struct {
	Iters    []core.Iterator
	StartKey []byte
	EndKey   []byte
	Order    core.SortOrder
	// EmitTombstones yields delete entries instead of hiding them.
	EmitTombstones bool
}

// NewMergingIterator creates a MergingIterator over the given source
// iterators. The sources must yield entries in (key, seqNum DESC) order
// matching params.Order. On error during priming, all sources are closed.
func NewMergingIterator(params MergingIteratorParams) (*MergingIterator, error) {
	mi := &MergingIterator{
		iters:          params.Iters,
		startKey:       params.StartKey,
		endKey:         params.EndKey,
		order:          params.Order,
		emitTombstones: params.EmitTombstones,
		heap: &mergingHeap{
			items: make([]*mergingHeapItem, 0, len(params.Iters)),
			order: params.Order,
		},
	}

	for _, iter := range mi.iters {
		if iter.Next() {
			item, err := newMergingHeapItem(iter)
			if err != nil {
				mi.Close()
				return nil, err
			}
			mi.heap.Push(item)
		} else if err := iter.Error(); err != nil {
			mi.Close()
			return nil, err
		}
	}
	heap.Init(mi.heap)

	return mi, nil
}

func (mi *MergingIterator) Next() bool {
	if mi.err != nil {
		return false
	}

	for {
		if mi.heap.Len() == 0 {
			mi.valid = false
			return false
		}

		candidate, err := mi.getNextCandidateFromHeap()
		if err != nil {
			mi.err = err
			mi.valid = false
			return false
		}
		if candidate == nil {
			continue
		}

		if mi.outOfRangeBeforeStart(candidate.node.Key) {
			continue
		}
		if mi.pastRangeEnd(candidate.node.Key) {
			mi.valid = false
			return false
		}

		if candidate.node.EntryType == core.EntryTypeDelete && !mi.emitTombstones {
			continue
		}

		mi.cur = candidate.node
		mi.valid = true
		return true
	}
}

// outOfRangeBeforeStart reports whether the key lies before the range in
// iteration order and should be skipped.
func (mi *MergingIterator) outOfRangeBeforeStart(key []byte) bool {
	if mi.order == core.Descending {
		return mi.endKey != nil && bytes.Compare(key, mi.endKey) >= 0
	}
	return mi.startKey != nil && bytes.Compare(key, mi.startKey) < 0
}

// pastRangeEnd reports whether the key lies beyond the range in iteration
// order, meaning no further keys can be in range.
func (mi *MergingIterator) pastRangeEnd(key []byte) bool {
	if mi.order == core.Descending {
		return mi.startKey != nil && bytes.Compare(key, mi.startKey) < 0
	}
	return mi.endKey != nil && bytes.Compare(key, mi.endKey) >= 0
}

// getNextCandidateFromHeap pops the top item, advances its iterator, and
// consumes items from other iterators carrying the exact same key (they are
// older versions by the heap ordering). Returns the newest version of the
// smallest (or largest, when descending) key in the heap.
func (mi *MergingIterator) getNextCandidateFromHeap() (*mergingHeapItem, error) {
	if mi.heap.Len() == 0 {
		return nil, nil
	}

	item := heap.Pop(mi.heap).(*mergingHeapItem)
	topKey := item.node.Key

	if err := mi.advanceAndPush(item.iter); err != nil {
		return nil, err
	}

	// Older versions of the same key sit at the top of the heap now.
	for mi.heap.Len() > 0 && bytes.Equal(mi.heap.items[0].node.Key, topKey) {
		older := heap.Pop(mi.heap).(*mergingHeapItem)
		if err := mi.advanceAndPush(older.iter); err != nil {
			return nil, err
		}
	}

	return item, nil
}

func (mi *MergingIterator) advanceAndPush(iter core.Iterator) error {
	if iter.Next() {
		item, err := newMergingHeapItem(iter)
		if err != nil {
			return err
		}
		heap.Push(mi.heap, item)
		return nil
	}
	// Exhausted or failed. Closing is deferred to MergingIterator.Close to
	// avoid double-closing.
	return iter.Error()
}

func newMergingHeapItem(iter core.Iterator) (*mergingHeapItem, error) {
	node, err := iter.At()
	if err != nil {
		return nil, fmt.Errorf("merging iterator: source At failed: %w", err)
	}
	item := &mergingHeapItem{iter: iter}
	item.node.Key = append([]byte(nil), node.Key...)
	item.node.Value = append([]byte(nil), node.Value...)
	item.node.EntryType = node.EntryType
	item.node.SeqNum = node.SeqNum
	return item, nil
}

func (mi *MergingIterator) At() (*core.IteratorNode, error) {
	if !mi.valid {
		return nil, fmt.Errorf("iterator is not positioned at a valid entry")
	}
	return &mi.cur, nil
}

func (mi *MergingIterator) Error() error { return mi.err }

func (mi *MergingIterator) Close() error {
	var firstErr error
	for _, iter := range mi.iters {
		if err := iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mi.iters = nil
	mi.heap = nil
	return firstErr
}

// EmptyIterator is an iterator that is always exhausted.
type EmptyIterator struct{}

// NewEmptyIterator creates a new empty iterator.
func NewEmptyIterator() core.Iterator {
	return &EmptyIterator{}
}

func (it *EmptyIterator) Next() bool { return false }

func (it *EmptyIterator) At() (*core.IteratorNode, error) {
	return nil, fmt.Errorf("empty iterator has no entries")
}

func (it *EmptyIterator) Error() error { return nil }

func (it *EmptyIterator) Close() error { return nil }
