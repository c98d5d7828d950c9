package core

// IteratorNode carries one decoded entry through the iterator stack.
// The slices are only valid until the next call to Next().
type IteratorNode struct {
	Key       []byte
	Value     []byte
	EntryType EntryType
	SeqNum    uint64
}

// Iterator is the common interface for all entry iterators in the engine:
// memtable, SSTable, and merged views.
type Iterator interface {
	Next() bool
	// At returns the current entry. Valid only until the next call to Next().
	At() (*IteratorNode, error)
	Error() error
	Close() error
}
