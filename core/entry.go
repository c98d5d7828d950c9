package core

// EntryType defines the type of an entry in the WAL or SSTable.
type EntryType byte

const (
	// EntryTypePut represents a key-value insertion or update.
	EntryTypePut EntryType = 'P'
	// EntryTypeDelete represents a tombstone for a single key.
	EntryTypeDelete EntryType = 'D'
	// EntryTypePutBatch represents a batch of multiple Put/Delete entries written atomically to the WAL.
	EntryTypePutBatch EntryType = 'B'
)

// String returns the string representation of the EntryType.
func (et EntryType) String() string {
	switch et {
	case EntryTypePut:
		return "put"
	case EntryTypeDelete:
		return "delete"
	case EntryTypePutBatch:
		return "put_batch"
	default:
		return "unknown"
	}
}
