package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sort"

	"github.com/INLOpen/nexuskv/core"
	"go.opentelemetry.io/otel/trace"
)

// BlockIndexEntry represents an entry in the SSTable's sparse index.
// It points to a data block.
type BlockIndexEntry struct {
	FirstKey    []byte // The first key in the block
	BlockOffset int64  // Offset of the data block in the SSTable file
	BlockLength uint32 // Length of the data block
}

// IndexBuilder helps in constructing the index as data is written to an SSTable.
type IndexBuilder struct {
	entries []BlockIndexEntry
}

// Add records the metadata for a newly written data block.
// firstKey must be a copy, as the original might be reused.
func (ib *IndexBuilder) Add(firstKey []byte, blockOffset int64, blockLength uint32) {
	ib.entries = append(ib.entries, BlockIndexEntry{
		FirstKey:    firstKey,
		BlockOffset: blockOffset,
		BlockLength: blockLength,
	})
}

// Build serializes the collected index entries into a byte slice.
// Format per entry: KeyLen (uint32), Key, BlockOffset (int64), BlockLength (uint32).
// The returned byte slice is the raw index data. A checksum of this data is also returned.
func (ib *IndexBuilder) Build() ([]byte, uint32, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	for _, entry := range ib.entries {
		keyLen := uint32(len(entry.FirstKey))
		if err := binary.Write(buf, binary.LittleEndian, keyLen); err != nil {
			return nil, 0, err
		}
		if _, err := buf.Write(entry.FirstKey); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(buf, binary.LittleEndian, entry.BlockOffset); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(buf, binary.LittleEndian, entry.BlockLength); err != nil {
			return nil, 0, err
		}
	}
	indexData := buf.Bytes()
	checksum := crc32.ChecksumIEEE(indexData)
	// Return a copy of the data, as the buffer will be reset and reused.
	dataCopy := make([]byte, len(indexData))
	copy(dataCopy, indexData)
	return dataCopy, checksum, nil
}

// Index is the in-memory representation of the SSTable's sparse index.
type Index struct {
	entries []BlockIndexEntry
	tracer  trace.Tracer
	logger  *slog.Logger
}

// DeserializeIndex reconstructs an Index from its serialized byte representation.
// It expects the raw index data (without checksum) and the expected checksum.
func DeserializeIndex(data []byte, expectedChecksum uint32, tracer trace.Tracer, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default().With("component", "Index_default")
	}

	calculatedChecksum := crc32.ChecksumIEEE(data)
	if calculatedChecksum != expectedChecksum {
		logger.Error("Index checksum mismatch.", "expected", expectedChecksum, "calculated", calculatedChecksum)
		return nil, fmt.Errorf("index checksum mismatch: %w", ErrCorrupted)
	}

	idx := &Index{tracer: tracer, logger: logger}
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("index entry header exceeds data bounds: %w", ErrCorrupted)
		}
		keyLen := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		keyEnd := offset + int(keyLen)
		if keyEnd+12 > len(data) {
			return nil, fmt.Errorf("index entry exceeds data bounds: %w", ErrCorrupted)
		}
		key := data[offset:keyEnd]
		offset = keyEnd

		blockOffset := int64(binary.LittleEndian.Uint64(data[offset : offset+8]))
		offset += 8

		blockLength := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		idx.entries = append(idx.entries, BlockIndexEntry{
			FirstKey:    key,
			BlockOffset: blockOffset,
			BlockLength: blockLength,
		})
	}
	return idx, nil
}

// Find searches for a key in the sparse index and returns the BlockIndexEntry
// for the block that *might* contain the key.
// It returns the entry for which entry.FirstKey <= key < nextEntry.FirstKey.
// If the key is smaller than all first keys, it returns the first block.
// If the key is larger than all first keys, it returns the last block.
func (idx *Index) Find(key []byte) (entry BlockIndexEntry, found bool) {
	if len(idx.entries) == 0 {
		return BlockIndexEntry{}, false
	}

	i := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].FirstKey, key) >= 0
	})

	if i < len(idx.entries) {
		if bytes.Equal(idx.entries[i].FirstKey, key) {
			return idx.entries[i], true
		}
		if i > 0 {
			// Key falls between block i-1's first key and block i's first key.
			return idx.entries[i-1], true
		}
		// Key is less than the first key of block 0; block 0 is the only candidate.
		return idx.entries[0], true
	}

	// Key is greater than or equal to the first key of the last block.
	return idx.entries[len(idx.entries)-1], true
}

// findFirstGreaterOrEqual finds the index of the first entry whose key is
// greater than or equal to the given key. Returns len(idx.entries) if all
// keys are less than the given key.
func (idx *Index) findFirstGreaterOrEqual(key []byte) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].FirstKey, key) >= 0
	})
}

// GetEntries returns the internal slice of BlockIndexEntry.
// This is useful for testing or introspection.
func (idx *Index) GetEntries() []BlockIndexEntry {
	return idx.entries
}
