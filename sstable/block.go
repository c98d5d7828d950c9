package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/INLOpen/nexuskv/core"
)

// Block represents a single decompressed data block within an SSTable.
// Entries inside a block are sorted by key ascending, then SeqNum descending,
// and prefix-compressed with periodic restart points.
type Block struct {
	data []byte
}

// NewBlock creates a new Block from raw decompressed block data.
func NewBlock(blockData []byte) *Block {
	return &Block{data: blockData}
}

// Find searches for a key within the block using restart points.
// Returns value, entryType, sequence number, and an error. A tombstone is
// reported as ErrNotFound with the tombstone's entry type so callers can
// distinguish deletion from absence. If the key is missing, ErrNotFound.
func (b *Block) Find(keyToFind []byte) ([]byte, core.EntryType, uint64, error) {
	if len(b.data) < 4 { // Must have at least num_restart_points (uint32)
		return nil, 0, 0, ErrNotFound
	}
	// Read the trailer to get restart points.
	numRestartPointsOffset := len(b.data) - 4
	numRestartPoints := binary.LittleEndian.Uint32(b.data[numRestartPointsOffset:])
	trailerSize := (int(numRestartPoints) * 4) + 4
	if len(b.data) < trailerSize {
		return nil, 0, 0, fmt.Errorf("invalid block size %d, smaller than calculated trailer size %d: %w", len(b.data), trailerSize, ErrCorrupted)
	}
	entriesData := b.data[:len(b.data)-trailerSize]

	if numRestartPoints == 0 {
		// Very small blocks may carry no restart points; scan from the start.
		return findLinearScan(NewBlockIterator(entriesData), keyToFind)
	}

	restartPointsStartOffset := numRestartPointsOffset - (int(numRestartPoints) * 4)
	if restartPointsStartOffset < 0 {
		return nil, 0, 0, fmt.Errorf("invalid restart points offset: %w", ErrCorrupted)
	}

	// Binary search for the rightmost restart point whose key is <= keyToFind.
	searchIndex := sort.Search(int(numRestartPoints), func(i int) bool {
		offset := binary.LittleEndian.Uint32(b.data[restartPointsStartOffset+(i*4):])
		tempIter := NewBlockIterator(entriesData[offset:])
		if tempIter.Next() {
			return bytes.Compare(tempIter.Key(), keyToFind) >= 0
		}
		return false
	})

	var searchStartOffset uint32
	if searchIndex > 0 {
		// Start scanning from the restart point before the first one with key >= keyToFind.
		searchStartOffset = binary.LittleEndian.Uint32(b.data[restartPointsStartOffset+((searchIndex-1)*4):])
	}

	return findLinearScan(NewBlockIterator(entriesData[searchStartOffset:]), keyToFind)
}

// getEntriesData returns the slice of block data containing only the
// key-value entries, excluding the trailer.
func (b *Block) getEntriesData() []byte {
	if len(b.data) < 4 {
		return nil
	}
	numRestartPointsOffset := len(b.data) - 4
	numRestartPoints := binary.LittleEndian.Uint32(b.data[numRestartPointsOffset:])
	trailerSize := (int(numRestartPoints) * 4) + 4
	if len(b.data) < trailerSize {
		return nil // Corrupted block
	}
	return b.data[:len(b.data)-trailerSize]
}

// findLinearScan scans for a key from the iterator's current position,
// keeping the version with the highest sequence number.
func findLinearScan(blockIter *BlockIterator, keyToFind []byte) ([]byte, core.EntryType, uint64, error) {
	var latestFoundEntry *struct {
		value     []byte
		entryType core.EntryType
		seqNum    uint64
	}

	for blockIter.Next() {
		currentKey := blockIter.Key()
		cmp := bytes.Compare(currentKey, keyToFind)

		if cmp == 0 {
			currentSeqNum := blockIter.SeqNum()
			if latestFoundEntry == nil || currentSeqNum > latestFoundEntry.seqNum {
				latestFoundEntry = &struct {
					value     []byte
					entryType core.EntryType
					seqNum    uint64
				}{
					value:     blockIter.Value(),
					entryType: blockIter.EntryType(),
					seqNum:    currentSeqNum,
				}
			}
		} else if cmp > 0 {
			break
		}
	}

	if err := blockIter.Error(); err != nil {
		return nil, 0, 0, fmt.Errorf("block find: iterator error: %w", err)
	}

	if latestFoundEntry != nil {
		if latestFoundEntry.entryType == core.EntryTypeDelete {
			return nil, latestFoundEntry.entryType, latestFoundEntry.seqNum, ErrNotFound
		}
		return latestFoundEntry.value, latestFoundEntry.entryType, latestFoundEntry.seqNum, nil
	}

	return nil, 0, 0, ErrNotFound
}

// BlockIterator iterates over entries within a single data block.
type BlockIterator struct {
	reader *bytes.Reader
	// For prefix decompression
	previousKey      []byte
	currentKey       []byte
	currentValue     []byte
	currentEntryType core.EntryType
	currentSeqNum    uint64
	err              error
}

// NewBlockIterator creates a new iterator for the given block entry data.
func NewBlockIterator(blockData []byte) *BlockIterator {
	return &BlockIterator{
		reader: bytes.NewReader(blockData),
	}
}

// Next advances the iterator to the next entry in the block.
// Returns false if there are no more entries or an error occurred.
func (bi *BlockIterator) Next() bool {
	if bi.err != nil || bi.reader.Len() == 0 {
		return false
	}

	sharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		if err == io.EOF {
			return false
		}
		bi.err = fmt.Errorf("block iterator: failed to read shared_key_len: %w", err)
		return false
	}

	unsharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared_key_len: %w", err)
		return false
	}

	valueLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read value_len: %w", err)
		return false
	}

	entryTypeByte, err := bi.reader.ReadByte()
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read entry type: %w", err)
		return false
	}

	seqNum, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read sequence number: %w", err)
		return false
	}

	if uint64(len(bi.previousKey)) < sharedLen {
		bi.err = fmt.Errorf("block iterator: shared prefix %d longer than previous key %d: %w", sharedLen, len(bi.previousKey), ErrCorrupted)
		return false
	}

	// Reconstruct key using the prefix of the previous key.
	key := make([]byte, sharedLen+unsharedLen)
	copy(key, bi.previousKey[:sharedLen])
	if _, err := io.ReadFull(bi.reader, key[sharedLen:]); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared key: %w", err)
		return false
	}

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(bi.reader, value); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read value for key %s: %w", string(key), err)
		return false
	}

	bi.currentKey = key
	bi.currentValue = value
	bi.currentEntryType = core.EntryType(entryTypeByte)
	bi.currentSeqNum = seqNum
	bi.previousKey = append(bi.previousKey[:0], key...)

	return true
}

// Key returns the key of the current entry.
func (bi *BlockIterator) Key() []byte { return bi.currentKey }

// Value returns the value of the current entry.
func (bi *BlockIterator) Value() []byte { return bi.currentValue }

// EntryType returns the type of the current entry.
func (bi *BlockIterator) EntryType() core.EntryType { return bi.currentEntryType }

// SeqNum returns the sequence number of the current entry.
func (bi *BlockIterator) SeqNum() uint64 { return bi.currentSeqNum }

// Error returns any error encountered during iteration.
func (bi *BlockIterator) Error() error { return bi.err }
