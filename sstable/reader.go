package sstable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"go.opentelemetry.io/otel/trace"
)

// LoadSSTableOptions holds configuration for loading an existing SSTable.
type LoadSSTableOptions struct {
	FilePath string
	ID       uint64
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// SSTable provides read access to a single on-disk sorted table.
//
// Lifecycle is reference counted: LoadSSTable returns the table with one
// reference held by the caller. Ref/Unref track additional readers (for
// example iterators). When the count reaches zero the file handle is closed,
// and if the table was marked obsolete by compaction the file is removed.
type SSTable struct {
	ID       uint64
	filePath string
	file     *os.File
	size     int64

	index       *Index
	bloomFilter *BloomFilter
	MinKey      []byte
	MaxKey      []byte

	compressor core.Compressor
	tracer     trace.Tracer
	logger     *slog.Logger

	refs     atomic.Int32
	obsolete atomic.Bool
}

// LoadSSTable opens and validates an SSTable file, loading its footer,
// index, bloom filter and key range into memory.
func LoadSSTable(opts LoadSSTableOptions) (*SSTable, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "SSTable", "sstable_id", opts.ID)

	file, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable file %s: %w", opts.FilePath, err)
	}
	// Close on any validation failure below.
	ok := false
	defer func() {
		if !ok {
			file.Close()
		}
	}()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat sstable file %s: %w", opts.FilePath, err)
	}
	size := stat.Size()

	var header core.FileHeader
	headerSize := int64(header.Size())
	if size < headerSize+int64(FooterSize) {
		return nil, fmt.Errorf("sstable file %s too small (%d bytes): %w", opts.FilePath, size, ErrCorrupted)
	}
	if err := binary.Read(io.NewSectionReader(file, 0, headerSize), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read sstable header: %w", err)
	}
	if header.Magic != core.SSTableMagicNumber {
		return nil, fmt.Errorf("invalid sstable magic number in %s: %w", opts.FilePath, ErrCorrupted)
	}
	if header.Version != core.FormatVersion {
		return nil, fmt.Errorf("unsupported sstable format version %d in %s", header.Version, opts.FilePath)
	}
	compressor, err := compressors.NewCompressor(header.CompressorType)
	if err != nil {
		return nil, fmt.Errorf("sstable %s: %w", opts.FilePath, err)
	}

	footer := make([]byte, FooterSize)
	if _, err := file.ReadAt(footer, size-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("failed to read sstable footer: %w", err)
	}
	if string(footer[FooterFixedComponentSize:]) != MagicString {
		return nil, fmt.Errorf("invalid sstable magic string in %s: %w", opts.FilePath, ErrCorrupted)
	}

	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	indexLen := binary.LittleEndian.Uint32(footer[8:12])
	bloomOffset := int64(binary.LittleEndian.Uint64(footer[12:20]))
	bloomLen := binary.LittleEndian.Uint32(footer[20:24])
	minKeyOffset := int64(binary.LittleEndian.Uint64(footer[24:32]))
	minKeyLen := binary.LittleEndian.Uint32(footer[32:36])
	maxKeyOffset := int64(binary.LittleEndian.Uint64(footer[36:44]))
	maxKeyLen := binary.LittleEndian.Uint32(footer[44:48])

	dataEnd := size - int64(FooterSize)
	for _, section := range []struct {
		name   string
		offset int64
		length uint32
	}{
		{"index", indexOffset, indexLen},
		{"bloom filter", bloomOffset, bloomLen},
		{"min key", minKeyOffset, minKeyLen},
		{"max key", maxKeyOffset, maxKeyLen},
	} {
		if section.offset < headerSize || section.offset+int64(section.length) > dataEnd {
			return nil, fmt.Errorf("sstable %s section %q out of bounds (offset=%d len=%d): %w",
				opts.FilePath, section.name, section.offset, section.length, ErrCorrupted)
		}
	}

	// The index is preceded by its own checksum.
	checksumBuf := make([]byte, core.ChecksumSize)
	if _, err := file.ReadAt(checksumBuf, indexOffset-core.ChecksumSize); err != nil {
		return nil, fmt.Errorf("failed to read index checksum: %w", err)
	}
	indexChecksum := binary.LittleEndian.Uint32(checksumBuf)

	indexData := make([]byte, indexLen)
	if _, err := file.ReadAt(indexData, indexOffset); err != nil {
		return nil, fmt.Errorf("failed to read sstable index: %w", err)
	}
	index, err := DeserializeIndex(indexData, indexChecksum, opts.Tracer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize index for %s: %w", opts.FilePath, err)
	}

	bloomData := make([]byte, bloomLen)
	if _, err := file.ReadAt(bloomData, bloomOffset); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter: %w", err)
	}
	bloom, err := DeserializeBloomFilter(bloomData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize bloom filter for %s: %w", opts.FilePath, err)
	}

	minKey := make([]byte, minKeyLen)
	if _, err := file.ReadAt(minKey, minKeyOffset); err != nil {
		return nil, fmt.Errorf("failed to read min key: %w", err)
	}
	maxKey := make([]byte, maxKeyLen)
	if _, err := file.ReadAt(maxKey, maxKeyOffset); err != nil {
		return nil, fmt.Errorf("failed to read max key: %w", err)
	}

	ok = true
	tbl := &SSTable{
		ID:          opts.ID,
		filePath:    opts.FilePath,
		file:        file,
		size:        size,
		index:       index,
		bloomFilter: bloom,
		MinKey:      minKey,
		MaxKey:      maxKey,
		compressor:  compressor,
		tracer:      opts.Tracer,
		logger:      logger,
	}
	tbl.refs.Store(1)
	return tbl, nil
}

// FilePath returns the path of the underlying file.
func (s *SSTable) FilePath() string { return s.filePath }

// Size returns the file size in bytes.
func (s *SSTable) Size() int64 { return s.size }

// Contains reports whether the key might be present, using the bloom filter
// and key range. A false return is definitive.
func (s *SSTable) Contains(key []byte) bool {
	if len(s.MinKey) > 0 && bytes.Compare(key, s.MinKey) < 0 {
		return false
	}
	if len(s.MaxKey) > 0 && bytes.Compare(key, s.MaxKey) > 0 {
		return false
	}
	return s.bloomFilter.Contains(key)
}

// Get looks up a key. A tombstone is reported as (nil, EntryTypeDelete,
// ErrNotFound) so callers can stop searching older tables.
func (s *SSTable) Get(key []byte) ([]byte, core.EntryType, error) {
	if s.refs.Load() <= 0 {
		return nil, 0, ErrClosed
	}
	if !s.Contains(key) {
		return nil, 0, ErrNotFound
	}

	indexEntry, found := s.index.Find(key)
	if !found {
		return nil, 0, ErrNotFound
	}

	block, err := s.readBlock(indexEntry.BlockOffset, indexEntry.BlockLength)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read block at offset %d: %w", indexEntry.BlockOffset, err)
	}

	return blockFindResult(block, key)
}

func blockFindResult(block *Block, key []byte) ([]byte, core.EntryType, error) {
	value, entryType, _, err := block.Find(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, entryType, ErrNotFound
		}
		return nil, 0, err
	}
	return value, entryType, nil
}

// readBlock reads, verifies and decompresses the data block at the given
// file offset.
func (s *SSTable) readBlock(offset int64, length uint32) (*Block, error) {
	flag, payload, err := s.readAndVerifyRawBlock(offset, length)
	if err != nil {
		return nil, err
	}
	return s.decompressBlock(flag, payload)
}

// readAndVerifyRawBlock reads a block and verifies its checksum. Returns the
// compression flag and the (still compressed) payload.
func (s *SSTable) readAndVerifyRawBlock(offset int64, length uint32) (core.CompressionType, []byte, error) {
	if length < BlockHeaderSize {
		return 0, nil, fmt.Errorf("block at offset %d too small (%d bytes): %w", offset, length, ErrCorrupted)
	}
	raw := make([]byte, length)
	if _, err := s.file.ReadAt(raw, offset); err != nil {
		return 0, nil, fmt.Errorf("failed to read block: %w", err)
	}

	flag := core.CompressionType(raw[0])
	expectedChecksum := binary.LittleEndian.Uint32(raw[1:BlockHeaderSize])
	payload := raw[BlockHeaderSize:]

	if crc32.ChecksumIEEE(payload) != expectedChecksum {
		return 0, nil, fmt.Errorf("block checksum mismatch at offset %d: %w", offset, ErrCorrupted)
	}
	return flag, payload, nil
}

// decompressBlock decompresses a verified block payload into a Block.
func (s *SSTable) decompressBlock(flag core.CompressionType, payload []byte) (*Block, error) {
	compressor := s.compressor
	if compressor.Type() != flag {
		// Blocks carry their own compression flag; honor it even when it
		// differs from the file header.
		c, err := compressors.NewCompressor(flag)
		if err != nil {
			return nil, fmt.Errorf("block has unknown compression flag %d: %w", flag, ErrCorrupted)
		}
		compressor = c
	}

	rc, err := compressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block: %w", err)
	}
	defer rc.Close()

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("failed to read decompressed block: %w", err)
	}
	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return NewBlock(data), nil
}

// VerifyIntegrity re-reads every data block, verifying checksums and key
// ordering across the whole table.
func (s *SSTable) VerifyIntegrity() error {
	var prevKey []byte
	var prevSeq uint64
	for _, entry := range s.index.GetEntries() {
		block, err := s.readBlock(entry.BlockOffset, entry.BlockLength)
		if err != nil {
			return err
		}
		iter := NewBlockIterator(block.getEntriesData())
		for iter.Next() {
			cmp := bytes.Compare(iter.Key(), prevKey)
			if prevKey != nil && (cmp < 0 || (cmp == 0 && iter.SeqNum() >= prevSeq)) {
				return fmt.Errorf("key ordering violation at key %q: %w", iter.Key(), ErrCorrupted)
			}
			prevKey = append(prevKey[:0], iter.Key()...)
			prevSeq = iter.SeqNum()
		}
		if err := iter.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Ref acquires an additional reference to the table.
func (s *SSTable) Ref() {
	s.refs.Add(1)
}

// Unref releases a reference. When the last reference is dropped the file
// handle is closed and, if the table was marked obsolete, the file is
// removed from disk.
func (s *SSTable) Unref() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return ErrClosed
	}

	err := s.file.Close()
	if s.obsolete.Load() {
		if rmErr := os.Remove(s.filePath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("Failed to remove obsolete sstable.", "path", s.filePath, "error", rmErr)
			if err == nil {
				err = rmErr
			}
		} else {
			s.logger.Debug("Removed obsolete sstable.", "path", s.filePath)
		}
	}
	return err
}

// MarkObsolete flags the table for deletion once all references are released.
func (s *SSTable) MarkObsolete() {
	s.obsolete.Store(true)
}

// Close releases the reference held since LoadSSTable.
func (s *SSTable) Close() error {
	return s.Unref()
}
