package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/google/uuid"
)

// SSTableWriter builds an SSTable file block by block. Keys must be added
// in (key ASC, seqNum DESC) order. The file is written to a temporary path
// and atomically renamed into place by Finish.
type SSTableWriter struct {
	opts          core.SSTableWriterOptions
	file          *os.File
	writer        *bufio.Writer
	tempFilePath  string
	finalFilePath string

	currentOffset int64

	blockBuffer    *bytes.Buffer
	compressionBuf *bytes.Buffer
	indexBuilder   IndexBuilder
	bloomFilter    *BloomFilter

	// Per-block state for prefix compression.
	firstKeyInBlock  []byte
	lastKeyInBlock   []byte
	restartPoints    []uint32
	entriesInBlock   int
	restartInterval  int

	minKey []byte
	maxKey []byte

	lastKeyAdded  []byte
	lastSeqAdded  uint64
	entryCount    uint64

	compressor core.Compressor
	logger     *slog.Logger
	finished   bool
}

var _ core.SSTableWriterInterface = (*SSTableWriter)(nil)

// FormatSSTableFileName builds the canonical SSTable file name for an ID.
func FormatSSTableFileName(id uint64) string {
	return fmt.Sprintf("%d.sst", id)
}

// NewSSTableWriter creates a writer for a new SSTable in opts.DataDir.
func NewSSTableWriter(opts core.SSTableWriterOptions) (*SSTableWriter, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BloomFilterFalsePositiveRate <= 0 || opts.BloomFilterFalsePositiveRate >= 1 {
		opts.BloomFilterFalsePositiveRate = 0.01
	}
	compressor := opts.Compressor
	if compressor == nil {
		compressor = &compressors.NoCompressionCompressor{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "SSTableWriter", "sstable_id", opts.ID)

	estimated := opts.EstimatedKeys
	if estimated == 0 {
		estimated = 1024
	}
	bloom, err := NewBloomFilter(estimated, opts.BloomFilterFalsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create bloom filter for sstable %d: %w", opts.ID, err)
	}

	finalFilePath := filepath.Join(opts.DataDir, FormatSSTableFileName(opts.ID))
	tempFilePath := filepath.Join(opts.DataDir, core.FormatTempFilename(FormatSSTableFileName(opts.ID), uuid.NewString()+".tmp"))

	file, err := os.OpenFile(tempFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp sstable file %s: %w", tempFilePath, err)
	}

	w := &SSTableWriter{
		opts:            opts,
		file:            file,
		writer:          bufio.NewWriter(file),
		tempFilePath:    tempFilePath,
		finalFilePath:   finalFilePath,
		blockBuffer:     core.BufferPool.Get(),
		compressionBuf:  core.BufferPool.Get(),
		bloomFilter:     bloom,
		restartInterval: DefaultRestartPointInterval,
		compressor:      compressor,
		logger:          logger,
	}

	header := core.NewFileHeader(core.SSTableMagicNumber, compressor.Type())
	if err := binary.Write(w.writer, binary.LittleEndian, &header); err != nil {
		w.cleanup()
		return nil, fmt.Errorf("failed to write sstable header: %w", err)
	}
	w.currentOffset = int64(header.Size())

	return w, nil
}

// FilePath returns the path the SSTable will occupy after Finish.
func (w *SSTableWriter) FilePath() string {
	return w.finalFilePath
}

// CurrentSize returns the number of bytes written to the file so far,
// excluding the contents of the in-progress block.
func (w *SSTableWriter) CurrentSize() int64 {
	return w.currentOffset
}

// Add appends an entry. Callers must supply entries sorted by key ascending
// and, within a key, by sequence number descending.
func (w *SSTableWriter) Add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	if w.finished {
		return ErrClosed
	}
	if w.lastKeyAdded != nil {
		cmp := bytes.Compare(key, w.lastKeyAdded)
		if cmp < 0 || (cmp == 0 && seqNum >= w.lastSeqAdded) {
			return fmt.Errorf("keys must be added in (key ASC, seqNum DESC) order: got key %q seq %d after key %q seq %d",
				key, seqNum, w.lastKeyAdded, w.lastSeqAdded)
		}
	}

	if w.minKey == nil {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append(w.maxKey[:0], key...)

	if err := w.appendToBlock(key, value, entryType, seqNum); err != nil {
		return err
	}
	w.bloomFilter.Add(key)
	w.entryCount++

	w.lastKeyAdded = append(w.lastKeyAdded[:0], key...)
	w.lastSeqAdded = seqNum

	if w.blockBuffer.Len() >= w.opts.BlockSize {
		if err := w.flushCurrentBlock(); err != nil {
			return err
		}
	}
	return nil
}

// appendToBlock encodes one entry into the current block buffer using
// prefix compression relative to the previous key in the block.
func (w *SSTableWriter) appendToBlock(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	sharedLen := 0
	if w.entriesInBlock%w.restartInterval == 0 {
		w.restartPoints = append(w.restartPoints, uint32(w.blockBuffer.Len()))
		// Restart points store the full key.
	} else {
		maxShared := len(w.lastKeyInBlock)
		if len(key) < maxShared {
			maxShared = len(key)
		}
		for sharedLen < maxShared && key[sharedLen] == w.lastKeyInBlock[sharedLen] {
			sharedLen++
		}
	}

	var varintBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(varintBuf[:], uint64(sharedLen))
	w.blockBuffer.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(key)-sharedLen))
	w.blockBuffer.Write(varintBuf[:n])
	n = binary.PutUvarint(varintBuf[:], uint64(len(value)))
	w.blockBuffer.Write(varintBuf[:n])
	w.blockBuffer.WriteByte(byte(entryType))
	n = binary.PutUvarint(varintBuf[:], seqNum)
	w.blockBuffer.Write(varintBuf[:n])
	w.blockBuffer.Write(key[sharedLen:])
	w.blockBuffer.Write(value)

	if w.entriesInBlock == 0 {
		w.firstKeyInBlock = append(w.firstKeyInBlock[:0], key...)
	}
	w.lastKeyInBlock = append(w.lastKeyInBlock[:0], key...)
	w.entriesInBlock++
	return nil
}

// flushCurrentBlock compresses the buffered block, writes it to the file
// prefixed by the compression flag and checksum, and records it in the index.
func (w *SSTableWriter) flushCurrentBlock() error {
	if w.blockBuffer.Len() == 0 {
		return nil
	}

	// Append the restart point trailer.
	for _, rp := range w.restartPoints {
		if err := binary.Write(w.blockBuffer, binary.LittleEndian, rp); err != nil {
			return fmt.Errorf("failed to write restart point: %w", err)
		}
	}
	if err := binary.Write(w.blockBuffer, binary.LittleEndian, uint32(len(w.restartPoints))); err != nil {
		return fmt.Errorf("failed to write restart point count: %w", err)
	}

	if err := w.compressor.CompressTo(w.compressionBuf, w.blockBuffer.Bytes()); err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	compressed := w.compressionBuf.Bytes()
	checksum := crc32.ChecksumIEEE(compressed)

	blockStartOffset := w.currentOffset

	if err := w.writer.WriteByte(byte(w.compressor.Type())); err != nil {
		return fmt.Errorf("failed to write compression flag: %w", err)
	}
	if err := binary.Write(w.writer, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write block checksum: %w", err)
	}
	if _, err := w.writer.Write(compressed); err != nil {
		return fmt.Errorf("failed to write block data: %w", err)
	}

	blockLength := uint32(BlockHeaderSize + len(compressed))
	w.currentOffset += int64(blockLength)

	firstKeyCopy := append([]byte(nil), w.firstKeyInBlock...)
	w.indexBuilder.Add(firstKeyCopy, blockStartOffset, blockLength)

	// Reset per-block state.
	w.blockBuffer.Reset()
	w.compressionBuf.Reset()
	w.restartPoints = w.restartPoints[:0]
	w.entriesInBlock = 0
	w.lastKeyInBlock = w.lastKeyInBlock[:0]
	w.firstKeyInBlock = w.firstKeyInBlock[:0]
	return nil
}

// Finish flushes the final block, writes the index, bloom filter, key range
// and footer, syncs the file, and renames it to its final path.
func (w *SSTableWriter) Finish() error {
	if w.finished {
		return ErrClosed
	}
	w.finished = true
	defer w.releaseBuffers()

	if err := w.flushCurrentBlock(); err != nil {
		w.cleanup()
		return err
	}

	indexData, indexChecksum, err := w.indexBuilder.Build()
	if err != nil {
		w.cleanup()
		return fmt.Errorf("failed to build index: %w", err)
	}

	// Index checksum, then the index itself.
	indexOffset := w.currentOffset + core.ChecksumSize
	if err := binary.Write(w.writer, binary.LittleEndian, indexChecksum); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to write index checksum: %w", err)
	}
	if _, err := w.writer.Write(indexData); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to write index: %w", err)
	}
	w.currentOffset = indexOffset + int64(len(indexData))

	bloomData := w.bloomFilter.Bytes()
	bloomOffset := w.currentOffset
	if _, err := w.writer.Write(bloomData); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to write bloom filter: %w", err)
	}
	w.currentOffset += int64(len(bloomData))

	minKeyOffset := w.currentOffset
	if _, err := w.writer.Write(w.minKey); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to write min key: %w", err)
	}
	w.currentOffset += int64(len(w.minKey))

	maxKeyOffset := w.currentOffset
	if _, err := w.writer.Write(w.maxKey); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to write max key: %w", err)
	}
	w.currentOffset += int64(len(w.maxKey))

	footer := make([]byte, 0, FooterSize)
	footer = binary.LittleEndian.AppendUint64(footer, uint64(indexOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(indexData)))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(bloomOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(bloomData)))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(minKeyOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(w.minKey)))
	footer = binary.LittleEndian.AppendUint64(footer, uint64(maxKeyOffset))
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(w.maxKey)))
	footer = append(footer, MagicString...)
	if _, err := w.writer.Write(footer); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to write footer: %w", err)
	}
	w.currentOffset += int64(len(footer))

	if err := w.writer.Flush(); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to flush sstable writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to sync sstable file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.cleanup()
		return fmt.Errorf("failed to close temp sstable file: %w", err)
	}

	// Windows can hold the file briefly after close; retry the rename.
	var renameErr error
	for i := 0; i < 5; i++ {
		renameErr = os.Rename(w.tempFilePath, w.finalFilePath)
		if renameErr == nil {
			break
		}
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	if renameErr != nil {
		os.Remove(w.tempFilePath)
		return fmt.Errorf("failed to rename %s to %s: %w", w.tempFilePath, w.finalFilePath, renameErr)
	}

	w.logger.Debug("SSTable finished.", "path", w.finalFilePath, "entries", w.entryCount, "size_bytes", w.currentOffset)
	return nil
}

// Abort discards the in-progress SSTable and removes the temporary file.
func (w *SSTableWriter) Abort() error {
	if w.finished {
		return nil
	}
	w.finished = true
	w.releaseBuffers()
	w.cleanup()
	return nil
}

func (w *SSTableWriter) cleanup() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.tempFilePath)
}

func (w *SSTableWriter) releaseBuffers() {
	if w.blockBuffer != nil {
		core.BufferPool.Put(w.blockBuffer)
		w.blockBuffer = nil
	}
	if w.compressionBuf != nil {
		core.BufferPool.Put(w.compressionBuf)
		w.compressionBuf = nil
	}
}
