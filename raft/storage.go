package raft

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexuskv/core"
)

const (
	stateFileName = "raft_state.bin"
	logFileName   = "raft_log.bin"
)

// PersistentState is the durable part of a node's election state plus the
// snapshot boundary of the log. It must be on disk before any vote or RPC
// response leaves the node.
type PersistentState struct {
	CurrentTerm       uint64
	VotedFor          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// StateStore persists PersistentState with a full atomic rewrite per save.
// The file is tiny, so rewriting beats incremental formats.
type StateStore struct {
	path string
}

func NewStateStore(dir string) *StateStore {
	return &StateStore{path: filepath.Join(dir, stateFileName)}
}

// Save writes the state via a temp sibling and rename.
func (s *StateStore) Save(state PersistentState) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, core.RaftStateMagicNumber)
	buf.WriteByte(core.FormatVersion)
	binary.Write(&buf, binary.LittleEndian, state.CurrentTerm)
	binary.Write(&buf, binary.LittleEndian, state.LastIncludedIndex)
	binary.Write(&buf, binary.LittleEndian, state.LastIncludedTerm)
	binary.Write(&buf, binary.LittleEndian, uint16(len(state.VotedFor)))
	buf.WriteString(state.VotedFor)
	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(buf.Bytes()))

	tempPath := core.FormatTempFilename(s.path, "tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	return os.Rename(tempPath, s.path)
}

// Load reads the persisted state. A missing file reports found=false.
func (s *StateStore) Load() (PersistentState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return PersistentState{}, false, nil
		}
		return PersistentState{}, false, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) < core.ChecksumSize {
		return PersistentState{}, true, fmt.Errorf("state file too short: %w", core.ErrCorrupted)
	}

	payload := data[:len(data)-core.ChecksumSize]
	stored := binary.LittleEndian.Uint32(data[len(data)-core.ChecksumSize:])
	if crc32.ChecksumIEEE(payload) != stored {
		return PersistentState{}, true, fmt.Errorf("state file checksum mismatch: %w", core.ErrCorrupted)
	}

	r := bytes.NewReader(payload)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return PersistentState{}, true, err
	}
	if magic != core.RaftStateMagicNumber {
		return PersistentState{}, true, fmt.Errorf("invalid state file magic number %x: %w", magic, core.ErrCorrupted)
	}
	version, err := r.ReadByte()
	if err != nil {
		return PersistentState{}, true, err
	}
	if version != core.FormatVersion {
		return PersistentState{}, true, fmt.Errorf("unsupported state file version %d: %w", version, core.ErrCorrupted)
	}

	var state PersistentState
	if err := binary.Read(r, binary.LittleEndian, &state.CurrentTerm); err != nil {
		return PersistentState{}, true, err
	}
	if err := binary.Read(r, binary.LittleEndian, &state.LastIncludedIndex); err != nil {
		return PersistentState{}, true, err
	}
	if err := binary.Read(r, binary.LittleEndian, &state.LastIncludedTerm); err != nil {
		return PersistentState{}, true, err
	}
	var votedForLen uint16
	if err := binary.Read(r, binary.LittleEndian, &votedForLen); err != nil {
		return PersistentState{}, true, err
	}
	votedFor := make([]byte, votedForLen)
	if _, err := io.ReadFull(r, votedFor); err != nil {
		return PersistentState{}, true, err
	}
	state.VotedFor = string(votedFor)
	return state, true, nil
}

// LogStore keeps the raft log in memory and mirrors it to an append-only
// file of CRC-framed records. Suffix truncation (conflicting entries) and
// prefix compaction (snapshots) rewrite the whole file atomically; normal
// appends just extend it.
type LogStore struct {
	path string
	file *os.File

	// entries[0] has index firstIndex; an empty slice means the log holds
	// nothing past the snapshot boundary.
	entries    []LogEntry
	firstIndex uint64
}

// OpenLogStore loads the log file, tolerating a torn final record. Records
// below or at lastIncluded (from an earlier snapshot) are dropped.
func OpenLogStore(dir string, lastIncludedIndex uint64) (*LogStore, error) {
	ls := &LogStore{
		path:       filepath.Join(dir, logFileName),
		firstIndex: lastIncludedIndex + 1,
	}

	data, err := os.ReadFile(ls.path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read raft log: %w", err)
	}
	if len(data) > 0 {
		entries, derr := decodeLogFile(data)
		if derr != nil {
			return nil, derr
		}
		for _, entry := range entries {
			if entry.Index < ls.firstIndex {
				continue
			}
			ls.entries = append(ls.entries, entry)
		}
	}

	// Rewrite on open: drops any torn tail and any pre-snapshot prefix, and
	// leaves the file positioned for appends.
	if err := ls.rewrite(); err != nil {
		return nil, err
	}
	return ls, nil
}

func decodeLogFile(data []byte) ([]LogEntry, error) {
	r := bytes.NewReader(data)
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("failed to read raft log header: %w", err)
	}
	if magic != core.RaftLogMagicNumber {
		return nil, fmt.Errorf("invalid raft log magic number %x: %w", magic, core.ErrCorrupted)
	}
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != core.FormatVersion {
		return nil, fmt.Errorf("unsupported raft log version %d: %w", version, core.ErrCorrupted)
	}

	var entries []LogEntry
	for {
		var payloadLen uint32
		if err := binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
			// Clean end of file, or a torn length prefix from a crashed
			// append. Either way everything before it is intact.
			return entries, nil
		}
		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return entries, nil // Torn record.
		}
		var stored uint32
		if err := binary.Read(r, binary.LittleEndian, &stored); err != nil {
			return entries, nil // Torn checksum.
		}
		if crc32.ChecksumIEEE(payload) != stored {
			return nil, fmt.Errorf("raft log record checksum mismatch at entry %d: %w", len(entries), core.ErrCorrupted)
		}
		if len(payload) < 16 {
			return nil, fmt.Errorf("raft log record too short: %w", core.ErrCorrupted)
		}
		entries = append(entries, LogEntry{
			Index:   binary.LittleEndian.Uint64(payload[0:8]),
			Term:    binary.LittleEndian.Uint64(payload[8:16]),
			Command: payload[16:],
		})
	}
}

func encodeLogRecord(entry LogEntry) []byte {
	payload := make([]byte, 16, 16+len(entry.Command))
	binary.LittleEndian.PutUint64(payload[0:8], entry.Index)
	binary.LittleEndian.PutUint64(payload[8:16], entry.Term)
	payload = append(payload, entry.Command...)

	record := make([]byte, 4, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(record, uint32(len(payload)))
	record = append(record, payload...)
	record = binary.LittleEndian.AppendUint32(record, crc32.ChecksumIEEE(payload))
	return record
}

// rewrite replaces the log file with the in-memory entries via tmp+rename
// and reopens it for appending.
func (ls *LogStore) rewrite() error {
	if ls.file != nil {
		ls.file.Close()
		ls.file = nil
	}

	tempPath := core.FormatTempFilename(ls.path, "tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp raft log: %w", err)
	}
	var header bytes.Buffer
	binary.Write(&header, binary.LittleEndian, core.RaftLogMagicNumber)
	header.WriteByte(core.FormatVersion)
	if _, err := file.Write(header.Bytes()); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	for _, entry := range ls.entries {
		if _, err := file.Write(encodeLogRecord(entry)); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("failed to write raft log entry %d: %w", entry.Index, err)
		}
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, ls.path); err != nil {
		return err
	}

	ls.file, err = os.OpenFile(ls.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen raft log for append: %w", err)
	}
	return nil
}

// Append persists entries at the tail. Entries must continue the log.
func (ls *LogStore) Append(entries ...LogEntry) error {
	for _, entry := range entries {
		want := ls.nextIndex()
		if entry.Index != want {
			return fmt.Errorf("log append out of order: got index %d, want %d", entry.Index, want)
		}
		if _, err := ls.file.Write(encodeLogRecord(entry)); err != nil {
			return fmt.Errorf("failed to append raft log entry %d: %w", entry.Index, err)
		}
		ls.entries = append(ls.entries, entry)
	}
	return ls.file.Sync()
}

// TruncateSuffix removes all entries at or after fromIndex. Used when a
// follower's log conflicts with the leader's.
func (ls *LogStore) TruncateSuffix(fromIndex uint64) error {
	if fromIndex < ls.firstIndex {
		fromIndex = ls.firstIndex
	}
	if fromIndex >= ls.nextIndex() {
		return nil
	}
	ls.entries = ls.entries[:fromIndex-ls.firstIndex]
	return ls.rewrite()
}

// CompactPrefix removes all entries up to and including upToIndex after a
// snapshot has captured them.
func (ls *LogStore) CompactPrefix(upToIndex uint64) error {
	if upToIndex < ls.firstIndex {
		return nil
	}
	keepFrom := upToIndex + 1
	if keepFrom >= ls.nextIndex() {
		ls.entries = nil
	} else {
		kept := ls.entries[keepFrom-ls.firstIndex:]
		ls.entries = append([]LogEntry(nil), kept...)
	}
	ls.firstIndex = keepFrom
	return ls.rewrite()
}

// Reset drops the entire log and restarts it after lastIncludedIndex. Used
// when a snapshot is installed.
func (ls *LogStore) Reset(lastIncludedIndex uint64) error {
	ls.entries = nil
	ls.firstIndex = lastIncludedIndex + 1
	return ls.rewrite()
}

func (ls *LogStore) nextIndex() uint64 {
	return ls.firstIndex + uint64(len(ls.entries))
}

// FirstIndex returns the index of the first retained entry.
func (ls *LogStore) FirstIndex() uint64 {
	return ls.firstIndex
}

// LastIndex returns the index of the last entry, or firstIndex-1 (the
// snapshot boundary) when the log is empty.
func (ls *LogStore) LastIndex() uint64 {
	return ls.firstIndex + uint64(len(ls.entries)) - 1
}

// Len returns the number of retained entries.
func (ls *LogStore) Len() int {
	return len(ls.entries)
}

// Entry returns the entry at index; ok is false when the index is outside
// the retained range.
func (ls *LogStore) Entry(index uint64) (LogEntry, bool) {
	if index < ls.firstIndex || index >= ls.nextIndex() {
		return LogEntry{}, false
	}
	return ls.entries[index-ls.firstIndex], true
}

// EntriesFrom returns a copy of all entries at or after fromIndex.
func (ls *LogStore) EntriesFrom(fromIndex uint64) []LogEntry {
	if fromIndex < ls.firstIndex {
		fromIndex = ls.firstIndex
	}
	if fromIndex >= ls.nextIndex() {
		return nil
	}
	src := ls.entries[fromIndex-ls.firstIndex:]
	out := make([]LogEntry, len(src))
	copy(out, src)
	return out
}

// Close releases the underlying file.
func (ls *LogStore) Close() error {
	if ls.file == nil {
		return nil
	}
	err := ls.file.Close()
	ls.file = nil
	return err
}
