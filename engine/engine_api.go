package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/iterator"
	"github.com/INLOpen/nexuskv/memtable"
	"github.com/INLOpen/nexuskv/sstable"
)

// Put writes a key-value pair with a locally assigned sequence number.
// On a replicated node, writes arrive through ApplyCommand instead.
func (e *StorageEngine) Put(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key must not be empty")
	}
	e.metrics.PutTotal.Add(1)
	start := e.opts.Clock.Now()
	defer func() { observeLatency(e.metrics.PutLatencyHist, e.opts.Clock.Now().Sub(start)) }()

	err := e.write([]core.WALEntry{{
		EntryType: core.EntryTypePut,
		Key:       key,
		Value:     value,
	}}, 0)
	if err != nil {
		e.metrics.PutErrorsTotal.Add(1)
	}
	return err
}

// Delete writes a tombstone for the key. Deleting a missing key is not an
// error; the tombstone still shadows any older version below.
func (e *StorageEngine) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("key must not be empty")
	}
	e.metrics.DeleteTotal.Add(1)
	start := e.opts.Clock.Now()
	defer func() { observeLatency(e.metrics.DeleteLatencyHist, e.opts.Clock.Now().Sub(start)) }()

	return e.write([]core.WALEntry{{
		EntryType: core.EntryTypeDelete,
		Key:       key,
	}}, 0)
}

// PutBatch applies a group of commands atomically: the batch is written as a
// single WAL record, so recovery replays it all-or-nothing.
func (e *StorageEngine) PutBatch(ctx context.Context, commands []core.Command) error {
	if len(commands) == 0 {
		return nil
	}
	entries := make([]core.WALEntry, len(commands))
	for i, cmd := range commands {
		if len(cmd.Key) == 0 {
			return fmt.Errorf("batch command %d: key must not be empty", i)
		}
		switch cmd.Type {
		case core.EntryTypePut:
			entries[i] = core.WALEntry{EntryType: core.EntryTypePut, Key: cmd.Key, Value: cmd.Value}
		case core.EntryTypeDelete:
			entries[i] = core.WALEntry{EntryType: core.EntryTypeDelete, Key: cmd.Key}
		default:
			return fmt.Errorf("batch command %d: unsupported type %v", i, cmd.Type)
		}
	}
	e.metrics.PutTotal.Add(int64(len(entries)))
	return e.write(entries, 0)
}

// ApplyCommand applies a replicated command at the given log index. The log
// index doubles as the sequence number, which makes re-application after a
// restart or snapshot install a no-op: indexes at or below the last applied
// one are skipped.
func (e *StorageEngine) ApplyCommand(index uint64, data []byte) error {
	if err := e.checkWritable(); err != nil {
		return err
	}
	if index <= e.lastApplied.Load() {
		e.metrics.ApplySkippedTotal.Add(1)
		return nil
	}

	cmd, err := core.DecodeCommand(data)
	if err != nil {
		return fmt.Errorf("failed to decode command at index %d: %w", index, err)
	}

	entry := core.WALEntry{EntryType: cmd.Type, Key: cmd.Key, SeqNum: index}
	if cmd.Type == core.EntryTypePut {
		entry.Value = cmd.Value
	}

	if err := e.write([]core.WALEntry{entry}, index); err != nil {
		return err
	}
	e.metrics.ApplyTotal.Add(1)
	e.lastApplied.Store(index)
	return nil
}

// write appends entries to the WAL and then inserts them into the mutable
// memtable, rotating it if it fills up. When fixedSeq is non-zero it is used
// as the sequence number for all entries (the replicated path); otherwise
// each entry gets the next local sequence number.
func (e *StorageEngine) write(entries []core.WALEntry, fixedSeq uint64) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	for i := range entries {
		if fixedSeq != 0 {
			entries[i].SeqNum = fixedSeq
		} else {
			entries[i].SeqNum = e.seqNum.Add(1)
		}
	}
	if fixedSeq != 0 && fixedSeq > e.seqNum.Load() {
		e.seqNum.Store(fixedSeq)
	}

	// Durability first: the WAL record must hit the log before the memtable.
	if err := e.wal.AppendBatch(entries); err != nil {
		return fmt.Errorf("WAL append failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range entries {
		if err := e.mutable.Put(entries[i].Key, entries[i].Value, entries[i].EntryType, entries[i].SeqNum); err != nil {
			return fmt.Errorf("memtable insert failed: %w", err)
		}
	}
	e.mutable.LastWALSegmentIndex = e.wal.ActiveSegmentIndex()
	e.maybeRotateMemtableLocked()
	return nil
}

// maybeRotateMemtableLocked seals a full mutable memtable, moves it to the
// immutable queue, and rotates the WAL so the fresh memtable starts on a
// fresh segment. Callers must hold e.mu.
func (e *StorageEngine) maybeRotateMemtableLocked() {
	if !e.mutable.IsFull() {
		return
	}
	e.mutable.Seal()
	e.mutable.LastWALSegmentIndex = e.wal.ActiveSegmentIndex()
	if err := e.wal.Rotate(); err != nil {
		e.logger.Error("WAL rotation failed; continuing on current segment.", "error", err)
	}
	e.immutables = append(e.immutables, e.mutable)
	e.mutable = memtable.NewMemtable(e.opts.MemtableThreshold, e.opts.Clock)

	select {
	case e.flushChan <- struct{}{}:
	default: // A flush is already pending.
	}
}

// Get returns the newest value for a key. A key shadowed by a tombstone
// reports core.ErrNotFound.
func (e *StorageEngine) Get(ctx context.Context, key []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	e.metrics.GetTotal.Add(1)
	start := e.opts.Clock.Now()
	defer func() { observeLatency(e.metrics.GetLatencyHist, e.opts.Clock.Now().Sub(start)) }()

	// Memtables, newest first.
	e.mu.RLock()
	memtables := make([]*memtable.Memtable, 0, len(e.immutables)+1)
	memtables = append(memtables, e.mutable)
	for i := len(e.immutables) - 1; i >= 0; i-- {
		memtables = append(memtables, e.immutables[i])
	}
	e.mu.RUnlock()

	for _, mt := range memtables {
		if value, entryType, found := mt.Get(key); found {
			if entryType == core.EntryTypeDelete {
				return nil, core.ErrNotFound
			}
			return value, nil
		}
	}

	return e.getFromSSTables(key)
}

func (e *StorageEngine) getFromSSTables(key []byte) ([]byte, error) {
	levelStates, unlock := e.levels.GetSSTablesForRead()
	defer unlock()

	for _, level := range levelStates {
		for _, table := range level.GetTables() {
			if !table.Contains(key) {
				continue
			}
			value, entryType, err := table.Get(key)
			if err != nil {
				if errors.Is(err, sstable.ErrNotFound) {
					if entryType == core.EntryTypeDelete {
						// Tombstone: nothing older can resurrect the key.
						return nil, core.ErrNotFound
					}
					continue // Bloom filter false positive.
				}
				return nil, fmt.Errorf("sstable %d read failed: %w", table.ID, err)
			}
			return value, nil
		}
	}
	return nil, core.ErrNotFound
}

// Scan returns a merged iterator over [startKey, endKey) across all
// memtables and sstables. The iterator sees a consistent set of sources
// captured at call time; tombstoned keys are hidden and only the newest
// version of each key is yielded.
func (e *StorageEngine) Scan(ctx context.Context, startKey, endKey []byte, order core.SortOrder) (core.Iterator, error) {
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	e.metrics.ScanTotal.Add(1)
	start := e.opts.Clock.Now()
	defer func() { observeLatency(e.metrics.ScanLatencyHist, e.opts.Clock.Now().Sub(start)) }()

	var sources []core.Iterator
	closeAll := func() {
		for _, it := range sources {
			it.Close()
		}
	}

	e.mu.RLock()
	sources = append(sources, e.mutable.NewIterator(startKey, endKey, order))
	for i := len(e.immutables) - 1; i >= 0; i-- {
		sources = append(sources, e.immutables[i].NewIterator(startKey, endKey, order))
	}
	e.mu.RUnlock()

	levelStates, unlock := e.levels.GetSSTablesForRead()
	for _, level := range levelStates {
		for _, table := range level.GetTables() {
			it, err := table.NewIterator(startKey, endKey, order)
			if err != nil {
				unlock()
				closeAll()
				e.metrics.ScanErrorsTotal.Add(1)
				return nil, fmt.Errorf("failed to open iterator on sstable %d: %w", table.ID, err)
			}
			sources = append(sources, it)
		}
	}
	unlock()

	merged, err := iterator.NewMergingIterator(iterator.MergingIteratorParams{
		Iters:    sources,
		StartKey: startKey,
		EndKey:   endKey,
		Order:    order,
	})
	if err != nil {
		// NewMergingIterator closes the sources on failure.
		e.metrics.ScanErrorsTotal.Add(1)
		return nil, err
	}
	return merged, nil
}
