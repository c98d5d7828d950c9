package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/nexuskv/checkpoint"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/memtable"
	"github.com/INLOpen/nexuskv/sstable"
	"github.com/cenkalti/backoff/v5"
)

// flushLoop drains the immutable memtable queue in FIFO order. A memtable
// that cannot be flushed after repeated retries puts the engine into
// degraded mode: its data is still safe in the WAL.
func (e *StorageEngine) flushLoop() error {
	for {
		select {
		case <-e.shutdownChan:
			// Best-effort final drain; WAL still covers anything left over.
			e.drainFlushQueue()
			return nil
		case <-e.flushChan:
			e.drainFlushQueue()
		}
	}
}

func (e *StorageEngine) drainFlushQueue() {
	for {
		e.mu.RLock()
		var oldest *memtable.Memtable
		if len(e.immutables) > 0 {
			oldest = e.immutables[0]
		}
		e.mu.RUnlock()
		if oldest == nil {
			return
		}

		if err := e.flushMemtableWithRetry(oldest); err != nil {
			e.logger.Error("Flush failed permanently; engine is degraded.", "error", err)
			e.metrics.FlushErrorsTotal.Add(1)
			e.degraded.Store(true)
			return
		}

		e.mu.Lock()
		e.immutables = e.immutables[1:]
		e.mu.Unlock()
		oldest.Close()
	}
}

// flushMemtableWithRetry flushes one memtable, retrying transient failures
// with exponential backoff.
func (e *StorageEngine) flushMemtableWithRetry(mt *memtable.Memtable) error {
	start := e.opts.Clock.Now()
	defer func() { observeLatency(e.metrics.FlushLatencyHist, e.opts.Clock.Now().Sub(start)) }()

	operation := func() (struct{}, error) {
		if err := e.injectedFlushError(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, e.flushMemtableToL0(mt)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(e.opts.BackgroundMaxRetries)))
	if err != nil {
		return err
	}

	e.metrics.FlushTotal.Add(1)
	return e.afterFlush(mt)
}

// flushMemtableToL0 writes one sealed memtable to a new L0 sstable and
// registers it with the levels manager.
func (e *StorageEngine) flushMemtableToL0(mt *memtable.Memtable) error {
	if mt.Len() == 0 {
		return nil
	}

	id := e.nextSSTableID.Add(1)
	writer, err := e.newSSTableWriter(core.SSTableWriterOptions{
		DataDir:                      e.sstDir,
		ID:                           id,
		EstimatedKeys:                uint64(mt.Len()),
		BloomFilterFalsePositiveRate: e.opts.BloomFilterFalsePositiveRate,
		BlockSize:                    e.opts.BlockSize,
		Tracer:                       e.tracer,
		Compressor:                   e.compressor,
		Logger:                       e.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create sstable writer: %w", err)
	}

	if err := mt.FlushToSSTable(writer); err != nil {
		writer.Abort()
		return fmt.Errorf("failed to write memtable to sstable %d: %w", id, err)
	}
	if err := writer.Finish(); err != nil {
		return fmt.Errorf("failed to finish sstable %d: %w", id, err)
	}

	table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
		FilePath: writer.FilePath(),
		ID:       id,
		Tracer:   e.tracer,
		Logger:   e.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to load flushed sstable %d: %w", id, err)
	}

	if err := e.levels.AddL0Table(table); err != nil {
		table.Close()
		return fmt.Errorf("failed to register sstable %d in L0: %w", id, err)
	}

	e.metrics.SSTablesCreatedTotal.Add(1)
	e.metrics.FlushEntriesFlushedTotal.Add(int64(mt.Len()))
	e.metrics.FlushBytesFlushedTotal.Add(table.Size())
	e.logger.Info("Flushed memtable to L0.",
		"sstable_id", id,
		"entries", mt.Len(),
		"size_bytes", table.Size())
	return nil
}

// afterFlush persists the new level state and advances the WAL checkpoint.
// The flushed memtable was the oldest, so every WAL segment up to and
// including its last segment is now durable in sstables.
func (e *StorageEngine) afterFlush(mt *memtable.Memtable) error {
	if err := e.persistManifest(); err != nil {
		return fmt.Errorf("failed to persist manifest after flush: %w", err)
	}

	safeIndex := mt.LastWALSegmentIndex
	if safeIndex == 0 {
		return nil
	}
	if err := checkpoint.Write(e.dataDir, core.Checkpoint{LastSafeSegmentIndex: safeIndex}); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := e.wal.Purge(safeIndex); err != nil {
		e.logger.Warn("WAL purge failed; stale segments remain.", "up_to", safeIndex, "error", err)
	}
	return nil
}

// TriggerFlush seals the current mutable memtable (if non-empty) and queues
// it for flushing. Used by tests and the snapshot path.
func (e *StorageEngine) TriggerFlush(wait bool) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.mutable.Len() > 0 {
		e.mutable.Seal()
		e.mutable.LastWALSegmentIndex = e.wal.ActiveSegmentIndex()
		if err := e.wal.Rotate(); err != nil {
			e.mu.Unlock()
			return fmt.Errorf("WAL rotation failed: %w", err)
		}
		e.immutables = append(e.immutables, e.mutable)
		e.mutable = memtable.NewMemtable(e.opts.MemtableThreshold, e.opts.Clock)
	}
	e.mu.Unlock()

	select {
	case e.flushChan <- struct{}{}:
	default:
	}

	if !wait {
		return nil
	}
	// Wait for the queue to drain.
	for {
		e.mu.RLock()
		pending := len(e.immutables)
		e.mu.RUnlock()
		if pending == 0 {
			return nil
		}
		if e.degraded.Load() {
			return ErrDegraded
		}
		select {
		case <-e.shutdownChan:
			return core.ErrClosed
		case <-time.After(5 * time.Millisecond):
		}
	}
}
