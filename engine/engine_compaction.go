package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/iterator"
	"github.com/INLOpen/nexuskv/sstable"
)

// compactionLoop periodically checks for compaction work: L0 by file count,
// L1+ by total size against the level's target. A cycle that keeps failing
// past the retry budget degrades the engine.
func (e *StorageEngine) compactionLoop() error {
	ticker := time.NewTicker(e.opts.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownChan:
			return nil
		case <-ticker.C:
			if err := e.runCompactionCycleWithRetry(); err != nil {
				e.logger.Error("Compaction failed permanently; engine is degraded.", "error", err)
				e.degraded.Store(true)
				return nil
			}
		}
	}
}

func (e *StorageEngine) runCompactionCycleWithRetry() error {
	operation := func() (struct{}, error) {
		err := e.runCompactionCycle()
		if err != nil {
			e.metrics.CompactionErrorsTotal.Add(1)
			e.logger.Warn("Compaction cycle failed, retrying.", "error", err)
		}
		return struct{}{}, err
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	_, err := backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(e.opts.BackgroundMaxRetries)))
	return err
}

// runCompactionCycle performs at most one compaction per level check, L0
// first, then L1 upward.
func (e *StorageEngine) runCompactionCycle() error {
	if e.levels.NeedsL0Compaction(e.opts.MaxL0Files) {
		if err := e.compactL0(); err != nil {
			return fmt.Errorf("L0 compaction: %w", err)
		}
	}
	for level := 1; level < e.levels.MaxLevels()-1; level++ {
		if !e.levels.NeedsLevelNCompaction(level, e.opts.LevelsTargetSizeMultiplier) {
			continue
		}
		if err := e.compactLevelN(level); err != nil {
			return fmt.Errorf("L%d compaction: %w", level, err)
		}
	}
	return nil
}

// compactL0 merges all L0 tables plus the overlapping part of L1 into L1.
func (e *StorageEngine) compactL0() error {
	l0Tables := e.levels.GetTablesForLevel(0)
	if len(l0Tables) == 0 {
		return nil
	}

	var minKey, maxKey []byte
	for _, table := range l0Tables {
		if minKey == nil || compareKeys(table.MinKey, minKey) < 0 {
			minKey = table.MinKey
		}
		if maxKey == nil || compareKeys(table.MaxKey, maxKey) > 0 {
			maxKey = table.MaxKey
		}
	}
	overlapping := e.levels.GetOverlappingTables(1, minKey, maxKey)

	sources := append(append([]*sstable.SSTable(nil), l0Tables...), overlapping...)
	return e.compactTables(0, 1, sources)
}

// compactLevelN merges one table from level N plus its overlap in N+1 into
// level N+1.
func (e *StorageEngine) compactLevelN(level int) error {
	candidate := e.levels.PickCompactionCandidateForLevelN(level)
	if candidate == nil {
		return nil
	}
	overlapping := e.levels.GetOverlappingTables(level+1, candidate.MinKey, candidate.MaxKey)
	sources := append([]*sstable.SSTable{candidate}, overlapping...)
	return e.compactTables(level, level+1, sources)
}

// compactTables merges the source tables into new tables in the target
// level. Old tables are marked obsolete and unreferenced; their files
// disappear once the last concurrent reader releases them.
func (e *StorageEngine) compactTables(sourceLevel, targetLevel int, sources []*sstable.SSTable) error {
	if len(sources) == 0 {
		return nil
	}
	e.metrics.CompactionsInProgress.Add(1)
	defer e.metrics.CompactionsInProgress.Add(-1)
	start := e.opts.Clock.Now()
	defer func() { observeLatency(e.metrics.CompactionLatencyHist, e.opts.Clock.Now().Sub(start)) }()

	// Tombstones must survive the merge unless the output lands in the
	// bottom level, where nothing older can hide beneath them.
	dropTombstones := targetLevel == e.levels.MaxLevels()-1

	iters := make([]core.Iterator, 0, len(sources))
	for _, table := range sources {
		it, err := table.NewIterator(nil, nil, core.Ascending)
		if err != nil {
			for _, open := range iters {
				open.Close()
			}
			return fmt.Errorf("failed to open iterator on sstable %d: %w", table.ID, err)
		}
		iters = append(iters, it)
	}

	merged, err := iterator.NewMergingIterator(iterator.MergingIteratorParams{
		Iters:          iters,
		Order:          core.Ascending,
		EmitTombstones: !dropTombstones,
	})
	if err != nil {
		return err
	}
	defer merged.Close()

	newTables, err := e.writeCompactedTables(merged)
	if err != nil {
		for _, table := range newTables {
			table.MarkObsolete()
			table.Close()
		}
		return err
	}

	if err := e.levels.ApplyCompactionResults(sourceLevel, targetLevel, newTables, sources); err != nil {
		for _, table := range newTables {
			table.MarkObsolete()
			table.Close()
		}
		return fmt.Errorf("failed to apply compaction results: %w", err)
	}

	if err := e.persistManifest(); err != nil {
		return fmt.Errorf("failed to persist manifest after compaction: %w", err)
	}

	for _, old := range sources {
		old.MarkObsolete()
		old.Unref()
		e.metrics.SSTablesObsoleteTotal.Add(1)
	}

	e.metrics.CompactionTotal.Add(1)
	e.logger.Info("Compaction finished.",
		"source_level", sourceLevel,
		"target_level", targetLevel,
		"merged_tables", len(sources),
		"new_tables", len(newTables))
	return nil
}

// writeCompactedTables drains the merged iterator into one or more new
// sstables, splitting when a table reaches the base target size.
func (e *StorageEngine) writeCompactedTables(merged core.Iterator) ([]*sstable.SSTable, error) {
	var newTables []*sstable.SSTable
	var writer core.SSTableWriterInterface
	var writerID uint64

	finishCurrent := func() error {
		if writer == nil {
			return nil
		}
		if err := writer.Finish(); err != nil {
			return fmt.Errorf("failed to finish sstable %d: %w", writerID, err)
		}
		table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
			FilePath: writer.FilePath(),
			ID:       writerID,
			Tracer:   e.tracer,
			Logger:   e.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to load compacted sstable %d: %w", writerID, err)
		}
		newTables = append(newTables, table)
		e.metrics.SSTablesCreatedTotal.Add(1)
		writer = nil
		return nil
	}

	for merged.Next() {
		node, err := merged.At()
		if err != nil {
			if writer != nil {
				writer.Abort()
			}
			return newTables, err
		}

		if writer == nil {
			writerID = e.nextSSTableID.Add(1)
			writer, err = e.newSSTableWriter(core.SSTableWriterOptions{
				DataDir:                      e.sstDir,
				ID:                           writerID,
				EstimatedKeys:                4096,
				BloomFilterFalsePositiveRate: e.opts.BloomFilterFalsePositiveRate,
				BlockSize:                    e.opts.BlockSize,
				Tracer:                       e.tracer,
				Compressor:                   e.compressor,
				Logger:                       e.logger,
			})
			if err != nil {
				return newTables, fmt.Errorf("failed to create sstable writer: %w", err)
			}
		}

		if err := writer.Add(node.Key, node.Value, node.EntryType, node.SeqNum); err != nil {
			writer.Abort()
			return newTables, fmt.Errorf("failed to append to sstable %d: %w", writerID, err)
		}

		if writer.CurrentSize() >= e.opts.BaseTargetSize {
			if err := finishCurrent(); err != nil {
				return newTables, err
			}
		}
	}
	if err := merged.Error(); err != nil {
		if writer != nil {
			writer.Abort()
		}
		return newTables, err
	}
	if err := finishCurrent(); err != nil {
		return newTables, err
	}
	return newTables, nil
}

func compareKeys(a, b []byte) int {
	switch {
	case string(a) < string(b):
		return -1
	case string(a) > string(b):
		return 1
	default:
		return 0
	}
}
