package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexuskv/checkpoint"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/memtable"
	"github.com/INLOpen/nexuskv/sstable"
)

const snapshotSSTDirName = "sst"

// CreateSnapshot writes a self-contained, consistent copy of the database
// into snapshotDir. All in-memory data is flushed first, so the snapshot is
// fully described by its sstables plus the manifest; no WAL is included.
func (e *StorageEngine) CreateSnapshot(ctx context.Context, snapshotDir string) (err error) {
	if e.closed.Load() {
		return core.ErrClosed
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.CreateSnapshot")
	defer span.End()
	_ = ctx

	if err := e.TriggerFlush(true); err != nil {
		return fmt.Errorf("failed to flush before snapshot: %w", err)
	}

	if _, statErr := os.Stat(snapshotDir); statErr == nil {
		if removeErr := os.RemoveAll(snapshotDir); removeErr != nil {
			return fmt.Errorf("failed to clean existing snapshot directory %s: %w", snapshotDir, removeErr)
		}
	}
	if mkdirErr := os.MkdirAll(filepath.Join(snapshotDir, snapshotSSTDirName), 0755); mkdirErr != nil {
		return fmt.Errorf("failed to create snapshot directory %s: %w", snapshotDir, mkdirErr)
	}
	defer func() {
		if err != nil {
			e.logger.Warn("Snapshot creation failed, removing partial snapshot.", "snapshot_dir", snapshotDir, "error", err)
			os.RemoveAll(snapshotDir)
		}
	}()

	manifest := &core.SnapshotManifest{
		SequenceNumber:     e.seqNum.Load(),
		SSTableCompression: e.compressor.Type().String(),
	}

	levelStates, unlock := e.levels.GetSSTablesForRead()
	defer unlock()
	for _, level := range levelStates {
		tables := level.GetTables()
		if len(tables) == 0 {
			continue
		}
		levelManifest := core.SnapshotLevelManifest{
			LevelNumber: level.LevelNumber(),
			Tables:      make([]core.SSTableMetadata, 0, len(tables)),
		}
		for _, table := range tables {
			baseName := filepath.Base(table.FilePath())
			if copyErr := copyFile(table.FilePath(), filepath.Join(snapshotDir, snapshotSSTDirName, baseName)); copyErr != nil {
				return fmt.Errorf("failed to copy sstable %d into snapshot: %w", table.ID, copyErr)
			}
			levelManifest.Tables = append(levelManifest.Tables, core.SSTableMetadata{
				ID:       table.ID,
				FileName: filepath.Join(snapshotSSTDirName, baseName),
				MinKey:   table.MinKey,
				MaxKey:   table.MaxKey,
			})
		}
		manifest.Levels = append(manifest.Levels, levelManifest)
	}

	if err := writeFileAtomically(filepath.Join(snapshotDir, core.SnapshotManifestFileName), func(f *os.File) error {
		return writeManifestBinary(f, manifest)
	}); err != nil {
		return fmt.Errorf("failed to write snapshot manifest: %w", err)
	}

	e.logger.Info("Snapshot created.",
		"snapshot_dir", snapshotDir,
		"seq_num", manifest.SequenceNumber,
		"levels", len(manifest.Levels))
	return nil
}

// RestoreFromSnapshot replaces the engine's entire state with the contents
// of a snapshot directory. In-memory data and all existing sstables are
// discarded; the WAL is checkpointed past its pre-restore segments so they
// never replay. Used when the replication layer installs a leader snapshot.
func (e *StorageEngine) RestoreFromSnapshot(ctx context.Context, snapshotDir string) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.RestoreFromSnapshot")
	defer span.End()
	_ = ctx

	manifestFile, err := os.Open(filepath.Join(snapshotDir, core.SnapshotManifestFileName))
	if err != nil {
		return fmt.Errorf("failed to open snapshot manifest in %s: %w", snapshotDir, err)
	}
	manifest, err := readManifestBinary(manifestFile)
	manifestFile.Close()
	if err != nil {
		return fmt.Errorf("failed to decode snapshot manifest: %w", err)
	}

	// Stage the snapshot's sstables into the live sst directory and load them
	// before touching any existing state, so a failed restore leaves the
	// engine untouched.
	type restoredLevel struct {
		level  int
		tables []*sstable.SSTable
	}
	var restored []restoredLevel
	var maxTableID uint64
	discardRestored := func() {
		for _, rl := range restored {
			for _, table := range rl.tables {
				table.MarkObsolete()
				table.Close()
			}
		}
	}
	for _, level := range manifest.Levels {
		rl := restoredLevel{level: level.LevelNumber}
		for _, meta := range level.Tables {
			destPath := filepath.Join(e.sstDir, filepath.Base(meta.FileName))
			if err := copyFile(filepath.Join(snapshotDir, meta.FileName), destPath); err != nil {
				discardRestored()
				return fmt.Errorf("failed to stage sstable %d from snapshot: %w", meta.ID, err)
			}
			table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
				FilePath: destPath,
				ID:       meta.ID,
				Tracer:   e.tracer,
				Logger:   e.logger,
			})
			if err != nil {
				discardRestored()
				return fmt.Errorf("failed to load staged sstable %d: %w", meta.ID, err)
			}
			rl.tables = append(rl.tables, table)
			if meta.ID > maxTableID {
				maxTableID = meta.ID
			}
		}
		restored = append(restored, rl)
	}

	// Point of no return: swap in the snapshot state.
	e.mu.Lock()
	e.mutable.Close()
	for _, imm := range e.immutables {
		imm.Close()
	}
	e.immutables = nil
	e.mutable = memtable.NewMemtable(e.opts.MemtableThreshold, e.opts.Clock)
	e.mu.Unlock()

	oldTables := e.levels.Reset()
	for _, rl := range restored {
		if err := e.levels.AddTablesToLevel(rl.level, rl.tables); err != nil {
			return fmt.Errorf("failed to install restored tables for level %d: %w", rl.level, err)
		}
	}
	for _, old := range oldTables {
		old.MarkObsolete()
		old.Unref()
	}

	e.seqNum.Store(manifest.SequenceNumber)
	e.lastApplied.Store(manifest.SequenceNumber)
	if maxTableID > e.nextSSTableID.Load() {
		e.nextSSTableID.Store(maxTableID)
	}

	// Everything in the pre-restore WAL is superseded by the snapshot.
	previousSegment := e.wal.ActiveSegmentIndex()
	if err := e.wal.Rotate(); err != nil {
		return fmt.Errorf("failed to rotate WAL after restore: %w", err)
	}
	if err := checkpoint.Write(e.dataDir, core.Checkpoint{LastSafeSegmentIndex: previousSegment}); err != nil {
		return fmt.Errorf("failed to checkpoint WAL after restore: %w", err)
	}
	if err := e.wal.Purge(previousSegment); err != nil {
		e.logger.Warn("Failed to purge pre-restore WAL segments.", "up_to", previousSegment, "error", err)
	}
	e.mu.Lock()
	e.mutable.LastWALSegmentIndex = e.wal.ActiveSegmentIndex()
	e.mu.Unlock()

	if err := e.persistManifest(); err != nil {
		return fmt.Errorf("failed to persist manifest after restore: %w", err)
	}

	e.logger.Info("Restored from snapshot.",
		"snapshot_dir", snapshotDir,
		"seq_num", manifest.SequenceNumber,
		"sstables", e.levels.GetTotalTableCount())
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
