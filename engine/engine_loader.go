package engine

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/INLOpen/nexuskv/checkpoint"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sstable"
	"github.com/INLOpen/nexuskv/wal"
)

// loadFromManifest restores the level state from the manifest the CURRENT
// file points at. A missing CURRENT file means a fresh database.
func (e *StorageEngine) loadFromManifest() error {
	currentPath := filepath.Join(e.dataDir, core.CurrentFileName)
	data, err := os.ReadFile(currentPath)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.Info("No CURRENT file found, starting with an empty database.")
			return nil
		}
		return fmt.Errorf("failed to read CURRENT file: %w", err)
	}

	manifestName := strings.TrimSpace(string(data))
	if gen, perr := parseManifestFileName(manifestName); perr == nil {
		e.manifestGen.Store(gen)
	}

	manifestPath := filepath.Join(e.dataDir, manifestName)
	file, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to open manifest %s: %w", manifestName, err)
	}
	defer file.Close()

	manifest, err := readManifestBinary(file)
	if err != nil {
		return fmt.Errorf("failed to decode manifest %s: %w", manifestName, err)
	}

	if manifest.SSTableCompression != "" && manifest.SSTableCompression != e.compressor.Type().String() {
		e.logger.Warn("Configured compression differs from manifest; existing blocks keep their per-block codec.",
			"manifest", manifest.SSTableCompression,
			"configured", e.compressor.Type().String())
	}

	var maxTableID uint64
	for _, level := range manifest.Levels {
		tables := make([]*sstable.SSTable, 0, len(level.Tables))
		for _, meta := range level.Tables {
			table, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{
				FilePath: filepath.Join(e.sstDir, meta.FileName),
				ID:       meta.ID,
				Tracer:   e.tracer,
				Logger:   e.logger,
			})
			if err != nil {
				for _, loaded := range tables {
					loaded.Close()
				}
				return fmt.Errorf("failed to load sstable %d (%s) for level %d: %w", meta.ID, meta.FileName, level.LevelNumber, err)
			}
			tables = append(tables, table)
			if meta.ID > maxTableID {
				maxTableID = meta.ID
			}
		}
		if err := e.levels.AddTablesToLevel(level.LevelNumber, tables); err != nil {
			for _, loaded := range tables {
				loaded.Close()
			}
			return fmt.Errorf("failed to register tables for level %d: %w", level.LevelNumber, err)
		}
	}

	e.seqNum.Store(manifest.SequenceNumber)
	e.nextSSTableID.Store(maxTableID)
	if nextID, found := e.readNextIDFile(); found && nextID > maxTableID {
		e.nextSSTableID.Store(nextID)
	}

	e.logger.Info("Loaded manifest.",
		"manifest", manifestName,
		"seq_num", manifest.SequenceNumber,
		"sstables", e.levels.GetTotalTableCount())
	return nil
}

// recoverFromWAL opens the WAL and replays entries from segments newer than
// the last checkpoint into the mutable memtable. Replayed entries are not
// re-logged: they stay durable in the segments they came from until the next
// flush advances the checkpoint. The WAL tolerates a torn tail in its newest
// segment; any other damage fails the open, since continuing would lose
// acknowledged writes.
func (e *StorageEngine) recoverFromWAL() error {
	cp, found, err := checkpoint.Read(e.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	startIndex := uint64(0)
	if found {
		startIndex = cp.LastSafeSegmentIndex
	}

	recoveryStart := e.opts.Clock.Now()
	w, recovered, err := wal.Open(wal.Options{
		Dir:                filepath.Join(e.dataDir, walDirName),
		SyncMode:           e.opts.WALSyncMode,
		MaxSegmentSize:     e.opts.WALMaxSegmentSize,
		BytesWritten:       e.metrics.WALBytesWrittenTotal,
		EntriesWritten:     e.metrics.WALEntriesWrittenTotal,
		Logger:             e.opts.Logger,
		StartRecoveryIndex: startIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to open WAL: %w", err)
	}
	e.wal = w

	maxSeq := e.seqNum.Load()
	for i := range recovered {
		entry := &recovered[i]
		if err := e.mutable.Put(entry.Key, entry.Value, entry.EntryType, entry.SeqNum); err != nil {
			return fmt.Errorf("failed to replay WAL entry (seq %d): %w", entry.SeqNum, err)
		}
		if entry.SeqNum > maxSeq {
			maxSeq = entry.SeqNum
		}
	}
	e.seqNum.Store(maxSeq)
	e.mutable.LastWALSegmentIndex = e.wal.ActiveSegmentIndex()

	duration := e.opts.Clock.Now().Sub(recoveryStart)
	e.metrics.WALRecoveredEntriesTotal.Add(int64(len(recovered)))
	e.metrics.WALRecoveryDurationSeconds.Set(duration.Seconds())
	if len(recovered) > 0 {
		e.logger.Info("Recovered entries from WAL.",
			"entries", len(recovered),
			"start_segment", startIndex+1,
			"duration", duration)
	}
	return nil
}

// persistManifest writes the current level state to a new manifest file and
// atomically repoints CURRENT at it. Serialized because flush and compaction
// both call it.
func (e *StorageEngine) persistManifest() error {
	e.manifestMu.Lock()
	defer e.manifestMu.Unlock()

	manifest := &core.SnapshotManifest{
		SequenceNumber:     e.seqNum.Load(),
		SSTableCompression: e.compressor.Type().String(),
	}
	levelStates, unlock := e.levels.GetSSTablesForRead()
	for _, level := range levelStates {
		levelManifest := core.SnapshotLevelManifest{LevelNumber: level.LevelNumber()}
		for _, table := range level.GetTables() {
			levelManifest.Tables = append(levelManifest.Tables, core.SSTableMetadata{
				ID:       table.ID,
				FileName: filepath.Base(table.FilePath()),
				MinKey:   table.MinKey,
				MaxKey:   table.MaxKey,
			})
		}
		manifest.Levels = append(manifest.Levels, levelManifest)
	}
	unlock()

	gen := e.manifestGen.Add(1)
	manifestName := formatManifestFileName(gen)
	if err := writeFileAtomically(filepath.Join(e.dataDir, manifestName), func(f *os.File) error {
		return writeManifestBinary(f, manifest)
	}); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", manifestName, err)
	}

	if err := writeFileAtomically(filepath.Join(e.dataDir, core.CurrentFileName), func(f *os.File) error {
		_, werr := f.WriteString(manifestName + "\n")
		return werr
	}); err != nil {
		return fmt.Errorf("failed to update CURRENT file: %w", err)
	}

	if err := writeFileAtomically(filepath.Join(e.dataDir, core.NextIDFileName), func(f *os.File) error {
		return binary.Write(f, binary.LittleEndian, e.nextSSTableID.Load())
	}); err != nil {
		return fmt.Errorf("failed to write %s file: %w", core.NextIDFileName, err)
	}

	e.removeStaleManifests(manifestName)
	return nil
}

// removeStaleManifests deletes superseded manifest files. Failures are only
// logged; a stale manifest is harmless garbage.
func (e *StorageEngine) removeStaleManifests(current string) {
	pattern := filepath.Join(e.dataDir, core.ManifestFilePrefix+"_*.bin")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, path := range matches {
		if filepath.Base(path) == current {
			continue
		}
		if err := os.Remove(path); err != nil {
			e.logger.Warn("Failed to remove stale manifest.", "path", path, "error", err)
		}
	}
}

func (e *StorageEngine) readNextIDFile() (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(e.dataDir, core.NextIDFileName))
	if err != nil || len(data) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(data), true
}

// writeFileAtomically writes a file via a temp sibling and rename so readers
// never observe a partially written file.
func writeFileAtomically(path string, write func(*os.File) error) error {
	tempPath := core.FormatTempFilename(path, "tmp")
	file, err := os.Create(tempPath)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		os.Remove(tempPath)
		return err
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
	return os.Rename(tempPath, path)
}

func formatManifestFileName(gen uint64) string {
	return fmt.Sprintf("%s_%06d.bin", core.ManifestFilePrefix, gen)
}

func parseManifestFileName(name string) (uint64, error) {
	var gen uint64
	if _, err := fmt.Sscanf(name, core.ManifestFilePrefix+"_%d.bin", &gen); err != nil {
		return 0, fmt.Errorf("malformed manifest file name %q: %w", name, err)
	}
	return gen, nil
}
