package engine

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/INLOpen/nexuskv/core"
)

// The manifest is a binary snapshot of the level state: which sstable files
// belong to which level, plus the highest assigned sequence number. It is
// written to a new MANIFEST_<gen>.bin file after every flush and compaction,
// and the CURRENT file is atomically repointed at it.

func writeManifestBinary(w io.Writer, manifest *core.SnapshotManifest) error {
	header := core.NewFileHeader(core.ManifestMagicNumber, core.CompressionNone)
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write manifest header: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, manifest.SequenceNumber); err != nil {
		return fmt.Errorf("failed to write sequence number: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(manifest.Levels))); err != nil {
		return fmt.Errorf("failed to write level count: %w", err)
	}
	for _, level := range manifest.Levels {
		if err := binary.Write(w, binary.LittleEndian, uint32(level.LevelNumber)); err != nil {
			return fmt.Errorf("failed to write level number: %w", err)
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(level.Tables))); err != nil {
			return fmt.Errorf("failed to write table count for level %d: %w", level.LevelNumber, err)
		}
		for _, table := range level.Tables {
			if err := binary.Write(w, binary.LittleEndian, table.ID); err != nil {
				return fmt.Errorf("failed to write table ID: %w", err)
			}
			if err := writeStringWithLength(w, table.FileName); err != nil {
				return fmt.Errorf("failed to write table file name: %w", err)
			}
			if err := writeBytesWithLength(w, table.MinKey); err != nil {
				return fmt.Errorf("failed to write table min key: %w", err)
			}
			if err := writeBytesWithLength(w, table.MaxKey); err != nil {
				return fmt.Errorf("failed to write table max key: %w", err)
			}
		}
	}

	if err := writeStringWithLength(w, manifest.SSTableCompression); err != nil {
		return fmt.Errorf("failed to write compression type: %w", err)
	}
	return nil
}

func readManifestBinary(r io.Reader) (*core.SnapshotManifest, error) {
	var header core.FileHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read manifest header: %w", err)
	}
	if header.Magic != core.ManifestMagicNumber {
		return nil, fmt.Errorf("invalid manifest magic number: got %x, want %x: %w", header.Magic, core.ManifestMagicNumber, core.ErrCorrupted)
	}
	if header.Version != core.FormatVersion {
		return nil, fmt.Errorf("unsupported manifest version %d: %w", header.Version, core.ErrCorrupted)
	}

	manifest := &core.SnapshotManifest{}
	if err := binary.Read(r, binary.LittleEndian, &manifest.SequenceNumber); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}

	var numLevels uint32
	if err := binary.Read(r, binary.LittleEndian, &numLevels); err != nil {
		return nil, fmt.Errorf("failed to read level count: %w", err)
	}
	manifest.Levels = make([]core.SnapshotLevelManifest, 0, numLevels)
	for i := uint32(0); i < numLevels; i++ {
		var levelNum, numTables uint32
		if err := binary.Read(r, binary.LittleEndian, &levelNum); err != nil {
			return nil, fmt.Errorf("failed to read level number: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &numTables); err != nil {
			return nil, fmt.Errorf("failed to read table count for level %d: %w", levelNum, err)
		}
		level := core.SnapshotLevelManifest{LevelNumber: int(levelNum)}
		level.Tables = make([]core.SSTableMetadata, 0, numTables)
		for j := uint32(0); j < numTables; j++ {
			var meta core.SSTableMetadata
			if err := binary.Read(r, binary.LittleEndian, &meta.ID); err != nil {
				return nil, fmt.Errorf("failed to read table ID: %w", err)
			}
			name, err := readStringWithLength(r)
			if err != nil {
				return nil, fmt.Errorf("failed to read table file name: %w", err)
			}
			meta.FileName = name
			if meta.MinKey, err = readBytesWithLength(r); err != nil {
				return nil, fmt.Errorf("failed to read table min key: %w", err)
			}
			if meta.MaxKey, err = readBytesWithLength(r); err != nil {
				return nil, fmt.Errorf("failed to read table max key: %w", err)
			}
			level.Tables = append(level.Tables, meta)
		}
		manifest.Levels = append(manifest.Levels, level)
	}

	compression, err := readStringWithLength(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read compression type: %w", err)
	}
	manifest.SSTableCompression = compression
	return manifest, nil
}

func writeStringWithLength(w io.Writer, s string) error {
	if len(s) > int(^uint16(0)) {
		return fmt.Errorf("string too long for manifest: %d bytes", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readStringWithLength(r io.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeBytesWithLength(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytesWithLength(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
