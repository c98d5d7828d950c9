package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexuskv/core"
)

// Write atomically writes the checkpoint to a file in the given directory
// using the write-and-rename strategy.
func Write(dir string, cp core.Checkpoint) error {
	tempPath := filepath.Join(dir, core.FormatTempFilename(core.CheckpointFileName, "tmp"))
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	if err := binary.Write(file, binary.LittleEndian, core.CheckpointMagicNumber); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint magic number: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, cp.LastSafeSegmentIndex); err != nil {
		file.Close()
		return fmt.Errorf("failed to write last safe segment index: %w", err)
	}

	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}

	// Close before renaming; Windows cannot rename an open file.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file before rename: %w", err)
	}

	finalPath := filepath.Join(dir, core.CheckpointFileName)
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file to final name: %w", err)
	}

	return nil
}

// Read reads the checkpoint from the given directory. The boolean reports
// whether a checkpoint file existed; a missing file is not an error.
func Read(dir string) (core.Checkpoint, bool, error) {
	path := filepath.Join(dir, core.CheckpointFileName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return core.Checkpoint{}, false, nil
		}
		return core.Checkpoint{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.LittleEndian, &magic); err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read checkpoint magic number: %w", err)
	}
	if magic != core.CheckpointMagicNumber {
		return core.Checkpoint{}, true, fmt.Errorf("invalid checkpoint magic number: got %x, want %x: %w", magic, core.CheckpointMagicNumber, core.ErrCorrupted)
	}

	var cp core.Checkpoint
	if err := binary.Read(file, binary.LittleEndian, &cp.LastSafeSegmentIndex); err != nil {
		return core.Checkpoint{}, true, fmt.Errorf("failed to read last safe segment index: %w", err)
	}

	return cp, true, nil
}
