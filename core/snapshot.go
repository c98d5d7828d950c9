package core

// SnapshotManifest defines the structure of the snapshot manifest file.
type SnapshotManifest struct {
	SequenceNumber     uint64                  `json:"sequence_number"`
	Levels             []SnapshotLevelManifest `json:"levels"`
	SSTableCompression string                  `json:"sstable_compression,omitempty"`
}

// SnapshotLevelManifest stores metadata for SSTables in a specific level.
type SnapshotLevelManifest struct {
	LevelNumber int               `json:"level_number"`
	Tables      []SSTableMetadata `json:"tables"`
}

// SSTableMetadata stores essential metadata for an SSTable in the snapshot.
type SSTableMetadata struct {
	ID       uint64 `json:"id"`
	FileName string `json:"file_name"`
	MinKey   []byte `json:"min_key"`
	MaxKey   []byte `json:"max_key"`
}
