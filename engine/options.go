package engine

import (
	"log/slog"
	"time"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/levels"
	"github.com/INLOpen/nexuskv/sstable"
	"github.com/INLOpen/nexuskv/utils"
	"github.com/INLOpen/nexuskv/wal"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// StorageEngineOptions holds configuration for creating a StorageEngine.
type StorageEngineOptions struct {
	// DataDir is the root directory for all engine state (sstables, WAL,
	// manifest, checkpoint).
	DataDir string

	// MemtableThreshold is the size in bytes at which a memtable is sealed
	// and queued for flushing.
	MemtableThreshold int64

	// MaxL0Files triggers an L0->L1 compaction when reached.
	MaxL0Files int
	// MaxLevels is the number of LSM levels.
	MaxLevels int
	// BaseTargetSize is the byte size target for L1.
	BaseTargetSize int64
	// LevelsTargetSizeMultiplier scales each level's target over the previous.
	LevelsTargetSizeMultiplier int
	// CompactionInterval is how often the compaction loop checks for work.
	CompactionInterval time.Duration
	// CompactionFallbackStrategy picks a candidate when overlap gives no signal.
	CompactionFallbackStrategy levels.CompactionFallbackStrategy

	// BackgroundMaxRetries bounds flush and compaction attempts before the
	// engine degrades.
	BackgroundMaxRetries int

	// BloomFilterFalsePositiveRate for new sstables.
	BloomFilterFalsePositiveRate float64
	// BlockSize is the target sstable block size in bytes.
	BlockSize int
	// SSTableCompression selects the block compressor for new sstables.
	SSTableCompression core.CompressionType

	// WALSyncMode controls fsync behavior on appends.
	WALSyncMode wal.WALSyncMode
	// WALFlushInterval applies when WALSyncMode is interval.
	WALFlushInterval time.Duration
	// WALMaxSegmentSize bounds individual WAL segment files.
	WALMaxSegmentSize int64

	Clock  utils.Clock
	Logger *slog.Logger
	Tracer trace.Tracer

	// SSTableWriterFactory overrides sstable writer creation, for tests.
	SSTableWriterFactory core.SSTableWriterFactory
}

func (o *StorageEngineOptions) setDefaults() {
	if o.MemtableThreshold <= 0 {
		o.MemtableThreshold = 16 * 1024 * 1024
	}
	if o.MaxL0Files <= 0 {
		o.MaxL0Files = 4
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = 7
	}
	if o.BaseTargetSize <= 0 {
		o.BaseTargetSize = 64 * 1024 * 1024
	}
	if o.LevelsTargetSizeMultiplier <= 0 {
		o.LevelsTargetSizeMultiplier = 10
	}
	if o.CompactionInterval <= 0 {
		o.CompactionInterval = 10 * time.Second
	}
	if o.BackgroundMaxRetries <= 0 {
		o.BackgroundMaxRetries = 5
	}
	if o.BloomFilterFalsePositiveRate <= 0 || o.BloomFilterFalsePositiveRate >= 1 {
		o.BloomFilterFalsePositiveRate = 0.01
	}
	if o.BlockSize <= 0 {
		o.BlockSize = sstable.DefaultBlockSize
	}
	if o.WALSyncMode == "" {
		o.WALSyncMode = wal.SyncAlways
	}
	if o.WALFlushInterval <= 0 {
		o.WALFlushInterval = time.Second
	}
	if o.WALMaxSegmentSize <= 0 {
		o.WALMaxSegmentSize = core.WALMaxSegmentSize
	}
	if o.Clock == nil {
		o.Clock = &utils.SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("engine")
	}
}
