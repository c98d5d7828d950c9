package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexuskv/compressors"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/levels"
	"github.com/INLOpen/nexuskv/memtable"
	"github.com/INLOpen/nexuskv/sstable"
	"github.com/INLOpen/nexuskv/wal"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrDegraded is returned by write operations after a flush has failed
// permanently. The engine stops accepting writes to avoid unbounded memory
// growth; reads continue to work.
var ErrDegraded = errors.New("storage engine is degraded: background flush failed")

const sstDirName = "sst"
const walDirName = "wal"

// StorageEngineInterface is the engine API consumed by the server and the
// replication layer.
type StorageEngineInterface interface {
	Start() error
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	PutBatch(ctx context.Context, commands []core.Command) error
	Get(ctx context.Context, key []byte) ([]byte, error)
	Scan(ctx context.Context, startKey, endKey []byte, order core.SortOrder) (core.Iterator, error)
	ApplyCommand(index uint64, data []byte) error
	LastAppliedIndex() uint64
	CreateSnapshot(ctx context.Context, snapshotDir string) error
	RestoreFromSnapshot(ctx context.Context, snapshotDir string) error
	Close() error
}

// StorageEngine is an LSM-tree key-value store: writes go to the WAL and a
// skiplist memtable, sealed memtables are flushed to L0 sstables, and a
// background compactor merges tables down the levels.
type StorageEngine struct {
	opts    StorageEngineOptions
	dataDir string
	sstDir  string

	mu         sync.RWMutex
	mutable    *memtable.Memtable
	immutables []*memtable.Memtable

	wal           wal.WALInterface
	levels        levels.Manager
	seqNum        atomic.Uint64 // last assigned sequence number
	lastApplied   atomic.Uint64 // last replicated log index applied
	nextSSTableID atomic.Uint64

	compressor       core.Compressor
	newSSTableWriter core.SSTableWriterFactory

	manifestMu  sync.Mutex    // serializes manifest writes from flush and compaction
	manifestGen atomic.Uint64 // generation of the latest persisted manifest

	flushChan    chan struct{}
	shutdownChan chan struct{}
	bg           *errgroup.Group

	metrics *EngineMetrics
	logger  *slog.Logger
	tracer  trace.Tracer

	started  atomic.Bool
	closed   atomic.Bool
	degraded atomic.Bool

	// Testing hooks.
	testingOnlyInjectFlushError atomic.Value // error
}

var _ StorageEngineInterface = (*StorageEngine)(nil)

// NewStorageEngine opens (or creates) an engine rooted at opts.DataDir and
// recovers its state from the manifest and the WAL. Start must be called to
// launch the background flush and compaction loops.
func NewStorageEngine(opts StorageEngineOptions) (*StorageEngine, error) {
	opts.setDefaults()
	if opts.DataDir == "" {
		return nil, fmt.Errorf("DataDir is required")
	}

	sstDir := filepath.Join(opts.DataDir, sstDirName)
	for _, dir := range []string{opts.DataDir, sstDir, filepath.Join(opts.DataDir, walDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	compressor, err := compressors.NewCompressor(opts.SSTableCompression)
	if err != nil {
		return nil, err
	}

	levelsManager, err := levels.NewLevelsManager(opts.MaxLevels, opts.BaseTargetSize, opts.CompactionFallbackStrategy)
	if err != nil {
		return nil, err
	}

	e := &StorageEngine{
		opts:         opts,
		dataDir:      opts.DataDir,
		sstDir:       sstDir,
		levels:       levelsManager,
		compressor:   compressor,
		flushChan:    make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
		metrics:      NewEngineMetrics(false, "nexuskv_engine_"),
		logger:       opts.Logger.With("component", "StorageEngine"),
		tracer:       opts.Tracer,
	}
	e.newSSTableWriter = opts.SSTableWriterFactory
	if e.newSSTableWriter == nil {
		e.newSSTableWriter = func(wopts core.SSTableWriterOptions) (core.SSTableWriterInterface, error) {
			return sstable.NewSSTableWriter(wopts)
		}
	}
	e.mutable = memtable.NewMemtable(opts.MemtableThreshold, opts.Clock)

	if err := e.loadFromManifest(); err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	if err := e.recoverFromWAL(); err != nil {
		return nil, fmt.Errorf("failed to recover from WAL: %w", err)
	}
	e.lastApplied.Store(e.seqNum.Load())

	e.logger.Info("Storage engine opened.",
		"data_dir", e.dataDir,
		"seq_num", e.seqNum.Load(),
		"sstables", e.levels.GetTotalTableCount())
	return e, nil
}

// Start launches the background flush, compaction, and WAL sync loops.
func (e *StorageEngine) Start() error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.bg = &errgroup.Group{}
	e.bg.Go(e.flushLoop)
	e.bg.Go(e.compactionLoop)
	if e.opts.WALSyncMode == wal.SyncInterval {
		e.bg.Go(e.walSyncLoop)
	}
	return nil
}

// Close shuts down background work, syncs the WAL, and releases all tables.
func (e *StorageEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.shutdownChan)
	var firstErr error
	if e.started.Load() {
		if err := e.bg.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.wal != nil {
		if err := e.wal.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.mu.Lock()
	if e.mutable != nil {
		e.mutable.Close()
	}
	for _, imm := range e.immutables {
		imm.Close()
	}
	e.immutables = nil
	e.mu.Unlock()
	if err := e.levels.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("Storage engine closed.")
	return firstErr
}

// LastAppliedIndex returns the index of the last replicated command applied
// to the engine.
func (e *StorageEngine) LastAppliedIndex() uint64 {
	return e.lastApplied.Load()
}

// Metrics exposes the engine's expvar metrics, mainly for tests and the
// debug endpoint.
func (e *StorageEngine) Metrics() *EngineMetrics {
	return e.metrics
}

func (e *StorageEngine) checkWritable() error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	if e.degraded.Load() {
		return ErrDegraded
	}
	return nil
}

// walSyncLoop periodically syncs the WAL when running in interval mode.
func (e *StorageEngine) walSyncLoop() error {
	ticker := time.NewTicker(e.opts.WALFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.shutdownChan:
			return nil
		case <-ticker.C:
			if err := e.wal.Sync(); err != nil {
				e.logger.Error("Periodic WAL sync failed.", "error", err)
			}
		}
	}
}

// SetTestingOnlyInjectFlushError makes the next flushes fail with err.
func (e *StorageEngine) SetTestingOnlyInjectFlushError(err error) {
	e.testingOnlyInjectFlushError.Store(&err)
}

func (e *StorageEngine) injectedFlushError() error {
	v := e.testingOnlyInjectFlushError.Load()
	if v == nil {
		return nil
	}
	if errPtr, ok := v.(*error); ok && errPtr != nil {
		return *errPtr
	}
	return nil
}
