package levels

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/INLOpen/nexuskv/sstable"
)

// CompactionFallbackStrategy defines how a compaction candidate is picked
// when one or more tables have no overlap with the next level.
type CompactionFallbackStrategy int

const (
	// PickOldest selects the table with the smallest ID. This is the default.
	PickOldest CompactionFallbackStrategy = iota
	// PickLargest selects the table with the largest size.
	PickLargest
	// PickSmallest selects the table with the smallest size.
	PickSmallest
	// PickRandom selects a random table to prevent starvation.
	PickRandom
)

// Manager defines the public interface for a levels manager.
type Manager interface {
	GetSSTablesForRead() ([]*LevelState, func())
	AddL0Table(table *sstable.SSTable) error
	AddTablesToLevel(level int, tables []*sstable.SSTable) error
	Close() error
	VerifyConsistency() []error
	GetTablesForLevel(level int) []*sstable.SSTable
	GetTotalSizeForLevel(level int) int64
	MaxLevels() int
	NeedsL0Compaction(maxL0Files int) bool
	NeedsLevelNCompaction(levelN int, multiplier int) bool
	PickCompactionCandidateForLevelN(levelN int) *sstable.SSTable
	GetOverlappingTables(level int, minKey, maxKey []byte) []*sstable.SSTable
	ApplyCompactionResults(sourceLevel, targetLevel int, newTables, oldTables []*sstable.SSTable) error
	Reset() []*sstable.SSTable
	GetTotalTableCount() int
	GetLevelTableCounts() map[int]int
	GetLevelForTable(tableID uint64) (int, bool)
}

// GetTableIDs extracts the IDs from a slice of tables.
func GetTableIDs(tables []*sstable.SSTable) []uint64 {
	ids := make([]uint64, len(tables))
	for i, tbl := range tables {
		ids[i] = tbl.ID
	}
	return ids
}

// LevelsManager tracks which SSTables belong to which level of the LSM tree
// and answers compaction scheduling questions. It does not perform
// compactions itself.
type LevelsManager struct {
	mu               sync.RWMutex
	levels           []*LevelState
	maxLevels        int
	baseTargetSize   int64 // Target size for L1; level N target is base * multiplier^(N-1).
	fallbackStrategy CompactionFallbackStrategy
}

var _ Manager = (*LevelsManager)(nil)

// NewLevelsManager creates a new LevelsManager with maxLevels empty levels.
func NewLevelsManager(maxLevels int, baseTargetSize int64, fallbackStrategy CompactionFallbackStrategy) (*LevelsManager, error) {
	if maxLevels < 2 {
		return nil, fmt.Errorf("maxLevels must be at least 2, got %d", maxLevels)
	}
	if baseTargetSize <= 0 {
		return nil, fmt.Errorf("baseTargetSize must be positive, got %d", baseTargetSize)
	}
	lm := &LevelsManager{
		levels:           make([]*LevelState, maxLevels),
		maxLevels:        maxLevels,
		baseTargetSize:   baseTargetSize,
		fallbackStrategy: fallbackStrategy,
	}
	for i := 0; i < maxLevels; i++ {
		lm.levels[i] = newLevelState(i)
	}
	return lm, nil
}

// AddL0Table adds a newly flushed SSTable to Level 0.
func (lm *LevelsManager) AddL0Table(table *sstable.SSTable) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.levels[0].Add(table)
}

// AddTablesToLevel adds multiple SSTables to a specific level. Intended for
// use during recovery from the manifest.
func (lm *LevelsManager) AddTablesToLevel(levelNum int, tables []*sstable.SSTable) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if levelNum < 0 || levelNum >= len(lm.levels) {
		return fmt.Errorf("invalid level number %d", levelNum)
	}
	return lm.levels[levelNum].AddBatch(tables)
}

func (lm *LevelsManager) removeTablesUnsafe(levelNum int, tablesToRemove []uint64) error {
	if levelNum < 0 || levelNum >= lm.maxLevels {
		return fmt.Errorf("invalid level number %d", levelNum)
	}
	for _, tableID := range tablesToRemove {
		// A table may live in either the source or target level of a
		// compaction; ignore IDs not present here.
		if _, ok := lm.levels[levelNum].tableMap[tableID]; !ok {
			continue
		}
		if err := lm.levels[levelNum].Remove(tableID); err != nil {
			return err
		}
	}
	return nil
}

// GetSSTablesForRead returns the level states for read operations, holding
// a read lock. The caller MUST call the returned unlock function. This
// avoids copying the whole structure on every read.
func (lm *LevelsManager) GetSSTablesForRead() ([]*LevelState, func()) {
	lm.mu.RLock()
	return lm.levels, lm.mu.RUnlock
}

// NeedsL0Compaction checks if Level 0 has accumulated enough files.
func (lm *LevelsManager) NeedsL0Compaction(maxL0Files int) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.levels[0].Size() >= maxL0Files
}

// GetTotalSizeForLevel returns the total byte size of a level.
func (lm *LevelsManager) GetTotalSizeForLevel(levelNum int) int64 {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if levelNum < 0 || levelNum >= len(lm.levels) {
		return 0
	}
	return lm.levels[levelNum].TotalSize()
}

// NeedsLevelNCompaction checks if level N (N > 0) exceeds its target size.
// The target for LN is baseTargetSize * multiplier^(N-1).
func (lm *LevelsManager) NeedsLevelNCompaction(levelNum int, multiplier int) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	// The highest level never compacts into a level above it.
	if levelNum >= lm.maxLevels-1 {
		return false
	}
	if levelNum <= 0 { // L0 is handled by NeedsL0Compaction.
		return false
	}

	currentSize := lm.levels[levelNum].TotalSize()
	targetSize := lm.baseTargetSize
	for i := 1; i < levelNum; i++ {
		targetSize *= int64(multiplier)
	}
	return currentSize >= targetSize
}

// GetTablesForLevel returns a copy of the tables for a specific level.
func (lm *LevelsManager) GetTablesForLevel(levelNum int) []*sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if levelNum < 0 || levelNum >= len(lm.levels) {
		return nil
	}
	return lm.levels[levelNum].GetTables()
}

// GetTotalTableCount returns the total number of SSTables across all levels.
func (lm *LevelsManager) GetTotalTableCount() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	count := 0
	for _, level := range lm.levels {
		count += level.Size()
	}
	return count
}

// GetLevelTableCounts returns the table count per level.
func (lm *LevelsManager) GetLevelTableCounts() map[int]int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	counts := make(map[int]int, len(lm.levels))
	for i, level := range lm.levels {
		counts[i] = level.Size()
	}
	return counts
}

// getOverlappingTablesLocked must be called with the read lock held.
func (lm *LevelsManager) getOverlappingTablesLocked(levelNum int, minRangeKey, maxRangeKey []byte) []*sstable.SSTable {
	if levelNum < 0 || levelNum >= len(lm.levels) {
		return nil
	}

	var overlappingTables []*sstable.SSTable

	if levelNum == 0 {
		// L0 tables can overlap arbitrarily; check each one.
		for _, table := range lm.levels[0].GetTables() {
			if (maxRangeKey == nil || bytes.Compare(table.MinKey, maxRangeKey) <= 0) &&
				(minRangeKey == nil || bytes.Compare(table.MaxKey, minRangeKey) >= 0) {
				overlappingTables = append(overlappingTables, table)
			}
		}
	} else {
		// L1+ tables are sorted by MinKey and non-overlapping.
		tables := lm.levels[levelNum].GetTables()
		startIndex := sort.Search(len(tables), func(i int) bool {
			return bytes.Compare(tables[i].MaxKey, minRangeKey) >= 0
		})
		for i := startIndex; i < len(tables); i++ {
			table := tables[i]
			if maxRangeKey != nil && bytes.Compare(table.MinKey, maxRangeKey) > 0 {
				break
			}
			overlappingTables = append(overlappingTables, table)
		}
	}
	return overlappingTables
}

// GetOverlappingTables returns SSTables from a level that overlap the key
// range [minKey, maxKey].
func (lm *LevelsManager) GetOverlappingTables(levelNum int, minRangeKey, maxRangeKey []byte) []*sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.getOverlappingTablesLocked(levelNum, minRangeKey, maxRangeKey)
}

// PickCompactionCandidateForLevelN selects an SSTable from level N (N > 0)
// for compaction into level N+1. The primary strategy picks the table with
// the smallest total size of overlapping tables in the next level, which
// minimizes write amplification. When some table has zero overlap, the
// configured fallback strategy chooses among all tables in the level.
func (lm *LevelsManager) PickCompactionCandidateForLevelN(levelNum int) *sstable.SSTable {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	if levelNum <= 0 || levelNum >= lm.maxLevels-1 {
		return nil
	}

	level := lm.levels[levelNum]
	if level.Size() == 0 {
		return nil
	}

	tables := level.GetTables()
	var bestTableByOverlap *sstable.SSTable
	minOverlapSize := int64(math.MaxInt64)
	foundACandidate := false

	for _, table := range tables {
		overlappingTables := lm.getOverlappingTablesLocked(levelNum+1, table.MinKey, table.MaxKey)

		var currentOverlapSize int64
		for _, overlapTable := range overlappingTables {
			currentOverlapSize += overlapTable.Size()
		}

		if !foundACandidate || currentOverlapSize < minOverlapSize {
			minOverlapSize = currentOverlapSize
			bestTableByOverlap = table
			foundACandidate = true
		}
	}

	if minOverlapSize > 0 {
		return bestTableByOverlap
	}

	// Some table has no overlap with the next level: a free compaction.
	// Choose among all tables per the fallback strategy.
	switch lm.fallbackStrategy {
	case PickLargest:
		var largestTable *sstable.SSTable
		for _, table := range tables {
			if largestTable == nil || table.Size() > largestTable.Size() {
				largestTable = table
			}
		}
		return largestTable
	case PickSmallest:
		var smallestTable *sstable.SSTable
		for _, table := range tables {
			if smallestTable == nil || table.Size() < smallestTable.Size() {
				smallestTable = table
			}
		}
		return smallestTable
	case PickRandom:
		return tables[rand.Intn(len(tables))]
	case PickOldest:
		fallthrough
	default:
		var oldestTable *sstable.SSTable
		for _, table := range tables {
			if oldestTable == nil || table.ID < oldestTable.ID {
				oldestTable = table
			}
		}
		return oldestTable
	}
}

// ApplyCompactionResults updates the level structure after a compaction:
// oldTables are removed from both the source and target levels (overlapping
// target tables are part of oldTables) and newTables are added to the target.
func (lm *LevelsManager) ApplyCompactionResults(
	sourceLevelNum int,
	targetLevelNum int,
	newTables []*sstable.SSTable,
	oldTables []*sstable.SSTable,
) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if sourceLevelNum < 0 || sourceLevelNum >= lm.maxLevels ||
		targetLevelNum < 0 || targetLevelNum >= lm.maxLevels {
		return fmt.Errorf("invalid source or target level number in ApplyCompactionResults")
	}

	oldTableIDs := GetTableIDs(oldTables)
	if err := lm.removeTablesUnsafe(sourceLevelNum, oldTableIDs); err != nil {
		return fmt.Errorf("failed to remove tables from source level %d: %w", sourceLevelNum, err)
	}
	if sourceLevelNum != targetLevelNum {
		if err := lm.removeTablesUnsafe(targetLevelNum, oldTableIDs); err != nil {
			return fmt.Errorf("failed to remove overlapping tables from target level %d: %w", targetLevelNum, err)
		}
	}

	if err := lm.levels[targetLevelNum].AddBatch(newTables); err != nil {
		return fmt.Errorf("failed to add new tables to target level %d: %w", targetLevelNum, err)
	}
	return nil
}

// MaxLevels returns the configured maximum number of levels.
func (lm *LevelsManager) MaxLevels() int {
	return lm.maxLevels
}

// VerifyConsistency checks the structural integrity of the levels: L1+
// tables must be sorted by MinKey and non-overlapping.
func (lm *LevelsManager) VerifyConsistency() []error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var errs []error
	for levelNum := 1; levelNum < lm.maxLevels; levelNum++ {
		tables := lm.levels[levelNum].GetTables()
		for i := 0; i < len(tables)-1; i++ {
			if bytes.Compare(tables[i].MinKey, tables[i+1].MinKey) > 0 {
				errs = append(errs, fmt.Errorf("level %d: sstable %d (min key %q) sorted after sstable %d (min key %q)",
					levelNum, tables[i].ID, tables[i].MinKey, tables[i+1].ID, tables[i+1].MinKey))
			}
			if bytes.Compare(tables[i].MaxKey, tables[i+1].MinKey) >= 0 {
				errs = append(errs, fmt.Errorf("level %d: sstable %d (max key %q) overlaps sstable %d (min key %q)",
					levelNum, tables[i].ID, tables[i].MaxKey, tables[i+1].ID, tables[i+1].MinKey))
			}
		}
	}
	return errs
}

// GetLevelForTable finds the level number holding the given SSTable ID.
func (lm *LevelsManager) GetLevelForTable(tableID uint64) (int, bool) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	for _, levelState := range lm.levels {
		if _, exists := levelState.tableMap[tableID]; exists {
			return levelState.levelNumber, true
		}
	}
	return -1, false
}

// Reset detaches every table from the manager and returns them, leaving all
// levels empty. The caller owns the returned tables and their references.
// Used when restoring the database from a snapshot.
func (lm *LevelsManager) Reset() []*sstable.SSTable {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var detached []*sstable.SSTable
	for i, levelState := range lm.levels {
		detached = append(detached, levelState.GetTables()...)
		lm.levels[i] = newLevelState(i)
	}
	return detached
}

// Close releases all tables held by the manager.
func (lm *LevelsManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var firstErr error
	for _, levelState := range lm.levels {
		for _, table := range levelState.GetTables() {
			if err := table.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("failed to close table %d in level %d: %w", table.ID, levelState.levelNumber, err)
			}
		}
	}
	return firstErr
}
