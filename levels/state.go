package levels

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/INLOpen/nexuskv/sstable"
)

// LevelState represents the state of a single level in the LSM tree.
type LevelState struct {
	levelNumber int
	// tables is the source of truth for the order of tables.
	// L0: sorted newest first (descending ID)
	// L1+: sorted by MinKey, non-overlapping
	tables    []*sstable.SSTable
	tableMap  map[uint64]*sstable.SSTable
	totalSize int64
}

// newLevelState creates a new, empty LevelState.
func newLevelState(levelNumber int) *LevelState {
	return &LevelState{
		levelNumber: levelNumber,
		tables:      make([]*sstable.SSTable, 0),
		tableMap:    make(map[uint64]*sstable.SSTable),
	}
}

// Add adds a table to the level, maintaining the correct order.
// For L0 it prepends (newest first); for L1+ it inserts sorted by MinKey.
func (ls *LevelState) Add(table *sstable.SSTable) error {
	if table == nil {
		return fmt.Errorf("cannot add nil table to level %d", ls.levelNumber)
	}
	if _, exists := ls.tableMap[table.ID]; exists {
		return fmt.Errorf("table with ID %d already exists in level %d", table.ID, ls.levelNumber)
	}

	ls.tableMap[table.ID] = table

	if ls.levelNumber == 0 {
		ls.tables = append([]*sstable.SSTable{table}, ls.tables...)
	} else {
		idx := sort.Search(len(ls.tables), func(i int) bool {
			return bytes.Compare(ls.tables[i].MinKey, table.MinKey) >= 0
		})
		ls.tables = append(ls.tables, nil)
		copy(ls.tables[idx+1:], ls.tables[idx:])
		ls.tables[idx] = table
	}
	ls.totalSize += table.Size()
	return nil
}

// AddBatch adds multiple tables, sorting the level once at the end. Much
// cheaper than repeated Add calls during recovery or compaction apply.
func (ls *LevelState) AddBatch(tablesToAdd []*sstable.SSTable) error {
	if len(tablesToAdd) == 0 {
		return nil
	}

	for _, table := range tablesToAdd {
		if table == nil {
			return fmt.Errorf("cannot add nil table to level %d", ls.levelNumber)
		}
		if _, exists := ls.tableMap[table.ID]; exists {
			return fmt.Errorf("table with ID %d already exists in level %d", table.ID, ls.levelNumber)
		}
		ls.totalSize += table.Size()
		ls.tableMap[table.ID] = table
		ls.tables = append(ls.tables, table)
	}

	if ls.levelNumber == 0 {
		// Higher IDs were flushed later; keep newest first.
		sort.Slice(ls.tables, func(i, j int) bool {
			return ls.tables[i].ID > ls.tables[j].ID
		})
	} else {
		sort.SliceStable(ls.tables, func(i, j int) bool {
			return bytes.Compare(ls.tables[i].MinKey, ls.tables[j].MinKey) < 0
		})
	}
	return nil
}

// Remove removes a table from the level by its ID.
func (ls *LevelState) Remove(sstID uint64) error {
	tableToRemove, ok := ls.tableMap[sstID]
	if !ok {
		return fmt.Errorf("sstable with ID %d not found in level %d", sstID, ls.levelNumber)
	}

	delete(ls.tableMap, sstID)
	ls.totalSize -= tableToRemove.Size()

	newTables := ls.tables[:0]
	for _, table := range ls.tables {
		if table.ID != sstID {
			newTables = append(newTables, table)
		}
	}
	ls.tables = newTables
	return nil
}

// Size returns the number of tables in the level.
func (ls *LevelState) Size() int {
	return len(ls.tables)
}

// LevelNumber returns the number of the level.
func (ls *LevelState) LevelNumber() int {
	return ls.levelNumber
}

// TotalSize returns the total size of all tables in the level in bytes.
func (ls *LevelState) TotalSize() int64 {
	return ls.totalSize
}

// GetTables returns a copy of the tables slice, preserving order.
func (ls *LevelState) GetTables() []*sstable.SSTable {
	tablesCopy := make([]*sstable.SSTable, len(ls.tables))
	copy(tablesCopy, ls.tables)
	return tablesCopy
}
