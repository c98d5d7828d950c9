package levels

import (
	"testing"

	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/sstable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeTable builds a small real SSTable spanning [firstKey, lastKey].
func makeTable(t *testing.T, dir string, id uint64, firstKey, lastKey string) *sstable.SSTable {
	t.Helper()
	writer, err := sstable.NewSSTableWriter(core.SSTableWriterOptions{
		DataDir:       dir,
		ID:            id,
		EstimatedKeys: 2,
	})
	require.NoError(t, err)
	require.NoError(t, writer.Add([]byte(firstKey), []byte("v"), core.EntryTypePut, id*10+1))
	if lastKey != firstKey {
		require.NoError(t, writer.Add([]byte(lastKey), []byte("v"), core.EntryTypePut, id*10+2))
	}
	require.NoError(t, writer.Finish())

	tbl, err := sstable.LoadSSTable(sstable.LoadSSTableOptions{FilePath: writer.FilePath(), ID: id})
	require.NoError(t, err)
	return tbl
}

func newTestManager(t *testing.T) *LevelsManager {
	t.Helper()
	lm, err := NewLevelsManager(4, 1024*1024, PickOldest)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return lm
}

func TestLevelsManagerL0NewestFirst(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	require.NoError(t, lm.AddL0Table(makeTable(t, dir, 1, "a", "m")))
	require.NoError(t, lm.AddL0Table(makeTable(t, dir, 2, "c", "z")))
	require.NoError(t, lm.AddL0Table(makeTable(t, dir, 3, "b", "q")))

	tables := lm.GetTablesForLevel(0)
	require.Len(t, tables, 3)
	assert.Equal(t, []uint64{3, 2, 1}, GetTableIDs(tables), "L0 must be ordered newest first")
}

func TestLevelsManagerRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	tbl := makeTable(t, dir, 7, "a", "b")
	require.NoError(t, lm.AddL0Table(tbl))
	assert.Error(t, lm.AddL0Table(tbl))
}

func TestLevelsManagerL1SortedByMinKey(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	require.NoError(t, lm.AddTablesToLevel(1, []*sstable.SSTable{
		makeTable(t, dir, 1, "m", "p"),
		makeTable(t, dir, 2, "a", "c"),
		makeTable(t, dir, 3, "f", "h"),
	}))

	tables := lm.GetTablesForLevel(1)
	require.Len(t, tables, 3)
	assert.Equal(t, []uint64{2, 3, 1}, GetTableIDs(tables))
	assert.Empty(t, lm.VerifyConsistency())
}

func TestLevelsManagerNeedsL0Compaction(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	assert.False(t, lm.NeedsL0Compaction(2))
	require.NoError(t, lm.AddL0Table(makeTable(t, dir, 1, "a", "b")))
	assert.False(t, lm.NeedsL0Compaction(2))
	require.NoError(t, lm.AddL0Table(makeTable(t, dir, 2, "c", "d")))
	assert.True(t, lm.NeedsL0Compaction(2))
}

func TestLevelsManagerNeedsLevelNCompaction(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLevelsManager(4, 1, PickOldest) // 1-byte target: any table triggers
	require.NoError(t, err)
	defer lm.Close()

	assert.False(t, lm.NeedsLevelNCompaction(1, 10), "empty level must not need compaction")
	require.NoError(t, lm.AddTablesToLevel(1, []*sstable.SSTable{makeTable(t, dir, 1, "a", "b")}))
	assert.True(t, lm.NeedsLevelNCompaction(1, 10))

	// The last level never compacts upward.
	require.NoError(t, lm.AddTablesToLevel(3, []*sstable.SSTable{makeTable(t, dir, 2, "a", "b")}))
	assert.False(t, lm.NeedsLevelNCompaction(3, 10))
}

func TestLevelsManagerGetOverlappingTables(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	require.NoError(t, lm.AddTablesToLevel(1, []*sstable.SSTable{
		makeTable(t, dir, 1, "a", "c"),
		makeTable(t, dir, 2, "e", "g"),
		makeTable(t, dir, 3, "j", "m"),
	}))

	overlapping := lm.GetOverlappingTables(1, []byte("f"), []byte("k"))
	assert.Equal(t, []uint64{2, 3}, GetTableIDs(overlapping))

	overlapping = lm.GetOverlappingTables(1, []byte("x"), []byte("z"))
	assert.Empty(t, overlapping)
}

func TestLevelsManagerApplyCompactionResults(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	l0a := makeTable(t, dir, 1, "a", "m")
	l0b := makeTable(t, dir, 2, "c", "z")
	l1old := makeTable(t, dir, 3, "a", "q")
	require.NoError(t, lm.AddL0Table(l0a))
	require.NoError(t, lm.AddL0Table(l0b))
	require.NoError(t, lm.AddTablesToLevel(1, []*sstable.SSTable{l1old}))

	merged := makeTable(t, dir, 4, "a", "z")
	require.NoError(t, lm.ApplyCompactionResults(0, 1,
		[]*sstable.SSTable{merged},
		[]*sstable.SSTable{l0a, l0b, l1old}))

	assert.Empty(t, lm.GetTablesForLevel(0))
	assert.Equal(t, []uint64{4}, GetTableIDs(lm.GetTablesForLevel(1)))
	assert.Equal(t, 1, lm.GetTotalTableCount())
}

func TestLevelsManagerPickCandidateMinimizesOverlap(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	// Table 1 overlaps both L2 tables; table 2 overlaps only one.
	require.NoError(t, lm.AddTablesToLevel(1, []*sstable.SSTable{
		makeTable(t, dir, 1, "a", "p"),
		makeTable(t, dir, 2, "q", "s"),
	}))
	require.NoError(t, lm.AddTablesToLevel(2, []*sstable.SSTable{
		makeTable(t, dir, 3, "a", "h"),
		makeTable(t, dir, 4, "i", "r"),
	}))

	candidate := lm.PickCompactionCandidateForLevelN(1)
	require.NotNil(t, candidate)
	assert.Equal(t, uint64(2), candidate.ID)
}

func TestLevelsManagerPickCandidateFallbackOldest(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	// No overlap with L2 at all: fallback picks the oldest (smallest ID).
	require.NoError(t, lm.AddTablesToLevel(1, []*sstable.SSTable{
		makeTable(t, dir, 5, "a", "c"),
		makeTable(t, dir, 2, "e", "g"),
	}))

	candidate := lm.PickCompactionCandidateForLevelN(1)
	require.NotNil(t, candidate)
	assert.Equal(t, uint64(2), candidate.ID)
}

func TestLevelsManagerVerifyConsistencyDetectsOverlap(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	require.NoError(t, lm.AddTablesToLevel(1, []*sstable.SSTable{
		makeTable(t, dir, 1, "a", "f"),
		makeTable(t, dir, 2, "d", "k"),
	}))

	errs := lm.VerifyConsistency()
	assert.NotEmpty(t, errs, "overlapping L1 tables must be reported")
}

func TestLevelsManagerGetLevelForTable(t *testing.T) {
	dir := t.TempDir()
	lm := newTestManager(t)

	require.NoError(t, lm.AddL0Table(makeTable(t, dir, 1, "a", "b")))
	require.NoError(t, lm.AddTablesToLevel(2, []*sstable.SSTable{makeTable(t, dir, 2, "c", "d")}))

	level, found := lm.GetLevelForTable(2)
	require.True(t, found)
	assert.Equal(t, 2, level)

	_, found = lm.GetLevelForTable(99)
	assert.False(t, found)
}
