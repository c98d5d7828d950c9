package engine

import (
	"expvar"
	"fmt"
	"time"
)

var latencyBuckets = []float64{0.001, 0.005, 0.010, 0.050, 0.100, 0.500, 1.000, 5.000}

// EngineMetrics holds all expvar variables for a StorageEngine instance.
type EngineMetrics struct {
	PublishedGlobally bool

	PutTotal              *expvar.Int
	PutErrorsTotal        *expvar.Int
	GetTotal              *expvar.Int
	DeleteTotal           *expvar.Int
	ScanTotal             *expvar.Int
	ScanErrorsTotal       *expvar.Int
	ApplyTotal            *expvar.Int
	ApplySkippedTotal     *expvar.Int
	FlushTotal            *expvar.Int
	FlushErrorsTotal      *expvar.Int
	CompactionTotal       *expvar.Int
	CompactionErrorsTotal *expvar.Int
	SSTablesCreatedTotal  *expvar.Int
	SSTablesObsoleteTotal *expvar.Int

	FlushEntriesFlushedTotal *expvar.Int
	FlushBytesFlushedTotal   *expvar.Int

	PutLatencyHist        *expvar.Map
	GetLatencyHist        *expvar.Map
	DeleteLatencyHist     *expvar.Map
	ScanLatencyHist       *expvar.Map
	FlushLatencyHist      *expvar.Map
	CompactionLatencyHist *expvar.Map

	WALBytesWrittenTotal   *expvar.Int
	WALEntriesWrittenTotal *expvar.Int

	WALRecoveryDurationSeconds *expvar.Float
	WALRecoveredEntriesTotal   *expvar.Int

	CompactionsInProgress *expvar.Int
}

// NewEngineMetrics creates a new EngineMetrics set. When publishGlobally is
// false (tests, multiple engines in one process) the variables are private
// to the struct.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newFloatFunc = publishExpvarFloat
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally:     publishGlobally,
		PutTotal:              newIntFunc(prefix + "put_total"),
		PutErrorsTotal:        newIntFunc(prefix + "put_errors_total"),
		GetTotal:              newIntFunc(prefix + "get_total"),
		DeleteTotal:           newIntFunc(prefix + "delete_total"),
		ScanTotal:             newIntFunc(prefix + "scan_total"),
		ScanErrorsTotal:       newIntFunc(prefix + "scan_errors_total"),
		ApplyTotal:            newIntFunc(prefix + "apply_total"),
		ApplySkippedTotal:     newIntFunc(prefix + "apply_skipped_total"),
		FlushTotal:            newIntFunc(prefix + "flush_total"),
		FlushErrorsTotal:      newIntFunc(prefix + "flush_errors_total"),
		CompactionTotal:       newIntFunc(prefix + "compaction_total"),
		CompactionErrorsTotal: newIntFunc(prefix + "compaction_errors_total"),
		SSTablesCreatedTotal:  newIntFunc(prefix + "sstables_created_total"),
		SSTablesObsoleteTotal: newIntFunc(prefix + "sstables_obsolete_total"),

		FlushEntriesFlushedTotal: newIntFunc(prefix + "flush_entries_flushed_total"),
		FlushBytesFlushedTotal:   newIntFunc(prefix + "flush_bytes_flushed_total"),

		PutLatencyHist:        newMapFunc(prefix + "put_latency_seconds"),
		GetLatencyHist:        newMapFunc(prefix + "get_latency_seconds"),
		DeleteLatencyHist:     newMapFunc(prefix + "delete_latency_seconds"),
		ScanLatencyHist:       newMapFunc(prefix + "scan_latency_seconds"),
		FlushLatencyHist:      newMapFunc(prefix + "flush_latency_seconds"),
		CompactionLatencyHist: newMapFunc(prefix + "compaction_latency_seconds"),

		WALBytesWrittenTotal:   newIntFunc(prefix + "wal_bytes_written_total"),
		WALEntriesWrittenTotal: newIntFunc(prefix + "wal_entries_written_total"),

		WALRecoveryDurationSeconds: newFloatFunc(prefix + "wal_recovery_duration_seconds"),
		WALRecoveredEntriesTotal:   newIntFunc(prefix + "wal_recovered_entries_total"),

		CompactionsInProgress: newIntFunc(prefix + "compactions_in_progress"),
	}

	histMaps := []*expvar.Map{
		em.PutLatencyHist, em.GetLatencyHist, em.DeleteLatencyHist,
		em.ScanLatencyHist, em.FlushLatencyHist, em.CompactionLatencyHist,
	}
	for _, m := range histMaps {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.3f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}
	return em
}

// observeLatency records a duration in a histogram map.
func observeLatency(hist *expvar.Map, d time.Duration) {
	if hist == nil {
		return
	}
	seconds := d.Seconds()
	if v, ok := hist.Get("count").(*expvar.Int); ok {
		v.Add(1)
	}
	if v, ok := hist.Get("sum").(*expvar.Float); ok {
		v.Add(seconds)
	}
	for _, b := range latencyBuckets {
		if seconds <= b {
			if v, ok := hist.Get(fmt.Sprintf("le_%.3f", b)).(*expvar.Int); ok {
				v.Add(1)
			}
			return
		}
	}
	if v, ok := hist.Get("le_inf").(*expvar.Int); ok {
		v.Add(1)
	}
}

// publishExpvarInt reuses an already published var so that reopening an
// engine in the same process does not panic.
func publishExpvarInt(name string) *expvar.Int {
	if v := expvar.Get(name); v != nil {
		if i, ok := v.(*expvar.Int); ok {
			return i
		}
	}
	i := new(expvar.Int)
	expvar.Publish(name, i)
	return i
}

func publishExpvarFloat(name string) *expvar.Float {
	if v := expvar.Get(name); v != nil {
		if f, ok := v.(*expvar.Float); ok {
			return f
		}
	}
	f := new(expvar.Float)
	expvar.Publish(name, f)
	return f
}

func publishExpvarMap(name string) *expvar.Map {
	if v := expvar.Get(name); v != nil {
		if m, ok := v.(*expvar.Map); ok {
			return m
		}
	}
	m := new(expvar.Map)
	m.Init()
	expvar.Publish(name, m)
	return m
}
