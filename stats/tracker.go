// Package stats tracks per-data-type calibration counters for display in the
// operator console and periodic log output.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Tracker counts controller activity by data type.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-element increments don't fight over a mutex
	fitCounts       sync.Map // string -> *atomic.Uint64
	calculateCounts sync.Map
	unchangedCounts sync.Map
	ignoredCounts   sync.Map
	start           atomic.Int64
	writes          atomic.Uint64
	writeFailures   atomic.Uint64
	importedSets    atomic.Uint64
	rejectedSets    atomic.Uint64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementFit counts one Fit call for a data type.
func (t *Tracker) IncrementFit(dataType string) {
	incrementCounter(&t.fitCounts, dataType)
}

// IncrementCalculate counts one Calculate call.
func (t *Tracker) IncrementCalculate(dataType string) {
	incrementCounter(&t.calculateCounts, dataType)
}

// IncrementUnchanged counts a Calculate that kept the old value.
func (t *Tracker) IncrementUnchanged(dataType string) {
	incrementCounter(&t.unchangedCounts, dataType)
}

// IncrementIgnored counts an element added to an ignore list.
func (t *Tracker) IncrementIgnored(dataType string) {
	incrementCounter(&t.ignoredCounts, dataType)
}

// RecordWrite counts a WriteValues outcome.
func (t *Tracker) RecordWrite(ok bool) {
	if ok {
		t.writes.Add(1)
		return
	}
	t.writeFailures.Add(1)
}

// RecordImport counts accepted and rejected sets of one container import.
func (t *Tracker) RecordImport(accepted, rejected int) {
	t.importedSets.Add(uint64(accepted))
	t.rejectedSets.Add(uint64(rejected))
}

func (t *Tracker) GetFitCounts() map[string]uint64       { return snapshot(&t.fitCounts) }
func (t *Tracker) GetCalculateCounts() map[string]uint64 { return snapshot(&t.calculateCounts) }
func (t *Tracker) GetUnchangedCounts() map[string]uint64 { return snapshot(&t.unchangedCounts) }
func (t *Tracker) GetIgnoredCounts() map[string]uint64   { return snapshot(&t.ignoredCounts) }

// Writes returns successful and failed WriteValues calls.
func (t *Tracker) Writes() (uint64, uint64) {
	return t.writes.Load(), t.writeFailures.Load()
}

// Imports returns the cumulative accepted and rejected imported sets.
func (t *Tracker) Imports() (uint64, uint64) {
	return t.importedSets.Load(), t.rejectedSets.Load()
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.fitCounts, &t.calculateCounts, &t.unchangedCounts, &t.ignoredCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.writes.Store(0)
	t.writeFailures.Store(0)
	t.importedSets.Store(0)
	t.rejectedSets.Store(0)
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 5)
	lines = append(lines, formatMapCounts("Fits", &t.fitCounts))
	lines = append(lines, formatMapCounts("Calculations", &t.calculateCounts))
	lines = append(lines, formatMapCounts("Unchanged", &t.unchangedCounts))
	lines = append(lines, formatMapCounts("Ignored", &t.ignoredCounts))
	ok, failed := t.Writes()
	accepted, rejected := t.Imports()
	lines = append(lines, fmt.Sprintf("Writes: ok=%d failed=%d  Imports: accepted=%d rejected=%d", ok, failed, accepted, rejected))
	return lines
}

func snapshot(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	values := snapshot(counts)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", k, values[k])
	}
	if len(keys) == 0 {
		builder.WriteString("(none)")
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
