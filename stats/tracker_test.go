package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestCountersByDataType(t *testing.T) {
	tr := NewTracker()
	tr.IncrementFit("CB_T0")
	tr.IncrementFit("CB_T0")
	tr.IncrementFit("PID_PHI")
	tr.IncrementCalculate("CB_T0")
	tr.IncrementUnchanged("CB_T0")
	tr.IncrementFit("  ")
	tr.RecordWrite(true)
	tr.RecordWrite(false)
	tr.RecordImport(3, 1)

	fits := tr.GetFitCounts()
	if fits["CB_T0"] != 2 || fits["PID_PHI"] != 1 || len(fits) != 2 {
		t.Fatalf("unexpected fit counts %v", fits)
	}
	if ok, failed := tr.Writes(); ok != 1 || failed != 1 {
		t.Fatalf("writes ok=%d failed=%d", ok, failed)
	}
	lines := tr.SnapshotLines()
	if !strings.HasPrefix(lines[0], "Fits: CB_T0=2, PID_PHI=1") {
		t.Fatalf("unexpected snapshot %q", lines[0])
	}
	if lines[3] != "Ignored: (none)" {
		t.Fatalf("unexpected ignored line %q", lines[3])
	}

	tr.Reset()
	if len(tr.GetFitCounts()) != 0 {
		t.Fatalf("reset left counters behind")
	}
	if accepted, _ := tr.Imports(); accepted != 0 {
		t.Fatalf("reset left imports behind")
	}
}

func TestConcurrentIncrements(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				tr.IncrementCalculate("TAPS_T0")
			}
		}()
	}
	wg.Wait()
	if got := tr.GetCalculateCounts()["TAPS_T0"]; got != 2000 {
		t.Fatalf("expected 2000, got %d", got)
	}
}
