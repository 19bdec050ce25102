package container

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"calibkit/datatype"
	"calibkit/paramstore"
	"calibkit/registry"
	"calibkit/runs"
	"calibkit/sqliteutil"
	"calibkit/stats"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T, runNumbers ...int) (*registry.Registry, *runs.Catalogue) {
	t.Helper()
	db, err := sqliteutil.Open(sqliteutil.MemoryPath, sqliteutil.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cat, err := runs.New(db)
	if err != nil {
		t.Fatalf("catalogue: %v", err)
	}
	store, err := paramstore.New(db)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	for i, n := range runNumbers {
		r := runs.Run{Number: n, Time: testTime.Add(time.Duration(i) * time.Minute), Target: "LH2"}
		if err := cat.Add(r); err != nil {
			t.Fatalf("add run %d: %v", n, err)
		}
	}
	return registry.New(store, cat), cat
}

func span(first, last int) []int {
	var out []int
	for r := first; r <= last; r++ {
		out = append(out, r)
	}
	return out
}

// awkward holds values that only survive an exact float round trip.
func awkward(dt datatype.Type) []float64 {
	out := make([]float64, dt.Length())
	for i := range out {
		out[i] = 1.0/3.0 + float64(i)*math.Pi*1e-7
	}
	out[0] = math.SmallestNonzeroFloat64
	out[len(out)-1] = -math.MaxFloat64
	return out
}

func seedSource(t *testing.T) (*registry.Registry, *runs.Catalogue) {
	t.Helper()
	reg, cat := newTestDB(t, span(100, 120)...)
	dt := datatype.TaggerT0
	if err := reg.AddSet("B1", dt, "low", 100, 109, awkward(dt)); err != nil {
		t.Fatalf("AddSet: %v", err)
	}
	if err := reg.AddSet("B1", dt, "high", 110, 120, awkward(dt)); err != nil {
		t.Fatalf("AddSet: %v", err)
	}
	return reg, cat
}

func TestExportCollectsSetsAndRuns(t *testing.T) {
	reg, cat := seedSource(t)
	c, err := Export(reg, cat, Selection{CalibrationID: "B1", Types: []datatype.Type{datatype.TaggerT0, datatype.CBT0}}, testTime)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(c.Sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(c.Sets))
	}
	if len(c.Runs) != 21 {
		t.Fatalf("expected 21 runs, got %d", len(c.Runs))
	}
	if c.ID == "" || c.Checksum == "" || c.Created != testTime.Unix() {
		t.Fatalf("header not stamped: %+v", c)
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestRoundTripBothEncodings(t *testing.T) {
	reg, cat := seedSource(t)
	c, err := Export(reg, cat, Selection{CalibrationID: "B1"}, testTime)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	for _, name := range []string{"out.json", "out.plist"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := WriteFile(path, c); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			got, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if got.ID != c.ID || len(got.Sets) != len(c.Sets) || len(got.Runs) != len(c.Runs) {
				t.Fatalf("container mismatch: got %+v", got)
			}
			for i := range c.Sets {
				want, have := c.Sets[i].Parameters, got.Sets[i].Parameters
				for j := range want {
					if math.Float64bits(want[j]) != math.Float64bits(have[j]) {
						t.Fatalf("set %d param %d: %v != %v", i, j, have[j], want[j])
					}
				}
			}
		})
	}
}

func TestExportKeepsNonFiniteParameters(t *testing.T) {
	reg, cat := newTestDB(t, 1, 2, 3)
	dt := datatype.PIDPhi
	params := awkward(dt)
	params[3] = math.NaN()
	params[4] = math.Inf(1)
	params[5] = math.Inf(-1)
	if err := reg.AddSet("B1", dt, "", 1, 3, params); err != nil {
		t.Fatalf("AddSet: %v", err)
	}
	c, err := Export(reg, cat, Selection{CalibrationID: "B1", Types: []datatype.Type{dt}}, testTime)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	for _, name := range []string{"nan.json", "nan.plist"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := WriteFile(path, c); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			got, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			have := got.Sets[0].Parameters
			for i := range params {
				if math.Float64bits(have[i]) != math.Float64bits(params[i]) {
					t.Fatalf("param %d: %v != %v", i, have[i], params[i])
				}
			}
		})
	}

	dst, dstCat := newTestDB(t)
	report, err := Import(c, dstCat, dst, nil)
	if err != nil || report.Accepted != 1 {
		t.Fatalf("Import: %+v (%v)", report, err)
	}
	set, err := dst.GetSet("B1", dt, 0)
	if err != nil {
		t.Fatalf("GetSet: %v", err)
	}
	if !math.IsNaN(set.Parameters[3]) || !math.IsInf(set.Parameters[5], -1) {
		t.Fatalf("non-finite values lost: %v", set.Parameters[:6])
	}
}

func TestVectorJSONForm(t *testing.T) {
	data, err := json.Marshal(Vector{1.5, math.Inf(1), -0.25})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `[1.5,"0x7ff0000000000000",-0.25]` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var v Vector
	if err := json.Unmarshal([]byte(`[2,"Inf"]`), &v); err == nil {
		t.Fatalf("expected error for a non-hex string")
	}
}

func TestExportByRunRange(t *testing.T) {
	reg, cat := newTestDB(t, span(100, 130)...)
	dt := datatype.TaggerT0
	for _, s := range []struct {
		id          string
		first, last int
	}{{"B1", 100, 109}, {"B1", 110, 119}, {"B1", 120, 130}, {"B2", 100, 104}, {"B2", 118, 125}} {
		if err := reg.AddSet(s.id, dt, "", s.first, s.last, awkward(dt)); err != nil {
			t.Fatalf("AddSet %+v: %v", s, err)
		}
	}

	c, err := Export(reg, cat, Selection{Ranged: true, FirstRun: 115, LastRun: 121}, testTime)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var got []string
	for _, s := range c.Sets {
		got = append(got, fmt.Sprintf("%s:%d-%d", s.CalibrationID, s.FirstRun, s.LastRun))
	}
	sort.Strings(got)
	if strings.Join(got, " ") != "B1:110-119 B1:120-130 B2:118-125" {
		t.Fatalf("unexpected sets %v", got)
	}
	if len(c.Runs) != 21 || c.Runs[0].Number != 110 {
		t.Fatalf("expected runs 110-130, got %d starting at %d", len(c.Runs), c.Runs[0].Number)
	}

	c, err = Export(reg, cat, Selection{CalibrationID: "B2", Ranged: true, FirstRun: 100, LastRun: 100}, testTime)
	if err != nil || len(c.Sets) != 1 || c.Sets[0].LastRun != 104 {
		t.Fatalf("id plus range: %+v (%v)", c, err)
	}
	if _, err := Export(reg, cat, Selection{}, testTime); !errors.Is(err, ErrSelection) {
		t.Fatalf("expected ErrSelection, got %v", err)
	}
	if _, err := Export(reg, cat, Selection{Ranged: true, FirstRun: 9, LastRun: 1}, testTime); err == nil {
		t.Fatalf("expected error for reversed range")
	}
}

func TestPlistIsBinary(t *testing.T) {
	c, err := New(nil, nil, testTime)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	data, err := Marshal(c, EncodingPlist)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.HasPrefix(string(data), "bplist") {
		t.Fatalf("expected binary plist header, got %q", data[:8])
	}
}

func TestUnmarshalRejectsTampering(t *testing.T) {
	reg, cat := seedSource(t)
	c, err := Export(reg, cat, Selection{CalibrationID: "B1"}, testTime)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	data, err := Marshal(c, EncodingJSON)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	tampered := strings.Replace(string(data), `"description": "low"`, `"description": "lower"`, 1)
	if tampered == string(data) {
		t.Fatalf("test setup: description not found in %s", data)
	}
	if _, err := Unmarshal([]byte(tampered)); !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
	if _, err := Unmarshal([]byte("run,set\n")); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat, got %v", err)
	}

	c.Version = Version + 1
	if err := c.Verify(); !errors.Is(err, ErrVersion) {
		t.Fatalf("expected ErrVersion, got %v", err)
	}
}

func TestImportAddsRunsAndRejectsOverlap(t *testing.T) {
	src, srcCat := seedSource(t)
	c, err := Export(src, srcCat, Selection{CalibrationID: "B1"}, testTime)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst, dstCat := newTestDB(t, span(100, 105)...)
	dt := datatype.TaggerT0
	if err := dst.AddSet("B1", dt, "existing", 100, 101, awkward(dt)); err != nil {
		t.Fatalf("AddSet: %v", err)
	}

	tracker := stats.NewTracker()
	report, err := Import(c, dstCat, dst, tracker)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if report.RunsAdded != 15 {
		t.Fatalf("expected 15 runs added, got %d", report.RunsAdded)
	}
	if report.Accepted != 1 || len(report.Rejected) != 1 {
		t.Fatalf("expected 1 accepted and 1 rejected, got %+v", report)
	}
	rej := report.Rejected[0]
	if rej.FirstRun != 100 || rej.LastRun != 109 || !strings.Contains(rej.Reason, "overlap") {
		t.Fatalf("unexpected rejection: %+v", rej)
	}
	run, err := dstCat.Get(120)
	if err != nil {
		t.Fatalf("Get imported run: %v", err)
	}
	if run.Target != "LH2" || !run.Time.Equal(testTime.Add(20*time.Minute)) {
		t.Fatalf("imported run fields lost: %+v", run)
	}
	if acc, rejected := tracker.Imports(); acc != 1 || rejected != 1 {
		t.Fatalf("expected tracker 1/1, got %d/%d", acc, rejected)
	}

	set, err := dst.GetSet("B1", dt, 1)
	if err != nil {
		t.Fatalf("GetSet: %v", err)
	}
	want := awkward(dt)
	for i := range want {
		if math.Float64bits(set.Parameters[i]) != math.Float64bits(want[i]) {
			t.Fatalf("param %d not exact: %v != %v", i, set.Parameters[i], want[i])
		}
	}
}

func TestImportRejectsUnknownType(t *testing.T) {
	c, err := New(nil, []SetRecord{{CalibrationID: "B1", DataType: "CB_E2", FirstRun: 1, LastRun: 1, Parameters: []float64{1}}}, testTime)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dst, dstCat := newTestDB(t, 1)
	report, err := Import(c, dstCat, dst, nil)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(report.Rejected) != 1 || !strings.Contains(report.Rejected[0].Reason, "did you mean") {
		t.Fatalf("expected suggestion in rejection, got %+v", report.Rejected)
	}
}

func TestWriteFileLeavesNoTempFile(t *testing.T) {
	c, err := New(nil, nil, testTime)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "c.json")
	if err := WriteFile(path, c); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed, stat err=%v", err)
	}
}
