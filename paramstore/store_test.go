package paramstore

import (
	"errors"
	"math"
	"testing"
	"time"

	"calibkit/datatype"
	"calibkit/sqliteutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqliteutil.Open(sqliteutil.MemoryPath, sqliteutil.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestVectorRoundTripIsBitExact(t *testing.T) {
	in := []float64{0, math.Copysign(0, -1), 1.0 / 3.0, math.SmallestNonzeroFloat64, math.MaxFloat64, math.Inf(-1),
		math.Float64frombits(0x7ff8000000000123)}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for i := range in {
		if math.Float64bits(in[i]) != math.Float64bits(out[i]) {
			t.Fatalf("element %d: wrote %x read %x", i, math.Float64bits(in[i]), math.Float64bits(out[i]))
		}
	}
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated blob")
	}
}

func TestInsertListUpdate(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	params := []float64{1.5, 2.5, 3.5}
	if err := s.Insert(datatype.PIDPhi, Record{CalibrationID: "B1", FirstRun: 200, LastRun: 299, ChangedAt: now, Parameters: params}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(datatype.PIDPhi, Record{CalibrationID: "B1", FirstRun: 100, LastRun: 199, ChangedAt: now, Parameters: params}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(datatype.PIDPhi, Record{CalibrationID: "B1", FirstRun: 100, LastRun: 150, ChangedAt: now, Parameters: params}); err == nil {
		t.Fatalf("expected primary key violation for duplicate first run")
	}
	sets, err := s.Sets("B1", datatype.PIDPhi)
	if err != nil {
		t.Fatalf("sets: %v", err)
	}
	if len(sets) != 2 || sets[0].FirstRun != 100 || sets[1].FirstRun != 200 {
		t.Fatalf("expected sets ordered by first run, got %+v", sets)
	}
	if other, _ := s.Sets("B1", datatype.PIDT0); len(other) != 0 {
		t.Fatalf("expected other data types to be isolated")
	}

	later := now.Add(time.Hour)
	if err := s.UpdateParameters("B1", datatype.PIDPhi, 200, []float64{9, 8, 7}, later); err != nil {
		t.Fatalf("update: %v", err)
	}
	sets, _ = s.Sets("B1", datatype.PIDPhi)
	if sets[1].Parameters[0] != 9 || !sets[1].ChangedAt.Equal(later) {
		t.Fatalf("update not applied: %+v", sets[1])
	}
	if err := s.UpdateParameters("B1", datatype.PIDPhi, 999, params, later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateDescription("B1", datatype.PIDPhi, 100, "first pass", later); err != nil {
		t.Fatalf("update description: %v", err)
	}
	if err := s.Delete("B1", datatype.PIDPhi, 100); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("B1", datatype.PIDPhi, 100); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSplitIsAtomic(t *testing.T) {
	s := openTestStore(t)
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rec := Record{CalibrationID: "B1", Description: "d", FirstRun: 100, LastRun: 199, ChangedAt: now, Parameters: []float64{1}}
	if err := s.Insert(datatype.PIDT0, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// tail collides with the original primary key, so the whole split must roll back
	bad := rec
	bad.LastRun = 199
	if err := s.Split("B1", datatype.PIDT0, 100, 150, bad); err == nil {
		t.Fatalf("expected split with colliding tail to fail")
	}
	sets, _ := s.Sets("B1", datatype.PIDT0)
	if len(sets) != 1 || sets[0].LastRun != 199 {
		t.Fatalf("expected original set untouched, got %+v", sets)
	}

	tail := rec
	tail.FirstRun = 151
	if err := s.Split("B1", datatype.PIDT0, 100, 150, tail); err != nil {
		t.Fatalf("split: %v", err)
	}
	sets, _ = s.Sets("B1", datatype.PIDT0)
	if len(sets) != 2 || sets[0].LastRun != 150 || sets[1].FirstRun != 151 || sets[1].LastRun != 199 {
		t.Fatalf("unexpected split result %+v", sets)
	}
}

func TestRenameAndRemoveCalibration(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	for _, dt := range []datatype.Type{datatype.PIDT0, datatype.PIDPhi} {
		if err := s.Insert(dt, Record{CalibrationID: "old", FirstRun: 1, LastRun: 2, ChangedAt: now, Parameters: []float64{1}}); err != nil {
			t.Fatalf("insert %s: %v", dt, err)
		}
	}
	n, err := s.RenameCalibration("old", "new")
	if err != nil || n != 2 {
		t.Fatalf("rename: n=%d err=%v", n, err)
	}
	ids, _ := s.CalibrationIDs(datatype.PIDPhi)
	if len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("unexpected ids %v", ids)
	}
	n, err = s.RemoveCalibration("new")
	if err != nil || n != 2 {
		t.Fatalf("remove: n=%d err=%v", n, err)
	}
}
