// Package registry is the Calibration Set Registry. It keeps, per
// (calibration id, data type), an ordered catalogue of run-range sets and
// guarantees that no two sets claim the same run.
//
// Validation happens before any mutation: an operation either applies fully
// or leaves the store untouched.
package registry

import (
	"errors"
	"fmt"
	"log"
	"time"

	"calibkit/datatype"
	"calibkit/paramstore"
)

var (
	// ErrValidation is the parent of every rejected-input error.
	ErrValidation = errors.New("registry: validation failed")
	// ErrNotFound reports a missing set index. It is never an ErrValidation.
	ErrNotFound = errors.New("registry: set not found")

	ErrUnknownRun      = fmt.Errorf("%w: unknown run", ErrValidation)
	ErrInvalidRange    = fmt.Errorf("%w: invalid run range", ErrValidation)
	ErrOverlap         = fmt.Errorf("%w: run range overlaps an existing set", ErrValidation)
	ErrLengthMismatch  = fmt.Errorf("%w: parameter length mismatch", ErrValidation)
	ErrNothingToSplit  = fmt.Errorf("%w: no run after boundary inside set", ErrValidation)
	ErrRunOrder        = fmt.Errorf("%w: run numbers disagree with acquisition order", ErrValidation)
	ErrInvalidType     = fmt.Errorf("%w: invalid data type", ErrValidation)
	ErrEmptyIdentifier = fmt.Errorf("%w: empty calibration id", ErrValidation)
	ErrCoverageExists  = fmt.Errorf("%w: calibration already has sets", ErrValidation)
)

// Set is one validity interval of calibration constants.
type Set struct {
	CalibrationID string
	DataType      datatype.Type
	Description   string
	FirstRun      int
	LastRun       int
	ChangedAt     time.Time
	Parameters    []float64
}

// Contains reports whether run lies inside the set's inclusive bounds.
func (s Set) Contains(run int) bool {
	return run >= s.FirstRun && run <= s.LastRun
}

// Store is the persistence the registry drives.
type Store interface {
	Sets(calibrationID string, dt datatype.Type) ([]paramstore.Record, error)
	CalibrationIDs(dt datatype.Type) ([]string, error)
	Insert(dt datatype.Type, rec paramstore.Record) error
	Delete(calibrationID string, dt datatype.Type, firstRun int) error
	UpdateParameters(calibrationID string, dt datatype.Type, firstRun int, params []float64, changedAt time.Time) error
	UpdateDescription(calibrationID string, dt datatype.Type, firstRun int, description string, changedAt time.Time) error
	Split(calibrationID string, dt datatype.Type, firstRun, boundary int, tail paramstore.Record) error
	RemoveCalibration(calibrationID string) (int64, error)
	RenameCalibration(from, to string) (int64, error)
}

// RunCatalogue resolves run existence and time adjacency.
type RunCatalogue interface {
	Exists(run int) (bool, error)
	NextRunAfter(run, upper int) (int, bool, error)
	CountBetween(lo, hi int) (int, error)
	Bounds() (int, int, error)
}

// Registry is safe for a single operator; callers serialise concurrent
// writers to the same key.
type Registry struct {
	store Store
	runs  RunCatalogue
	now   func() time.Time
}

// New wires a registry to its store and run catalogue.
func New(store Store, runs RunCatalogue) *Registry {
	return &Registry{
		store: store,
		runs:  runs,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ListSets returns all sets of (calibrationID, dt) ordered by first run.
func (r *Registry) ListSets(calibrationID string, dt datatype.Type) ([]Set, error) {
	if !dt.Valid() {
		return nil, ErrInvalidType
	}
	recs, err := r.store.Sets(calibrationID, dt)
	if err != nil {
		return nil, err
	}
	out := make([]Set, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(dt, rec)
	}
	return out, nil
}

// GetSetCount returns the number of sets.
func (r *Registry) GetSetCount(calibrationID string, dt datatype.Type) (int, error) {
	sets, err := r.ListSets(calibrationID, dt)
	if err != nil {
		return 0, err
	}
	return len(sets), nil
}

// GetSet returns the set at a 0-based ordinal in first-run order. The index
// is positional, not a stable identifier: adds and splits shift it.
func (r *Registry) GetSet(calibrationID string, dt datatype.Type, index int) (Set, error) {
	sets, err := r.ListSets(calibrationID, dt)
	if err != nil {
		return Set{}, err
	}
	if index < 0 || index >= len(sets) {
		return Set{}, fmt.Errorf("%w: %s/%s index %d (have %d)", ErrNotFound, calibrationID, dt, index, len(sets))
	}
	return sets[index], nil
}

// SetRange returns the run bounds of one set.
func (r *Registry) SetRange(calibrationID string, dt datatype.Type, index int) (int, int, error) {
	set, err := r.GetSet(calibrationID, dt, index)
	if err != nil {
		return 0, 0, err
	}
	return set.FirstRun, set.LastRun, nil
}

// GetSetForRun returns the index of the set covering run.
func (r *Registry) GetSetForRun(calibrationID string, dt datatype.Type, run int) (int, error) {
	sets, err := r.ListSets(calibrationID, dt)
	if err != nil {
		return -1, err
	}
	for i, s := range sets {
		if s.Contains(run) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: no %s/%s set covers run %d", ErrNotFound, calibrationID, dt, run)
}

// AddSet creates a set after checking length, bounds, run existence and
// overlap, in that order.
func (r *Registry) AddSet(calibrationID string, dt datatype.Type, description string, firstRun, lastRun int, params []float64) error {
	if calibrationID == "" {
		return ErrEmptyIdentifier
	}
	if !dt.Valid() {
		return ErrInvalidType
	}
	if len(params) != dt.Length() {
		return fmt.Errorf("%w: %s expects %d values, got %d", ErrLengthMismatch, dt, dt.Length(), len(params))
	}
	if firstRun > lastRun {
		return fmt.Errorf("%w: first run %d after last run %d", ErrInvalidRange, firstRun, lastRun)
	}
	for _, run := range []int{firstRun, lastRun} {
		if err := r.requireRun(run); err != nil {
			return err
		}
	}
	sets, err := r.ListSets(calibrationID, dt)
	if err != nil {
		return err
	}
	for _, s := range sets {
		if overlaps(firstRun, lastRun, s) {
			return fmt.Errorf("%w: [%d,%d] intersects [%d,%d]", ErrOverlap, firstRun, lastRun, s.FirstRun, s.LastRun)
		}
	}
	rec := paramstore.Record{
		CalibrationID: calibrationID,
		Description:   description,
		FirstRun:      firstRun,
		LastRun:       lastRun,
		ChangedAt:     r.now(),
		Parameters:    append([]float64(nil), params...),
	}
	if err := r.store.Insert(dt, rec); err != nil {
		return err
	}
	log.Printf("Registry: added %s/%s [%d,%d]", calibrationID, dt, firstRun, lastRun)
	return nil
}

// RemoveSet deletes the set at index.
func (r *Registry) RemoveSet(calibrationID string, dt datatype.Type, index int) error {
	set, err := r.GetSet(calibrationID, dt, index)
	if err != nil {
		return err
	}
	if err := r.store.Delete(calibrationID, dt, set.FirstRun); err != nil {
		return err
	}
	log.Printf("Registry: removed %s/%s [%d,%d]", calibrationID, dt, set.FirstRun, set.LastRun)
	return nil
}

// SplitSet cuts the set at index after boundary. The original keeps
// [first, boundary]; a duplicate covering [next run after boundary, last] is
// created, where "next" follows the catalogue's time order. When a run
// numbered between boundary and next was acquired later, neither piece would
// cover it, and the split is refused with ErrRunOrder.
func (r *Registry) SplitSet(calibrationID string, dt datatype.Type, index, boundary int) error {
	set, err := r.GetSet(calibrationID, dt, index)
	if err != nil {
		return err
	}
	if !set.Contains(boundary) {
		return fmt.Errorf("%w: boundary %d outside [%d,%d]", ErrInvalidRange, boundary, set.FirstRun, set.LastRun)
	}
	if err := r.requireRun(boundary); err != nil {
		return err
	}
	next, ok, err := r.runs.NextRunAfter(boundary, set.LastRun)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: boundary %d, set [%d,%d]", ErrNothingToSplit, boundary, set.FirstRun, set.LastRun)
	}
	skipped, err := r.runs.CountBetween(boundary, next)
	if err != nil {
		return err
	}
	if skipped > 0 {
		return fmt.Errorf("%w: run %d follows %d in time but %d run(s) numbered in between would be left uncovered",
			ErrRunOrder, next, boundary, skipped)
	}
	now := r.now()
	tail := paramstore.Record{
		CalibrationID: calibrationID,
		Description:   set.Description,
		FirstRun:      next,
		LastRun:       set.LastRun,
		ChangedAt:     now,
		Parameters:    append([]float64(nil), set.Parameters...),
	}
	if err := r.store.Split(calibrationID, dt, set.FirstRun, boundary, tail); err != nil {
		return err
	}
	log.Printf("Registry: split %s/%s [%d,%d] into [%d,%d] and [%d,%d]", calibrationID, dt,
		set.FirstRun, set.LastRun, set.FirstRun, boundary, next, set.LastRun)
	return nil
}

// ReadParameters returns a copy of the stored vector.
func (r *Registry) ReadParameters(calibrationID string, dt datatype.Type, index int) ([]float64, error) {
	set, err := r.GetSet(calibrationID, dt, index)
	if err != nil {
		return nil, err
	}
	return set.Parameters, nil
}

// WriteParameters overwrites the vector in place.
func (r *Registry) WriteParameters(calibrationID string, dt datatype.Type, index int, params []float64) error {
	if !dt.Valid() {
		return ErrInvalidType
	}
	if len(params) != dt.Length() {
		return fmt.Errorf("%w: %s expects %d values, got %d", ErrLengthMismatch, dt, dt.Length(), len(params))
	}
	set, err := r.GetSet(calibrationID, dt, index)
	if err != nil {
		return err
	}
	return r.store.UpdateParameters(calibrationID, dt, set.FirstRun, params, r.now())
}

// SetDescription renames one set.
func (r *Registry) SetDescription(calibrationID string, dt datatype.Type, index int, description string) error {
	set, err := r.GetSet(calibrationID, dt, index)
	if err != nil {
		return err
	}
	return r.store.UpdateDescription(calibrationID, dt, set.FirstRun, description, r.now())
}

// CalibrationIDs lists identifiers with at least one set of type dt.
func (r *Registry) CalibrationIDs(dt datatype.Type) ([]string, error) {
	if !dt.Valid() {
		return nil, ErrInvalidType
	}
	return r.store.CalibrationIDs(dt)
}

// RemoveCalibration deletes every set of calibrationID for all data types.
func (r *Registry) RemoveCalibration(calibrationID string) (int64, error) {
	if calibrationID == "" {
		return 0, ErrEmptyIdentifier
	}
	n, err := r.store.RemoveCalibration(calibrationID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: calibration %q", ErrNotFound, calibrationID)
	}
	log.Printf("Registry: removed calibration %q (%d sets)", calibrationID, n)
	return n, nil
}

// RenameCalibration relabels a calibration across all data types. The target
// id must be unused so that no two campaigns merge by accident.
func (r *Registry) RenameCalibration(from, to string) (int64, error) {
	if from == "" || to == "" {
		return 0, ErrEmptyIdentifier
	}
	for _, dt := range datatype.All() {
		sets, err := r.store.Sets(to, dt)
		if err != nil {
			return 0, err
		}
		if len(sets) > 0 {
			return 0, fmt.Errorf("%w: %q already has %s sets", ErrValidation, to, dt)
		}
	}
	n, err := r.store.RenameCalibration(from, to)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: calibration %q", ErrNotFound, from)
	}
	return n, nil
}

// InitCoverage creates one set spanning every catalogued run, typically from
// imported geometry defaults. It refuses when sets already exist.
func (r *Registry) InitCoverage(calibrationID string, dt datatype.Type, description string, params []float64) error {
	count, err := r.GetSetCount(calibrationID, dt)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %s/%s has %d", ErrCoverageExists, calibrationID, dt, count)
	}
	first, last, err := r.runs.Bounds()
	if err != nil {
		return err
	}
	return r.AddSet(calibrationID, dt, description, first, last, params)
}

func (r *Registry) requireRun(run int) error {
	ok, err := r.runs.Exists(run)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownRun, run)
	}
	return nil
}

// overlaps tests each bound of the new interval against s and s's bounds
// against the new interval.
func overlaps(first, last int, s Set) bool {
	return s.Contains(first) || s.Contains(last) ||
		(s.FirstRun >= first && s.FirstRun <= last) ||
		(s.LastRun >= first && s.LastRun <= last)
}

func fromRecord(dt datatype.Type, rec paramstore.Record) Set {
	return Set{
		CalibrationID: rec.CalibrationID,
		DataType:      dt,
		Description:   rec.Description,
		FirstRun:      rec.FirstRun,
		LastRun:       rec.LastRun,
		ChangedAt:     rec.ChangedAt,
		Parameters:    rec.Parameters,
	}
}
