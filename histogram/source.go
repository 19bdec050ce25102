package histogram

import (
	"errors"
	"fmt"
	"log"

	"calibkit/datatype"
)

// ErrNoData reports that none of the active sets has a stored histogram.
var ErrNoData = errors.New("histogram: no data for active sets")

// SetRanges resolves a set index to its run bounds.
type SetRanges interface {
	SetRange(calibrationID string, dt datatype.Type, index int) (int, int, error)
}

// Source sums the per-run histograms of every run covered by the active
// sets into one main histogram.
type Source struct {
	store  *Store
	ranges SetRanges
}

// NewSource binds a store to the set ranges of a registry.
func NewSource(store *Store, ranges SetRanges) *Source {
	return &Source{store: store, ranges: ranges}
}

// GetMainHistogram returns the summed histogram named after the data type.
func (s *Source) GetMainHistogram(calibrationID string, dt datatype.Type, sets []int) (*Histogram, error) {
	var acc *Histogram
	total := 0
	for _, idx := range sets {
		first, last, err := s.ranges.SetRange(calibrationID, dt, idx)
		if err != nil {
			return nil, err
		}
		var n int
		acc, n, err = s.store.Sum(dt, first, last, acc)
		if err != nil {
			return nil, err
		}
		total += n
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s/%s sets %v", ErrNoData, calibrationID, dt, sets)
	}
	if acc.Elements != dt.Length() {
		return nil, fmt.Errorf("%w: %s has %d elements, %s needs %d", ErrIncompatible, acc.Name, acc.Elements, dt, dt.Length())
	}
	acc.Name = dt.String()
	log.Printf("Histogram: %s/%s summed %d runs over %d sets", calibrationID, dt, total, len(sets))
	return acc, nil
}

// GetElementProjection returns elem's 1-D distribution.
func (s *Source) GetElementProjection(h *Histogram, elem int) (*Histogram, error) {
	if h == nil {
		return nil, ErrNoData
	}
	return h.Project(elem)
}
