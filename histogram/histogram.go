// Package histogram holds the element-by-value histograms that calibration
// fits consume, a Pebble-backed per-run store, and the source that sums the
// runs of the active sets into one main histogram.
package histogram

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrBinning      = errors.New("histogram: invalid binning")
	ErrIncompatible = errors.New("histogram: incompatible binning")
	ErrElement      = errors.New("histogram: element out of range")
)

// Histogram is a dense 2-D histogram: one row of Bins counts per element,
// with a shared fixed-width value axis [Min, Max). A projection is a
// Histogram with a single element row.
type Histogram struct {
	Name     string
	Elements int
	Bins     int
	Min      float64
	Max      float64
	Counts   []float64
}

// New allocates an empty histogram.
func New(name string, elements, bins int, min, max float64) (*Histogram, error) {
	h := &Histogram{Name: name, Elements: elements, Bins: bins, Min: min, Max: max}
	if err := h.validate(); err != nil {
		return nil, err
	}
	h.Counts = make([]float64, elements*bins)
	return h, nil
}

func (h *Histogram) validate() error {
	if h.Elements <= 0 || h.Bins <= 0 {
		return fmt.Errorf("%w: %d elements x %d bins", ErrBinning, h.Elements, h.Bins)
	}
	if !(h.Max > h.Min) || math.IsInf(h.Min, 0) || math.IsInf(h.Max, 0) {
		return fmt.Errorf("%w: range [%g,%g)", ErrBinning, h.Min, h.Max)
	}
	if h.Counts != nil && len(h.Counts) != h.Elements*h.Bins {
		return fmt.Errorf("%w: %d counts for %dx%d", ErrBinning, len(h.Counts), h.Elements, h.Bins)
	}
	return nil
}

// BinWidth is the width of one value bin.
func (h *Histogram) BinWidth() float64 {
	return (h.Max - h.Min) / float64(h.Bins)
}

// BinCenter returns the value at the centre of bin i.
func (h *Histogram) BinCenter(i int) float64 {
	return h.Min + (float64(i)+0.5)*h.BinWidth()
}

// FindBin maps x to a bin index; ok is false for under- and overflow.
func (h *Histogram) FindBin(x float64) (int, bool) {
	if math.IsNaN(x) || x < h.Min || x >= h.Max {
		return 0, false
	}
	i := int((x - h.Min) / h.BinWidth())
	if i >= h.Bins {
		i = h.Bins - 1
	}
	return i, true
}

// Fill adds weight w at value x for elem. Out-of-range values are dropped.
func (h *Histogram) Fill(elem int, x, w float64) bool {
	if elem < 0 || elem >= h.Elements {
		return false
	}
	i, ok := h.FindBin(x)
	if !ok {
		return false
	}
	h.Counts[elem*h.Bins+i] += w
	return true
}

// Row returns the live counts of one element.
func (h *Histogram) Row(elem int) []float64 {
	return h.Counts[elem*h.Bins : (elem+1)*h.Bins]
}

// Add accumulates other into h.
func (h *Histogram) Add(other *Histogram) error {
	if other == nil {
		return nil
	}
	if other.Elements != h.Elements || other.Bins != h.Bins || other.Min != h.Min || other.Max != h.Max {
		return fmt.Errorf("%w: %s (%dx%d [%g,%g)) vs %s (%dx%d [%g,%g))", ErrIncompatible,
			h.Name, h.Elements, h.Bins, h.Min, h.Max,
			other.Name, other.Elements, other.Bins, other.Min, other.Max)
	}
	for i, c := range other.Counts {
		h.Counts[i] += c
	}
	return nil
}

// Clone returns a deep copy under a new name.
func (h *Histogram) Clone(name string) *Histogram {
	out := *h
	out.Name = name
	out.Counts = append([]float64(nil), h.Counts...)
	return &out
}

// Project returns elem's value distribution as a single-row histogram.
func (h *Histogram) Project(elem int) (*Histogram, error) {
	if elem < 0 || elem >= h.Elements {
		return nil, fmt.Errorf("%w: %d of %d", ErrElement, elem, h.Elements)
	}
	return &Histogram{
		Name:     fmt.Sprintf("%s_%d", h.Name, elem),
		Elements: 1,
		Bins:     h.Bins,
		Min:      h.Min,
		Max:      h.Max,
		Counts:   append([]float64(nil), h.Row(elem)...),
	}, nil
}

// Integral sums all counts of elem with bin centres inside [lo, hi].
func (h *Histogram) Integral(elem int, lo, hi float64) float64 {
	if elem < 0 || elem >= h.Elements {
		return 0
	}
	var sum float64
	for i, c := range h.Row(elem) {
		if x := h.BinCenter(i); x >= lo && x <= hi {
			sum += c
		}
	}
	return sum
}

// Total sums every count.
func (h *Histogram) Total() float64 {
	var sum float64
	for _, c := range h.Counts {
		sum += c
	}
	return sum
}
