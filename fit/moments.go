// Package fit estimates peak positions from element projections and turns
// them into calibration ratios. The estimator works on bin moments, which is
// enough to seed and drive the iterative calibration loop.
package fit

import (
	"errors"
	"fmt"
	"math"

	"calibkit/histogram"
)

var (
	ErrInsufficientStatistics = errors.New("fit: insufficient statistics")
	ErrEmptyWindow            = errors.New("fit: empty fit window")
)

const refineIterations = 3

// Peak summarises a fitted distribution.
type Peak struct {
	Position float64
	Sigma    float64
	Integral float64
}

// Mean returns the count-weighted mean and RMS of bins whose centre lies in
// [lo, hi].
func Mean(h *histogram.Histogram, lo, hi, minCounts float64) (Peak, error) {
	p, err := moments(h, lo, hi)
	if err != nil {
		return Peak{}, err
	}
	if p.Integral <= 0 || p.Integral < minCounts {
		return Peak{}, fmt.Errorf("%w: %.0f counts in [%g,%g]", ErrInsufficientStatistics, p.Integral, lo, hi)
	}
	return p, nil
}

// GaussPeak locates the most populated bin in [lo, hi] and refines the
// position with moments over a ±2 sigma window around it.
func GaussPeak(h *histogram.Histogram, lo, hi, minCounts float64) (Peak, error) {
	if !(hi > lo) {
		return Peak{}, fmt.Errorf("%w: [%g,%g]", ErrEmptyWindow, lo, hi)
	}
	total, err := moments(h, lo, hi)
	if err != nil {
		return Peak{}, err
	}
	if total.Integral <= 0 || total.Integral < minCounts {
		return Peak{}, fmt.Errorf("%w: %.0f counts in [%g,%g]", ErrInsufficientStatistics, total.Integral, lo, hi)
	}

	best, bestCount := -1, 0.0
	for i, c := range h.Row(0) {
		x := h.BinCenter(i)
		if x < lo || x > hi {
			continue
		}
		if c > bestCount {
			best, bestCount = i, c
		}
	}
	center := h.BinCenter(best)
	sigma := total.Sigma
	if sigma <= 0 {
		sigma = h.BinWidth()
	}
	p := Peak{Position: center, Sigma: sigma, Integral: bestCount}
	for i := 0; i < refineIterations; i++ {
		wlo := math.Max(lo, p.Position-2*p.Sigma)
		whi := math.Min(hi, p.Position+2*p.Sigma)
		next, err := moments(h, wlo, whi)
		if err != nil || next.Integral <= 0 {
			break
		}
		if next.Sigma <= 0 {
			next.Sigma = h.BinWidth() / math.Sqrt(12)
		}
		p = next
	}
	return p, nil
}

func moments(h *histogram.Histogram, lo, hi float64) (Peak, error) {
	if h == nil || h.Elements != 1 {
		return Peak{}, errors.New("fit: expected a single-element projection")
	}
	if !(hi > lo) {
		return Peak{}, fmt.Errorf("%w: [%g,%g]", ErrEmptyWindow, lo, hi)
	}
	var sum, sumX, sumX2 float64
	for i, c := range h.Row(0) {
		x := h.BinCenter(i)
		if x < lo || x > hi || c <= 0 {
			continue
		}
		sum += c
		sumX += c * x
		sumX2 += c * x * x
	}
	if sum <= 0 {
		return Peak{}, nil
	}
	mean := sumX / sum
	variance := sumX2/sum - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Peak{Position: mean, Sigma: math.Sqrt(variance), Integral: sum}, nil
}
