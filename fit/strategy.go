package fit

import (
	"errors"
	"fmt"
	"math"

	"calibkit/calib"
	"calibkit/config"
	"calibkit/histogram"
)

// PeakRatio calibrates an element by comparing a fitted peak (or mean)
// position with a target. The ratio is target/position, or position/target
// when Invert is set.
type PeakRatio struct {
	name string
	cfg  config.StrategyConfig

	lo, hi float64
}

// NewPeakRatio builds a strategy from its configuration.
func NewPeakRatio(name string, cfg config.StrategyConfig) *PeakRatio {
	return &PeakRatio{name: name, cfg: cfg}
}

func (s *PeakRatio) Name() string { return s.name }

// AllowNegative reports whether negative constants are accepted.
func (s *PeakRatio) AllowNegative() bool { return s.cfg.AllowNegative }

// Init fixes the fit window from the configuration or, when none is set,
// from the main histogram's axis.
func (s *PeakRatio) Init(main *histogram.Histogram) error {
	if main == nil {
		return errors.New("fit: no main histogram")
	}
	if main.Total() <= 0 {
		return fmt.Errorf("fit: main histogram %s is empty", main.Name)
	}
	s.lo, s.hi = main.Min, main.Max
	if s.cfg.WindowMin != 0 || s.cfg.WindowMax != 0 {
		s.lo, s.hi = s.cfg.WindowMin, s.cfg.WindowMax
	}
	return nil
}

// Fit estimates the element's peak inside the configured window, or inside
// ±ReFitTolerance of the seed for a re-fit.
func (s *PeakRatio) Fit(elem int, proj *histogram.Histogram, opts calib.FitOptions) (calib.FitResult, error) {
	lo, hi := s.lo, s.hi
	if opts.ReFit && opts.HasSeed {
		d := math.Abs(opts.Seed) * calib.ReFitTolerance
		if d == 0 {
			d = proj.BinWidth()
		}
		lo, hi = opts.Seed-d, opts.Seed+d
	}
	var (
		p   Peak
		err error
	)
	if s.cfg.Kind == config.KindMean {
		p, err = Mean(proj, lo, hi, s.cfg.MinCounts)
	} else {
		p, err = GaussPeak(proj, lo, hi, s.cfg.MinCounts)
	}
	if errors.Is(err, ErrInsufficientStatistics) || errors.Is(err, ErrEmptyWindow) {
		return calib.FitResult{Reason: err.Error()}, nil
	}
	if err != nil {
		return calib.FitResult{}, err
	}
	return calib.FitResult{
		Usable:   true,
		Position: p.Position,
		Sigma:    p.Sigma,
		Integral: p.Integral,
	}, nil
}

// Calculate turns a fitted position into the measured-over-target ratio.
func (s *PeakRatio) Calculate(elem int, res calib.FitResult) (float64, bool) {
	if !res.Usable || res.Position == 0 || s.cfg.Target == 0 {
		return 0, false
	}
	if s.cfg.Invert {
		return res.Position / s.cfg.Target, true
	}
	return s.cfg.Target / res.Position, true
}
