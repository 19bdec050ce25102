package calib

import (
	"time"

	"calibkit/datatype"
	"calibkit/histogram"
)

// ReFitTolerance is the relative half-width of the search window a strategy
// must use around the seed when FitOptions.ReFit is set.
const ReFitTolerance = 0.03

// FitOptions tells a strategy how to fit one element.
type FitOptions struct {
	ReFit   bool
	Seed    float64
	HasSeed bool
}

// FitResult is the diagnostic state a strategy produces for one element.
// Calculate only ever sees the result of the most recent Fit of that element.
type FitResult struct {
	Usable   bool
	Position float64
	Sigma    float64
	Integral float64
	Reason   string
}

// Strategy is the physics-specific part of a calibration: it prepares itself
// from the main histogram, fits per-element projections, and turns a fit into
// the measured-over-target ratio the controller folds into the old constant.
type Strategy interface {
	Name() string
	Init(main *histogram.Histogram) error
	Fit(elem int, proj *histogram.Histogram, opts FitOptions) (FitResult, error)
	// Calculate returns the ratio for elem; ok is false when the fit cannot
	// produce one.
	Calculate(elem int, res FitResult) (ratio float64, ok bool)
	// AllowNegative reports whether negative constants are physical.
	AllowNegative() bool
}

// ParameterStore reads and writes set parameter vectors.
type ParameterStore interface {
	ReadParameters(calibrationID string, dt datatype.Type, index int) ([]float64, error)
	WriteParameters(calibrationID string, dt datatype.Type, index int, params []float64) error
}

// HistogramSource yields the summed main histogram of the active sets and
// its per-element projections.
type HistogramSource interface {
	GetMainHistogram(calibrationID string, dt datatype.Type, sets []int) (*histogram.Histogram, error)
	GetElementProjection(h *histogram.Histogram, elem int) (*histogram.Histogram, error)
}

// WriteEvent describes a successful WriteValues.
type WriteEvent struct {
	SessionID     string    `json:"session_id"`
	CalibrationID string    `json:"calibration_id"`
	DataType      string    `json:"data_type"`
	Strategy      string    `json:"strategy"`
	Sets          []int     `json:"sets"`
	Elements      int       `json:"elements"`
	Changed       int       `json:"changed"`
	Ignored       int       `json:"ignored"`
	Convergence   float64   `json:"convergence"`
	WrittenAt     time.Time `json:"written_at"`
}

// Publisher receives write events. Publication failures are logged, never
// returned to the operator.
type Publisher interface {
	PublishWrite(ev WriteEvent) error
}
