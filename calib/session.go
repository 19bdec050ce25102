package calib

import "time"

// valueArena owns the old and new constants of one session in a single
// backing array. old and new are capped sub-slices, so an append on one can
// never spill into the other.
type valueArena struct {
	buf []float64
	old []float64
	new []float64
}

func newValueArena(baseline []float64) valueArena {
	n := len(baseline)
	buf := make([]float64, 2*n)
	copy(buf[:n], baseline)
	copy(buf[n:], baseline)
	return valueArena{buf: buf, old: buf[:n:n], new: buf[n : 2*n : 2*n]}
}

func (a valueArena) snapshot() ([]float64, []float64) {
	return append([]float64(nil), a.old...), append([]float64(nil), a.new...)
}

// ElementResult is the outcome of one Calculate.
type ElementResult struct {
	Element   int
	Old       float64
	New       float64
	Ratio     float64
	Unchanged bool
	Ignored   bool
	Reason    string
	Fit       FitResult
	At        time.Time
}

// Counters tally controller calls. Visits counts fits that opened an element;
// re-fits of the element already open are counted separately.
type Counters struct {
	Visits       int
	ReFits       int
	Calculations int
}

// Status is a point-in-time view of the session.
type Status struct {
	Started       bool
	SessionID     string
	CalibrationID string
	DataType      string
	Strategy      string
	Sets          []int
	Element       int
	Elements      int
	Convergence   float64
	Ignored       []int
	Changed       int
	TimerActive   bool
	Marker        float64
	HasMarker     bool
	LastFit       FitResult
}
