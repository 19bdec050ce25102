// Package calib drives one iterative element calibration: load the baseline
// constants, fit each element's projection, fold the measured ratio into a
// new constant, and write the result back to every active set.
//
// Every public method serialises on one mutex, so the operator console, the
// control server and the auto-advance scheduler may call in from different
// goroutines while the element loop itself stays strictly sequential.
package calib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"calibkit/buffer"
	"calibkit/datatype"
	"calibkit/histogram"
	"calibkit/scheduler"
	"calibkit/stats"
)

const defaultHistorySize = 256

var (
	ErrNotStarted         = errors.New("calib: no session started")
	ErrNoSets             = errors.New("calib: no active sets")
	ErrDuplicateSet       = errors.New("calib: set listed more than once")
	ErrLengthMismatch     = errors.New("calib: baseline length mismatch")
	ErrFinished           = errors.New("calib: all elements processed")
	ErrInvalidConvergence = errors.New("calib: convergence factor must be finite and non-negative")
	ErrInvalidDelay       = errors.New("calib: delay must not be negative")
)

// Options wires a controller to its collaborators. Publisher and Stats are
// optional. Elements defaults to the data type's parameter length; a smaller
// count calibrates only the leading values and carries the rest unchanged.
type Options struct {
	DataType    datatype.Type
	Elements    int
	Strategy    Strategy
	Parameters  ParameterStore
	Histograms  HistogramSource
	Publisher   Publisher
	Stats       *stats.Tracker
	HistorySize int
}

// Controller runs Fit/Calculate over the elements of one data type.
type Controller struct {
	mu sync.Mutex

	dt       datatype.Type
	strategy Strategy
	params   ParameterStore
	hists    HistogramSource
	pub      Publisher
	stats    *stats.Tracker
	history  *buffer.RingBuffer[ElementResult]
	task     scheduler.Task
	now      func() time.Time

	started       bool
	sessionID     string
	calibrationID string
	activeSets    []int
	elements      int
	values        valueArena
	current       int
	ignore        map[int]struct{}
	convergence   float64
	main          *histogram.Histogram
	fits          []FitResult
	fitted        []bool
	results       []ElementResult
	pendingFit    bool
	marker        float64
	hasMarker     bool
	counters      Counters
}

// New validates opts and returns an idle controller.
func New(opts Options) (*Controller, error) {
	if !opts.DataType.Valid() {
		return nil, fmt.Errorf("calib: invalid data type %d", opts.DataType)
	}
	if opts.Strategy == nil || opts.Parameters == nil || opts.Histograms == nil {
		return nil, errors.New("calib: strategy, parameter store and histogram source are required")
	}
	elements := opts.Elements
	if elements == 0 {
		elements = opts.DataType.Length()
	}
	if elements < 0 || elements > opts.DataType.Length() {
		return nil, fmt.Errorf("calib: %d elements outside 1..%d for %s", elements, opts.DataType.Length(), opts.DataType)
	}
	size := opts.HistorySize
	if size <= 0 {
		size = defaultHistorySize
	}
	return &Controller{
		dt:       opts.DataType,
		elements: elements,
		strategy: opts.Strategy,
		params:   opts.Parameters,
		hists:    opts.Histograms,
		pub:      opts.Publisher,
		stats:    opts.Stats,
		history:  buffer.NewRingBuffer[ElementResult](size),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// DataType returns the quantity this controller calibrates.
func (c *Controller) DataType() datatype.Type { return c.dt }

// Start opens a session over activeSets. The baseline is read from the first
// set only; WriteValues later writes the same result to all of them.
func (c *Controller) Start(calibrationID string, activeSets []int) error {
	c.task.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(activeSets) == 0 {
		return ErrNoSets
	}
	seen := make(map[int]struct{}, len(activeSets))
	for _, idx := range activeSets {
		if _, dup := seen[idx]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateSet, idx)
		}
		seen[idx] = struct{}{}
	}
	baseline, err := c.params.ReadParameters(calibrationID, c.dt, activeSets[0])
	if err != nil {
		return fmt.Errorf("calib: read baseline: %w", err)
	}
	if want := c.dt.Length(); len(baseline) != want {
		return fmt.Errorf("%w: %s expects %d values, set %d has %d", ErrLengthMismatch, c.dt, want, activeSets[0], len(baseline))
	}
	n := c.elements
	main, err := c.hists.GetMainHistogram(calibrationID, c.dt, activeSets)
	if err != nil {
		return fmt.Errorf("calib: main histogram: %w", err)
	}
	if err := c.strategy.Init(main); err != nil {
		return fmt.Errorf("calib: %s init: %w", c.strategy.Name(), err)
	}

	c.started = true
	c.sessionID = uuid.NewString()
	c.calibrationID = calibrationID
	c.activeSets = append([]int(nil), activeSets...)
	c.values = newValueArena(baseline)
	c.current = 0
	c.ignore = make(map[int]struct{})
	c.convergence = 1.0
	c.main = main
	c.fits = make([]FitResult, n)
	c.fitted = make([]bool, n)
	c.results = make([]ElementResult, n)
	c.pendingFit = false
	c.hasMarker = false
	c.counters = Counters{}

	log.Printf("Controller: session %s started for %s/%s sets %v (%d elements, strategy %s)",
		c.sessionID, calibrationID, c.dt, c.activeSets, n, c.strategy.Name())
	c.fitLocked(0, false)
	return nil
}

// ProcessElement finalises the element being left and opens element n.
// n == element count closes the session's loop and stops auto-advance; any
// other out-of-range n is ignored.
func (c *Controller) ProcessElement(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.processLocked(n)
	return nil
}

// Next opens the following element.
func (c *Controller) Next() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.processLocked(c.current + 1)
	return nil
}

// Previous reopens the preceding element.
func (c *Controller) Previous() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.processLocked(c.current - 1)
	return nil
}

// Ignore excludes the current element from recalculation and moves on.
func (c *Controller) Ignore() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if c.current < c.elements {
		if _, dup := c.ignore[c.current]; !dup {
			c.ignore[c.current] = struct{}{}
			if c.stats != nil {
				c.stats.IncrementIgnored(c.dt.String())
			}
		}
	}
	c.processLocked(c.current + 1)
	return nil
}

// ReFit fits the current element again, seeded from the marker and bounded
// to ReFitTolerance around it.
func (c *Controller) ReFit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if c.current >= c.elements {
		return ErrFinished
	}
	c.fitLocked(c.current, true)
	return nil
}

// SetMarker places the operator marker used to seed the next ReFit.
func (c *Controller) SetMarker(x float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return fmt.Errorf("calib: marker %v is not finite", x)
	}
	c.marker = x
	c.hasMarker = true
	return nil
}

// SetConvergence changes the damping applied by later calculations.
func (c *Controller) SetConvergence(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConvergence, f)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	c.convergence = f
	return nil
}

// ProcessAll advances through every remaining element. A zero delay runs
// Next element-count times before returning; a positive delay arms the
// scheduler to call Next once per tick until the loop closes or
// StopProcessing is called.
func (c *Controller) ProcessAll(delay time.Duration) error {
	if delay < 0 {
		return ErrInvalidDelay
	}
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if delay == 0 {
		defer c.mu.Unlock()
		for i := 0; i < c.elements; i++ {
			c.processLocked(c.current + 1)
		}
		return nil
	}
	c.mu.Unlock()

	err := c.task.Start(context.Background(), delay, c.tick)
	if err != nil {
		return fmt.Errorf("calib: arm auto-advance: %w", err)
	}
	log.Printf("Controller: auto-advance every %s", delay)
	return nil
}

func (c *Controller) tick(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || !c.started {
		return false
	}
	c.processLocked(c.current + 1)
	return c.current < c.elements
}

// StopProcessing cancels auto-advance. It is a no-op when nothing is armed
// and no tick starts after it returns.
func (c *Controller) StopProcessing() {
	c.task.Stop()
}

// WaitProcessing blocks until an armed auto-advance run has exited.
func (c *Controller) WaitProcessing() {
	c.task.Wait()
}

// WriteValues stores the new constants in every active set. On failure the
// values stay in memory so the write can be retried.
func (c *Controller) WriteValues() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	_, newValues := c.values.snapshot()
	for _, set := range c.activeSets {
		if err := c.params.WriteParameters(c.calibrationID, c.dt, set, newValues); err != nil {
			if c.stats != nil {
				c.stats.RecordWrite(false)
			}
			return fmt.Errorf("calib: write %s/%s set %d: %w", c.calibrationID, c.dt, set, err)
		}
	}
	if c.stats != nil {
		c.stats.RecordWrite(true)
	}
	ev := WriteEvent{
		SessionID:     c.sessionID,
		CalibrationID: c.calibrationID,
		DataType:      c.dt.String(),
		Strategy:      c.strategy.Name(),
		Sets:          append([]int(nil), c.activeSets...),
		Elements:      c.elements,
		Changed:       c.changedLocked(),
		Ignored:       len(c.ignore),
		Convergence:   c.convergence,
		WrittenAt:     c.now(),
	}
	log.Printf("Controller: wrote %s/%s to sets %v (%d of %d changed)", c.calibrationID, c.dt, c.activeSets, ev.Changed, ev.Elements)
	if c.pub != nil {
		if err := c.pub.PublishWrite(ev); err != nil {
			log.Printf("Controller: publish write event: %v", err)
		}
	}
	return nil
}

// PrintValues writes every (old, new) pair.
func (c *Controller) PrintValues(w io.Writer) error {
	return c.print(w, false)
}

// PrintValuesChanged writes the pairs whose value differs.
func (c *Controller) PrintValuesChanged(w io.Writer) error {
	return c.print(w, true)
}

func (c *Controller) print(w io.Writer, changedOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if _, err := fmt.Fprintf(w, "%s %s\n", c.dt, c.calibrationID); err != nil {
		return err
	}
	for i := 0; i < c.elements; i++ {
		oldV, newV := c.values.old[i], c.values.new[i]
		if changedOnly && oldV == newV {
			continue
		}
		mark := ""
		if _, ok := c.ignore[i]; ok {
			mark = " (ignored)"
		} else if c.results[i].Unchanged {
			mark = " (unchanged)"
		}
		if _, err := fmt.Fprintf(w, "Element %4d: old = %12.6g  new = %12.6g%s\n", i, oldV, newV, mark); err != nil {
			return err
		}
	}
	return nil
}

// Values returns copies of the old and new constants.
func (c *Controller) Values() ([]float64, []float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, nil, ErrNotStarted
	}
	oldValues, newValues := c.values.snapshot()
	return oldValues, newValues, nil
}

// Results returns the last Calculate outcome of every element.
func (c *Controller) Results() []ElementResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ElementResult(nil), c.results...)
}

// History returns up to n recent results, newest first.
func (c *Controller) History(n int) []ElementResult {
	return c.history.GetRecent(n)
}

// Counters returns the call tallies of the current session.
func (c *Controller) Counters() Counters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Status returns a snapshot for display.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Started:       c.started,
		SessionID:     c.sessionID,
		CalibrationID: c.calibrationID,
		DataType:      c.dt.String(),
		Strategy:      c.strategy.Name(),
		Sets:          append([]int(nil), c.activeSets...),
		Element:       c.current,
		Elements:      c.elements,
		Convergence:   c.convergence,
		TimerActive:   c.task.Active(),
		Marker:        c.marker,
		HasMarker:     c.hasMarker,
	}
	if !c.started {
		return st
	}
	for i := range c.ignore {
		st.Ignored = append(st.Ignored, i)
	}
	sort.Ints(st.Ignored)
	st.Changed = c.changedLocked()
	if c.current < c.elements {
		st.LastFit = c.fits[c.current]
	}
	return st
}

func (c *Controller) processLocked(n int) {
	if n < 0 || n > c.elements {
		return
	}
	if n == c.elements {
		if c.pendingFit {
			c.calculateLocked(c.current)
		}
		if c.current != n {
			log.Printf("Controller: %s/%s all %d elements processed (%d changed)", c.calibrationID, c.dt, c.elements, c.changedLocked())
		}
		c.current = n
		c.task.Stop()
		return
	}
	if n == c.current {
		c.fitLocked(n, false)
		return
	}
	if c.pendingFit {
		c.calculateLocked(c.current)
	}
	c.current = n
	c.hasMarker = false
	c.fitLocked(n, false)
}

func (c *Controller) fitLocked(elem int, refit bool) {
	opts := FitOptions{ReFit: refit}
	if refit {
		if c.hasMarker {
			opts.Seed, opts.HasSeed = c.marker, true
		} else if c.fitted[elem] && c.fits[elem].Usable {
			opts.Seed, opts.HasSeed = c.fits[elem].Position, true
		}
	}
	var res FitResult
	proj, err := c.hists.GetElementProjection(c.main, elem)
	if err == nil {
		res, err = c.strategy.Fit(elem, proj, opts)
	}
	if err != nil {
		res = FitResult{Reason: err.Error()}
	}
	if !res.Usable && res.Reason == "" {
		res.Reason = "fit unusable"
	}
	c.fits[elem] = res
	c.fitted[elem] = true
	if c.pendingFit && elem == c.current {
		c.counters.ReFits++
	} else {
		c.counters.Visits++
	}
	c.pendingFit = true
	if c.stats != nil {
		c.stats.IncrementFit(c.dt.String())
	}
}

// calculateLocked folds the last fit of elem into its new value. Ignored
// elements, unusable fits and bad results keep the old value.
func (c *Controller) calculateLocked(elem int) {
	c.pendingFit = false
	c.counters.Calculations++
	oldV := c.values.old[elem]
	fit := c.fits[elem]
	r := ElementResult{Element: elem, Old: oldV, New: oldV, Fit: fit, At: c.now()}

	_, ignored := c.ignore[elem]
	switch {
	case ignored:
		r.Ignored, r.Unchanged, r.Reason = true, true, "ignored"
	case !c.fitted[elem] || !fit.Usable:
		r.Unchanged, r.Reason = true, fit.Reason
	default:
		ratio, ok := c.strategy.Calculate(elem, fit)
		r.Ratio = ratio
		v := oldV + oldV*(ratio-1)*c.convergence
		switch {
		case !ok:
			r.Unchanged, r.Reason = true, "no ratio"
		case math.IsNaN(v) || math.IsInf(v, 0):
			r.Unchanged, r.Reason = true, "non-finite result"
		case v < 0 && !c.strategy.AllowNegative():
			r.Unchanged, r.Reason = true, "negative result"
		default:
			r.New = v
		}
	}
	c.values.new[elem] = r.New
	c.results[elem] = r
	c.history.Add(r)
	if c.stats != nil {
		c.stats.IncrementCalculate(c.dt.String())
		if r.Unchanged {
			c.stats.IncrementUnchanged(c.dt.String())
		}
	}
}

func (c *Controller) changedLocked() int {
	n := 0
	for i := 0; i < c.elements; i++ {
		if c.values.old[i] != c.values.new[i] {
			n++
		}
	}
	return n
}
