package fit

import (
	"errors"
	"math"
	"testing"

	"calibkit/calib"
	"calibkit/config"
	"calibkit/datatype"
	"calibkit/histogram"
)

// gaussianProjection fills a single-element histogram with a binned normal
// distribution of the given mean and sigma.
func gaussianProjection(t *testing.T, mean, sigma, counts float64) *histogram.Histogram {
	t.Helper()
	h, err := histogram.New("proj", 1, 200, 0, 200)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < h.Bins; i++ {
		x := h.BinCenter(i)
		z := (x - mean) / sigma
		h.Counts[i] = counts * math.Exp(-0.5*z*z) / (sigma * math.Sqrt(2*math.Pi))
	}
	return h
}

func TestGaussPeakFindsPosition(t *testing.T) {
	h := gaussianProjection(t, 120.3, 4, 10000)
	// flat background that should not drag the peak
	for i := range h.Counts {
		h.Counts[i] += 2
	}
	p, err := GaussPeak(h, 0, 200, 100)
	if err != nil {
		t.Fatalf("fit: %v", err)
	}
	if math.Abs(p.Position-120.3) > 0.5 {
		t.Fatalf("position %v", p.Position)
	}
	if p.Sigma < 2 || p.Sigma > 6 {
		t.Fatalf("sigma %v", p.Sigma)
	}
}

func TestInsufficientStatistics(t *testing.T) {
	h := gaussianProjection(t, 50, 3, 20)
	if _, err := GaussPeak(h, 0, 200, 100); !errors.Is(err, ErrInsufficientStatistics) {
		t.Fatalf("expected ErrInsufficientStatistics, got %v", err)
	}
	empty, _ := histogram.New("empty", 1, 10, 0, 10)
	if _, err := Mean(empty, 0, 10, 0); !errors.Is(err, ErrInsufficientStatistics) {
		t.Fatalf("empty histogram must be insufficient, got %v", err)
	}
	if _, err := GaussPeak(h, 10, 10, 0); !errors.Is(err, ErrEmptyWindow) {
		t.Fatalf("expected ErrEmptyWindow, got %v", err)
	}
}

func TestPeakRatioStrategy(t *testing.T) {
	s := NewPeakRatio("CB_E1/peak", config.StrategyConfig{Kind: config.KindPeak, Target: 135, MinCounts: 10})
	main, _ := histogram.New("CB_E1", 2, 200, 0, 200)
	main.Fill(0, 100, 1)
	if err := s.Init(main); err != nil {
		t.Fatalf("init: %v", err)
	}
	res, err := s.Fit(0, gaussianProjection(t, 150, 5, 5000), calib.FitOptions{})
	if err != nil || !res.Usable {
		t.Fatalf("fit: %+v %v", res, err)
	}
	ratio, ok := s.Calculate(0, res)
	if !ok || math.Abs(ratio-135/res.Position) > 1e-12 {
		t.Fatalf("ratio %v ok=%v", ratio, ok)
	}
	if _, ok := s.Calculate(0, calib.FitResult{}); ok {
		t.Fatalf("unusable result must not yield a ratio")
	}

	low, err := s.Fit(1, gaussianProjection(t, 150, 5, 3), calib.FitOptions{})
	if err != nil || low.Usable || low.Reason == "" {
		t.Fatalf("expected unusable low-statistics fit, got %+v %v", low, err)
	}
}

func TestReFitNarrowsWindowAroundSeed(t *testing.T) {
	s := NewPeakRatio("x", config.StrategyConfig{Kind: config.KindPeak, Target: 1})
	proj := gaussianProjection(t, 60, 3, 5000)
	two := gaussianProjection(t, 140, 3, 9000)
	if err := proj.Add(two); err != nil {
		t.Fatalf("add: %v", err)
	}
	main, _ := histogram.New("m", 1, 200, 0, 200)
	main.Fill(0, 1, 1)
	if err := s.Init(main); err != nil {
		t.Fatalf("init: %v", err)
	}
	wide, _ := s.Fit(0, proj, calib.FitOptions{})
	if math.Abs(wide.Position-140) > 1 {
		t.Fatalf("wide fit should find the dominant peak, got %v", wide.Position)
	}
	narrow, _ := s.Fit(0, proj, calib.FitOptions{ReFit: true, Seed: 61, HasSeed: true})
	if !narrow.Usable || math.Abs(narrow.Position-60) > 1.5 {
		t.Fatalf("re-fit should stay near the seed, got %+v", narrow)
	}
	if narrow.Position < 61*(1-calib.ReFitTolerance) || narrow.Position > 61*(1+calib.ReFitTolerance) {
		t.Fatalf("re-fit left the tolerance window: %v", narrow.Position)
	}
}

func TestMeanKindAndInvert(t *testing.T) {
	s := NewPeakRatio("t0", config.StrategyConfig{Kind: config.KindMean, Target: 50, Invert: true, WindowMin: 0, WindowMax: 100})
	main, _ := histogram.New("m", 1, 200, 0, 200)
	main.Fill(0, 1, 1)
	s.Init(main)
	res, _ := s.Fit(0, gaussianProjection(t, 40, 2, 1000), calib.FitOptions{})
	ratio, ok := s.Calculate(0, res)
	if !ok || math.Abs(ratio-res.Position/50) > 1e-12 {
		t.Fatalf("inverted ratio %v", ratio)
	}
}

func TestInitRejectsEmptyMain(t *testing.T) {
	s := NewPeakRatio("x", config.StrategyConfig{Target: 1})
	empty, _ := histogram.New("m", 1, 10, 0, 10)
	if err := s.Init(empty); err == nil {
		t.Fatalf("expected empty main histogram to fail")
	}
	if err := s.Init(nil); err == nil {
		t.Fatalf("expected nil main histogram to fail")
	}
}

func TestCatalogue(t *testing.T) {
	cat, err := NewCatalogue(map[string]config.StrategyConfig{
		"cb_e1":   {Kind: config.KindPeak, Target: 135},
		"PID_PHI": {Kind: config.KindMean, Target: 1, Elements: 12},
	})
	if err != nil {
		t.Fatalf("catalogue: %v", err)
	}
	types := cat.Types()
	if len(types) != 2 || types[0] != datatype.CBEnergy || types[1] != datatype.PIDPhi {
		t.Fatalf("types %v", types)
	}
	s, elements, err := cat.Strategy(datatype.PIDPhi)
	if err != nil || elements != 12 || s.Name() != "PID_PHI/mean" {
		t.Fatalf("strategy %v elements %d err %v", s, elements, err)
	}
	if _, _, err := cat.Strategy(datatype.TAPST0); err == nil {
		t.Fatalf("expected missing strategy error")
	}
	if _, err := NewCatalogue(map[string]config.StrategyConfig{"CB_E1": {}, "cb_e1": {}}); err == nil {
		t.Fatalf("expected duplicate strategy error")
	}
	if _, err := NewCatalogue(map[string]config.StrategyConfig{"NOPE": {}}); err == nil {
		t.Fatalf("expected unknown type error")
	}
}

func TestControllerWithPeakRatio(t *testing.T) {
	// A full pass with a real strategy: every element's peak sits at 150
	// while the target is 135, so each gain is scaled by 0.9.
	dt := datatype.PIDPhi
	main, _ := histogram.New(dt.String(), dt.Length(), 200, 0, 200)
	for e := 0; e < dt.Length(); e++ {
		row := gaussianProjection(t, 150, 4, 4000)
		copy(main.Row(e), row.Counts)
	}
	params := &memParams{v: make([]float64, dt.Length())}
	for i := range params.v {
		params.v[i] = 2
	}
	c, err := calib.New(calib.Options{
		DataType:   dt,
		Strategy:   NewPeakRatio("pid", config.StrategyConfig{Kind: config.KindPeak, Target: 135, MinCounts: 10}),
		Parameters: params,
		Histograms: staticSource{main},
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	if err := c.Start("B1", []int{0}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.ProcessAll(0); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := c.WriteValues(); err != nil {
		t.Fatalf("write: %v", err)
	}
	for i, v := range params.v {
		if math.Abs(v-1.8) > 0.02 {
			t.Fatalf("element %d: %v", i, v)
		}
	}
}

type memParams struct{ v []float64 }

func (m *memParams) ReadParameters(string, datatype.Type, int) ([]float64, error) {
	return append([]float64(nil), m.v...), nil
}

func (m *memParams) WriteParameters(_ string, _ datatype.Type, _ int, p []float64) error {
	m.v = append([]float64(nil), p...)
	return nil
}

type staticSource struct{ h *histogram.Histogram }

func (s staticSource) GetMainHistogram(string, datatype.Type, []int) (*histogram.Histogram, error) {
	return s.h, nil
}

func (s staticSource) GetElementProjection(h *histogram.Histogram, elem int) (*histogram.Histogram, error) {
	return h.Project(elem)
}
