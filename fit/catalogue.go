package fit

import (
	"fmt"
	"sort"

	"calibkit/calib"
	"calibkit/config"
	"calibkit/datatype"
)

// Catalogue maps each configured data type to its strategy.
type Catalogue struct {
	entries map[datatype.Type]entry
}

type entry struct {
	elements int
	cfg      config.StrategyConfig
}

// NewCatalogue resolves the configured strategy names to data types.
func NewCatalogue(strategies map[string]config.StrategyConfig) (*Catalogue, error) {
	c := &Catalogue{entries: make(map[datatype.Type]entry, len(strategies))}
	for name, sc := range strategies {
		dt, err := datatype.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("fit: strategy %s: %w", name, err)
		}
		if _, dup := c.entries[dt]; dup {
			return nil, fmt.Errorf("fit: duplicate strategy for %s", dt)
		}
		c.entries[dt] = entry{elements: sc.Elements, cfg: sc}
	}
	return c, nil
}

// Strategy returns a fresh strategy for dt and its configured element count
// (zero means the full parameter length).
func (c *Catalogue) Strategy(dt datatype.Type) (calib.Strategy, int, error) {
	e, ok := c.entries[dt]
	if !ok {
		return nil, 0, fmt.Errorf("fit: no strategy configured for %s", dt)
	}
	return NewPeakRatio(fmt.Sprintf("%s/%s", dt, e.cfg.Kind), e.cfg), e.elements, nil
}

// Types lists configured data types in declaration order.
func (c *Catalogue) Types() []datatype.Type {
	out := make([]datatype.Type, 0, len(c.entries))
	for dt := range c.entries {
		out = append(out, dt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
