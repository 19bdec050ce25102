package container

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Vector is a parameter vector that survives JSON bit for bit. Finite values
// are plain numbers; NaN and the infinities are written as the hex pattern of
// their bits ("0x7ff8000000000001") since JSON has no literal for them.
type Vector []float64

func (v Vector) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 2+len(v)*20)
	buf = append(buf, '[')
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			buf = append(buf, '"')
			buf = append(buf, formatBits(x)...)
			buf = append(buf, '"')
			continue
		}
		buf = strconv.AppendFloat(buf, x, 'g', -1, 64)
	}
	return append(buf, ']'), nil
}

func (v *Vector) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*v = nil
		return nil
	}
	out := make(Vector, len(raw))
	for i, item := range raw {
		switch x := item.(type) {
		case float64:
			out[i] = x
		case string:
			f, err := parseBits(x)
			if err != nil {
				return fmt.Errorf("parameter %d: %w", i, err)
			}
			out[i] = f
		default:
			return fmt.Errorf("parameter %d: unexpected %T", i, item)
		}
	}
	*v = out
	return nil
}

func formatBits(x float64) string {
	return fmt.Sprintf("0x%016x", math.Float64bits(x))
}

func parseBits(s string) (float64, error) {
	hex, ok := strings.CutPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if !ok {
		return 0, fmt.Errorf("%q is not a number or a 0x bit pattern", s)
	}
	bits, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("bit pattern %q: %w", s, err)
	}
	return math.Float64frombits(bits), nil
}
