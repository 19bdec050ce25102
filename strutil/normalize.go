// Package strutil holds the token helpers shared by the command processor,
// the admin CLI and the data-type lookup.
package strutil

import "strings"

// NormalizeUpper trims surrounding whitespace and converts to upper case.
// Use for data-type names and operator commands where case is not significant.
func NormalizeUpper(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// NormalizeLower trims surrounding whitespace and converts to lower case.
func NormalizeLower(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// CalibrationID trims an operator-supplied calibration identifier. Identifiers
// are free-form campaign labels, so case is preserved.
func CalibrationID(value string) string {
	return strings.TrimSpace(value)
}

// SplitList splits a comma and/or space separated list into trimmed,
// non-empty tokens ("0,1 2" -> ["0","1","2"]).
func SplitList(value string) []string {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
