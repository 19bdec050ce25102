// Package datatype enumerates the physical quantities that carry calibration
// constants. The set is closed: every type fixes the length of its parameter
// vector and the table that stores it.
package datatype

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	lev "github.com/agnivade/levenshtein"

	"calibkit/strutil"
)

// Type identifies one calibration quantity.
type Type int

const (
	Invalid Type = iota
	TaggerT0
	CBEnergy
	CBQuadEnergy
	CBT0
	CBLEDThreshold
	PIDPhi
	PIDDroop
	PIDEnergy
	PIDT0
	VetoEnergy
	VetoT0
	TAPSEnergy
	TAPST0
	TAPSLEDThreshold
	typeCount
)

// Detector channel counts.
const (
	TaggerChannels = 352
	CBCrystals     = 720
	PIDPaddles     = 24
	TAPSElements   = 438
	droopParams    = 4
)

var ErrUnknownType = errors.New("datatype: unknown data type")

type info struct {
	name        string
	table       string
	length      int
	description string
}

var infos = [typeCount]info{
	Invalid:          {name: "INVALID"},
	TaggerT0:         {"TAGG_T0", "calib_tagg_t0", TaggerChannels, "Tagger time offset"},
	CBEnergy:         {"CB_E1", "calib_cb_e1", CBCrystals, "CB energy gain"},
	CBQuadEnergy:     {"CB_QUAD_E1", "calib_cb_quad_e1", CBCrystals, "CB quadratic energy correction"},
	CBT0:             {"CB_T0", "calib_cb_t0", CBCrystals, "CB time offset"},
	CBLEDThreshold:   {"CB_LED", "calib_cb_led", CBCrystals, "CB LED threshold"},
	PIDPhi:           {"PID_PHI", "calib_pid_phi", PIDPaddles, "PID azimuthal angle"},
	PIDDroop:         {"PID_DROOP", "calib_pid_droop", PIDPaddles * droopParams, "PID droop parameters"},
	PIDEnergy:        {"PID_E1", "calib_pid_e1", PIDPaddles, "PID energy gain"},
	PIDT0:            {"PID_T0", "calib_pid_t0", PIDPaddles, "PID time offset"},
	VetoEnergy:       {"VETO_E1", "calib_veto_e1", TAPSElements, "Veto energy gain"},
	VetoT0:           {"VETO_T0", "calib_veto_t0", TAPSElements, "Veto time offset"},
	TAPSEnergy:       {"TAPS_LG_E1", "calib_taps_lg_e1", TAPSElements, "TAPS long-gate energy gain"},
	TAPST0:           {"TAPS_T0", "calib_taps_t0", TAPSElements, "TAPS time offset"},
	TAPSLEDThreshold: {"TAPS_LED1", "calib_taps_led1", TAPSElements, "TAPS LED1 threshold"},
}

// All returns every valid type in declaration order.
func All() []Type {
	out := make([]Type, 0, int(typeCount)-1)
	for t := Invalid + 1; t < typeCount; t++ {
		out = append(out, t)
	}
	return out
}

// Valid reports whether t is a member of the closed set.
func (t Type) Valid() bool {
	return t > Invalid && t < typeCount
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("TYPE(%d)", int(t))
	}
	return infos[t].name
}

// Length is the fixed parameter-vector length for the type.
func (t Type) Length() int {
	if !t.Valid() {
		return 0
	}
	return infos[t].length
}

// Table is the SQL table holding the type's calibration sets.
func (t Type) Table() string {
	if !t.Valid() {
		return ""
	}
	return infos[t].table
}

// Description is a human readable label.
func (t Type) Description() string {
	if !t.Valid() {
		return ""
	}
	return infos[t].description
}

// Parse resolves a type name case-insensitively. Unknown names produce an
// error that lists the closest known names.
func Parse(name string) (Type, error) {
	norm := strutil.NormalizeUpper(name)
	for t := Invalid + 1; t < typeCount; t++ {
		if infos[t].name == norm {
			return t, nil
		}
	}
	if suggestions := Suggest(norm, 3); len(suggestions) > 0 {
		return Invalid, fmt.Errorf("%w %q (did you mean %s?)", ErrUnknownType, name, strings.Join(suggestions, ", "))
	}
	return Invalid, fmt.Errorf("%w %q", ErrUnknownType, name)
}

// Suggest returns up to max known names within an edit distance that scales
// with the input length, closest first.
func Suggest(name string, max int) []string {
	norm := strutil.NormalizeUpper(name)
	if norm == "" || max <= 0 {
		return nil
	}
	limit := len(norm)/3 + 1
	type candidate struct {
		name string
		dist int
	}
	var cands []candidate
	for t := Invalid + 1; t < typeCount; t++ {
		d := lev.ComputeDistance(norm, infos[t].name)
		if d <= limit {
			cands = append(cands, candidate{name: infos[t].name, dist: d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].dist == cands[j].dist {
			return cands[i].name < cands[j].name
		}
		return cands[i].dist < cands[j].dist
	})
	if len(cands) > max {
		cands = cands[:max]
	}
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}
