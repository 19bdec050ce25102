package strutil

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	if got := NormalizeUpper("  cb_e1 "); got != "CB_E1" {
		t.Fatalf("NormalizeUpper: got %q", got)
	}
	if got := NormalizeLower(" NEXT"); got != "next" {
		t.Fatalf("NormalizeLower: got %q", got)
	}
	if got := CalibrationID("  Beamtime_2024 "); got != "Beamtime_2024" {
		t.Fatalf("CalibrationID: got %q", got)
	}
}

func TestSplitList(t *testing.T) {
	cases := map[string][]string{
		"0,1 2":    {"0", "1", "2"},
		" , 3,,4 ": {"3", "4"},
		"":         {},
	}
	for in, want := range cases {
		got := SplitList(in)
		if len(got) == 0 && len(want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("SplitList(%q) = %v, want %v", in, got, want)
		}
	}
}
