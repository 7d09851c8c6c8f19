package textutil_test

import (
	"testing"

	"github.com/printlapse/printlapse/internal/textutil"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"benchy.gcode", "benchy.gcode"},
		{"Benchy Boat v2", "Benchy_Boat_v2"},
		{"calicat (0.2mm, PLA)", "calicat__0.2mm__PLA"},
		{"weird/..\\path", "weird_.._path"},
		{"  spaced  ", "spaced"},
		{"///", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := textutil.SanitizeName(tc.input); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}
