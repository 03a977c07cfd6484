package driver

import "testing"

func TestExitMarkerRoundTrip(t *testing.T) {
	for _, code := range []int{0, 1, 3, 127, 255, -9, -15} {
		line := FormatExitMarker(code)
		got, ok := ParseExitMarker(line)
		if !ok {
			t.Fatalf("ParseExitMarker(%q) not recognised", line)
		}
		if got != code {
			t.Fatalf("ParseExitMarker(%q) = %d, want %d", line, got, code)
		}
	}
}

func TestParseExitMarkerRejectsOrdinaryText(t *testing.T) {
	for _, line := range []string{
		"",
		"0",
		"__BUILD_EXIT_CODE:0__",
		"<EXIT:0>",
		ExitMarkerPrefix,
		ExitMarkerPrefix + "0",
		ExitMarkerPrefix + "abc" + ExitMarkerSuffix,
		"[INFO] " + FormatExitMarker(0),
	} {
		if code, ok := ParseExitMarker(line); ok {
			t.Errorf("ParseExitMarker(%q) = %d, true; want not a marker", line, code)
		}
	}
}
