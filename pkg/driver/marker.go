package driver

import (
	"strconv"
	"strings"
)

// The exit marker is the last line of every successful stream. The random
// looking infix keeps ordinary process output from producing it by accident.
const (
	ExitMarkerPrefix = "__EXECSTREAM_EXIT_9f4c2a7e1b6d3085:"
	ExitMarkerSuffix = "__"
)

// FormatExitMarker renders the marker line for code.
func FormatExitMarker(code int) string {
	return ExitMarkerPrefix + strconv.Itoa(code) + ExitMarkerSuffix
}

// ParseExitMarker extracts the exit code from a marker line.
func ParseExitMarker(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, ExitMarkerPrefix)
	if !ok {
		return 0, false
	}
	digits, ok := strings.CutSuffix(rest, ExitMarkerSuffix)
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return code, true
}
