// Package aprs decodes the telemetry tokens balloon trackers append to APRS comments.
//
// A typical comment looks like
//
//	.../...t074h53b09787/A=001305 Am=001485 Ct=d Zr=0.70 F O3b=54.31 O3m=-0.99
//
// where Am is the maximum altitude in feet, Ct the hex frame counter, Zr the ascent rate
// and O3b/O3m the ozone concentrations.
package aprs

import (
	"strconv"
	"strings"
)

const feetToMeters = 0.3048

// Telemetry holds the optional values found in a comment. Nil means the token was absent
// or could not be parsed.
type Telemetry struct {
	AltitudeMax *float64
	Count       *int64
	Rate        *float64
	OzonePPB    *float64
	OzonePPM    *float64
}

// Empty reports whether no token was recognised.
func (t Telemetry) Empty() bool {
	return t.AltitudeMax == nil && t.Count == nil && t.Rate == nil && t.OzonePPB == nil && t.OzonePPM == nil
}

// ParseComment extracts telemetry tokens from an APRS comment. Unknown or malformed
// tokens are skipped; a bad token never invalidates the others.
func ParseComment(comment string) Telemetry {
	var t Telemetry
	for _, part := range strings.Fields(comment) {
		key, value, ok := strings.Cut(part, "=")
		if !ok || value == "" {
			continue
		}
		switch key {
		case "Am":
			if ft, err := strconv.ParseInt(value, 10, 64); err == nil {
				m := float64(ft) * feetToMeters
				t.AltitudeMax = &m
			}
		case "Ct":
			if n, err := strconv.ParseInt(value, 16, 64); err == nil {
				t.Count = &n
			}
		case "Zr":
			t.Rate = parseFloat(value)
		case "O3b":
			t.OzonePPB = parseFloat(value)
		case "O3m":
			t.OzonePPM = parseFloat(value)
		}
	}
	return t
}

func parseFloat(s string) *float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
