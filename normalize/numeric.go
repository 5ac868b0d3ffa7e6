// Package normalize recovers domain values from noisy transcribed input.
// Every function is pure and reports ok=false instead of guessing; callers
// treat that as a missing field, never as zero.
package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	PHMin   = 3.5
	PHMax   = 8.0
	TempMin = 0.0
	TempMax = 50.0

	VolumeMax = 10000.0
)

var (
	unitTokens   = regexp.MustCompile(`(?i)(°\s*c|gradi|grado|celsius|litri|litro|liters|litres|liter|lt|ph|l\b|°)`)
	digitPair    = regexp.MustCompile(`^(\d)\s*[\s\-]\s*(\d)$`)
	spacedDigits = regexp.MustCompile(`^(\d+)\s+(\d+)$`)
	numberRe     = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// PH recovers a pH reading. "66" -> 6.6, "5 5" -> 5.5, "6,5" -> 6.5.
// Results outside [3.5, 8.0] are rejected.
func PH(raw string) (float64, bool) {
	v, ok := cleanNumber(raw)
	if !ok {
		return 0, false
	}
	return PHFromFloat(v)
}

// PHFromFloat applies magnitude correction and range checks to a number
// that already parsed.
func PHFromFloat(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	switch {
	case v >= 100 && v < 1000:
		v = v / 100
	case v > 14 && v < 100:
		v = v / 10
	}
	if v < PHMin || v > PHMax {
		return 0, false
	}
	return round(v, 2), true
}

// Temperature recovers a temperature in °C. Values in (50,100) lost their
// decimal point: 65 -> 6.5. Valid range is [0, 50].
func Temperature(raw string) (float64, bool) {
	v, ok := cleanNumber(raw)
	if !ok {
		return 0, false
	}
	return TemperatureFromFloat(v)
}

// TemperatureFromFloat is Temperature for numeric input.
func TemperatureFromFloat(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v > 50 && v < 100 {
		v = v / 10
	}
	if v < TempMin || v > TempMax {
		return 0, false
	}
	return round(v, 1), true
}

// Volume recovers a declared milk volume in liters, (0, 10000].
func Volume(raw string) (float64, bool) {
	v, ok := cleanNumber(raw)
	if !ok {
		return 0, false
	}
	return VolumeFromFloat(v)
}

// VolumeFromFloat is Volume for numeric input.
func VolumeFromFloat(v float64) (float64, bool) {
	if math.IsNaN(v) || v <= 0 || v > VolumeMax {
		return 0, false
	}
	return round(v, 2), true
}

// Number recovers a plain decimal without domain correction.
func Number(raw string) (float64, bool) {
	return cleanNumber(raw)
}

// cleanNumber strips units, fixes decimal separators and joins split digit
// pairs before parsing.
func cleanNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return 0, false
	}
	s = unitTokens.ReplaceAllString(s, " ")
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	for i, f := range fields {
		if n, ok := wordNumber(f); ok {
			fields[i] = strconv.Itoa(n)
		}
	}
	s = strings.Join(fields, " ")

	if m := digitPair.FindStringSubmatch(s); m != nil {
		s = m[1] + "." + m[2]
	} else {
		s = strings.ReplaceAll(s, ",", ".")
		s = strings.ReplaceAll(s, " punto ", ".")
		s = strings.ReplaceAll(s, " virgola ", ".")
		if m := spacedDigits.FindStringSubmatch(s); m != nil {
			s = m[1] + "." + m[2]
		}
		s = strings.ReplaceAll(s, " ", "")
	}

	if strings.Count(s, ".") > 1 || !numberRe.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
