package extract

import (
	"regexp"
	"strconv"
	"strings"
)

func mustAgeRe(pat string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + pat)
}

// Domain bounds for numeric fields. Values outside these bounds are treated
// as non-matches, not errors: the cascade simply moves on.
const (
	minPrice     = 1
	maxPrice     = 500_000_000
	minRevenue   = 0
	maxRevenue   = 50_000_000
	minMultiple  = 0.05
	maxMultiple  = 100
	maxAgeMonths = 1200
)

// parseAmount parses a human-formatted amount ("12,500", "1.2k", "3M") into
// a float. Returns false when the text does not parse or parses to a
// nonsensical magnitude.
func parseAmount(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "$€£ ")
	if s == "" {
		return 0, false
	}

	mult := 1.0
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "K"):
		mult = 1_000
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "M"):
		mult = 1_000_000
		s = s[:len(s)-1]
	}

	// Thousands separators; a trailing ".00" style decimal survives the
	// ParseFloat below.
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v * mult, true
}

// parseMoney parses an amount and applies the [min, max] domain check.
func parseMoney(raw string, min, max float64) (float64, bool) {
	v, ok := parseAmount(raw)
	if !ok || v < min || v > max {
		return 0, false
	}
	return v, true
}

// parseMultiple parses a revenue/profit multiple like "3.2".
func parseMultiple(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v < minMultiple || v > maxMultiple {
		return 0, false
	}
	return v, true
}

var (
	ageYearsRe  = mustAgeRe(`(\d+(?:\.\d+)?)\s*(?:years?|yrs?)`)
	ageMonthsRe = mustAgeRe(`(\d+)\s*(?:months?|mos?)`)
)

// parseAgeText parses a site-age phrase like "3 years" or "8 months" into
// months.
func parseAgeText(raw string) (float64, bool) {
	if m := ageYearsRe.FindStringSubmatch(raw); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v*12 <= maxAgeMonths {
			return v * 12, true
		}
		return 0, false
	}
	if m := ageMonthsRe.FindStringSubmatch(raw); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil && v <= maxAgeMonths {
			return v, true
		}
	}
	return 0, false
}
