// Package timeexpr resolves the time expressions accepted for a job's
// not-before time into absolute instants.
//
// Supported forms, all case-insensitive:
//
//	""  or "now"             the reference time
//	"+ 1 Day", "-3 seconds"   relative offsets; terms chain ("+1 day 2 hours")
//	"-90s", "+1h30m"          Go durations
//	"2009-07-01 12:00:00"     absolute timestamps in any layout dateparse knows,
//	                          interpreted in the reference time's location
package timeexpr

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// ErrUnparsable is returned for expressions matching none of the supported forms.
var ErrUnparsable = errors.New("timeexpr: unparsable time expression")

var relativeTerm = regexp.MustCompile(`(?i)^\s*([+-])?\s*(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|days?|weeks?|months?|years?)\b`)

// Parse resolves expr against now.
func Parse(expr string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" || strings.EqualFold(trimmed, "now") {
		return now, nil
	}

	if t, ok := parseRelative(trimmed, now); ok {
		return t, nil
	}

	if d, err := time.ParseDuration(strings.ReplaceAll(trimmed, " ", "")); err == nil {
		return now.Add(d), nil
	}

	t, err := dateparse.ParseIn(trimmed, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnparsable, expr)
	}
	return t, nil
}

func parseRelative(expr string, now time.Time) (time.Time, bool) {
	rest := expr
	sign := 1
	result := now
	matched := false

	for strings.TrimSpace(rest) != "" {
		m := relativeTerm.FindStringSubmatchIndex(rest)
		if m == nil {
			return time.Time{}, false
		}
		if m[2] >= 0 {
			sign = 1
			if rest[m[2]:m[3]] == "-" {
				sign = -1
			}
		}
		n, err := strconv.Atoi(rest[m[4]:m[5]])
		if err != nil {
			return time.Time{}, false
		}
		result = shift(result, sign*n, strings.ToLower(rest[m[6]:m[7]]))
		rest = rest[m[1]:]
		matched = true
	}
	return result, matched
}

func shift(t time.Time, n int, unit string) time.Time {
	unit = strings.TrimSuffix(unit, "s")
	switch unit {
	case "sec", "second":
		return t.Add(time.Duration(n) * time.Second)
	case "min", "minute":
		return t.Add(time.Duration(n) * time.Minute)
	case "hour":
		return t.Add(time.Duration(n) * time.Hour)
	case "day":
		return t.AddDate(0, 0, n)
	case "week":
		return t.AddDate(0, 0, 7*n)
	case "month":
		return t.AddDate(0, n, 0)
	default:
		return t.AddDate(n, 0, 0)
	}
}
