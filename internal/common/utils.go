package common

import (
	"fmt"
	"strings"
	"time"
)

// MonthStart truncates t to the first day of its month in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthBounds returns the first and last calendar day of t's month.
func MonthBounds(t time.Time) (time.Time, time.Time) {
	start := MonthStart(t)
	return start, start.AddDate(0, 1, -1)
}

// YearBounds returns Jan 1 and Dec 31 of year.
func YearBounds(year int) (time.Time, time.Time) {
	return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseYearMonth parses a "YYYY-MM" period.
func ParseYearMonth(s string) (time.Time, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid year-month %q: %w", s, err)
	}
	return t, nil
}

// FormatYearMonth renders t as "YYYY-MM".
func FormatYearMonth(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PadCode left-pads a numeric code with zeros to width. Non-numeric codes and
// codes already at or beyond width are returned trimmed but otherwise unchanged.
func PadCode(code string, width int) string {
	code = strings.TrimSpace(code)
	if code == "" || len(code) >= width {
		return code
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return code
		}
	}
	return strings.Repeat("0", width-len(code)) + code
}
