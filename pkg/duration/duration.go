// Package duration extends Go's duration syntax with calendar units, which
// retention windows are commonly written in: "7d", "2w", "1mo", "1y".
//
// Units: ns, us/µs, ms, s, m, h from the standard library, plus d (24h),
// w (7d), mo (30d), y (365d). Components may be chained ("1w2d12h") and
// separated by spaces ("1w 2d").
package duration

import (
	"fmt"
	"strings"
	"time"
)

const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
	Year  = 365 * Day
)

// Parse converts a duration string with optional calendar units.
func Parse(s string) (time.Duration, error) {
	input := strings.TrimSpace(s)
	if input == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(input, "-")
	if negative {
		input = strings.TrimSpace(input[1:])
	}

	var total time.Duration
	rest := input
	for rest != "" {
		rest = strings.TrimSpace(rest)
		num, unit, tail, err := nextToken(rest)
		if err != nil {
			return 0, fmt.Errorf("duration: %q: %w", s, err)
		}
		d, err := apply(num, unit)
		if err != nil {
			return 0, fmt.Errorf("duration: %q: %w", s, err)
		}
		total += d
		rest = tail
	}

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is Parse that panics on error; intended for constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// nextToken splits the leading <number><unit> pair off s.
func nextToken(s string) (num string, unit string, rest string, err error) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 {
		return "", "", "", fmt.Errorf("expected number at %q", s)
	}
	num = s[:i]

	for i < len(s) && s[i] == ' ' {
		i++
	}
	j := i
	for j < len(s) && !(s[j] >= '0' && s[j] <= '9') && s[j] != ' ' && s[j] != '.' {
		j++
	}
	if j == i {
		return "", "", "", fmt.Errorf("missing unit after %q", num)
	}
	return num, strings.ToLower(s[i:j]), s[j:], nil
}

func apply(num, unit string) (time.Duration, error) {
	switch unit {
	case "d", "day", "days":
		return scale(num, Day)
	case "w", "wk", "week", "weeks":
		return scale(num, Week)
	case "mo", "month", "months":
		return scale(num, Month)
	case "y", "yr", "year", "years":
		return scale(num, Year)
	default:
		// Defer everything else to the standard parser.
		d, err := time.ParseDuration(num + unit)
		if err != nil {
			return 0, fmt.Errorf("unknown unit %q", unit)
		}
		return d, nil
	}
}

func scale(num string, base time.Duration) (time.Duration, error) {
	// Reuse the standard parser's float handling by scaling hours.
	d, err := time.ParseDuration(num + "h")
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", num)
	}
	return time.Duration(float64(d) / float64(time.Hour) * float64(base)), nil
}

// Format renders d using the largest calendar units first, omitting zero
// components: 36h -> "1d12h", 0 -> "0s".
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	steps := []struct {
		unit string
		size time.Duration
	}{
		{"y", Year}, {"mo", Month}, {"w", Week}, {"d", Day},
		{"h", time.Hour}, {"m", time.Minute}, {"s", time.Second},
		{"ms", time.Millisecond}, {"µs", time.Microsecond}, {"ns", time.Nanosecond},
	}
	for _, step := range steps {
		if d < step.size {
			continue
		}
		n := d / step.size
		d -= n * step.size
		fmt.Fprintf(&b, "%d%s", n, step.unit)
	}
	return b.String()
}
