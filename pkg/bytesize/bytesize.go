// Package bytesize provides human-readable byte size parsing and formatting
// using binary (1024) units.
//
// Accepted spellings are case-insensitive: "B", "K"/"KB"/"KiB", "M"/"MB"/"MiB",
// "G"/"GB"/"GiB", "T"/"TB"/"TiB", "P"/"PB"/"PiB". A bare number is bytes.
// Whitespace between the number and the unit is allowed: "64MiB", "1.5 GB",
// "4096" are all valid.
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

const (
	B  Size = 1
	KB Size = 1 << 10
	MB Size = 1 << 20
	GB Size = 1 << 30
	TB Size = 1 << 40
	PB Size = 1 << 50
)

var units = []struct {
	suffix string
	size   Size
}{
	{"PB", PB}, {"TB", TB}, {"GB", GB}, {"MB", MB}, {"KB", KB}, {"B", B},
}

// Parse converts a human-readable size string to a Size.
func Parse(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	// Split into leading number and trailing unit.
	split := len(trimmed)
	for i, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' {
			split = i
			break
		}
	}
	numPart := trimmed[:split]
	unitPart := strings.TrimSpace(trimmed[split:])

	if numPart == "" {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", numPart, err)
	}

	mult, err := unitSize(unitPart)
	if err != nil {
		return 0, err
	}
	return Size(value * float64(mult)), nil
}

// MustParse is Parse that panics on error; intended for constants.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

func unitSize(unit string) (Size, error) {
	switch strings.ToLower(unit) {
	case "", "b", "byte", "bytes":
		return B, nil
	case "k", "kb", "kib":
		return KB, nil
	case "m", "mb", "mib":
		return MB, nil
	case "g", "gb", "gib":
		return GB, nil
	case "t", "tb", "tib":
		return TB, nil
	case "p", "pb", "pib":
		return PB, nil
	}
	return 0, fmt.Errorf("bytesize: unknown unit %q", unit)
}

// Format renders a Size using the largest unit with a value >= 1.
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}
	sign := ""
	if s < 0 {
		sign = "-"
		s = -s
	}
	for _, u := range units {
		if s < u.size {
			continue
		}
		v := float64(s) / float64(u.size)
		if v == float64(int64(v)) {
			return fmt.Sprintf("%s%d%s", sign, int64(v), u.suffix)
		}
		out := strconv.FormatFloat(v, 'f', 2, 64)
		out = strings.TrimRight(strings.TrimRight(out, "0"), ".")
		return sign + out + u.suffix
	}
	return fmt.Sprintf("%s%dB", sign, s)
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 { return int64(s) }

// Int64 is an alias for Bytes.
func (s Size) Int64() int64 { return int64(s) }

func (s Size) String() string { return Format(s) }
