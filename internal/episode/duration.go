package episode

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatDuration renders seconds as HH:MM:SS. Each field is zero padded to two
// digits; hours beyond 99 widen the first field instead of being truncated.
func FormatDuration(seconds uint64) string {
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	parts := []string{pad2(hours), pad2(minutes), pad2(secs)}
	return strings.Join(parts, ":")
}

func pad2(v uint64) string {
	s := strconv.FormatUint(v, 10)
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// ParseDuration is the inverse of FormatDuration.
func ParseDuration(value string) (uint64, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("parse duration %q: expected HH:MM:SS", value)
	}

	var fields [3]uint64
	for i, part := range parts {
		if len(part) < 2 {
			return 0, fmt.Errorf("parse duration %q: field %q is not zero padded", value, part)
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", value, err)
		}
		fields[i] = n
	}

	if fields[1] > 59 || fields[2] > 59 {
		return 0, fmt.Errorf("parse duration %q: minutes and seconds must be below 60", value)
	}
	if fields[0] > (math.MaxUint64-fields[1]*60-fields[2])/3600 {
		return 0, fmt.Errorf("parse duration %q: overflows", value)
	}

	return fields[0]*3600 + fields[1]*60 + fields[2], nil
}

// maxExactSeconds is the largest integer a float64 represents exactly.
const maxExactSeconds = 1 << 53

var (
	errNotWholeSeconds = errors.New("must be a whole, non-negative number of seconds")
	errSecondsTooLarge = errors.New("exceeds 2^53 seconds")
)

// coerceSeconds interprets text taken from a number-or-string JSON field as a
// count of whole seconds.
func coerceSeconds(text string) (uint64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, errors.New("value is empty")
	}

	if n, err := strconv.ParseUint(text, 10, 64); err == nil {
		if n > maxExactSeconds {
			return 0, errSecondsTooLarge
		}
		return n, nil
	}

	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, errors.New("value is not numeric")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("value is not a finite number")
	}
	if f < 0 || f != math.Trunc(f) {
		return 0, errNotWholeSeconds
	}
	if f > maxExactSeconds {
		return 0, errSecondsTooLarge
	}
	return uint64(f), nil
}
