package domain

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([smhd])$`)

var durationUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseTimerDuration parses strings such as "30s", "15m", "2h" or "1.5d".
func ParseTimerDuration(raw string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("%w: duration is required", ErrValidation)
	}

	match := durationPattern.FindStringSubmatch(strings.ToLower(value))
	if match == nil {
		return 0, fmt.Errorf("%w: invalid duration %q: expected <number><unit> with unit one of s, m, h, d", ErrValidation, raw)
	}

	amount, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid duration amount %q", ErrValidation, match[1])
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: duration must be positive, got %q", ErrValidation, raw)
	}

	total := amount * float64(durationUnits[match[2]])
	if total >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: duration %q is too large", ErrValidation, raw)
	}

	d := time.Duration(total)
	if d < time.Millisecond {
		return 0, fmt.Errorf("%w: duration %q is shorter than one millisecond", ErrValidation, raw)
	}
	return d, nil
}
