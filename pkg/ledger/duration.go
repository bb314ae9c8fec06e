package ledger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Seconds is a duration of machine time in whole seconds.
type Seconds int64

// Int64 returns the raw number of seconds.
func (seconds Seconds) Int64() int64 {
	return int64(seconds)
}

// String formats the duration as H:MM:SS.
func (seconds Seconds) String() string {
	return FormatDuration(seconds)
}

// ParseDuration reads SS, MM:SS or H:MM:SS into seconds. Segments are weighted
// right to left by successive powers of 60 and are not range checked, so "1:75"
// is 135 seconds. Blank input is zero.
func ParseDuration(text string) (Seconds, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0, nil
	}
	segments := strings.Split(trimmed, ":")
	if len(segments) > maxDurationParts {
		return 0, fmt.Errorf("%w: %q has more than %d segments", ErrInvalidDuration, text, maxDurationParts)
	}
	var total int64
	for _, segment := range segments {
		if !isDigits(segment) {
			return 0, fmt.Errorf("%w: %q has a non-numeric segment", ErrInvalidDuration, text)
		}
		value, err := strconv.ParseInt(segment, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, text, err)
		}
		if total > (math.MaxInt64-value)/secondsPerMinute {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidDuration, text)
		}
		total = total*secondsPerMinute + value
	}
	return Seconds(total), nil
}

// FormatDuration renders seconds as H:MM:SS with unpadded hours.
func FormatDuration(seconds Seconds) string {
	if seconds < 0 {
		return "-" + FormatDuration(-seconds)
	}
	raw := seconds.Int64()
	hours := raw / secondsPerHour
	minutes := (raw % secondsPerHour) / secondsPerMinute
	remainder := raw % secondsPerMinute
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, remainder)
}

func isDigits(segment string) bool {
	if segment == "" {
		return false
	}
	for _, character := range segment {
		if character < '0' || character > '9' {
			return false
		}
	}
	return true
}
