package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// parseRetentionDays accepts a bare day count ("30"), a day suffix ("30d")
// or a Go duration of at least one day ("720h"), and returns whole days.
func parseRetentionDays(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("duration required")
	}

	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("days must be positive")
		}
		return n, nil
	}

	var d time.Duration
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(raw, "d"), 64)
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid day duration")
		}
		d = time.Duration(days * float64(day))
	} else {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return 0, err
		}
		d = parsed
	}

	if d < day {
		return 0, fmt.Errorf("retention window must be at least one day")
	}
	return int(d / day), nil
}
