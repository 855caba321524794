package aggregate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseWindow accepts Go durations ("24h", "90m") and whole days ("7d").
// Empty input yields def; results outside (0, max] are rejected.
func ParseWindow(v string, def, max time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	var d time.Duration
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid window %q", v)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid window %q", v)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}
	if max > 0 && d > max {
		return 0, fmt.Errorf("window %s exceeds retention of %s", v, WindowLabel(max))
	}
	return d, nil
}
