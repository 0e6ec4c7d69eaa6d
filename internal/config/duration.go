package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration parses a config duration string such as "1100ms" or "2s".
// Empty and zero values fall back to the given default, so an omitted
// key and an explicit "0" behave the same. field names the config key
// in error messages.
func Duration(field, raw string, fallback time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: cannot parse %q as a duration: %w", field, raw, err)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	case d == 0:
		return fallback, nil
	}
	return d, nil
}
