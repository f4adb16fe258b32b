package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration string from the config file. An
// empty value means zero, which callers treat as disabled. Negative
// durations are rejected so timer and retime arithmetic elsewhere can
// assume deadlines only move forward. path names the config key for the
// error message.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback: an empty
// or zero value yields def instead of disabling the setting.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
