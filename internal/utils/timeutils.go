package utils

import (
	"fmt"
	"sort"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// MedianCadence estimates the sampling interval of a series of caller-supplied timestamps.
// Unparseable or non-increasing pairs are ignored; ok is false when no interval could be measured.
func MedianCadence(timestamps []string) (time.Duration, bool) {
	gaps := make([]time.Duration, 0, len(timestamps))
	var prev time.Time
	for _, raw := range timestamps {
		t, err := ParseRFC3339(raw)
		if err != nil {
			prev = time.Time{}
			continue
		}
		if !prev.IsZero() && t.After(prev) {
			gaps = append(gaps, t.Sub(prev))
		}
		prev = t
	}
	if len(gaps) == 0 {
		return 0, false
	}
	sort.Slice(gaps, func(i, j int) bool { return gaps[i] < gaps[j] })
	return gaps[len(gaps)/2], true
}
