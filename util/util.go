// Package util contains misc internal utilities.
package util

import (
	"math"
	"time"
)

// Limiter holds a Min and Max value, and checks if a value is within that
// range.  A NaN bound is treated as unbounded on that side.
type Limiter struct {
	Min float64 `json:"min" yaml:"Min"`
	Max float64 `json:"max" yaml:"Max"`
}

// Check returns true if value is within [Min, Max]
func (l Limiter) Check(value float64) bool {
	if !math.IsNaN(l.Min) && value < l.Min {
		return false
	}
	if !math.IsNaN(l.Max) && value > l.Max {
		return false
	}
	return true
}

// Clamp restricts input to [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a float of seconds to a time.Duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}

// UniqueString returns the unique strings of in, in order of first occurrence
func UniqueString(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// ContainsString returns true if s is in the slice
func ContainsString(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
