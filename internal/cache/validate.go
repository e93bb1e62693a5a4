package cache

import "math"

// Validators applied at every ingress of cached numeric data. A value that
// fails its validator is treated as absent, never propagated.

// ValidPrice accepts finite prices in [1, 1_000_000).
func ValidPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p >= 1 && p < 1_000_000
}

// ValidVolume accepts finite non-negative volumes.
func ValidVolume(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// ValidTimestamp accepts Unix-second timestamps after 2001-09-09.
func ValidTimestamp(ts float64) bool {
	return !math.IsNaN(ts) && !math.IsInf(ts, 0) && ts > 1_000_000_000
}

// ValidChangePct accepts percent changes in [-100, 100].
func ValidChangePct(c float64) bool {
	return !math.IsNaN(c) && !math.IsInf(c, 0) && c >= -100 && c <= 100
}
