// Package analysis derives trading signals from price history: swing
// points, Fibonacci levels and alignments, multi-timeframe trends, and
// market-maker trap verdicts.
package analysis

import (
	"math"
	"time"

	"btc-signal-engine/internal/history"
)

// SwingMode selects how swings evolve between passes.
type SwingMode string

const (
	// SwingWindowed recomputes the extrema from the current window on
	// every pass. Default.
	SwingWindowed SwingMode = "windowed"
	// SwingSessionWidening preserves the legacy behavior of swings that
	// only ever widen within a session.
	SwingSessionWidening SwingMode = "session_widening"
)

const (
	swingWindow     = 30
	minSwingSamples = 10
)

// SwingPair anchors the Fibonacci geometry on the most recent extremes.
type SwingPair struct {
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	HighTime time.Time `json:"ts_high"`
	LowTime  time.Time `json:"ts_low"`
}

// Range returns the vertical distance of the pair.
func (p SwingPair) Range() float64 {
	return p.High - p.Low
}

// SwingDetector tracks the current swing pair across analysis passes.
type SwingDetector struct {
	mode     SwingMode
	minRange float64
	session  *SwingPair
}

// NewSwingDetector creates a detector. A pair whose range is below
// minRange is reported as undefined.
func NewSwingDetector(mode SwingMode, minRange float64) *SwingDetector {
	if mode != SwingSessionWidening {
		mode = SwingWindowed
	}
	return &SwingDetector{mode: mode, minRange: minRange}
}

// Update examines the last min(30, len) samples of the snapshot and returns
// the current swing pair. Requires at least 10 samples. Ties between equal
// extremes keep the oldest occurrence; in session-widening mode a running
// extreme is only replaced by a strictly better candidate.
func (d *SwingDetector) Update(snap history.Snapshot) (SwingPair, bool) {
	if len(snap) < minSwingSamples {
		return SwingPair{}, false
	}

	window := swingWindow
	if len(snap) < window {
		window = len(snap)
	}

	pair := SwingPair{High: math.Inf(-1), Low: math.Inf(1)}
	// Snapshot is newest first; scan oldest to newest so the oldest of any
	// tied extremes wins.
	for i := window - 1; i >= 0; i-- {
		s := snap[i]
		if s.Price > pair.High {
			pair.High = s.Price
			pair.HighTime = s.Timestamp
		}
		if s.Price < pair.Low {
			pair.Low = s.Price
			pair.LowTime = s.Timestamp
		}
	}

	if d.mode == SwingSessionWidening {
		if d.session == nil {
			cp := pair
			d.session = &cp
		} else {
			if pair.High > d.session.High {
				d.session.High = pair.High
				d.session.HighTime = pair.HighTime
			}
			if pair.Low < d.session.Low {
				d.session.Low = pair.Low
				d.session.LowTime = pair.LowTime
			}
		}
		pair = *d.session
	}

	if pair.High <= pair.Low || pair.Range() < d.minRange {
		return SwingPair{}, false
	}
	return pair, true
}

// Reset starts a fresh session (clears session-widening state).
func (d *SwingDetector) Reset() {
	d.session = nil
}
