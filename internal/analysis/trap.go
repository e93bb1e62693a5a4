package analysis

import (
	"math"
	"strings"
	"time"
)

// Trap types as published to subscribers.
const (
	TrapBull = "Bull Trap"
	TrapBear = "Bear Trap"
)

// minTrapChange is the absolute move below which no trap is considered.
const minTrapChange = 1.5

// TrapVerdict flags a price move that looks like a market-maker trap: a
// sharp push in the direction of the prevailing trend that invites
// late entries before reversing.
type TrapVerdict struct {
	Type        string     `json:"type"`
	Timeframe   string     `json:"timeframe"`
	Trend       TrendLabel `json:"trend"`
	PriceChange float64    `json:"price_change"`
	Confidence  float64    `json:"confidence"`
	Timestamp   time.Time  `json:"timestamp"`
}

// DetectTrap evaluates one timeframe's trend for a trap setup. Pure: no
// cache reads, same inputs always produce the same verdict. Returns absent
// when the move is too small, the trend is Neutral or unclassified, or the
// confidence falls below the floor.
func DetectTrap(minutes int, trend TrendLabel, changePct, minConfidence float64) (*TrapVerdict, bool) {
	if math.Abs(changePct) < minTrapChange {
		return nil, false
	}
	if trend == TrendNeutral || trend == TrendInsufficient || trend == "" {
		return nil, false
	}

	var trapType string
	switch {
	case strings.Contains(string(trend), "Bullish") && changePct > 0:
		trapType = TrapBull
	case strings.Contains(string(trend), "Bearish") && changePct < 0:
		trapType = TrapBear
	default:
		return nil, false
	}

	intensity := math.Abs(changePct) / 5
	if intensity > 1 {
		intensity = 1
	}
	strength := 0.7
	if strings.HasPrefix(string(trend), "Strongly") {
		strength = 1.0
	}
	name := TimeframeName(minutes)
	reliability := 0.7
	if name == "15min" || name == "60min" {
		reliability = 1.0
	}

	confidence := 0.6*intensity + 0.3*strength + 0.1*reliability
	if confidence > 1 {
		confidence = 1
	}
	confidence = math.Round(confidence*100) / 100
	if confidence < minConfidence {
		return nil, false
	}

	return &TrapVerdict{
		Type:        trapType,
		Timeframe:   name,
		Trend:       trend,
		PriceChange: changePct,
		Confidence:  confidence,
		Timestamp:   time.Now().UTC(),
	}, true
}
