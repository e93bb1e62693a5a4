package analysis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/history"
	"btc-signal-engine/internal/warnings"
)

// TrendLabel is a classified trend direction.
type TrendLabel string

const (
	TrendStronglyBullish TrendLabel = "Strongly Bullish"
	TrendBullish         TrendLabel = "Bullish"
	TrendNeutral         TrendLabel = "Neutral"
	TrendBearish         TrendLabel = "Bearish"
	TrendStronglyBearish TrendLabel = "Strongly Bearish"
	TrendInsufficient    TrendLabel = "Insufficient Data"
)

// Trend sources, most to least authoritative.
const (
	SourcePrimary           = "primary"
	SourceFallbackTimeframe = "fallback_timeframe"
	SourceCandleInference   = "candle_inference"
	SourceDefault           = "default"
)

// TrendResult is one timeframe's classified trend as published to the
// btc_trend_{timeframe} key and the composite blob.
type TrendResult struct {
	TimeframeMinutes  int        `json:"timeframe_minutes"`
	Trend             TrendLabel `json:"trend"`
	ChangePct         float64    `json:"change_pct"`
	Source            string     `json:"source"`
	FallbackTimeframe string     `json:"fallback_timeframe,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// TimeframeName renders a timeframe in the cache-key form, e.g. "15min".
func TimeframeName(minutes int) string {
	return fmt.Sprintf("%dmin", minutes)
}

// TrendKey returns the cached trend key for a timeframe.
func TrendKey(minutes int) string {
	return "btc_trend_" + TimeframeName(minutes)
}

// CandleKey returns the rolling candle key for a timeframe.
func CandleKey(minutes int) string {
	return "btc_candle_" + TimeframeName(minutes)
}

// candle is the rolling OHLCV blob an ingester maintains per timeframe.
type candle struct {
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	Time   int64   `json:"t"`
}

// fallbackNeighbors maps each timeframe to its substitutes, nearest first.
var fallbackNeighbors = map[int][]int{
	1:    {5, 15},
	5:    {15, 1},
	15:   {5, 30, 60},
	30:   {15, 60},
	60:   {30, 240},
	240:  {60, 720},
	720:  {240, 1444},
	1444: {720, 240},
}

// Classifier computes and retrieves per-timeframe trend classifications.
type Classifier struct {
	store  *history.Store
	cache  cache.Gateway
	warn   *warnings.Sink
	logger zerolog.Logger
	now    func() time.Time
}

// NewClassifier creates a trend classifier over the history store.
func NewClassifier(store *history.Store, gw cache.Gateway, warn *warnings.Sink, logger zerolog.Logger) *Classifier {
	return &Classifier{
		store:  store,
		cache:  gw,
		warn:   warn,
		logger: logger.With().Str("component", "trend_classifier").Logger(),
		now:    time.Now,
	}
}

// ClassifyChange maps a percentage change to a trend label.
func ClassifyChange(changePct float64) TrendLabel {
	switch {
	case changePct > 2.0:
		return TrendStronglyBullish
	case changePct > 0.5:
		return TrendBullish
	case changePct < -2.0:
		return TrendStronglyBearish
	case changePct < -0.5:
		return TrendBearish
	default:
		return TrendNeutral
	}
}

// Classify computes the trend for one timeframe from its own history
// snapshot. Too few samples yields Insufficient Data rather than a guess;
// a change beyond the timeframe's realistic cap is clamped and flagged.
func (c *Classifier) Classify(ctx context.Context, minutes int) TrendResult {
	result := TrendResult{
		TimeframeMinutes: minutes,
		Trend:            TrendInsufficient,
		Source:           SourcePrimary,
		Timestamp:        c.now().UTC(),
	}

	limit := int(float64(minutes) * snapshotMultiplier(minutes))
	snap := c.store.Snapshot(ctx, limit)
	if len(snap) < minRequired(minutes) {
		return result
	}

	idx := minutes
	if idx > len(snap)-1 {
		idx = len(snap) - 1
	}
	current := snap[0].Price
	past := snap[idx].Price
	if past <= 0 {
		return result
	}

	change := (current - past) / past * 100
	if maxChange := changeCap(minutes); math.Abs(change) > maxChange {
		c.warn.Record(warnings.TypeUnrealisticChange,
			fmt.Sprintf("%s change %.2f%% exceeds cap %.0f%%, clamped", TimeframeName(minutes), change, maxChange),
			"trend_classifier")
		change = math.Copysign(maxChange, change)
	}

	result.Trend = ClassifyChange(change)
	result.ChangePct = math.Round(change*100) / 100
	return result
}

// Retrieve returns the cached trend for a timeframe, degrading through
// neighbor timeframes, then candle inference, and finally a Neutral default.
// Always returns a result; the source field says how far it had to fall.
func (c *Classifier) Retrieve(ctx context.Context, minutes int) TrendResult {
	var cached TrendResult
	if c.cache.GetJSON(ctx, TrendKey(minutes), &cached) && cached.Trend != "" {
		cached.TimeframeMinutes = minutes
		cached.Source = SourcePrimary
		return cached
	}

	for _, neighbor := range fallbackNeighbors[minutes] {
		var nb TrendResult
		if c.cache.GetJSON(ctx, TrendKey(neighbor), &nb) && nb.Trend != "" {
			c.warn.Record(warnings.TypeFallbackUsed,
				fmt.Sprintf("trend %s missing, substituted %s", TimeframeName(minutes), TimeframeName(neighbor)),
				"trend_classifier")
			return TrendResult{
				TimeframeMinutes:  minutes,
				Trend:             nb.Trend,
				ChangePct:         nb.ChangePct,
				Source:            SourceFallbackTimeframe,
				FallbackTimeframe: TimeframeName(neighbor),
				Timestamp:         c.now().UTC(),
			}
		}
	}

	var cd candle
	if c.cache.GetJSON(ctx, CandleKey(minutes), &cd) && cd.Open > 0 {
		change := (cd.Close - cd.Open) / cd.Open * 100
		c.warn.Record(warnings.TypeFallbackUsed,
			fmt.Sprintf("trend %s inferred from candle open/close", TimeframeName(minutes)),
			"trend_classifier")
		return TrendResult{
			TimeframeMinutes: minutes,
			Trend:            ClassifyChange(change),
			ChangePct:        math.Round(change*100) / 100,
			Source:           SourceCandleInference,
			Timestamp:        c.now().UTC(),
		}
	}

	return TrendResult{
		TimeframeMinutes: minutes,
		Trend:            TrendNeutral,
		Source:           SourceDefault,
		Timestamp:        c.now().UTC(),
	}
}

// snapshotMultiplier oversizes the snapshot so the lookback index lands on
// real data even with gaps.
func snapshotMultiplier(minutes int) float64 {
	switch {
	case minutes <= 60:
		return 2.0
	case minutes <= 240:
		return 1.5
	default:
		return 1.2
	}
}

// minRequired is the minimum sample count to classify a timeframe at all.
// Long timeframes accept partial coverage.
func minRequired(minutes int) int {
	switch {
	case minutes > 240:
		return int(math.Ceil(0.5 * float64(minutes)))
	case minutes > 60:
		return int(math.Ceil(0.75 * float64(minutes)))
	default:
		return minutes
	}
}

// changeCap is the largest believable absolute percentage move per
// timeframe. Anything beyond it is treated as bad data, not a real move.
func changeCap(minutes int) float64 {
	switch {
	case minutes <= 1:
		return 5
	case minutes <= 5:
		return 8
	case minutes <= 15:
		return 12
	case minutes <= 30:
		return 15
	case minutes <= 60:
		return 20
	case minutes <= 240:
		return 30
	case minutes <= 720:
		return 40
	default:
		return 50
	}
}
