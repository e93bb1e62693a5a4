package analysis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/history"
	"btc-signal-engine/internal/warnings"
)

func newTestClassifier(t *testing.T) (*Classifier, *cache.MemoryGateway) {
	t.Helper()
	gw := cache.NewMemoryGateway()
	sink := warnings.NewSink(gw.WarningStore(), zerolog.Nop())
	gw.SetWarningHandler(sink.Record)
	store := history.NewStore(gw, sink, 1000, zerolog.Nop())
	c := NewClassifier(store, gw, sink, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return c, gw
}

// seedHistory pushes prices, listed newest first, into the history list.
func seedHistory(gw *cache.MemoryGateway, prices ...float64) {
	ctx := context.Background()
	for i := len(prices) - 1; i >= 0; i-- {
		gw.ListPushFront(ctx, history.KeyHistory, strconv.FormatFloat(prices[i], 'f', -1, 64)+",1")
	}
}

func repeatPrices(n int, price float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

func TestClassifyChangeThresholds(t *testing.T) {
	cases := []struct {
		change float64
		want   TrendLabel
	}{
		{2.01, TrendStronglyBullish},
		{2.0, TrendBullish},
		{0.51, TrendBullish},
		{0.5, TrendNeutral},
		{0, TrendNeutral},
		{-0.5, TrendNeutral},
		{-0.51, TrendBearish},
		{-2.0, TrendBearish},
		{-2.01, TrendStronglyBearish},
	}
	for _, tc := range cases {
		if got := ClassifyChange(tc.change); got != tc.want {
			t.Errorf("ClassifyChange(%v) = %s, want %s", tc.change, got, tc.want)
		}
	}
}

func TestClassifyComputesChange(t *testing.T) {
	c, gw := newTestClassifier(t)

	prices := repeatPrices(12, 100)
	prices[0] = 102 // +2.0% over the 5-minute lookback
	seedHistory(gw, prices...)

	result := c.Classify(context.Background(), 5)
	if result.Trend != TrendBullish {
		t.Errorf("trend = %s, want %s", result.Trend, TrendBullish)
	}
	if result.ChangePct != 2.0 {
		t.Errorf("change = %v, want 2.0", result.ChangePct)
	}
	if result.Source != SourcePrimary {
		t.Errorf("source = %s, want primary", result.Source)
	}
}

func TestClassifyInsufficientData(t *testing.T) {
	c, gw := newTestClassifier(t)

	seedHistory(gw, repeatPrices(10, 50000)...)

	result := c.Classify(context.Background(), 15)
	if result.Trend != TrendInsufficient {
		t.Errorf("trend = %s, want %s", result.Trend, TrendInsufficient)
	}
	if result.ChangePct != 0 {
		t.Errorf("change = %v, want 0", result.ChangePct)
	}
}

func TestClassifyExactMinimumSamples(t *testing.T) {
	c, gw := newTestClassifier(t)

	seedHistory(gw, repeatPrices(15, 50000)...)

	result := c.Classify(context.Background(), 15)
	if result.Trend == TrendInsufficient {
		t.Error("exactly the minimum sample count should classify")
	}
	if result.Trend != TrendNeutral {
		t.Errorf("flat history should be Neutral, got %s", result.Trend)
	}
}

func TestClassifyClampsUnrealisticChange(t *testing.T) {
	c, gw := newTestClassifier(t)

	prices := repeatPrices(30, 100000)
	prices[0] = 60000 // -40% over 15 minutes
	seedHistory(gw, prices...)

	result := c.Classify(context.Background(), 15)
	if result.ChangePct != -12 {
		t.Errorf("change = %v, want clamped -12", result.ChangePct)
	}
	if result.Trend != TrendStronglyBearish {
		t.Errorf("trend = %s, want %s", result.Trend, TrendStronglyBearish)
	}

	counts, _ := gw.HashGetAllInt(context.Background(), warnings.KeyCounts)
	if counts[warnings.TypeUnrealisticChange] != 1 {
		t.Errorf("expected 1 unrealistic_change warning, got %d", counts[warnings.TypeUnrealisticChange])
	}
}

func TestChangeCapLadder(t *testing.T) {
	cases := map[int]float64{1: 5, 5: 8, 15: 12, 30: 15, 60: 20, 240: 30, 720: 40, 1444: 50}
	for minutes, want := range cases {
		if got := changeCap(minutes); got != want {
			t.Errorf("changeCap(%d) = %v, want %v", minutes, got, want)
		}
	}
}

func TestRetrievePrimary(t *testing.T) {
	c, gw := newTestClassifier(t)
	ctx := context.Background()

	gw.SetJSON(ctx, TrendKey(15), TrendResult{TimeframeMinutes: 15, Trend: TrendBullish, ChangePct: 1.2}, 0)

	result := c.Retrieve(ctx, 15)
	if result.Trend != TrendBullish || result.Source != SourcePrimary {
		t.Errorf("got %s/%s, want Bullish/primary", result.Trend, result.Source)
	}
}

func TestRetrieveFallsBackToNeighborTimeframe(t *testing.T) {
	c, gw := newTestClassifier(t)
	ctx := context.Background()

	gw.SetJSON(ctx, TrendKey(5), TrendResult{TimeframeMinutes: 5, Trend: TrendBearish, ChangePct: -1.0}, 0)

	result := c.Retrieve(ctx, 1)
	if result.Source != SourceFallbackTimeframe {
		t.Fatalf("source = %s, want fallback_timeframe", result.Source)
	}
	if result.FallbackTimeframe != "5min" {
		t.Errorf("fallback timeframe = %s, want 5min", result.FallbackTimeframe)
	}
	if result.Trend != TrendBearish {
		t.Errorf("trend = %s, want Bearish", result.Trend)
	}
	if result.TimeframeMinutes != 1 {
		t.Errorf("timeframe = %d, want 1", result.TimeframeMinutes)
	}

	counts, _ := gw.HashGetAllInt(ctx, warnings.KeyCounts)
	if counts[warnings.TypeFallbackUsed] != 1 {
		t.Errorf("expected a fallback_used warning, got %d", counts[warnings.TypeFallbackUsed])
	}
}

func TestRetrieveInfersFromCandle(t *testing.T) {
	c, gw := newTestClassifier(t)
	ctx := context.Background()

	gw.SetJSON(ctx, CandleKey(30), candle{Open: 100, High: 104, Low: 99, Close: 103, Volume: 10, Time: 1767100800000}, 0)

	result := c.Retrieve(ctx, 30)
	if result.Source != SourceCandleInference {
		t.Fatalf("source = %s, want candle_inference", result.Source)
	}
	if result.Trend != TrendStronglyBullish {
		t.Errorf("trend = %s, want Strongly Bullish for +3%%", result.Trend)
	}
	if result.ChangePct != 3 {
		t.Errorf("change = %v, want 3", result.ChangePct)
	}
}

func TestRetrieveDefaultsToNeutral(t *testing.T) {
	c, _ := newTestClassifier(t)

	result := c.Retrieve(context.Background(), 720)
	if result.Trend != TrendNeutral || result.Source != SourceDefault {
		t.Errorf("got %s/%s, want Neutral/default", result.Trend, result.Source)
	}
}
