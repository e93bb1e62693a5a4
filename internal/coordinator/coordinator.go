// Package coordinator drives the periodic analysis pass that ties the
// history, swing, Fibonacci, trend, and trap components together and
// publishes the composite result.
package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"btc-signal-engine/config"
	"btc-signal-engine/internal/analysis"
	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/history"
	"btc-signal-engine/internal/warnings"
)

// KeyComposite is where the full analysis blob is published.
const KeyComposite = "btc_analysis"

// maxBackoff caps the error-driven interval growth.
const maxBackoff = 60 * time.Second

// DataAvailability describes the history coverage behind a composite.
type DataAvailability struct {
	Minutes int       `json:"minutes"`
	Hours   float64   `json:"hours"`
	Oldest  time.Time `json:"oldest"`
	Newest  time.Time `json:"newest"`
}

// CompositeResult is the single-read analysis blob for downstream
// consumers.
type CompositeResult struct {
	CurrentPrice float64                         `json:"current_price"`
	Levels       *analysis.LevelSet              `json:"levels,omitempty"`
	Alignment    *analysis.Alignment             `json:"alignment,omitempty"`
	Trends       map[string]analysis.TrendResult `json:"trends"`
	Traps        []analysis.TrapVerdict          `json:"traps"`
	Availability DataAvailability                `json:"data_availability"`
	Timestamp    time.Time                       `json:"timestamp"`
}

// Runner owns the analysis loop.
type Runner struct {
	cfg        config.AnalysisConfig
	cache      cache.Gateway
	warn       *warnings.Sink
	store      *history.Store
	swings     *analysis.SwingDetector
	fib        *analysis.Engine
	classifier *analysis.Classifier
	logger     zerolog.Logger

	mu          sync.RWMutex
	running     bool
	lastRun     time.Time
	lastErr     string
	ticksOK     int64
	ticksFailed int64

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRunner wires the analysis components into a runner.
func NewRunner(
	cfg config.AnalysisConfig,
	gw cache.Gateway,
	warn *warnings.Sink,
	store *history.Store,
	swings *analysis.SwingDetector,
	fib *analysis.Engine,
	classifier *analysis.Classifier,
	logger zerolog.Logger,
) *Runner {
	return &Runner{
		cfg:        cfg,
		cache:      gw,
		warn:       warn,
		store:      store,
		swings:     swings,
		fib:        fib,
		classifier: classifier,
		logger:     logger.With().Str("component", "coordinator").Logger(),
		stopChan:   make(chan struct{}),
	}
}

// Start launches the analysis loop in its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info().Int("interval_seconds", r.cfg.IntervalSeconds).Msg("analysis loop started")
}

// Stop signals the loop to exit and waits for the current pass to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info().Msg("analysis loop stopped")
}

// loop runs ticks on the configured interval, doubling the sleep per
// consecutive failure up to the backoff cap so a dead cache is not
// hammered.
func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	interval := time.Duration(r.cfg.IntervalSeconds) * time.Second
	consecutive := 0
	for {
		if err := r.RunTick(ctx); err != nil {
			consecutive++
			r.logger.Warn().Err(err).Int("consecutive", consecutive).Msg("analysis tick failed")
		} else {
			consecutive = 0
		}

		sleep := interval
		for i := 0; i < consecutive && sleep < maxBackoff; i++ {
			sleep *= 2
		}
		if sleep > maxBackoff {
			sleep = maxBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case <-time.After(sleep):
		}
	}
}

// RunTick executes one full analysis pass. A missing price skips the tick
// with a warning; everything downstream degrades per component instead of
// failing the pass.
func (r *Runner) RunTick(ctx context.Context) error {
	price, ok := r.currentPrice(ctx)
	if !ok {
		r.warn.Record(warnings.TypeSkippedTick, "no usable current price, tick skipped", "coordinator")
		r.recordTick(false, "no usable current price")
		return fmt.Errorf("no usable current price")
	}

	snap := r.store.Snapshot(ctx, r.cfg.SnapshotLimit)

	composite := &CompositeResult{
		CurrentPrice: price,
		Trends:       make(map[string]analysis.TrendResult, len(r.cfg.TimeframesMinutes)),
		Traps:        []analysis.TrapVerdict{},
		Availability: availability(snap),
		Timestamp:    time.Now().UTC(),
	}

	pair, havePair := r.swings.Update(snap)
	if havePair {
		r.publishSwings(ctx, pair)
	}

	if levels, ok := r.fib.Levels(ctx, pair, havePair, price); ok {
		composite.Levels = levels
		if align, ok := r.fib.Alignment(price, levels); ok {
			composite.Alignment = align
			r.fib.RecordHit(ctx, align)
		}
	}

	for _, minutes := range r.cfg.TimeframesMinutes {
		result := r.classifier.Classify(ctx, minutes)
		composite.Trends[analysis.TimeframeName(minutes)] = result
		if result.Trend != analysis.TrendInsufficient {
			r.cache.SetJSON(ctx, analysis.TrendKey(minutes), result, 0)
		}
		if trap, ok := analysis.DetectTrap(minutes, result.Trend, result.ChangePct, r.cfg.TrapMinConfidence); ok {
			composite.Traps = append(composite.Traps, *trap)
		}
	}

	r.cache.SetJSON(ctx, KeyComposite, composite, 0)
	r.recordTick(true, "")
	return nil
}

// currentPrice reads the feed key, falling back to the 1-minute candle
// close when the feed is stale or missing.
func (r *Runner) currentPrice(ctx context.Context) (float64, bool) {
	if price, ok := r.store.LatestPrice(ctx); ok {
		return price, true
	}

	var cd struct {
		Close float64 `json:"c"`
	}
	if r.cache.GetJSON(ctx, analysis.CandleKey(1), &cd) && cache.ValidPrice(cd.Close) {
		r.warn.Record(warnings.TypeFallbackUsed, "current price taken from 1min candle close", "coordinator")
		return cd.Close, true
	}
	return 0, false
}

// publishSwings mirrors the swing pair to the standalone keys other
// processes watch.
func (r *Runner) publishSwings(ctx context.Context, pair analysis.SwingPair) {
	r.cache.SetString(ctx, analysis.KeySwingHigh, strconv.FormatFloat(pair.High, 'f', -1, 64), 0)
	r.cache.SetString(ctx, analysis.KeySwingLow, strconv.FormatFloat(pair.Low, 'f', -1, 64), 0)
	r.cache.SetString(ctx, analysis.KeySwingHighTS, pair.HighTime.UTC().Format(time.RFC3339), 0)
	r.cache.SetString(ctx, analysis.KeySwingLowTS, pair.LowTime.UTC().Format(time.RFC3339), 0)
}

func (r *Runner) recordTick(ok bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastRun = time.Now().UTC()
	r.lastErr = errMsg
	if ok {
		r.ticksOK++
	} else {
		r.ticksFailed++
	}
}

// Status reports loop health for the operational API.
func (r *Runner) Status() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := map[string]interface{}{
		"running":      r.running,
		"ticks_ok":     r.ticksOK,
		"ticks_failed": r.ticksFailed,
	}
	if !r.lastRun.IsZero() {
		status["last_run"] = r.lastRun.Format(time.RFC3339)
	}
	if r.lastErr != "" {
		status["last_error"] = r.lastErr
	}
	return status
}

// availability summarizes snapshot coverage assuming the one-sample-per-
// minute cadence.
func availability(snap history.Snapshot) DataAvailability {
	if len(snap) == 0 {
		return DataAvailability{}
	}
	return DataAvailability{
		Minutes: len(snap),
		Hours:   float64(len(snap)) / 60,
		Oldest:  snap[len(snap)-1].Timestamp.UTC(),
		Newest:  snap[0].Timestamp.UTC(),
	}
}
