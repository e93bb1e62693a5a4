package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/warnings"
)

// Cache keys owned by the Fibonacci engine.
const (
	KeyLevels      = "fibonacci_levels"
	KeySwingHigh   = "fibonacci:swing_high"
	KeySwingLow    = "fibonacci:swing_low"
	KeySwingHighTS = "fibonacci:swing_high_timestamp"
	KeySwingLowTS  = "fibonacci:swing_low_timestamp"
	KeyLastHit     = "fibonacci:last_hit"
	KeyHits        = "fibonacci:hits"
)

// Level set categories, in alignment scan order.
const (
	CategoryRetracement = "retracement"
	CategoryExtension   = "extension"
	CategoryGannSqrt    = "gann_sqrt_k"
	CategoryFibPoints   = "fibonacci_n"
)

// Alignment types.
const (
	AlignmentStrong      = "STRONG"
	AlignmentModerate    = "MODERATE"
	AlignmentWeak        = "WEAK"
	AlignmentGoldenRatio = "GOLDEN_RATIO"
)

var (
	retracementRatios = []float64{0, 0.236, 0.382, 0.5, 0.618, 0.786, 0.886, 1.0}
	extensionRatios   = []float64{1.272, 1.414, 1.618, 2.0, 2.618, 3.618, 4.236}
	fibNumbers        = []int{21, 34, 55, 89, 144, 233, 377, 610, 987, 1597}
)

// LevelSet is the full derived level table plus its anchoring metadata, as
// stored under the fibonacci_levels key.
type LevelSet struct {
	Retracement map[string]float64 `json:"retracement"`
	Extension   map[string]float64 `json:"extension"`
	GannSqrt    map[string]float64 `json:"gann_sqrt_k"`
	FibPoints   map[string]float64 `json:"fibonacci_n"`
	High        float64            `json:"high"`
	Low         float64            `json:"low"`
	Current     float64            `json:"current"`
	Direction   string             `json:"direction"`
	GeneratedAt string             `json:"generated_at,omitempty"`
}

func newLevelSet() *LevelSet {
	return &LevelSet{
		Retracement: make(map[string]float64),
		Extension:   make(map[string]float64),
		GannSqrt:    make(map[string]float64),
		FibPoints:   make(map[string]float64),
	}
}

// categories returns the level tables in deterministic scan order.
func (ls *LevelSet) categories() []struct {
	Name   string
	Levels map[string]float64
} {
	return []struct {
		Name   string
		Levels map[string]float64
	}{
		{CategoryRetracement, ls.Retracement},
		{CategoryExtension, ls.Extension},
		{CategoryGannSqrt, ls.GannSqrt},
		{CategoryFibPoints, ls.FibPoints},
	}
}

// Count returns the number of level entries across all categories.
func (ls *LevelSet) Count() int {
	n := 0
	for _, cat := range ls.categories() {
		n += len(cat.Levels)
	}
	return n
}

// Alignment reports the current price sitting within tolerance of a named
// level.
type Alignment struct {
	Category   string    `json:"category"`
	LevelName  string    `json:"level_name"`
	LevelPrice float64   `json:"level_price"`
	DiffPct    float64   `json:"diff_pct"`
	Confidence float64   `json:"confidence"`
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
}

// Engine derives Fibonacci level sets and alignments, healing corrupted
// cached state as it goes.
type Engine struct {
	cache        cache.Gateway
	warn         *warnings.Sink
	minRange     float64
	tolerancePct float64
	staleness    time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// NewEngine creates a Fibonacci engine.
func NewEngine(gw cache.Gateway, warn *warnings.Sink, minRange, tolerancePct float64, staleness time.Duration, logger zerolog.Logger) *Engine {
	return &Engine{
		cache:        gw,
		warn:         warn,
		minRange:     minRange,
		tolerancePct: tolerancePct,
		staleness:    staleness,
		logger:       logger.With().Str("component", "fibonacci_engine").Logger(),
		now:          time.Now,
	}
}

// Generate derives the full level set from a swing pair. Returns absent for
// an invalid pair (H <= L or range below the minimum) rather than producing
// garbage. The retracement table is always emitted up-oriented; the
// direction flag is metadata only.
func (e *Engine) Generate(pair SwingPair, current float64) (*LevelSet, bool) {
	if pair.High <= pair.Low || pair.Range() < e.minRange {
		return nil, false
	}

	diff := pair.Range()
	ls := newLevelSet()
	ls.High = pair.High
	ls.Low = pair.Low
	ls.Current = current
	ls.Direction = "up"
	ls.GeneratedAt = e.now().UTC().Format(time.RFC3339)

	for _, r := range retracementRatios {
		ls.Retracement[ratioName(r)] = pair.Low + r*diff
	}
	for _, r := range extensionRatios {
		ls.Extension[ratioName(r)] = pair.High + (r-1)*diff
	}
	for k := 1; k <= 9; k++ {
		ls.GannSqrt[fmt.Sprintf("sqrt_%d", k)] = math.Round(current*math.Sqrt(float64(k))*100) / 100
	}
	for name, price := range fibPricePoints(current) {
		ls.FibPoints[name] = price
	}

	return ls, true
}

// Levels returns the cached level set if usable, otherwise regenerates it
// from the given swings and writes the full replacement blob in one atomic
// set. A missing, malformed, or stale blob with no valid swings yields
// absent levels and a warning; it never raises.
func (e *Engine) Levels(ctx context.Context, pair SwingPair, haveSwings bool, current float64) (*LevelSet, bool) {
	if ls, ok := e.loadCached(ctx); ok {
		return ls, true
	}

	if !haveSwings {
		e.warn.Record(warnings.TypeInvalidSwing,
			"cached levels unusable and no valid swing pair available", "fibonacci_engine")
		return nil, false
	}

	ls, ok := e.Generate(pair, current)
	if !ok {
		e.warn.Record(warnings.TypeInvalidSwing,
			fmt.Sprintf("swing pair high=%v low=%v below minimum range %v", pair.High, pair.Low, e.minRange),
			"fibonacci_engine")
		return nil, false
	}

	e.cache.SetJSON(ctx, KeyLevels, ls, 0)
	e.logger.Info().Float64("high", ls.High).Float64("low", ls.Low).Msg("regenerated fibonacci levels")
	return ls, true
}

// loadCached reads and heals the cached level blob. Absent when the blob is
// missing, unparseable, stale, or has no surviving levels after coercion.
func (e *Engine) loadCached(ctx context.Context) (*LevelSet, bool) {
	var raw map[string]json.RawMessage
	if !e.cache.GetJSON(ctx, KeyLevels, &raw) {
		return nil, false
	}

	ls := e.coerce(raw)
	if ls.Count() == 0 {
		return nil, false
	}

	// A blob with no generation timestamp is accepted as fresh: age unknown
	// beats discarding otherwise usable levels.
	if ls.GeneratedAt != "" {
		if ts, err := time.Parse(time.RFC3339, ls.GeneratedAt); err == nil {
			if e.now().Sub(ts) > e.staleness {
				return nil, false
			}
		}
	}
	return ls, true
}

// coerce rebuilds a LevelSet from raw JSON, coercing each entry
// individually: numbers and numeric strings survive, everything else is
// dropped with a warning. An error in one entry never aborts the rest.
// Legacy flat blobs (level names at the top level) fold into the
// retracement table.
func (e *Engine) coerce(raw map[string]json.RawMessage) *LevelSet {
	ls := newLevelSet()
	for key, val := range raw {
		switch key {
		case CategoryRetracement:
			e.coerceCategory(key, val, ls.Retracement)
		case CategoryExtension:
			e.coerceCategory(key, val, ls.Extension)
		case CategoryGannSqrt:
			e.coerceCategory(key, val, ls.GannSqrt)
		case CategoryFibPoints:
			e.coerceCategory(key, val, ls.FibPoints)
		case "high":
			ls.High, _ = e.coerceFloat(key, val)
		case "low":
			ls.Low, _ = e.coerceFloat(key, val)
		case "current":
			ls.Current, _ = e.coerceFloat(key, val)
		case "direction":
			_ = json.Unmarshal(val, &ls.Direction)
		case "generated_at":
			_ = json.Unmarshal(val, &ls.GeneratedAt)
		default:
			if f, ok := e.coerceFloat(key, val); ok {
				ls.Retracement[key] = f
			}
		}
	}
	return ls
}

func (e *Engine) coerceCategory(category string, raw json.RawMessage, dest map[string]float64) {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		e.warn.Record(warnings.TypeLevelCoercion,
			fmt.Sprintf("category %s is not an object, dropped", category), "fibonacci_engine")
		return
	}
	for name, val := range entries {
		if f, ok := e.coerceFloat(category+"."+name, val); ok {
			dest[name] = f
		}
	}
}

// coerceFloat converts one raw level value to a finite positive real.
func (e *Engine) coerceFloat(name string, raw json.RawMessage) (float64, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		e.warn.Record(warnings.TypeLevelCoercion,
			fmt.Sprintf("dropped level %s: null value", name), "fibonacci_engine")
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(trimmed, &f); err == nil {
		if validLevel(f) {
			return f, true
		}
		e.warn.Record(warnings.TypeLevelCoercion,
			fmt.Sprintf("dropped level %s: %v is not a positive finite price", name, f), "fibonacci_engine")
		return 0, false
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && validLevel(f) {
			return f, true
		}
	}

	e.warn.Record(warnings.TypeLevelCoercion,
		fmt.Sprintf("dropped level %s: not coercible to a price", name), "fibonacci_engine")
	return 0, false
}

func validLevel(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f > 0
}

// Alignment scans every level across every category and returns the
// highest-confidence level within tolerance of the current price, or
// absent. A single surviving level is enough; corrupt siblings never block
// a valid match.
func (e *Engine) Alignment(current float64, ls *LevelSet) (*Alignment, bool) {
	if ls == nil || current <= 0 {
		return nil, false
	}

	var best *Alignment
	for _, cat := range ls.categories() {
		names := make([]string, 0, len(cat.Levels))
		for name := range cat.Levels {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			level := cat.Levels[name]
			if !validLevel(level) {
				continue
			}
			diffPct := math.Abs(current-level) / level * 100
			if diffPct > e.tolerancePct {
				continue
			}

			confidence := 1 - diffPct/e.tolerancePct
			alignType := alignmentType(confidence)
			if strings.Contains(name, "618") {
				confidence += 0.1
				alignType = AlignmentGoldenRatio
			}
			if confidence > 1 {
				confidence = 1
			}

			if best == nil || confidence > best.Confidence {
				best = &Alignment{
					Category:   cat.Name,
					LevelName:  name,
					LevelPrice: level,
					DiffPct:    diffPct,
					Confidence: confidence,
					Type:       alignType,
					Timestamp:  e.now().UTC(),
				}
			}
		}
	}

	return best, best != nil
}

// RecordHit publishes an alignment to its subscriber keys: the latest-hit
// slot and the time-scored hit set.
func (e *Engine) RecordHit(ctx context.Context, a *Alignment) {
	if a == nil {
		return
	}
	e.cache.SetJSON(ctx, KeyLastHit, a, 0)
	if data, err := json.Marshal(a); err == nil {
		e.cache.SortedSetAdd(ctx, KeyHits, float64(a.Timestamp.Unix()), string(data))
	}
}

func alignmentType(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return AlignmentStrong
	case confidence >= 0.5:
		return AlignmentModerate
	default:
		return AlignmentWeak
	}
}

func ratioName(r float64) string {
	return strconv.FormatFloat(r, 'f', -1, 64)
}

// fibPricePoints emits the constant Fibonacci reference bands, scaled into
// the current price's magnitude bucket. They are reference levels only and
// never anchor regeneration.
func fibPricePoints(current float64) map[string]float64 {
	scale, suffix := priceScale(current)
	pts := make(map[string]float64, len(fibNumbers))
	for _, f := range fibNumbers {
		pts[fmt.Sprintf("fib_%d%s", f, suffix)] = float64(f) * scale
	}
	return pts
}

func priceScale(current float64) (float64, string) {
	switch {
	case current >= 10_000:
		return 1000, "k"
	case current >= 100:
		return 10, ""
	default:
		return 1, ""
	}
}
