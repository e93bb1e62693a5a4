package analysis

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/warnings"
)

func newTestEngine(t *testing.T) (*Engine, *cache.MemoryGateway) {
	t.Helper()
	gw := cache.NewMemoryGateway()
	sink := warnings.NewSink(gw.WarningStore(), zerolog.Nop())
	gw.SetWarningHandler(sink.Record)
	e := NewEngine(gw, sink, 100, 0.5, 6*time.Hour, zerolog.Nop())
	e.now = func() time.Time { return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) }
	return e, gw
}

func testPair() SwingPair {
	return SwingPair{
		High:     60000,
		Low:      50000,
		HighTime: time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC),
		LowTime:  time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
}

func warningCount(t *testing.T, gw *cache.MemoryGateway, warnType string) int64 {
	t.Helper()
	counts, _ := gw.HashGetAllInt(context.Background(), warnings.KeyCounts)
	return counts[warnType]
}

func TestGenerateRetracementLevels(t *testing.T) {
	e, _ := newTestEngine(t)

	ls, ok := e.Generate(testPair(), 55000)
	if !ok {
		t.Fatal("expected a level set")
	}
	if got := ls.Retracement["0.618"]; got != 56180 {
		t.Errorf("0.618 retracement = %v, want 56180", got)
	}
	if got := ls.Retracement["0"]; got != 50000 {
		t.Errorf("0 retracement = %v, want 50000", got)
	}
	if got := ls.Retracement["1"]; got != 60000 {
		t.Errorf("1.0 retracement = %v, want 60000", got)
	}
	if got := ls.Extension["1.618"]; got != 66180 {
		t.Errorf("1.618 extension = %v, want 66180", got)
	}
	if got := ls.GannSqrt["sqrt_4"]; got != 110000 {
		t.Errorf("sqrt_4 = %v, want 110000", got)
	}
	if got := ls.FibPoints["fib_55k"]; got != 55000 {
		t.Errorf("fib_55k = %v, want 55000", got)
	}
	if ls.GeneratedAt == "" {
		t.Error("level set should carry a generation timestamp")
	}
}

func TestGenerateRejectsInvalidSwings(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, ok := e.Generate(SwingPair{High: 50000, Low: 50000}, 50000); ok {
		t.Error("equal extremes should yield no levels")
	}
	if _, ok := e.Generate(SwingPair{High: 50050, Low: 50000}, 50025); ok {
		t.Error("range below minimum should yield no levels")
	}
	if _, ok := e.Generate(SwingPair{High: 49000, Low: 50000}, 49500); ok {
		t.Error("inverted pair should yield no levels")
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	e, _ := newTestEngine(t)

	a, _ := e.Generate(testPair(), 55000)
	b, _ := e.Generate(testPair(), 55000)

	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	if string(ja) != string(jb) {
		t.Error("identical inputs must serialize identically")
	}
}

func TestLevelsRegeneratesCorruptBlob(t *testing.T) {
	e, gw := newTestEngine(t)
	ctx := context.Background()

	gw.SetString(ctx, KeyLevels, "{{not-json", 0)

	ls, ok := e.Levels(ctx, testPair(), true, 55000)
	if !ok {
		t.Fatal("expected regenerated levels")
	}
	if ls.Retracement["0.618"] != 56180 {
		t.Errorf("regenerated 0.618 = %v, want 56180", ls.Retracement["0.618"])
	}
	if warningCount(t, gw, warnings.TypeInvalidJSON) == 0 {
		t.Error("corrupt blob should raise an invalid_json warning")
	}

	// The replacement blob must be fully parseable.
	var stored LevelSet
	if !gw.GetJSON(ctx, KeyLevels, &stored) {
		t.Fatal("replacement blob missing or invalid")
	}
	if stored.Retracement["0.618"] != 56180 {
		t.Errorf("stored 0.618 = %v", stored.Retracement["0.618"])
	}
}

func TestLevelsWithoutSwingsIsAbsent(t *testing.T) {
	e, gw := newTestEngine(t)

	if _, ok := e.Levels(context.Background(), SwingPair{}, false, 55000); ok {
		t.Error("no cache and no swings should yield absence")
	}
	if warningCount(t, gw, warnings.TypeInvalidSwing) != 1 {
		t.Error("expected an invalid_swing warning")
	}
}

func TestLevelsCoercesMixedTypeBlob(t *testing.T) {
	e, gw := newTestEngine(t)
	ctx := context.Background()

	// Legacy flat blob with mixed value types.
	blob := `{"0": 30000, "0.236": "31000", "0.382": null, "0.5": "not_a_number", "0.786": 35000.0}`
	gw.SetString(ctx, KeyLevels, blob, 0)

	ls, ok := e.Levels(ctx, testPair(), true, 35000)
	if !ok {
		t.Fatal("blob with surviving levels should be used")
	}
	if len(ls.Retracement) != 3 {
		t.Fatalf("expected 3 surviving levels, got %d: %v", len(ls.Retracement), ls.Retracement)
	}
	if ls.Retracement["0.236"] != 31000 {
		t.Errorf("numeric string should coerce, got %v", ls.Retracement["0.236"])
	}
	if warningCount(t, gw, warnings.TypeLevelCoercion) != 2 {
		t.Errorf("expected 2 coercion warnings, got %d", warningCount(t, gw, warnings.TypeLevelCoercion))
	}

	align, ok := e.Alignment(35000, ls)
	if !ok {
		t.Fatal("expected an alignment at the surviving level")
	}
	if align.LevelName != "0.786" || align.Confidence != 1.0 {
		t.Errorf("got %s conf %v, want 0.786 conf 1.0", align.LevelName, align.Confidence)
	}
}

func TestLevelsStaleBlobRegenerates(t *testing.T) {
	e, gw := newTestEngine(t)
	ctx := context.Background()

	old := newLevelSet()
	old.Retracement["0.5"] = 40000
	old.GeneratedAt = e.now().Add(-7 * time.Hour).Format(time.RFC3339)
	gw.SetJSON(ctx, KeyLevels, old, 0)

	ls, ok := e.Levels(ctx, testPair(), true, 55000)
	if !ok {
		t.Fatal("expected regenerated levels")
	}
	if ls.Retracement["0.5"] != 55000 {
		t.Errorf("stale blob should be replaced, 0.5 = %v", ls.Retracement["0.5"])
	}
}

func TestLevelsBlobWithoutTimestampIsFresh(t *testing.T) {
	e, gw := newTestEngine(t)
	ctx := context.Background()

	gw.SetString(ctx, KeyLevels, `{"0.5": 40000}`, 0)

	ls, ok := e.Levels(ctx, testPair(), true, 55000)
	if !ok {
		t.Fatal("expected cached levels")
	}
	if ls.Retracement["0.5"] != 40000 {
		t.Errorf("untimestamped blob should be used as-is, got %v", ls.Retracement["0.5"])
	}
}

func TestAlignmentGoldenRatioBoost(t *testing.T) {
	e, _ := newTestEngine(t)

	ls, _ := e.Generate(testPair(), 55000)
	align, ok := e.Alignment(56180, ls)
	if !ok {
		t.Fatal("expected an alignment at 56180")
	}
	if align.LevelName != "0.618" {
		t.Errorf("level = %s, want 0.618", align.LevelName)
	}
	if align.Type != AlignmentGoldenRatio {
		t.Errorf("type = %s, want %s", align.Type, AlignmentGoldenRatio)
	}
	if align.Confidence < 0.9 {
		t.Errorf("confidence = %v, want >= 0.9", align.Confidence)
	}
	if align.Confidence > 1.0 {
		t.Errorf("confidence must be capped at 1.0, got %v", align.Confidence)
	}
}

func TestAlignmentToleranceBoundaryInclusive(t *testing.T) {
	e, _ := newTestEngine(t)

	ls := newLevelSet()
	ls.Retracement["0.5"] = 10000

	// Exactly at tolerance: included, with zero confidence.
	align, ok := e.Alignment(10050, ls)
	if !ok {
		t.Fatal("boundary diff should still align")
	}
	if align.Confidence != 0 || align.Type != AlignmentWeak {
		t.Errorf("got conf %v type %s, want 0 WEAK", align.Confidence, align.Type)
	}

	// Just beyond tolerance: absent.
	if _, ok := e.Alignment(10051, ls); ok {
		t.Error("beyond tolerance should not align")
	}
}

func TestAlignmentPicksHighestConfidence(t *testing.T) {
	e, _ := newTestEngine(t)

	ls := newLevelSet()
	ls.Retracement["0.5"] = 55010
	ls.Extension["1.272"] = 55001

	align, ok := e.Alignment(55000, ls)
	if !ok {
		t.Fatal("expected an alignment")
	}
	if align.Category != CategoryExtension || align.LevelName != "1.272" {
		t.Errorf("closest level should win, got %s/%s", align.Category, align.LevelName)
	}
}

func TestAlignmentTypeThresholds(t *testing.T) {
	e, _ := newTestEngine(t)

	ls := newLevelSet()
	ls.Retracement["0.5"] = 10000

	align, _ := e.Alignment(10005, ls)
	if align.Type != AlignmentStrong {
		t.Errorf("conf %v should be STRONG, got %s", align.Confidence, align.Type)
	}
	align, _ = e.Alignment(10020, ls)
	if align.Type != AlignmentModerate {
		t.Errorf("conf %v should be MODERATE, got %s", align.Confidence, align.Type)
	}
	align, _ = e.Alignment(10040, ls)
	if align.Type != AlignmentWeak {
		t.Errorf("conf %v should be WEAK, got %s", align.Confidence, align.Type)
	}
}

func TestRecordHit(t *testing.T) {
	e, gw := newTestEngine(t)
	ctx := context.Background()

	ls, _ := e.Generate(testPair(), 55000)
	align, ok := e.Alignment(56180, ls)
	if !ok {
		t.Fatal("expected alignment")
	}
	e.RecordHit(ctx, align)

	var last Alignment
	if !gw.GetJSON(ctx, KeyLastHit, &last) {
		t.Fatal("last hit should be stored")
	}
	if last.LevelName != "0.618" {
		t.Errorf("stored hit level = %s", last.LevelName)
	}
	if members := gw.SortedSetMembers(KeyHits); len(members) != 1 {
		t.Errorf("expected 1 hit in the set, got %d", len(members))
	}
}

func TestCoerceDropsNonFiniteValues(t *testing.T) {
	e, gw := newTestEngine(t)
	ctx := context.Background()

	gw.SetString(ctx, KeyLevels, `{"0.5": -100, "0.618": 56180}`, 0)
	ls, ok := e.Levels(ctx, testPair(), true, 55000)
	if !ok {
		t.Fatal("expected levels")
	}
	if _, exists := ls.Retracement["0.5"]; exists {
		t.Error("negative level must be dropped")
	}
	if math.Abs(ls.Retracement["0.618"]-56180) > 1e-9 {
		t.Errorf("valid sibling must survive, got %v", ls.Retracement["0.618"])
	}
}
