package history

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/warnings"
)

func newTestStore(t *testing.T, maxHistory int) (*Store, *cache.MemoryGateway) {
	t.Helper()
	gw := cache.NewMemoryGateway()
	sink := warnings.NewSink(gw.WarningStore(), zerolog.Nop())
	gw.SetWarningHandler(sink.Record)
	return NewStore(gw, sink, maxHistory, zerolog.Nop()), gw
}

func TestAppendThenSnapshot(t *testing.T) {
	store, _ := newTestStore(t, 100)
	ctx := context.Background()

	if !store.Append(ctx, 50000, 12.5) {
		t.Fatal("append should succeed")
	}
	if !store.Append(ctx, 50100, 0) {
		t.Fatal("append should succeed")
	}

	snap := store.Snapshot(ctx, 10)
	if len(snap) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(snap))
	}
	if snap[0].Price != 50100 {
		t.Errorf("newest sample should be at index 0, got %v", snap[0].Price)
	}
	if snap[1].Price != 50000 || snap[1].Volume != 12.5 {
		t.Errorf("unexpected second sample: %+v", snap[1])
	}
}

func TestAppendRejectsInvalidSamples(t *testing.T) {
	store, gw := newTestStore(t, 100)
	ctx := context.Background()

	if store.Append(ctx, 0, 1) {
		t.Error("zero price should be rejected")
	}
	if store.Append(ctx, 50000, -1) {
		t.Error("negative volume should be rejected")
	}

	counts, _ := gw.HashGetAllInt(ctx, warnings.KeyCounts)
	if counts[warnings.TypeValidationFailed] != 2 {
		t.Errorf("expected 2 validation warnings, got %d", counts[warnings.TypeValidationFailed])
	}
}

func TestSnapshotParsesBothEntryForms(t *testing.T) {
	store, gw := newTestStore(t, 100)
	ctx := context.Background()

	// Legacy entries carry no volume.
	gw.ListPushFront(ctx, KeyHistory, "49000")
	gw.ListPushFront(ctx, KeyHistory, "50000,3.5")

	snap := store.Snapshot(ctx, 10)
	if len(snap) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(snap))
	}
	if snap[0].Price != 50000 || snap[0].Volume != 3.5 {
		t.Errorf("unexpected csv sample: %+v", snap[0])
	}
	if snap[1].Price != 49000 || snap[1].Volume != 0 {
		t.Errorf("bare entry should default volume to 0: %+v", snap[1])
	}
}

func TestSnapshotSkipsMalformedEntries(t *testing.T) {
	store, gw := newTestStore(t, 100)
	ctx := context.Background()

	gw.ListPushFront(ctx, KeyHistory, "48000,1")
	gw.ListPushFront(ctx, KeyHistory, "not_a_price")
	gw.ListPushFront(ctx, KeyHistory, "")
	gw.ListPushFront(ctx, KeyHistory, "50000,abc")
	gw.ListPushFront(ctx, KeyHistory, "49000,2")

	snap := store.Snapshot(ctx, 10)
	if len(snap) != 2 {
		t.Fatalf("expected 2 parsed samples, got %d", len(snap))
	}
	if snap[0].Price != 49000 || snap[1].Price != 48000 {
		t.Errorf("unexpected samples: %+v", snap)
	}

	counts, _ := gw.HashGetAllInt(ctx, warnings.KeyCounts)
	if counts[warnings.TypeMalformedSample] != 1 {
		t.Errorf("expected a single aggregated warning, got %d", counts[warnings.TypeMalformedSample])
	}
}

func TestSnapshotTimestampsDecrease(t *testing.T) {
	store, _ := newTestStore(t, 100)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		store.Append(ctx, 50000+float64(i), 1)
	}

	snap := store.Snapshot(ctx, 5)
	if len(snap) != 5 {
		t.Fatalf("expected 5 samples, got %d", len(snap))
	}
	if !snap[0].Timestamp.Equal(fixed) {
		t.Errorf("newest timestamp = %v, want %v", snap[0].Timestamp, fixed)
	}
	for i := 1; i < len(snap); i++ {
		if !snap[i].Timestamp.Before(snap[i-1].Timestamp) {
			t.Fatalf("timestamps must strictly decrease at index %d", i)
		}
	}
}

func TestHistoryIsBounded(t *testing.T) {
	store, _ := newTestStore(t, 10)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		store.Append(ctx, 50000+float64(i), 1)
	}

	snap := store.Snapshot(ctx, 0)
	if len(snap) != 10 {
		t.Fatalf("history should be trimmed to 10, got %d", len(snap))
	}
	if snap[0].Price != 50024 {
		t.Errorf("newest sample should survive the trim, got %v", snap[0].Price)
	}
}

func TestLatestPrice(t *testing.T) {
	store, gw := newTestStore(t, 100)
	ctx := context.Background()

	if _, ok := store.LatestPrice(ctx); ok {
		t.Error("missing feed key should be absent")
	}

	gw.SetString(ctx, KeyLastPrice, "60123.45", 0)
	price, ok := store.LatestPrice(ctx)
	if !ok || price != 60123.45 {
		t.Errorf("got %v %v, want 60123.45 true", price, ok)
	}

	gw.SetString(ctx, KeyLastPrice, "-1", 0)
	if _, ok := store.LatestPrice(ctx); ok {
		t.Error("invalid feed value should be absent")
	}
}
