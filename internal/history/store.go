// Package history maintains the bounded rolling window of price samples in
// the shared cache.
package history

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/warnings"
)

// Cache keys of the raw price feed. The history list and last-price keys
// may be written by a separate ingester process; the store only appends on
// behalf of whoever drives it.
const (
	KeyHistory    = "btc_movement_history"
	KeyLastPrice  = "last_btc_price"
	KeyLastVolume = "last_btc_volume"
)

// Sample is one ingested tick.
type Sample struct {
	Price     float64
	Volume    float64
	Timestamp time.Time
}

// Snapshot is an immutable view of recent samples, newest first, with
// strictly decreasing timestamps. History entries carry no timestamps on
// the wire, so snapshots synthesize minute-spaced ones; the trend
// classifier's index arithmetic assumes the same one-sample-per-minute
// cadence.
type Snapshot []Sample

// Store reads and appends the rolling history list.
type Store struct {
	cache      cache.Gateway
	warn       *warnings.Sink
	maxHistory int
	logger     zerolog.Logger
	now        func() time.Time
}

// NewStore creates a history store bounded at maxHistory samples.
func NewStore(gw cache.Gateway, warn *warnings.Sink, maxHistory int, logger zerolog.Logger) *Store {
	return &Store{
		cache:      gw,
		warn:       warn,
		maxHistory: maxHistory,
		logger:     logger.With().Str("component", "price_history").Logger(),
		now:        time.Now,
	}
}

// Append validates and prepends one sample, trimming the list to the
// history bound. Entries are always written in "price,volume" CSV form.
func (s *Store) Append(ctx context.Context, price, volume float64) bool {
	if !cache.ValidPrice(price) || !cache.ValidVolume(volume) {
		s.warn.Record(warnings.TypeValidationFailed,
			fmt.Sprintf("rejected sample price=%v volume=%v", price, volume), "price_history")
		return false
	}

	entry := strconv.FormatFloat(price, 'f', -1, 64) + "," + strconv.FormatFloat(volume, 'f', -1, 64)
	if !s.cache.ListPushFront(ctx, KeyHistory, entry) {
		return false
	}
	s.cache.ListTrim(ctx, KeyHistory, 0, int64(s.maxHistory)-1)
	return true
}

// Snapshot returns up to limit parsed samples, newest first. Entries may
// exist in either "price,volume" or bare "price" form; malformed entries
// are skipped and counted, never poisoning the snapshot.
func (s *Store) Snapshot(ctx context.Context, limit int) Snapshot {
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}

	raw, ok := s.cache.ListRange(ctx, KeyHistory, 0, int64(limit)-1)
	if !ok {
		return nil
	}

	now := s.now()
	snap := make(Snapshot, 0, len(raw))
	malformed := 0
	for _, entry := range raw {
		price, volume, ok := parseEntry(entry)
		if !ok || !cache.ValidPrice(price) || !cache.ValidVolume(volume) {
			malformed++
			continue
		}
		snap = append(snap, Sample{
			Price:     price,
			Volume:    volume,
			Timestamp: now.Add(-time.Duration(len(snap)) * time.Minute),
		})
	}

	if malformed > 0 {
		s.warn.Record(warnings.TypeMalformedSample,
			fmt.Sprintf("skipped %d malformed history entries", malformed), "price_history")
	}
	return snap
}

// LatestPrice returns the validated current price from the feed key.
func (s *Store) LatestPrice(ctx context.Context) (float64, bool) {
	return s.cache.GetFloat(ctx, KeyLastPrice, cache.ValidPrice)
}

// parseEntry accepts "price,volume" and bare "price"; volume defaults to 0.
func parseEntry(entry string) (price, volume float64, ok bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return 0, 0, false
	}

	parts := strings.Split(entry, ",")
	price, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, false
	}
	if len(parts) > 1 {
		volume, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return 0, 0, false
		}
	}
	return price, volume, true
}
