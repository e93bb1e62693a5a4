// Package warnings records structured degradation events into the shared
// cache so operators can inspect them after the fact. Components use the
// sink instead of error logging for data-quality problems.
package warnings

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Warning type constants
const (
	TypeCacheUnavailable  = "cache_unavailable"
	TypeInvalidJSON       = "invalid_json"
	TypeValidationFailed  = "validation_failed"
	TypeLevelCoercion     = "level_coercion"
	TypeUnrealisticChange = "unrealistic_change"
	TypeMalformedSample   = "malformed_sample"
	TypeInvalidSwing      = "invalid_swing"
	TypeFallbackUsed      = "fallback_used"
	TypeSkippedTick       = "skipped_tick"
)

// Cache keys for the warning log
const (
	KeyGlobal        = "system:warnings"
	KeyPerTypePrefix = "system:warnings:"
	KeyCounts        = "system:warning_counts"
)

const (
	maxGlobalWarnings  = 1000
	maxPerTypeWarnings = 100
)

// Record is a single warning entry as stored in the cache.
type Record struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the slice of the cache gateway the sink writes through. It must
// be a view that does not emit warnings itself (the gateway's
// WarningStore), or Record would feed back into the sink.
type Store interface {
	ListPushFront(ctx context.Context, key, value string) bool
	ListTrim(ctx context.Context, key string, start, stop int64) bool
	IncrementHashField(ctx context.Context, hash, field string) bool
}

// Sink writes bounded warning logs and per-type counters. It never returns
// errors; persistence failures degrade to a log line.
type Sink struct {
	store  Store
	logger zerolog.Logger
	mu     sync.Mutex
	now    func() time.Time
}

// NewSink creates a warning sink backed by the given cache store.
func NewSink(store Store, logger zerolog.Logger) *Sink {
	return &Sink{
		store:  store,
		logger: logger.With().Str("component", "warning_sink").Logger(),
		now:    time.Now,
	}
}

// Record appends a warning to the global and per-type logs and increments
// the per-type counter, exactly once per call. Concurrent callers are
// serialized; the store's quiet contract guarantees a write here cannot
// raise another warning.
func (s *Sink) Record(warnType, message, source string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{
		ID:        uuid.New().String(),
		Type:      warnType,
		Message:   message,
		Source:    source,
		Timestamp: s.now().UTC(),
	}

	s.logger.Warn().Str("type", warnType).Str("source", source).Msg(message)

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.store.ListPushFront(ctx, KeyGlobal, string(data)) {
		s.store.ListTrim(ctx, KeyGlobal, 0, maxGlobalWarnings-1)
	}

	typeKey := KeyPerTypePrefix + warnType
	if s.store.ListPushFront(ctx, typeKey, string(data)) {
		s.store.ListTrim(ctx, typeKey, 0, maxPerTypeWarnings-1)
	}

	s.store.IncrementHashField(ctx, KeyCounts, warnType)
}
