// Package cache provides the typed, fault-tolerant boundary to the shared
// key-value store. The gateway contract is "returns a usable value or an
// explicit absence": transport errors are retried with a bounded Fibonacci
// backoff and then absorbed, never surfaced to callers.
package cache

import (
	"context"
	"time"
)

// WarnFunc receives degradation events from the gateway. Wired to the
// warning sink at startup.
type WarnFunc func(warnType, message, source string)

// Gateway is the cache boundary used by every component.
type Gateway interface {
	// GetString returns the raw string at key, or absence.
	GetString(ctx context.Context, key string) (string, bool)

	// GetFloat returns the value at key parsed as a float and accepted by
	// the given validator. Parse or validation failure is absence plus a
	// validation_failed warning.
	GetFloat(ctx context.Context, key string, valid func(float64) bool) (float64, bool)

	// GetJSON unmarshals the value at key into dest. A value that fails to
	// parse is treated as missing (invalid_json warning), not as an error.
	GetJSON(ctx context.Context, key string, dest interface{}) bool

	// SetString stores a raw string. ttl of zero means no expiry.
	SetString(ctx context.Context, key, value string, ttl time.Duration) bool

	// SetJSON marshals value and stores it in a single write.
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) bool

	ListPushFront(ctx context.Context, key, value string) bool
	ListTrim(ctx context.Context, key string, start, stop int64) bool
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, bool)

	IncrementHashField(ctx context.Context, hash, field string) bool
	HashGetAllInt(ctx context.Context, hash string) (map[string]int64, bool)

	SortedSetAdd(ctx context.Context, key string, score float64, member string) bool

	Ping(ctx context.Context) bool

	// SetWarningHandler wires the warning sink. Call once at startup,
	// before the gateway is shared.
	SetWarningHandler(fn WarnFunc)

	// WarningStore returns a view of the list and counter operations that
	// never emits warnings. The sink persists through it, so storing a
	// warning cannot raise another.
	WarningStore() WarningStore
}

// WarningStore is the slice of gateway operations the warning sink writes
// through.
type WarningStore interface {
	ListPushFront(ctx context.Context, key, value string) bool
	ListTrim(ctx context.Context, key string, start, stop int64) bool
	IncrementHashField(ctx context.Context, hash, field string) bool
}

// Fibonacci backoff schedule between retry attempts. With the default
// budget of 3 attempts the total sleep is at most 2 seconds; the schedule
// extends for larger budgets.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
}

func backoffFor(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}
