package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"btc-signal-engine/internal/warnings"
)

// MemoryGateway is an in-memory Gateway used in mock mode and in tests,
// standing in for Redis the way the mock exchange client stands in for the
// live API. TTLs are ignored; the engine never relies on expiry for
// correctness.
type MemoryGateway struct {
	mu      sync.RWMutex
	strings map[string]string
	lists   map[string][]string
	hashes  map[string]map[string]int64
	zsets   map[string]map[string]float64
	warnFn  WarnFunc
}

// NewMemoryGateway creates an empty in-memory gateway.
func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		strings: make(map[string]string),
		lists:   make(map[string][]string),
		hashes:  make(map[string]map[string]int64),
		zsets:   make(map[string]map[string]float64),
	}
}

// SetWarningHandler wires the warning sink.
func (g *MemoryGateway) SetWarningHandler(fn WarnFunc) {
	g.warnFn = fn
}

func (g *MemoryGateway) warn(warnType, message string) {
	if g.warnFn != nil {
		g.warnFn(warnType, message, "cache_gateway")
	}
}

func (g *MemoryGateway) GetString(ctx context.Context, key string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	val, ok := g.strings[key]
	return val, ok
}

func (g *MemoryGateway) GetFloat(ctx context.Context, key string, valid func(float64) bool) (float64, bool) {
	raw, ok := g.GetString(ctx, key)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || !valid(f) {
		g.warn(warnings.TypeValidationFailed, fmt.Sprintf("value at %s failed validation: %q", key, raw))
		return 0, false
	}
	return f, true
}

func (g *MemoryGateway) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, ok := g.GetString(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		g.warn(warnings.TypeInvalidJSON, fmt.Sprintf("value at %s is not valid JSON: %v", key, err))
		return false
	}
	return true
}

func (g *MemoryGateway) SetString(ctx context.Context, key, value string, ttl time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.strings[key] = value
	return true
}

func (g *MemoryGateway) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		g.warn(warnings.TypeInvalidJSON, fmt.Sprintf("failed to marshal value for %s: %v", key, err))
		return false
	}
	return g.SetString(ctx, key, string(data), ttl)
}

func (g *MemoryGateway) ListPushFront(ctx context.Context, key, value string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lists[key] = append([]string{value}, g.lists[key]...)
	return true
}

func (g *MemoryGateway) ListTrim(ctx context.Context, key string, start, stop int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.lists[key]
	if start < 0 {
		start = 0
	}
	if start >= int64(len(list)) {
		g.lists[key] = nil
		return true
	}
	if stop >= int64(len(list))-1 {
		stop = int64(len(list)) - 1
	}
	if stop < start {
		g.lists[key] = nil
		return true
	}
	g.lists[key] = append([]string(nil), list[start:stop+1]...)
	return true
}

func (g *MemoryGateway) ListRange(ctx context.Context, key string, start, stop int64) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	list := g.lists[key]
	if start < 0 {
		start = 0
	}
	if start >= int64(len(list)) {
		return nil, true
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if stop < start {
		return nil, true
	}
	return append([]string(nil), list[start:stop+1]...), true
}

func (g *MemoryGateway) IncrementHashField(ctx context.Context, hash, field string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.hashes[hash] == nil {
		g.hashes[hash] = make(map[string]int64)
	}
	g.hashes[hash][field]++
	return true
}

func (g *MemoryGateway) HashGetAllInt(ctx context.Context, hash string) (map[string]int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make(map[string]int64, len(g.hashes[hash]))
	for field, val := range g.hashes[hash] {
		result[field] = val
	}
	return result, true
}

func (g *MemoryGateway) SortedSetAdd(ctx context.Context, key string, score float64, member string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.zsets[key] == nil {
		g.zsets[key] = make(map[string]float64)
	}
	g.zsets[key][member] = score
	return true
}

func (g *MemoryGateway) Ping(ctx context.Context) bool {
	return true
}

// WarningStore returns the gateway itself: its list and hash writes never
// emit warnings.
func (g *MemoryGateway) WarningStore() WarningStore {
	return g
}

// SortedSetMembers returns the members of a sorted set in score order.
// Test helper; Redis exposes this via ZRANGE.
func (g *MemoryGateway) SortedSetMembers(key string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := make([]string, 0, len(g.zsets[key]))
	for member := range g.zsets[key] {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return g.zsets[key][members[i]] < g.zsets[key][members[j]]
	})
	return members
}
