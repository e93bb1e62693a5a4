package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"btc-signal-engine/config"
	"btc-signal-engine/internal/warnings"
)

// RedisGateway is the production Gateway implementation.
type RedisGateway struct {
	client      *redis.Client
	maxAttempts int
	warnFn      WarnFunc
	logger      zerolog.Logger
}

// NewRedisGateway creates a gateway over a Redis client. The connection is
// verified but a failed ping only degrades the gateway; it still serves
// requests once Redis recovers.
func NewRedisGateway(cfg config.RedisConfig, maxAttempts int, logger zerolog.Logger) *RedisGateway {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	g := &RedisGateway{
		client:      client,
		maxAttempts: maxAttempts,
		logger:      logger.With().Str("component", "cache_gateway").Logger(),
	}
	if g.maxAttempts <= 0 {
		g.maxAttempts = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		g.logger.Warn().Err(err).Str("address", cfg.Address).Msg("initial Redis connection failed, continuing degraded")
	} else {
		g.logger.Info().Str("address", cfg.Address).Msg("Redis connected")
	}

	return g
}

// SetWarningHandler wires the warning sink. Must be called before the
// gateway is shared between goroutines.
func (g *RedisGateway) SetWarningHandler(fn WarnFunc) {
	g.warnFn = fn
}

// Close closes the Redis connection.
func (g *RedisGateway) Close() error {
	return g.client.Close()
}

func (g *RedisGateway) warn(warnType, message string) {
	if g.warnFn != nil {
		g.warnFn(warnType, message, "cache_gateway")
	}
}

// withRetry runs fn up to maxAttempts times with Fibonacci backoff. A cache
// miss (redis.Nil) is absence, not a failure, and is never retried. Returns
// whether fn eventually succeeded.
func (g *RedisGateway) withRetry(ctx context.Context, op string, fn func() error) bool {
	return g.retry(ctx, op, fn, false)
}

func (g *RedisGateway) retry(ctx context.Context, op string, fn func() error, quiet bool) bool {
	var err error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				if !quiet {
					g.warn(warnings.TypeCacheUnavailable, fmt.Sprintf("%s aborted: %v", op, ctx.Err()))
				}
				return false
			case <-time.After(backoffFor(attempt - 1)):
			}
		}

		err = fn()
		if err == nil {
			return true
		}
		if errors.Is(err, redis.Nil) {
			return false
		}
		g.logger.Debug().Err(err).Str("op", op).Int("attempt", attempt+1).Msg("cache operation failed")
	}

	if quiet {
		g.logger.Warn().Err(err).Str("op", op).Msg("warning store write failed")
	} else {
		g.warn(warnings.TypeCacheUnavailable, fmt.Sprintf("%s failed after %d attempts: %v", op, g.maxAttempts, err))
	}
	return false
}

func (g *RedisGateway) GetString(ctx context.Context, key string) (string, bool) {
	var result string
	ok := g.withRetry(ctx, "GET "+key, func() error {
		var err error
		result, err = g.client.Get(ctx, key).Result()
		return err
	})
	return result, ok
}

func (g *RedisGateway) GetFloat(ctx context.Context, key string, valid func(float64) bool) (float64, bool) {
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

func (g *RedisGateway) GetJSON(ctx context.Context, key string, dest interface{}) bool {
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

func (g *RedisGateway) SetString(ctx context.Context, key, value string, ttl time.Duration) bool {
	return g.withRetry(ctx, "SET "+key, func() error {
		return g.client.Set(ctx, key, value, ttl).Err()
	})
}

func (g *RedisGateway) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	data, err := json.Marshal(value)
	if err != nil {
		g.warn(warnings.TypeInvalidJSON, fmt.Sprintf("failed to marshal value for %s: %v", key, err))
		return false
	}
	return g.SetString(ctx, key, string(data), ttl)
}

func (g *RedisGateway) ListPushFront(ctx context.Context, key, value string) bool {
	return g.withRetry(ctx, "LPUSH "+key, func() error {
		return g.client.LPush(ctx, key, value).Err()
	})
}

func (g *RedisGateway) ListTrim(ctx context.Context, key string, start, stop int64) bool {
	return g.withRetry(ctx, "LTRIM "+key, func() error {
		return g.client.LTrim(ctx, key, start, stop).Err()
	})
}

func (g *RedisGateway) ListRange(ctx context.Context, key string, start, stop int64) ([]string, bool) {
	var result []string
	ok := g.withRetry(ctx, "LRANGE "+key, func() error {
		var err error
		result, err = g.client.LRange(ctx, key, start, stop).Result()
		return err
	})
	return result, ok
}

func (g *RedisGateway) IncrementHashField(ctx context.Context, hash, field string) bool {
	return g.withRetry(ctx, "HINCRBY "+hash, func() error {
		return g.client.HIncrBy(ctx, hash, field, 1).Err()
	})
}

func (g *RedisGateway) HashGetAllInt(ctx context.Context, hash string) (map[string]int64, bool) {
	var raw map[string]string
	ok := g.withRetry(ctx, "HGETALL "+hash, func() error {
		var err error
		raw, err = g.client.HGetAll(ctx, hash).Result()
		return err
	})
	if !ok {
		return nil, false
	}
	result := make(map[string]int64, len(raw))
	for field, val := range raw {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			result[field] = n
		}
	}
	return result, true
}

func (g *RedisGateway) SortedSetAdd(ctx context.Context, key string, score float64, member string) bool {
	return g.withRetry(ctx, "ZADD "+key, func() error {
		return g.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

func (g *RedisGateway) Ping(ctx context.Context) bool {
	return g.client.Ping(ctx).Err() == nil
}

// WarningStore returns the quiet view the warning sink writes through.
// Failures there degrade to a log line instead of another warning.
func (g *RedisGateway) WarningStore() WarningStore {
	return redisWarningStore{g}
}

type redisWarningStore struct {
	g *RedisGateway
}

func (s redisWarningStore) ListPushFront(ctx context.Context, key, value string) bool {
	return s.g.retry(ctx, "LPUSH "+key, func() error {
		return s.g.client.LPush(ctx, key, value).Err()
	}, true)
}

func (s redisWarningStore) ListTrim(ctx context.Context, key string, start, stop int64) bool {
	return s.g.retry(ctx, "LTRIM "+key, func() error {
		return s.g.client.LTrim(ctx, key, start, stop).Err()
	}, true)
}

func (s redisWarningStore) IncrementHashField(ctx context.Context, hash, field string) bool {
	return s.g.retry(ctx, "HINCRBY "+hash, func() error {
		return s.g.client.HIncrBy(ctx, hash, field, 1).Err()
	}, true)
}
