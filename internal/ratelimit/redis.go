package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/foodhub/gateway/internal/redis"
)

// fixedWindowLua increments the window counter and returns
// {count, pttl_ms}. The expiry is set on the first hit of a window and
// repaired if a key somehow lost its TTL.
//
// KEYS[1] = counter key. ARGV[1] = window length in milliseconds.
const fixedWindowLua = `
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`

var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// RedisStore shares fixed-window counters between gateway replicas.
type RedisStore struct {
	client redis.Client
	logger *slog.Logger
	hash   string
}

// NewRedisStore wraps an existing client. The store does not own the
// client's lifecycle.
func NewRedisStore(client redis.Client, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
		hash:   fixedWindowScript.Hash(),
	}
}

// Allow runs the window script via EVALSHA, loading it with EVAL on
// NOSCRIPT.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int64, win time.Duration) (Result, error) {
	keys := []string{key}
	ms := win.Milliseconds()

	cmd := s.client.EvalSha(ctx, s.hash, keys, ms)
	if err := cmd.Err(); err != nil && redis.IsNoScriptErr(err) {
		s.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", key)
		cmd = s.client.Eval(ctx, fixedWindowLua, keys, ms)
	}
	if err := cmd.Err(); err != nil {
		return Result{}, err
	}

	vals, err := cmd.Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("reading window script result: %w", err)
	}
	if len(vals) != 2 {
		return Result{}, errors.New("window script returned unexpected result")
	}
	return decide(vals[0], limit, time.Duration(vals[1])*time.Millisecond), nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
