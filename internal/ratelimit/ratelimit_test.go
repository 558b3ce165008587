package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/foodhub/gateway/internal/config"
	"github.com/foodhub/gateway/internal/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedisClient(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

var errStoreDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// failingStore always errors, standing in for an unreachable Redis.
type failingStore struct{ calls int }

func (f *failingStore) Allow(context.Context, string, int64, time.Duration) (Result, error) {
	f.calls++
	return Result{}, errStoreDown
}
