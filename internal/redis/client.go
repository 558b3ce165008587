// Package redis builds go-redis clients for the shared rate-limit store in
// single, sentinel or cluster topology. The Client interface only exposes
// what the limiter uses.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/foodhub/gateway/internal/config"
)

type slogRedisLogger struct {
	logger *slog.Logger
}

func (l *slogRedisLogger) Printf(ctx context.Context, format string, v ...any) {
	l.logger.WarnContext(ctx, fmt.Sprintf(format, v...), "component", "go-redis")
}

// InitLogger redirects go-redis internal logs to logger. Call once at
// startup before any client is created.
func InitLogger(logger *slog.Logger) {
	goredis.SetLogger(&slogRedisLogger{logger: logger})
}

// Client is the subset of go-redis used by the gateway. *goredis.Client and
// *goredis.ClusterClient both satisfy it.
type Client interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...any) *goredis.Cmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Commands are bounded by the caller's context; a single retry keeps a
// flapping node from stretching one request far past its budget.
const (
	maxRetries      = 1
	minRetryBackoff = 8 * time.Millisecond
	maxRetryBackoff = 64 * time.Millisecond
)

// NewClient creates the client for the configured topology and verifies
// connectivity with a Ping bounded by the dial timeout.
func NewClient(cfg config.RedisConfig) (Client, error) {
	c, label, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.MustParseDuration(cfg.DialTimeout, 5*time.Second))
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return c, nil
}

// NewClientWithoutPing creates a client that connects lazily. The gateway
// uses it so a Redis outage at boot degrades to the failure policy instead
// of preventing startup.
func NewClientWithoutPing(cfg config.RedisConfig) (Client, error) {
	c, _, err := newClient(cfg)
	return c, err
}

func newClient(cfg config.RedisConfig) (Client, string, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, "", errors.New("redis: no endpoints configured")
	}
	dial, err := config.ParseDuration(cfg.DialTimeout, 5*time.Second)
	if err != nil {
		return nil, "", fmt.Errorf("invalid dial_timeout: %w", err)
	}
	read, err := config.ParseDuration(cfg.ReadTimeout, 3*time.Second)
	if err != nil {
		return nil, "", fmt.Errorf("invalid read_timeout: %w", err)
	}
	write, err := config.ParseDuration(cfg.WriteTimeout, 3*time.Second)
	if err != nil {
		return nil, "", fmt.Errorf("invalid write_timeout: %w", err)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	var tlsCfg *tls.Config
	if cfg.TLS.Enabled {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.TLS.InsecureSkipVerify} //nolint:gosec // opt-in via config.
	}

	switch cfg.Mode {
	case config.RedisModeSingle, "":
		return goredis.NewClient(&goredis.Options{
			Addr:            cfg.Endpoints[0],
			Username:        cfg.Username,
			Password:        cfg.Password.Value(),
			DB:              cfg.DB,
			PoolSize:        poolSize,
			DialTimeout:     dial,
			ReadTimeout:     read,
			WriteTimeout:    write,
			MaxRetries:      maxRetries,
			MinRetryBackoff: minRetryBackoff,
			MaxRetryBackoff: maxRetryBackoff,
			TLSConfig:       tlsCfg,
		}), fmt.Sprintf("single: connect to %s", cfg.Endpoints[0]), nil
	case config.RedisModeSentinel:
		return goredis.NewFailoverClient(&goredis.FailoverOptions{
			MasterName:      cfg.MasterName,
			SentinelAddrs:   cfg.Endpoints,
			Username:        cfg.Username,
			Password:        cfg.Password.Value(),
			DB:              cfg.DB,
			PoolSize:        poolSize,
			DialTimeout:     dial,
			ReadTimeout:     read,
			WriteTimeout:    write,
			MaxRetries:      maxRetries,
			MinRetryBackoff: minRetryBackoff,
			MaxRetryBackoff: maxRetryBackoff,
			TLSConfig:       tlsCfg,
		}), fmt.Sprintf("sentinel: connect via %v for master %q", cfg.Endpoints, cfg.MasterName), nil
	case config.RedisModeCluster:
		return goredis.NewClusterClient(&goredis.ClusterOptions{
			Addrs:           cfg.Endpoints,
			Username:        cfg.Username,
			Password:        cfg.Password.Value(),
			PoolSize:        poolSize,
			DialTimeout:     dial,
			ReadTimeout:     read,
			WriteTimeout:    write,
			MaxRetries:      maxRetries,
			MinRetryBackoff: minRetryBackoff,
			MaxRetryBackoff: maxRetryBackoff,
			TLSConfig:       tlsCfg,
		}), fmt.Sprintf("cluster: connect to seeds %v", cfg.Endpoints), nil
	default:
		return nil, "", fmt.Errorf("unknown redis mode: %s", cfg.Mode)
	}
}

// IsNoScriptErr reports whether err is a NOSCRIPT error from Redis.
func IsNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// IsConnectivityErr classifies errors as connectivity-class (unreachable,
// timeout, EOF). context.Canceled is the caller going away, not Redis.
func IsConnectivityErr(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"connection refused", "connection reset", "broken pipe",
		"EOF", "no such host", "i/o timeout", "CLUSTERDOWN", "LOADING",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// WarnInsecureRedis logs a warning when TLS verification is disabled.
func WarnInsecureRedis(cfgTLS config.RedisTLSConfig, logger *slog.Logger) {
	if cfgTLS.Enabled && cfgTLS.InsecureSkipVerify {
		logger.Warn("redis TLS certificate verification is disabled (insecure_skip_verify=true)")
	}
}
