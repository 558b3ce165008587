package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/foodhub/gateway/internal/config"
	"github.com/foodhub/gateway/internal/redis"
)

const (
	defaultStoreTimeout = 500 * time.Millisecond
	warnInterval        = 10 * time.Second
)

// ErrBudget is returned for an unusable bucket budget.
var ErrBudget = errors.New("ratelimit: invalid budget")

// Budget is a fixed-window allowance: Requests per Window.
type Budget struct {
	Requests int64
	Window   time.Duration
}

func (b Budget) valid() bool { return b.Requests > 0 && b.Window > 0 }

// Limiter applies per-bucket budgets to client keys on top of a Store.
// Safe for concurrent use.
type Limiter struct {
	store    Store
	fallback *MemoryStore
	policy   config.FailurePolicy
	budgets  [2]Budget
	prefix   string
	timeout  time.Duration
	backstop *rate.Limiter
	logger   *slog.Logger

	lastWarn atomic.Int64
	closers  []func() error
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailurePolicy selects what happens when the store errors.
func WithFailurePolicy(p config.FailurePolicy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithFallback sets the store used under the inmemory failure policy.
func WithFallback(m *MemoryStore) Option {
	return func(l *Limiter) { l.fallback = m }
}

// WithKeyPrefix namespaces every counter key.
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.prefix = prefix }
}

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) { l.timeout = d }
}

// WithBackstop caps global throughput in requests per second while the
// store is failing under the passthrough policy.
func WithBackstop(rps float64) Option {
	return func(l *Limiter) {
		if rps > 0 {
			burst := int(rps)
			if burst < 1 {
				burst = 1
			}
			l.backstop = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a limiter. The auth budget must be stricter than the general
// one, measured in requests per second.
func New(store Store, general, authBudget Budget, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: nil store")
	}
	if !general.valid() {
		return nil, fmt.Errorf("%w: general %d/%s", ErrBudget, general.Requests, general.Window)
	}
	if !authBudget.valid() {
		return nil, fmt.Errorf("%w: auth %d/%s", ErrBudget, authBudget.Requests, authBudget.Window)
	}
	if perSecond(authBudget) >= perSecond(general) {
		return nil, fmt.Errorf("%w: auth budget must be stricter than general", ErrBudget)
	}

	l := &Limiter{
		store:   store,
		policy:  config.FailurePolicyFailClosed,
		budgets: [2]Budget{BucketGeneral: general, BucketAuth: authBudget},
		timeout: defaultStoreTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.policy == config.FailurePolicyInMemory && l.fallback == nil {
		return nil, errors.New("ratelimit: inmemory failure policy requires a fallback store")
	}
	return l, nil
}

func perSecond(b Budget) float64 { return float64(b.Requests) / b.Window.Seconds() }

// Budget returns the budget of bucket.
func (l *Limiter) Budget(b Bucket) Budget { return l.budgets[b] }

// Allow counts one request from client against bucket. The only error is
// the caller's context error when the request was abandoned; store
// failures are resolved by the failure policy and flagged as Degraded.
func (l *Limiter) Allow(ctx context.Context, client string, b Bucket) (Result, error) {
	if int(b) >= len(l.budgets) {
		b = BucketGeneral
	}
	budget := l.budgets[b]
	key := l.prefix + b.String() + ":" + client

	sctx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	res, err := l.store.Allow(sctx, key, budget.Requests, budget.Window)
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	l.warn("rate limit store failed, applying failure policy",
		"bucket", b.String(), "policy", string(l.policy),
		"connectivity", redis.IsConnectivityErr(err), "error", err)
	return l.degrade(ctx, key, budget), nil
}

func (l *Limiter) degrade(ctx context.Context, key string, budget Budget) Result {
	switch l.policy {
	case config.FailurePolicyPassThrough:
		if l.backstop != nil && !l.backstop.Allow() {
			return Result{Limit: budget.Requests, ResetAfter: time.Second, Degraded: true}
		}
		return Result{Allowed: true, Limit: budget.Requests, Remaining: budget.Requests, Degraded: true}
	case config.FailurePolicyInMemory:
		res, _ := l.fallback.Allow(ctx, key, budget.Requests, budget.Window)
		res.Degraded = true
		return res
	default:
		return Result{Limit: budget.Requests, ResetAfter: budget.Window, Degraded: true}
	}
}

// warn logs at most once per warnInterval so an outage does not flood
// the log with one line per request.
func (l *Limiter) warn(msg string, args ...any) {
	now := time.Now().UnixNano()
	last := l.lastWarn.Load()
	if now-last < int64(warnInterval) || !l.lastWarn.CompareAndSwap(last, now) {
		return
	}
	l.logger.Warn(msg, args...)
}

// Ping reports whether the counter store is reachable. Stores without a
// remote dependency are always reachable.
func (l *Limiter) Ping(ctx context.Context) error {
	if p, ok := l.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases resources created by NewFromConfig.
func (l *Limiter) Close() error {
	var errs []error
	for _, c := range l.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewFromConfig builds the limiter described by cfg. A Redis client is
// created only for the redis store; if it cannot be reached at startup the
// limiter still starts and the failure policy applies until it recovers.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Limiter, error) {
	rl := cfg.RateLimit
	general := Budget{
		Requests: rl.General.Requests,
		Window:   config.MustParseDuration(rl.General.Window, 15*time.Minute),
	}
	authBudget := Budget{
		Requests: rl.Auth.Requests,
		Window:   config.MustParseDuration(rl.Auth.Window, 15*time.Minute),
	}

	opts := []Option{
		WithLogger(logger),
		WithKeyPrefix(rl.KeyPrefix),
		WithStoreTimeout(config.MustParseDuration(rl.RedisTimeout, defaultStoreTimeout)),
		WithFailurePolicy(rl.FailurePolicy),
		WithBackstop(rl.BackstopRPS),
	}

	var closers []func() error
	var store Store
	switch rl.Store {
	case config.RateLimitStoreRedis:
		redis.InitLogger(logger)
		redis.WarnInsecureRedis(cfg.Redis.TLS, logger)
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			logger.Warn("redis unreachable at startup, continuing with failure policy",
				"error", err, "policy", string(rl.FailurePolicy))
			client, err = redis.NewClientWithoutPing(cfg.Redis)
			if err != nil {
				return nil, fmt.Errorf("ratelimit: creating redis client: %w", err)
			}
		}
		closers = append(closers, client.Close)
		store = NewRedisStore(client, logger)

		if rl.FailurePolicy == config.FailurePolicyInMemory {
			fb, err := NewMemoryStore(rl.MaxKeys)
			if err != nil {
				_ = client.Close()
				return nil, err
			}
			closers = append(closers, func() error { fb.Close(); return nil })
			opts = append(opts, WithFallback(fb))
		}
	default:
		mem, err := NewMemoryStore(rl.MaxKeys)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() error { mem.Close(); return nil })
		store = mem
		// A memory store never fails; the policy is irrelevant.
		opts = append(opts, WithFailurePolicy(config.FailurePolicyFailClosed))
	}

	l, err := New(store, general, authBudget, opts...)
	if err != nil {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}
	l.closers = closers
	return l, nil
}
