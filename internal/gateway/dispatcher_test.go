package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodhub/gateway/internal/audit"
	"github.com/foodhub/gateway/internal/auth"
	"github.com/foodhub/gateway/internal/config"
	"github.com/foodhub/gateway/internal/observability"
	"github.com/foodhub/gateway/internal/proxy"
	"github.com/foodhub/gateway/internal/ratelimit"
	"github.com/foodhub/gateway/internal/routes"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream is a fake backend service recording what it received.
type upstream struct {
	*httptest.Server
	hits atomic.Int64
	mu   sync.Mutex
	last *http.Request
}

func newUpstream(t *testing.T, name string) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		u.mu.Lock()
		u.last = r.Clone(context.Background())
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"service": name, "path": r.URL.Path})
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) lastRequest() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

type harness struct {
	handler   http.Handler
	upstreams map[string]*upstream
	signer    *auth.Signer
	metrics   *observability.Metrics
	clock     *time.Time
	mu        *sync.Mutex
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	authBudget ratelimit.Budget
	targets    map[string]string
	limiter    RateLimiter
	audit      *audit.Emitter
}

func withAuthBudget(n int64) harnessOpt {
	return func(c *harnessConfig) { c.authBudget = ratelimit.Budget{Requests: n, Window: 15 * time.Minute} }
}

func withTarget(service, url string) harnessOpt {
	return func(c *harnessConfig) { c.targets[service] = url }
}

func withLimiter(l RateLimiter) harnessOpt {
	return func(c *harnessConfig) { c.limiter = l }
}

func withAuditEmitter(e *audit.Emitter) harnessOpt {
	return func(c *harnessConfig) { c.audit = e }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	hc := &harnessConfig{
		authBudget: ratelimit.Budget{Requests: 10, Window: 15 * time.Minute},
		targets:    map[string]string{},
	}
	for _, o := range opts {
		o(hc)
	}

	h := &harness{upstreams: map[string]*upstream{}, mu: &sync.Mutex{}}
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	h.clock = &now

	var targets []proxy.Target
	for _, name := range []string{"user", "menu", "order", "payment", "review"} {
		url, ok := hc.targets[name]
		if !ok {
			u := newUpstream(t, name)
			h.upstreams[name] = u
			url = u.URL
		}
		targets = append(targets, proxy.Target{Name: name, BaseURL: url})
	}
	p, err := proxy.New(targets,
		proxy.WithLogger(testLogger()),
		proxy.WithTimeout(200*time.Millisecond),
		proxy.WithErrorHandler(UpstreamErrorHandler))
	require.NoError(t, err)

	limiter := hc.limiter
	if limiter == nil {
		mem, err := ratelimit.NewMemoryStore(1000, ratelimit.WithMemoryClock(func() time.Time {
			h.mu.Lock()
			defer h.mu.Unlock()
			return *h.clock
		}))
		require.NoError(t, err)
		t.Cleanup(mem.Close)
		l, err := ratelimit.New(mem, ratelimit.Budget{Requests: 1000, Window: 15 * time.Minute}, hc.authBudget)
		require.NoError(t, err)
		limiter = l
	}

	v, err := auth.NewHMACVerifier(testSecret, config.AlgHS256)
	require.NoError(t, err)
	h.signer, err = auth.NewSigner(testSecret, config.AlgHS256, time.Hour)
	require.NoError(t, err)

	h.metrics = observability.NewMetrics(prometheus.NewRegistry())
	d, err := New(limiter, routes.MustCompile(routes.DefaultRules()), v, p,
		WithLogger(testLogger()), WithMetrics(h.metrics), WithAudit(hc.audit))
	require.NoError(t, err)
	h.handler = d
	return h
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	*h.clock = h.clock.Add(d)
	h.mu.Unlock()
}

func (h *harness) token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := h.signer.Sign(auth.Claim{Subject: subject, Role: role})
	require.NoError(t, err)
	return tok
}

func (h *harness) do(method, path, token string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = "198.51.100.10:4000"
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestPublicRoutes(t *testing.T) {
	t.Run("forward without a credential", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/menu/dishes", "")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), h.upstreams["menu"].hits.Load())
		assert.Empty(t, h.upstreams["menu"].lastRequest().Header.Get(proxy.HeaderUserID))
	})

	t.Run("ignore an invalid credential", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/menu/dishes/42", "garbage")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, h.upstreams["menu"].lastRequest().Header.Get(proxy.HeaderUserID))
	})

	t.Run("repeated GETs reach the same target identically", func(t *testing.T) {
		h := newHarness(t)
		var seen []string
		for range 3 {
			w := h.do(http.MethodGet, "/api/reviews/dish/7?limit=5", "")
			require.Equal(t, http.StatusOK, w.Code)
			last := h.upstreams["review"].lastRequest()
			seen = append(seen, last.Method+" "+last.URL.RequestURI()+" "+last.Header.Get("X-Forwarded-For"))
		}
		assert.Equal(t, []string{seen[0], seen[0], seen[0]}, seen)
		assert.Equal(t, "GET /api/reviews/dish/7?limit=5 198.51.100.10", seen[0])
	})
}

func TestAuthentication(t *testing.T) {
	t.Run("protected route without a credential is 401 and not forwarded", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/orders", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, MsgMissingCredential, decodeError(t, w).Message)
		assert.Zero(t, h.upstreams["order"].hits.Load())
	})

	t.Run("invalid credential is 401", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/users/profile", "not.a.jwt")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, MsgInvalidCredential, decodeError(t, w).Message)
		assert.Zero(t, h.upstreams["user"].hits.Load())
	})

	t.Run("non-bearer scheme is an invalid credential", func(t *testing.T) {
		h := newHarness(t)
		r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, MsgInvalidCredential, decodeError(t, w).Message)
		assert.Zero(t, h.upstreams["order"].hits.Load())
	})

	t.Run("bearer scheme without a token is an invalid credential", func(t *testing.T) {
		h := newHarness(t)
		r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		r.Header.Set("Authorization", "Bearer ")
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, r)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, MsgInvalidCredential, decodeError(t, w).Message)
	})

	t.Run("valid credential injects identity", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodPost, "/api/orders", h.token(t, "u-7", auth.RoleUser))
		assert.Equal(t, http.StatusOK, w.Code)

		got := h.upstreams["order"].lastRequest()
		assert.Equal(t, "u-7", got.Header.Get(proxy.HeaderUserID))
		assert.Equal(t, "user", got.Header.Get(proxy.HeaderUserRole))
		assert.Equal(t, "/api/orders", got.URL.Path)
	})

	t.Run("user role on an admin route is 403 and not forwarded", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodPost, "/api/menu/dishes", h.token(t, "u-7", auth.RoleUser))
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Equal(t, MsgForbidden, decodeError(t, w).Message)
		assert.Zero(t, h.upstreams["menu"].hits.Load())
	})

	t.Run("admin role on an admin route forwards with identity", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodPut, "/api/orders/9/status", h.token(t, "a-1", auth.RoleAdmin))
		assert.Equal(t, http.StatusOK, w.Code)

		got := h.upstreams["order"].lastRequest()
		assert.Equal(t, "a-1", got.Header.Get(proxy.HeaderUserID))
		assert.Equal(t, "admin", got.Header.Get(proxy.HeaderUserRole))
	})

	t.Run("spoofed identity headers never reach upstreams", func(t *testing.T) {
		h := newHarness(t)
		r := httptest.NewRequest(http.MethodGet, "/api/menu/featured", nil)
		r.Header.Set(proxy.HeaderUserID, "root")
		r.Header.Set(proxy.HeaderUserRole, "admin")
		h.handler.ServeHTTP(httptest.NewRecorder(), r)

		got := h.upstreams["menu"].lastRequest()
		assert.Empty(t, got.Header.Get(proxy.HeaderUserID))
		assert.Empty(t, got.Header.Get(proxy.HeaderUserRole))
	})
}

func TestRouteNotFound(t *testing.T) {
	t.Run("unknown paths fail closed before resolving a service", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/unknown", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("authenticated requests to unknown prefixes are 404", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/unknown", h.token(t, "u", auth.RoleUser))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, MsgRouteNotFound, decodeError(t, w).Message)
	})
}

func TestRateLimiting(t *testing.T) {
	t.Run("the auth bucket rejects request N+1 and recovers after the window", func(t *testing.T) {
		h := newHarness(t, withAuthBudget(3))

		for i := range 3 {
			w := h.do(http.MethodPost, "/api/users/login", "")
			require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
		}
		w := h.do(http.MethodPost, "/api/users/login", "")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, MsgRateLimited, decodeError(t, w).Message)
		assert.Equal(t, "900", w.Header().Get("Retry-After"))
		assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, int64(3), h.upstreams["user"].hits.Load())

		h.advance(15 * time.Minute)
		w = h.do(http.MethodPost, "/api/users/login", "")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("the auth budget does not apply to other routes", func(t *testing.T) {
		h := newHarness(t, withAuthBudget(1))
		require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/users/register", "").Code)
		require.Equal(t, http.StatusTooManyRequests, h.do(http.MethodPost, "/api/users/login", "").Code)
		assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/api/menu/dishes", "").Code)
	})

	t.Run("rate limiting runs before authentication", func(t *testing.T) {
		h := newHarness(t, withLimiter(denyAll{}))
		w := h.do(http.MethodGet, "/api/orders", "")
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "60", w.Header().Get("Retry-After"))
		assert.Equal(t, int64(1), h.metrics.Snapshot().RateLimited)
	})

	t.Run("an abandoned request writes nothing", func(t *testing.T) {
		h := newHarness(t, withLimiter(canceledLimiter{}))
		w := h.do(http.MethodGet, "/api/menu/dishes", "")
		assert.Empty(t, w.Body.String())
		assert.Zero(t, h.upstreams["menu"].hits.Load())
	})
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Bucket) (ratelimit.Result, error) {
	return ratelimit.Result{Limit: 1, ResetAfter: time.Minute}, nil
}

type canceledLimiter struct{}

func (canceledLimiter) Allow(context.Context, string, ratelimit.Bucket) (ratelimit.Result, error) {
	return ratelimit.Result{}, context.Canceled
}

func TestUpstreamFailures(t *testing.T) {
	t.Run("an unreachable upstream is 502 with the service name", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		h := newHarness(t, withTarget("payment", "http://"+addr))
		w := h.do(http.MethodPost, "/api/payments/intent", h.token(t, "u", auth.RoleUser))
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, errorBody{Message: MsgUpstreamFailed, Service: "payment"}, decodeError(t, w))
		assert.Equal(t, int64(1), h.metrics.Snapshot().UpstreamErrors)
	})

	t.Run("a slow upstream times out with 502", func(t *testing.T) {
		release := make(chan struct{})
		slow := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(slow.Close)
		t.Cleanup(func() { close(release) })

		h := newHarness(t, withTarget("menu", slow.URL))
		w := h.do(http.MethodGet, "/api/menu/featured", "")
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.JSONEq(t, `{"message":"Service unavailable","service":"menu"}`, w.Body.String())
	})
}

type panickingVerifier struct{}

func (panickingVerifier) Verify(string) (auth.Claim, error) { panic("boom") }

func TestInternalErrors(t *testing.T) {
	t.Run("a panic becomes a 500 with a JSON body", func(t *testing.T) {
		mem, err := ratelimit.NewMemoryStore(10)
		require.NoError(t, err)
		t.Cleanup(mem.Close)
		l, err := ratelimit.New(mem, ratelimit.Budget{Requests: 100, Window: time.Minute}, ratelimit.Budget{Requests: 1, Window: time.Minute})
		require.NoError(t, err)
		p, err := proxy.New(nil)
		require.NoError(t, err)

		d, err := New(l, routes.MustCompile(routes.DefaultRules()), panickingVerifier{}, p, WithLogger(testLogger()))
		require.NoError(t, err)

		r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		r.Header.Set("Authorization", "Bearer x")
		w := httptest.NewRecorder()
		d.ServeHTTP(w, r)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, MsgInternalError, decodeError(t, w).Message)
	})

	t.Run("a route without a proxy target is a 500", func(t *testing.T) {
		mem, err := ratelimit.NewMemoryStore(10)
		require.NoError(t, err)
		t.Cleanup(mem.Close)
		l, err := ratelimit.New(mem, ratelimit.Budget{Requests: 100, Window: time.Minute}, ratelimit.Budget{Requests: 1, Window: time.Minute})
		require.NoError(t, err)
		p, err := proxy.New(nil)
		require.NoError(t, err)
		v := auth.VerifierFunc(func(string) (auth.Claim, error) { return auth.Claim{}, errors.New("unused") })

		d, err := New(l, routes.MustCompile(routes.DefaultRules()), v, p, WithLogger(testLogger()))
		require.NoError(t, err)

		w := httptest.NewRecorder()
		d.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/menu/dishes", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("New rejects missing collaborators", func(t *testing.T) {
		_, err := New(nil, nil, nil, nil)
		assert.Error(t, err)
	})
}

func TestRequestID(t *testing.T) {
	t.Run("generates a UUID when absent and forwards it", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/menu/dishes", "")
		id := w.Header().Get(proxy.HeaderRequestID)
		_, err := uuid.Parse(id)
		require.NoError(t, err)
		assert.Equal(t, id, h.upstreams["menu"].lastRequest().Header.Get(proxy.HeaderRequestID))
	})

	t.Run("keeps a well-formed client id", func(t *testing.T) {
		h := newHarness(t)
		r := httptest.NewRequest(http.MethodGet, "/api/menu/dishes", nil)
		r.Header.Set(proxy.HeaderRequestID, "trace-abc.123")
		w := httptest.NewRecorder()
		h.handler.ServeHTTP(w, r)
		assert.Equal(t, "trace-abc.123", w.Header().Get(proxy.HeaderRequestID))
	})

	t.Run("replaces an unsafe client id", func(t *testing.T) {
		assert.False(t, validRequestID("bad id\r\n"))
		assert.False(t, validRequestID(strings.Repeat("a", 200)))
		assert.True(t, validRequestID(uuid.NewString()))
	})

	t.Run("error responses carry the id too", func(t *testing.T) {
		h := newHarness(t)
		w := h.do(http.MethodGet, "/api/orders", "")
		assert.NotEmpty(t, w.Header().Get(proxy.HeaderRequestID))
	})
}

func TestAuditing(t *testing.T) {
	t.Run("non-success outcomes are audited", func(t *testing.T) {
		var mu sync.Mutex
		var got []audit.Event
		collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload struct {
				Events []audit.Event `json:"events"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			got = append(got, payload.Events...)
			mu.Unlock()
		}))
		t.Cleanup(collector.Close)

		em := audit.NewEmitter(config.AuditConfig{Enabled: true, URL: collector.URL, BatchSize: 100, FlushInterval: "1h"}, testLogger(), nil)
		h := newHarness(t, withAuditEmitter(em))

		h.do(http.MethodGet, "/api/menu/dishes", "")
		h.do(http.MethodGet, "/api/orders", "")
		h.do(http.MethodDelete, "/api/menu/dishes/1", h.token(t, "u-3", auth.RoleUser))
		require.NoError(t, em.Close(context.Background()))

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, got, 2)
		assert.Equal(t, "unauthorized", got[0].Outcome)
		assert.Equal(t, http.StatusUnauthorized, got[0].Status)
		assert.Equal(t, "forbidden", got[1].Outcome)
		assert.Equal(t, "u-3", got[1].Subject)
		assert.Equal(t, "198.51.100.10", got[1].Client)
	})
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		outcome Outcome
		name    string
		status  int
	}{
		{OutcomeCompleted, "completed", http.StatusOK},
		{OutcomeRateLimited, "rate_limited", http.StatusTooManyRequests},
		{OutcomeUnauthorized, "unauthorized", http.StatusUnauthorized},
		{OutcomeForbidden, "forbidden", http.StatusForbidden},
		{OutcomeRouteNotFound, "route_not_found", http.StatusNotFound},
		{OutcomeUpstreamFailed, "upstream_failed", http.StatusBadGateway},
		{OutcomeInternalError, "internal_error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.outcome.String())
			assert.Equal(t, tt.status, tt.outcome.Status())
		})
	}
	assert.Equal(t, "Outcome(42)", Outcome(42).String())
}
