package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","redis":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","redis":"unreachable"}`)
)

// Pinger checks connectivity of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker backs the admin probes. It starts neither started nor
// ready; the server flips both once listeners are up and clears ready
// when draining.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	pinger Pinger
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{}
}

func (h *HealthChecker) SetStarted()     { h.started.Store(true) }
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }
func (h *HealthChecker) SetReady()       { h.ready.Store(true) }
func (h *HealthChecker) SetNotReady()    { h.ready.Store(false) }
func (h *HealthChecker) IsReady() bool   { return h.ready.Load() }

// SetRedisPinger registers the shared counter store for deep readiness
// checks. nil clears it.
func (h *HealthChecker) SetRedisPinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pinger = p
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// StartzHandler returns 200 once startup completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeJSON(w, http.StatusOK, jsonStarted)
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready and 503 otherwise. With ?deep=true
// and a registered pinger, Redis is probed as well.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeJSON(w, http.StatusOK, jsonReady)
			return
		}

		h.mu.RLock()
		pinger := h.pinger
		h.mu.RUnlock()
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, jsonDeepFail)
				return
			}
		}
		writeJSON(w, http.StatusOK, jsonDeepOK)
	}
}

// Liveness serves the public GET /health endpoint:
// {"status":"ok","timestamp":"<RFC3339Nano>"}. Timestamps never go
// backwards between calls, even if the wall clock is stepped back.
type Liveness struct {
	now  func() time.Time
	last atomic.Int64
}

// NewLiveness returns a Liveness using the wall clock.
func NewLiveness() *Liveness {
	return &Liveness{now: time.Now}
}

type livenessBody struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// stamp returns the current time in nanoseconds, clamped to the last
// value handed out.
func (l *Liveness) stamp() int64 {
	now := l.now().UnixNano()
	for {
		last := l.last.Load()
		if now <= last {
			return last
		}
		if l.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

func (l *Liveness) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	ts := time.Unix(0, l.stamp()).UTC().Format(time.RFC3339Nano)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(livenessBody{Status: "ok", Timestamp: ts})
}
