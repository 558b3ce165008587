// Package gateway composes rate limiting, route classification, token
// verification and proxying into the per-request state machine:
//
//	Received → RateChecked → Classified → (Authenticated)? → Forwarded → Completed
//
// with early exits RateLimited, Unauthorized, Forbidden, RouteNotFound,
// UpstreamFailed and InternalError. Every early exit writes exactly one
// JSON body of the form {"message": "..."}.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/foodhub/gateway/internal/audit"
	"github.com/foodhub/gateway/internal/auth"
	"github.com/foodhub/gateway/internal/observability"
	"github.com/foodhub/gateway/internal/proxy"
	"github.com/foodhub/gateway/internal/ratelimit"
	"github.com/foodhub/gateway/internal/routes"
)

const maxRequestIDLen = 128

// RateLimiter is the subset of *ratelimit.Limiter the dispatcher needs.
type RateLimiter interface {
	Allow(ctx context.Context, client string, bucket ratelimit.Bucket) (ratelimit.Result, error)
}

// Forwarder relays a request to a named upstream.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, service string, claim *auth.Claim) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

func WithMetrics(m *observability.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithAudit sends non-success outcomes to e. A nil emitter is fine.
func WithAudit(e *audit.Emitter) Option { return func(d *Dispatcher) { d.audit = e } }

// WithKeyFunc sets how the rate-limit client key is derived. Defaults to
// the peer IP with no trusted proxies.
func WithKeyFunc(f ratelimit.KeyFunc) Option { return func(d *Dispatcher) { d.clientKey = f } }

// WithServiceResolver overrides the path-prefix to upstream mapping.
func WithServiceResolver(f func(path string) (string, bool)) Option {
	return func(d *Dispatcher) { d.serviceFor = f }
}

// Dispatcher is the gateway's request handler. It holds no per-request
// state; everything shared is either immutable or internally synchronized.
type Dispatcher struct {
	limiter    RateLimiter
	classifier *routes.Classifier
	verifier   auth.Verifier
	forwarder  Forwarder

	clientKey  ratelimit.KeyFunc
	serviceFor func(string) (string, bool)
	metrics    *observability.Metrics
	audit      *audit.Emitter
	logger     *slog.Logger
	tracer     trace.Tracer
}

// New assembles a dispatcher. The forwarder must report upstream failures
// through UpstreamErrorHandler so they are accounted as UpstreamFailed.
func New(limiter RateLimiter, classifier *routes.Classifier, verifier auth.Verifier, fwd Forwarder, opts ...Option) (*Dispatcher, error) {
	switch {
	case limiter == nil:
		return nil, errors.New("gateway: nil rate limiter")
	case classifier == nil:
		return nil, errors.New("gateway: nil classifier")
	case verifier == nil:
		return nil, errors.New("gateway: nil verifier")
	case fwd == nil:
		return nil, errors.New("gateway: nil forwarder")
	}

	d := &Dispatcher{
		limiter:    limiter,
		classifier: classifier,
		verifier:   verifier,
		forwarder:  fwd,
		serviceFor: routes.ServiceFor,
		logger:     slog.Default(),
		tracer:     observability.Tracer(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.clientKey == nil {
		s, _ := ratelimit.NewClientIPStrategy(nil)
		d.clientKey = s.KeyFunc()
	}
	if d.metrics == nil {
		d.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	d.logger = d.logger.With("component", "gateway")
	return d, nil
}

// state travels in the request context so the proxy's error handler can
// record an upstream failure against the request that caused it.
type state struct {
	outcome  Outcome
	client   string
	bucket   ratelimit.Bucket
	pattern  string
	subject  string
	service  string
	reason   string
	upstream *proxy.UpstreamError
}

type stateKey struct{}

func stateFrom(ctx context.Context) *state {
	st, _ := ctx.Value(stateKey{}).(*state)
	return st
}

// UpstreamErrorHandler is the proxy.ErrorHandler used with a Dispatcher.
func UpstreamErrorHandler(w http.ResponseWriter, r *http.Request, err *proxy.UpstreamError) {
	if st := stateFrom(r.Context()); st != nil {
		st.outcome = OutcomeUpstreamFailed
		st.upstream = err
	}
	writeError(w, http.StatusBadGateway, MsgUpstreamFailed, err.Service)
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

	reqID := r.Header.Get(proxy.HeaderRequestID)
	if !validRequestID(reqID) {
		reqID = uuid.NewString()
		r.Header.Set(proxy.HeaderRequestID, reqID)
	}
	sw.Header().Set(proxy.HeaderRequestID, reqID)

	st := &state{outcome: OutcomeCompleted}
	ctx, span := d.tracer.Start(r.Context(), "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request.id", reqID),
		))
	r = r.WithContext(context.WithValue(ctx, stateKey{}, st))

	defer func() {
		rec := recover()
		if rec != nil && rec != http.ErrAbortHandler {
			d.logger.Error("panic in request pipeline",
				"panic", fmt.Sprint(rec), "request_id", reqID, "stack", string(debug.Stack()))
			st.outcome = OutcomeInternalError
			st.reason = "panic"
			if !sw.written {
				writeError(sw, http.StatusInternalServerError, MsgInternalError, "")
			}
		}
		d.finish(r, sw, st, reqID, time.Since(start), span)
		if rec == http.ErrAbortHandler {
			panic(rec)
		}
	}()

	d.dispatch(sw, r, st)
}

func (d *Dispatcher) dispatch(w *statusWriter, r *http.Request, st *state) {
	ctx := r.Context()
	st.client = d.clientKey(r)

	// Classification is pure, so the matched bucket is known before the
	// rate check that precedes it in the state machine.
	match := d.classifier.Match(r.URL.Path, r.Method)
	st.pattern = match.Pattern
	st.bucket = match.Bucket

	if !d.checkRate(w, r, st, ratelimit.BucketGeneral) {
		return
	}
	if match.Bucket == ratelimit.BucketAuth && !d.checkRate(w, r, st, ratelimit.BucketAuth) {
		return
	}

	var claim *auth.Claim
	if match.Visibility != routes.Public {
		c, ok := d.authenticate(w, r, st, match.Visibility)
		if !ok {
			return
		}
		claim = &c
	}

	service, ok := d.serviceFor(r.URL.Path)
	if !ok {
		st.outcome = OutcomeRouteNotFound
		writeError(w, http.StatusNotFound, MsgRouteNotFound, "")
		return
	}
	st.service = service

	pctx, span := d.tracer.Start(ctx, "gateway.proxy", trace.WithAttributes(
		attribute.String("upstream.service", service),
	))
	defer span.End()

	began := time.Now()
	if err := d.forwarder.Forward(w, r.WithContext(pctx), service, claim); err != nil {
		// Only reachable when the route table and the proxy targets disagree.
		span.RecordError(err)
		panic(fmt.Errorf("forwarding to %s: %w", service, err))
	}

	switch {
	case st.outcome == OutcomeUpstreamFailed:
		span.SetStatus(codes.Error, "upstream unavailable")
		d.metrics.IncUpstreamError(service, st.upstream != nil && st.upstream.Timeout())
	case ctx.Err() != nil && !w.written:
		st.outcome = OutcomeCanceled
	default:
		d.metrics.ObserveUpstream(service, time.Since(began))
		span.SetAttributes(attribute.Int("http.response.status_code", w.code))
	}
}

// checkRate consumes one unit of bucket. It writes the 429 itself and
// reports whether the request may continue.
func (d *Dispatcher) checkRate(w *statusWriter, r *http.Request, st *state, b ratelimit.Bucket) bool {
	ctx, span := d.tracer.Start(r.Context(), "gateway.ratelimit",
		trace.WithAttributes(attribute.String("ratelimit.bucket", b.String())))
	defer span.End()

	res, err := d.limiter.Allow(ctx, st.client, b)
	if err != nil {
		st.outcome = OutcomeCanceled
		st.reason = err.Error()
		return false
	}
	if res.Degraded {
		d.metrics.IncDegraded()
	}
	d.metrics.ObserveRemaining(res.Remaining)
	setRateLimitHeaders(w, res)
	span.SetAttributes(
		attribute.Bool("ratelimit.allowed", res.Allowed),
		attribute.Int64("ratelimit.remaining", res.Remaining),
	)
	if res.Allowed {
		return true
	}

	st.outcome = OutcomeRateLimited
	st.bucket = b
	d.metrics.IncRateLimited(b.String())
	w.Header().Set("Retry-After", strconv.FormatInt(int64(res.RetryAfter().Seconds()), 10))
	writeError(w, http.StatusTooManyRequests, MsgRateLimited, "")
	return false
}

func (d *Dispatcher) authenticate(w *statusWriter, r *http.Request, st *state, vis routes.Visibility) (auth.Claim, bool) {
	_, span := d.tracer.Start(r.Context(), "gateway.auth",
		trace.WithAttributes(attribute.String("route.visibility", vis.String())))
	defer span.End()

	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if errors.Is(err, auth.ErrMissingCredential) {
		st.outcome = OutcomeUnauthorized
		st.reason = "missing"
		d.metrics.IncAuthFailure("missing")
		writeError(w, http.StatusUnauthorized, MsgMissingCredential, "")
		return auth.Claim{}, false
	}
	if err != nil {
		st.outcome = OutcomeUnauthorized
		st.reason = "malformed"
		d.metrics.IncAuthFailure("invalid")
		writeError(w, http.StatusUnauthorized, MsgInvalidCredential, "")
		return auth.Claim{}, false
	}

	claim, err := d.verifier.Verify(token)
	if err != nil {
		st.outcome = OutcomeUnauthorized
		st.reason = "invalid"
		d.metrics.IncAuthFailure("invalid")
		d.logger.Debug("token rejected", "error", err, "path", r.URL.Path)
		writeError(w, http.StatusUnauthorized, MsgInvalidCredential, "")
		return auth.Claim{}, false
	}
	st.subject = claim.Subject
	span.SetAttributes(attribute.String("user.role", claim.Role))

	if vis == routes.Admin && !claim.IsAdmin() {
		st.outcome = OutcomeForbidden
		st.reason = "role " + claim.Role
		d.metrics.IncAuthFailure("forbidden")
		writeError(w, http.StatusForbidden, MsgForbidden, "")
		return auth.Claim{}, false
	}
	return claim, true
}

// finish logs, counts, traces and audits the request exactly once.
func (d *Dispatcher) finish(r *http.Request, w *statusWriter, st *state, reqID string, elapsed time.Duration, span trace.Span) {
	defer span.End()

	status := w.code
	if st.outcome == OutcomeCanceled {
		status = OutcomeCanceled.Status()
	}
	d.metrics.ObserveRequest(r.Method, st.outcome.String(), status, elapsed)
	span.SetAttributes(
		attribute.String("gateway.outcome", st.outcome.String()),
		attribute.Int("http.response.status_code", status),
	)
	if st.outcome == OutcomeInternalError || st.outcome == OutcomeUpstreamFailed {
		span.SetStatus(codes.Error, st.outcome.String())
	}

	level := slog.LevelInfo
	switch st.outcome {
	case OutcomeUpstreamFailed:
		level = slog.LevelWarn
	case OutcomeInternalError:
		level = slog.LevelError
	case OutcomeCanceled:
		level = slog.LevelDebug
	}
	attrs := []slog.Attr{
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("outcome", st.outcome.String()),
		slog.Int("status", status),
		slog.Duration("duration", elapsed),
		slog.String("client", st.client),
	}
	if st.service != "" {
		attrs = append(attrs, slog.String("service", st.service))
	}
	if st.subject != "" {
		attrs = append(attrs, slog.String("user", st.subject))
	}
	if st.upstream != nil {
		attrs = append(attrs, slog.String("upstream_error", st.upstream.Err.Error()))
	}
	d.logger.LogAttrs(r.Context(), level, "request", attrs...)

	if st.outcome == OutcomeCompleted || st.outcome == OutcomeCanceled {
		return
	}
	ev := audit.Event{
		RequestID: reqID,
		Outcome:   st.outcome.String(),
		Status:    status,
		Method:    r.Method,
		Path:      r.URL.Path,
		Client:    st.client,
		Subject:   st.subject,
		Service:   st.service,
		Reason:    st.reason,
	}
	if st.outcome == OutcomeRateLimited {
		ev.Bucket = st.bucket.String()
	}
	d.audit.Emit(ev)
}

// validRequestID accepts client-supplied ids that are safe to log and
// propagate: bounded length, alphanumerics and -_.: only.
func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}
