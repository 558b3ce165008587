// Package proxy forwards classified requests to the backend services.
// Each service gets its own httputil.ReverseProxy over a shared transport.
// The proxy performs no authorization: it trusts the caller to have
// classified and authenticated the request, and only translates the
// verified identity into X-User-Id / X-User-Role headers.
package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/foodhub/gateway/internal/auth"
	"github.com/foodhub/gateway/internal/config"
)

// Identity headers set toward upstreams. Inbound copies are always dropped.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserRole  = "X-User-Role"
	HeaderRequestID = "X-Request-Id"
)

var (
	// ErrUnknownService is returned by Forward for a service with no target.
	ErrUnknownService = errors.New("proxy: unknown service")
	// ErrUpstreamUnavailable marks failures to obtain an upstream response.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// UpstreamError describes a failed forward. The wrapped error is for logs
// only and must not reach clients.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.Err} }

// Timeout reports whether the upstream failed to answer in time.
func (e *UpstreamError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// ErrorHandler writes the response for a failed forward.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err *UpstreamError)

// Target is one upstream service.
type Target struct {
	Name    string
	BaseURL string
}

// Option configures optional proxy behavior.
type Option func(*Proxy)

// WithTimeout bounds the wait for upstream response headers.
func WithTimeout(d time.Duration) Option { return func(p *Proxy) { p.timeout = d } }

// WithDialTimeout bounds connection establishment.
func WithDialTimeout(d time.Duration) Option { return func(p *Proxy) { p.dialTimeout = d } }

// WithIdlePool tunes the idle connection pool shared by all targets.
func WithIdlePool(maxIdle int, idleTimeout time.Duration) Option {
	return func(p *Proxy) {
		p.maxIdleConns = maxIdle
		p.idleConnTimeout = idleTimeout
	}
}

// WithH2C speaks cleartext HTTP/2 to upstreams.
func WithH2C() Option { return func(p *Proxy) { p.h2c = true } }

// WithErrorHandler replaces the default 502 writer.
func WithErrorHandler(h ErrorHandler) Option { return func(p *Proxy) { p.onError = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Proxy) { p.logger = l } }

// WithTransport overrides the upstream transport entirely.
func WithTransport(rt http.RoundTripper) Option { return func(p *Proxy) { p.transport = rt } }

// Proxy holds one reverse proxy per upstream service. Safe for concurrent
// use; the only state is the transport's connection pool.
type Proxy struct {
	backends map[string]*backend

	timeout         time.Duration
	dialTimeout     time.Duration
	maxIdleConns    int
	idleConnTimeout time.Duration
	h2c             bool
	transport       http.RoundTripper
	onError         ErrorHandler
	logger          *slog.Logger
}

type backend struct {
	name string
	url  *url.URL
	rp   *httputil.ReverseProxy
}

// New builds a proxy for targets. Names must be unique and base URLs
// absolute http(s) URLs.
func New(targets []Target, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		backends:        make(map[string]*backend, len(targets)),
		timeout:         10 * time.Second,
		dialTimeout:     5 * time.Second,
		maxIdleConns:    100,
		idleConnTimeout: 90 * time.Second,
		logger:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.onError == nil {
		p.onError = WriteUpstreamError
	}
	if p.transport == nil {
		p.transport = p.buildTransport()
	}

	for _, t := range targets {
		if t.Name == "" {
			return nil, errors.New("proxy: target without a name")
		}
		if _, dup := p.backends[t.Name]; dup {
			return nil, fmt.Errorf("proxy: duplicate target %q", t.Name)
		}
		u, err := url.Parse(t.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("proxy: invalid URL for %s %q: %w", t.Name, t.BaseURL, err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("proxy: URL for %s must be absolute http(s), got %q", t.Name, t.BaseURL)
		}
		b := &backend{name: t.Name, url: u}
		b.rp = p.buildReverseProxy(b)
		p.backends[t.Name] = b
	}
	return p, nil
}

// NewFromConfig builds the proxy for the configured upstreams.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Proxy, error) {
	ups := cfg.Upstreams.List()
	targets := make([]Target, 0, len(ups))
	for _, u := range ups {
		targets = append(targets, Target{Name: u.Name, BaseURL: u.URL})
	}

	base := []Option{
		WithLogger(logger),
		WithTimeout(config.MustParseDuration(cfg.Proxy.Timeout, 10*time.Second)),
		WithDialTimeout(config.MustParseDuration(cfg.Proxy.DialTimeout, 5*time.Second)),
		WithIdlePool(cfg.Proxy.MaxIdleConns, config.MustParseDuration(cfg.Proxy.IdleConnTimeout, 90*time.Second)),
	}
	if cfg.Proxy.H2CUpstreams {
		base = append(base, WithH2C())
	}
	return New(targets, append(base, opts...)...)
}

func (p *Proxy) buildTransport() http.RoundTripper {
	dialer := &net.Dialer{Timeout: p.dialTimeout, KeepAlive: 30 * time.Second}

	if p.h2c {
		// http2.Transport has no ResponseHeaderTimeout of its own.
		return &headerTimeoutTransport{
			next: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					return dialer.DialContext(ctx, network, addr)
				},
				ReadIdleTimeout: 30 * time.Second,
				PingTimeout:     15 * time.Second,
			},
			timeout: p.timeout,
		}
	}

	return &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          p.maxIdleConns,
		MaxIdleConnsPerHost:   p.maxIdleConns,
		IdleConnTimeout:       p.idleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: p.timeout,
	}
}

// headerTimeoutTransport cancels a round trip whose response headers do not
// arrive within timeout. The body, once headers are in, is not bounded.
type headerTimeoutTransport struct {
	next    http.RoundTripper
	timeout time.Duration
}

func (t *headerTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.next.RoundTrip(req)
	}
	ctx, cancel := context.WithCancel(req.Context())
	timer := time.AfterFunc(t.timeout, cancel)

	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if !timer.Stop() {
		if err == nil {
			_ = resp.Body.Close()
		}
		cancel()
		return nil, &headerTimeoutError{timeout: t.timeout}
	}
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// headerTimeoutError satisfies net.Error so UpstreamError.Timeout reports it.
type headerTimeoutError struct {
	timeout time.Duration
}

func (e *headerTimeoutError) Error() string {
	return fmt.Sprintf("no response headers from upstream within %s", e.timeout)
}

func (e *headerTimeoutError) Timeout() bool   { return true }
func (e *headerTimeoutError) Temporary() bool { return true }

func (p *Proxy) buildReverseProxy(b *backend) *httputil.ReverseProxy {
	target := b.url
	return &httputil.ReverseProxy{
		// Identity headers are set here, after hop-by-hop removal.
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del(HeaderUserID)
			pr.Out.Header.Del(HeaderUserRole)
			if c, ok := auth.ClaimFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderUserID, c.Subject)
				pr.Out.Header.Set(HeaderUserRole, c.Role)
			}
		},
		Transport:     p.transport,
		FlushInterval: -1,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			if isClientDisconnect(req.Context(), err) {
				p.logger.Debug("client went away before upstream responded",
					"service", b.name, "path", req.URL.Path, "error", err)
				return
			}
			upErr := &UpstreamError{Service: b.name, Err: err}
			p.logger.Error("proxy error", "service", b.name, "path", req.URL.Path,
				"timeout", upErr.Timeout(), "error", err)
			p.onError(rw, req, upErr)
		},
	}
}

// Forward relays r to the named service and streams the response to w.
// A non-nil claim is injected as identity headers. Upstream failures are
// reported through the error handler, not the return value.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, service string, claim *auth.Claim) error {
	b, ok := p.backends[service]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	if claim != nil {
		r = r.WithContext(auth.WithClaim(r.Context(), *claim))
	}
	b.rp.ServeHTTP(w, r)
	return nil
}

// Targets lists the configured service names.
func (p *Proxy) Targets() []string {
	names := make([]string, 0, len(p.backends))
	for name := range p.backends {
		names = append(names, name)
	}
	return names
}

// WriteUpstreamError is the default ErrorHandler:
// 502 {"message":"Service unavailable","service":"<name>"}.
func WriteUpstreamError(w http.ResponseWriter, _ *http.Request, err *UpstreamError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(struct {
		Message string `json:"message"`
		Service string `json:"service"`
	}{"Service unavailable", err.Service})
}

// isClientDisconnect must be given the inbound request context: the header
// timeout cancels only a context derived inside the transport.
func isClientDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "client disconnected")
}
