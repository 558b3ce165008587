// Package server runs the gateway's listeners: the main listener serving
// /health and the dispatcher, the admin listener with probes and
// Prometheus metrics, and an optional gRPC health service.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/foodhub/gateway/internal/audit"
	"github.com/foodhub/gateway/internal/auth"
	"github.com/foodhub/gateway/internal/config"
	"github.com/foodhub/gateway/internal/gateway"
	"github.com/foodhub/gateway/internal/observability"
	"github.com/foodhub/gateway/internal/proxy"
	"github.com/foodhub/gateway/internal/ratelimit"
	"github.com/foodhub/gateway/internal/routes"
)

// Server owns every long-lived component of the gateway.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	http3Server *http3.Server
	adminServer *http.Server
	grpcServer  *grpc.Server
	grpcHealth  *health.Server

	limiter *ratelimit.Limiter
	audit   *audit.Emitter
	health  *observability.HealthChecker
	metrics *observability.Metrics

	certs       *certHolder
	certWatcher *config.CertWatcher

	tracingShutdown func(context.Context) error

	ready     chan struct{}
	mainAddr  atomic.Pointer[string]
	adminAddr atomic.Pointer[string]
	grpcAddr  atomic.Pointer[string]
	closeOnce sync.Once
}

// New wires the gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	hc := observability.NewHealthChecker()

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("token verifier: %w", err)
	}

	rules, err := routes.FromConfig(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}
	classifier, err := routes.Compile(rules)
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	keys, err := ratelimit.NewClientIPStrategy(cfg.RateLimit.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	px, err := proxy.NewFromConfig(cfg, logger.With("component", "proxy"),
		proxy.WithErrorHandler(gateway.UpstreamErrorHandler))
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.NewFromConfig(cfg, logger.With("component", "ratelimit"))
	if err != nil {
		return nil, err
	}
	if cfg.RateLimit.Store == config.RateLimitStoreRedis {
		hc.SetRedisPinger(limiter)
	}

	emitter := audit.NewEmitter(cfg.Audit, logger, metrics)

	dispatcher, err := gateway.New(limiter, classifier, verifier, px,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithAudit(emitter),
		gateway.WithKeyFunc(keys.KeyFunc()),
	)
	if err != nil {
		_ = limiter.Close()
		return nil, err
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		version: version,
		limiter: limiter,
		audit:   emitter,
		health:  hc,
		metrics: metrics,
		ready:   make(chan struct{}),
	}

	if cfg.Server.TLS.Enabled {
		s.certs, err = newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if err != nil {
			_ = limiter.Close()
			return nil, err
		}
		s.certWatcher = config.NewCertWatcher(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile,
			s.reloadCerts, logger)
	}

	s.mainServer, s.http3Server = s.buildMainServer(NewHandler(dispatcher))
	s.adminServer = buildAdminServer(cfg, hc, reg)
	if cfg.Admin.GRPCAddress != "" {
		s.grpcServer, s.grpcHealth = buildGRPCHealthServer()
	}
	return s, nil
}

// NewHandler routes GET /health to the liveness endpoint and everything
// else to the dispatcher.
func NewHandler(dispatcher http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", observability.NewLiveness())
	mux.Handle("/", dispatcher)
	return mux
}

func (s *Server) buildMainServer(handler http.Handler) (*http.Server, *http3.Server) {
	cfg := s.cfg
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if s.certs == nil {
		srv.Handler = h2c.NewHandler(handler, h2s)
		return srv, nil
	}

	srv.TLSConfig = &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.certs.GetCertificate,
	}
	// Serve is given a TLS listener, so HTTP/2 must be configured by hand.
	if err := http2.ConfigureServer(srv, h2s); err != nil {
		s.logger.Warn("HTTP/2 over TLS disabled", "error", err)
	}
	srv.Handler = handler

	if !cfg.Server.TLS.HTTP3Enabled {
		return srv, nil
	}

	h3 := &http3.Server{
		Addr:           cfg.Server.Address,
		Handler:        handler,
		TLSConfig:      http3.ConfigureTLSConfig(srv.TLSConfig.Clone()),
		MaxHeaderBytes: 1 << 20,
		IdleTimeout:    idleTimeout,
		QUICConfig: &quic.Config{
			MaxIdleTimeout: idleTimeout,
			Allow0RTT:      false,
		},
	}
	srv.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h3.SetQUICHeaders(w.Header()); err != nil {
			s.logger.Debug("failed to set Alt-Svc header", "error", err)
		}
		handler.ServeHTTP(w, r)
	})
	return srv, h3
}

func buildAdminServer(cfg *config.Config, hc *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/startz", hc.StartzHandler())
	mux.Handle("/healthz", hc.HealthzHandler())
	mux.Handle("/readyz", hc.ReadyzHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func buildGRPCHealthServer() (*grpc.Server, *health.Server) {
	gs := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs, hs
}

func (s *Server) reloadCerts(certFile, keyFile string) {
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded")
}

// Ready is closed once every listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// MainAddr returns the bound main listener address, or "" before Ready.
func (s *Server) MainAddr() string { return loadAddr(&s.mainAddr) }

// AdminAddr returns the bound admin listener address, or "" before Ready.
func (s *Server) AdminAddr() string { return loadAddr(&s.adminAddr) }

// GRPCAddr returns the bound gRPC health address, or "" when disabled.
func (s *Server) GRPCAddr() string { return loadAddr(&s.grpcAddr) }

func loadAddr(p *atomic.Pointer[string]) string {
	if a := p.Load(); a != nil {
		return *a
	}
	return ""
}

func listen(addr string, into *atomic.Pointer[string]) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	bound := ln.Addr().String()
	into.Store(&bound)
	return ln, nil
}

// Run binds all listeners and serves until ctx is canceled or a listener
// fails, then drains in-flight requests for up to server.drain_timeout.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	mainLn, err := listen(s.cfg.Server.Address, &s.mainAddr)
	if err != nil {
		s.close(context.Background())
		return fmt.Errorf("main listener: %w", err)
	}
	adminLn, err := listen(s.cfg.Admin.Address, &s.adminAddr)
	if err != nil {
		_ = mainLn.Close()
		s.close(context.Background())
		return fmt.Errorf("admin listener: %w", err)
	}
	var grpcLn net.Listener
	if s.grpcServer != nil {
		if grpcLn, err = listen(s.cfg.Admin.GRPCAddress, &s.grpcAddr); err != nil {
			_ = mainLn.Close()
			_ = adminLn.Close()
			s.close(context.Background())
			return fmt.Errorf("grpc health listener: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("admin server starting", "address", adminLn.Addr().String())
		return serveErr("admin server", s.adminServer.Serve(adminLn))
	})

	g.Go(func() error {
		s.logger.Info("gateway server starting",
			"address", mainLn.Addr().String(),
			"tls", s.certs != nil,
			"http3", s.http3Server != nil)
		if s.certs != nil {
			return serveErr("gateway server", s.mainServer.Serve(tls.NewListener(mainLn, s.mainServer.TLSConfig)))
		}
		return serveErr("gateway server", s.mainServer.Serve(mainLn))
	})

	if s.http3Server != nil {
		g.Go(func() error {
			s.logger.Info("HTTP/3 server starting", "address", s.cfg.Server.Address)
			return serveErr("HTTP/3 server", s.http3Server.ListenAndServe())
		})
	}

	if s.grpcServer != nil {
		g.Go(func() error {
			s.logger.Info("gRPC health server starting", "address", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc health server: %w", err)
			}
			return nil
		})
	}

	if s.certWatcher != nil {
		g.Go(func() error {
			if err := s.certWatcher.Start(gctx); err != nil {
				s.logger.Error("TLS cert watcher stopped, certificates will not reload", "error", err)
			}
			return nil
		})
	}

	s.health.SetStarted()
	s.health.SetReady()
	if s.grpcHealth != nil {
		s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	close(s.ready)
	s.logger.Info("gateway is ready", "version", s.version)

	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			s.logger.Info("shutdown signal received, draining")
		}
		return s.shutdown()
	})

	return g.Wait()
}

func serveErr(name string, err error) error {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()
	if s.grpcHealth != nil {
		s.grpcHealth.Shutdown()
	}

	drain := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(ctx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}

	s.close(ctx)
	s.logger.Info("shutdown complete")
	return nil
}

// close releases non-listener resources. Safe to call more than once.
func (s *Server) close(ctx context.Context) {
	s.closeOnce.Do(func() {
		if s.certWatcher != nil {
			s.certWatcher.Stop()
		}
		if err := s.limiter.Close(); err != nil {
			s.logger.Error("rate limiter close error", "error", err)
		}
		if err := s.audit.Close(ctx); err != nil {
			s.logger.Warn("audit flush incomplete", "error", err)
		}
		if s.tracingShutdown != nil {
			if err := s.tracingShutdown(ctx); err != nil {
				s.logger.Error("tracing shutdown error", "error", err)
			}
		}
	})
}

// certHolder swaps the serving certificate atomically on reload.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

func (ch *certHolder) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}
