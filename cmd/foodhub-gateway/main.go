// Package main is the entry point for the FoodHub API gateway, the single
// public entry point in front of the user, menu, order, payment and review
// services.
//
// The gateway provides:
//   - Per-client fixed-window rate limiting, in memory or shared through Redis
//   - Bearer token verification and admin-only route enforcement
//   - Reverse proxying with identity propagation to the owning service
//   - Prometheus metrics, health probes, structured logging, OpenTelemetry tracing
//
// Usage:
//
//	foodhub-gateway                      serve until SIGINT/SIGTERM
//	foodhub-gateway version              print the build version
//	foodhub-gateway token -sub ID -role admin
//	                                     mint a token with the configured secret
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foodhub/gateway/internal/auth"
	"github.com/foodhub/gateway/internal/config"
	"github.com/foodhub/gateway/internal/observability"
	"github.com/foodhub/gateway/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("foodhub-gateway %s\n", version)
			return
		case "token":
			if err := runToken(os.Args[2:], os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting foodhub-gateway", "version", version, "config", config.ConfigFilePath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("foodhub-gateway shut down gracefully")
}

// runToken signs a token with the configured HMAC secret. Meant for local
// development against the gateway, not for production issuance.
func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "user id placed in the token (required)")
	role := fs.String("role", auth.RoleUser, "user role: user or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("token: -sub is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	lifetime := *ttl
	if lifetime == 0 {
		lifetime = config.MustParseDuration(cfg.Auth.TokenTTL, 24*time.Hour)
	}

	signer, err := auth.NewSigner([]byte(cfg.Auth.Secret.Value()), cfg.Auth.Algorithm, lifetime)
	if err != nil {
		return err
	}
	token, err := signer.Sign(auth.Claim{Subject: *sub, Role: *role})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
