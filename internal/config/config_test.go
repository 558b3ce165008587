package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// isolateEnv points the loader at a missing file and sets the minimum
// required secret, so ambient variables on the host do not leak in.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("FOODHUB_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("FOODHUB_AUTH_SECRET", testSecret)
	for _, k := range []string{
		"PORT", "JWT_SECRET", "USER_SERVICE_URL", "MENU_SERVICE_URL",
		"ORDER_SERVICE_URL", "PAYMENT_SERVICE_URL", "REVIEW_SERVICE_URL",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	t.Run("matches the local deployment layout", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":3000", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, "http://localhost:3001", cfg.Upstreams.User.URL)
		assert.Equal(t, "http://localhost:3002", cfg.Upstreams.Menu.URL)
		assert.Equal(t, "http://localhost:3003", cfg.Upstreams.Order.URL)
		assert.Equal(t, "http://localhost:3004", cfg.Upstreams.Payment.URL)
		assert.Equal(t, "http://localhost:3005", cfg.Upstreams.Review.URL)
		assert.Equal(t, AlgHS256, cfg.Auth.Algorithm)
		assert.Equal(t, "10s", cfg.Proxy.Timeout)
		assert.Equal(t, RateLimitStoreMemory, cfg.RateLimit.Store)
		assert.Equal(t, int64(100), cfg.RateLimit.General.Requests)
		assert.Equal(t, int64(10), cfg.RateLimit.Auth.Requests)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Empty(t, cfg.Routes)
	})

	t.Run("defaults fail validation only for the missing secret", func(t *testing.T) {
		cfg := Defaults()
		err := Validate(cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "auth.secret")

		cfg.Auth.Secret = testSecret
		assert.NoError(t, Validate(cfg))
	})
}

func TestLoadFromPath(t *testing.T) {
	t.Run("parses YAML and normalizes upstream URLs", func(t *testing.T) {
		isolateEnv(t)
		path := writeConfig(t, `
server:
  address: ":8088"
upstreams:
  menu:
    url: "http://menu-service/"
  order:
    url: "https://orders.internal"
rate_limit:
  store: InMemory
logging:
  level: DEBUG
  format: text
`)
		_, err := LoadFromPath(path)
		require.Error(t, err, "InMemory is not a valid store")

		path = writeConfig(t, `
server:
  address: ":8088"
upstreams:
  menu:
    url: "http://menu-service/"
  order:
    url: "https://orders.internal"
rate_limit:
  failure_policy: FailClosed
logging:
  level: DEBUG
  format: text
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)

		assert.Equal(t, ":8088", cfg.Server.Address)
		assert.Equal(t, "http://menu-service:80", cfg.Upstreams.Menu.URL)
		assert.Equal(t, "https://orders.internal:443", cfg.Upstreams.Order.URL)
		assert.Equal(t, FailurePolicyFailClosed, cfg.RateLimit.FailurePolicy)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		isolateEnv(t)
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":3000", cfg.Server.Address)
		assert.Equal(t, "http://localhost:3002", cfg.Upstreams.Menu.URL)
	})

	t.Run("malformed YAML is reported with the file name", func(t *testing.T) {
		isolateEnv(t)
		path := writeConfig(t, "server: [unterminated")
		_, err := LoadFromPath(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), path)
	})

	t.Run("parses an ordered route table", func(t *testing.T) {
		isolateEnv(t)
		path := writeConfig(t, `
routes:
  - pattern: /api/menu/dishes
    methods: [GET]
    visibility: Public
  - pattern: /api/users/login
    methods: [POST]
    visibility: public
    bucket: AUTH
`)
		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		require.Len(t, cfg.Routes, 2)
		assert.Equal(t, "public", cfg.Routes[0].Visibility)
		assert.Equal(t, "auth", cfg.Routes[1].Bucket)
		assert.Equal(t, []string{"POST"}, cfg.Routes[1].Methods)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("prefixed variables override the file", func(t *testing.T) {
		isolateEnv(t)
		path := writeConfig(t, "server:\n  address: \":7000\"\n")
		t.Setenv("FOODHUB_SERVER_ADDRESS", ":7777")
		t.Setenv("FOODHUB_UPSTREAMS_REVIEW_URL", "http://reviews:9000")
		t.Setenv("FOODHUB_RATE_LIMIT_AUTH_REQUESTS", "3")
		t.Setenv("FOODHUB_RATE_LIMIT_TRUSTED_PROXIES", "10.0.0.0/8,192.168.0.0/16")

		cfg, err := LoadFromPath(path)
		require.NoError(t, err)
		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, "http://reviews:9000", cfg.Upstreams.Review.URL)
		assert.Equal(t, int64(3), cfg.RateLimit.Auth.Requests)
		assert.Equal(t, []string{"10.0.0.0/8", "192.168.0.0/16"}, cfg.RateLimit.TrustedProxies)
	})

	t.Run("legacy variables are honoured", func(t *testing.T) {
		isolateEnv(t)
		t.Setenv("FOODHUB_AUTH_SECRET", "")
		t.Setenv("PORT", "4000")
		t.Setenv("JWT_SECRET", "legacy-secret-value-1234")
		t.Setenv("MENU_SERVICE_URL", "http://menu-service:3002")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":4000", cfg.Server.Address)
		assert.Equal(t, "legacy-secret-value-1234", cfg.Auth.Secret.Value())
		assert.Equal(t, "http://menu-service:3002", cfg.Upstreams.Menu.URL)
	})

	t.Run("prefixed variables win over legacy ones", func(t *testing.T) {
		isolateEnv(t)
		t.Setenv("PORT", "4000")
		t.Setenv("FOODHUB_SERVER_ADDRESS", ":5000")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":5000", cfg.Server.Address)
		assert.Equal(t, testSecret, cfg.Auth.Secret.Value())
	})

	t.Run("unparsable numbers are errors", func(t *testing.T) {
		isolateEnv(t)
		t.Setenv("FOODHUB_RATE_LIMIT_GENERAL_REQUESTS", "lots")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		cfg.Auth.Secret = testSecret
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty upstream url", func(c *Config) { c.Upstreams.Payment.URL = "" }, "upstreams.payment.url is required"},
		{"upstream without scheme", func(c *Config) { c.Upstreams.User.URL = "user-service:3001" }, "upstreams.user.url"},
		{"upstream with unsupported scheme", func(c *Config) { c.Upstreams.User.URL = "ftp://user:21" }, "unsupported scheme"},
		{"upstream with query", func(c *Config) { c.Upstreams.User.URL = "http://user:3001/?x=1" }, "query"},
		{"bad duration", func(c *Config) { c.Proxy.Timeout = "soon" }, "proxy.timeout"},
		{"negative duration", func(c *Config) { c.Proxy.Timeout = "-1s" }, "must not be negative"},
		{"tls without files", func(c *Config) { c.Server.TLS.Enabled = true }, "cert_file"},
		{"http3 without tls", func(c *Config) { c.Server.TLS.HTTP3Enabled = true }, "QUIC"},
		{"unknown algorithm", func(c *Config) { c.Auth.Algorithm = "none" }, "auth.algorithm"},
		{"short secret", func(c *Config) { c.Auth.Secret = "short" }, "16 bytes"},
		{"rsa without key", func(c *Config) { c.Auth.Algorithm = AlgRS256 }, "public_key_file"},
		{"unknown store", func(c *Config) { c.RateLimit.Store = "etcd" }, "rate_limit.store"},
		{"zero budget", func(c *Config) { c.RateLimit.General.Requests = 0 }, "rate_limit.general.requests"},
		{"sub-second window", func(c *Config) { c.RateLimit.Auth.Window = "500ms" }, "at least 1s"},
		{"auth not stricter", func(c *Config) { c.RateLimit.Auth.Requests = 100 }, "stricter"},
		{"unknown failure policy", func(c *Config) { c.RateLimit.FailurePolicy = "ignore" }, "failure_policy"},
		{"bad trusted proxy", func(c *Config) { c.RateLimit.TrustedProxies = []string{"10.0.0.1"} }, "trusted_proxies"},
		{"redis sentinel without master", func(c *Config) {
			c.RateLimit.Store = RateLimitStoreRedis
			c.Redis.Mode = RedisModeSentinel
		}, "master_name"},
		{"redis single with many endpoints", func(c *Config) {
			c.RateLimit.Store = RateLimitStoreRedis
			c.Redis.Endpoints = []string{"a:6379", "b:6379"}
		}, "single mode"},
		{"relative route pattern", func(c *Config) {
			c.Routes = []RouteRuleConfig{{Pattern: "api/menu", Visibility: "public"}}
		}, "must start with /"},
		{"unknown route visibility", func(c *Config) {
			c.Routes = []RouteRuleConfig{{Pattern: "/api/menu", Visibility: "private"}}
		}, "visibility"},
		{"audit without url", func(c *Config) { c.Audit.Enabled = true }, "audit.url"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"tracing without endpoint", func(c *Config) { c.Tracing.Enabled = true }, "tracing.endpoint"},
		{"sample rate out of range", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("redis settings are ignored for the memory store", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = "bogus"
		assert.NoError(t, Validate(cfg))
	})
}

func TestRedactedString(t *testing.T) {
	t.Run("masks the value in every printable form", func(t *testing.T) {
		s := RedactedString("hunter2hunter2hunter2")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%#v", s))

		b, err := json.Marshal(struct{ S RedactedString }{s})
		require.NoError(t, err)
		assert.JSONEq(t, `{"S":"[REDACTED]"}`, string(b))
		assert.Equal(t, "hunter2hunter2hunter2", s.Value())
	})

	t.Run("empty value stays empty", func(t *testing.T) {
		assert.Equal(t, "", RedactedString("").String())
	})
}

func TestBucketConfig(t *testing.T) {
	t.Run("computes the average budget", func(t *testing.T) {
		assert.InDelta(t, 2.0, BucketConfig{Requests: 120, Window: "1m"}.PerSecond(), 1e-9)
	})
}

func TestUpstreamsList(t *testing.T) {
	t.Run("lists every service in a stable order", func(t *testing.T) {
		list := Defaults().Upstreams.List()
		names := make([]string, 0, len(list))
		for _, u := range list {
			names = append(names, u.Name)
		}
		assert.Equal(t, []string{"user", "menu", "order", "payment", "review"}, names)
	})
}
