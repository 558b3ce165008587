// Package config handles loading and validation of the gateway configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// FOODHUB_ prefix:
//
//	server.address        → FOODHUB_SERVER_ADDRESS
//	upstreams.menu.url    → FOODHUB_UPSTREAMS_MENU_URL
//	rate_limit.auth.window → FOODHUB_RATE_LIMIT_AUTH_WINDOW
//
// The unprefixed variables of the original deployment (PORT, JWT_SECRET,
// USER_SERVICE_URL, ...) are honoured too, below the prefixed ones.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via FOODHUB_CONFIG_FILE.
const defaultConfigFile = "/etc/foodhub/gateway.yaml"

// RateLimitStore selects where rate-limit counters live.
type RateLimitStore string

const (
	RateLimitStoreMemory RateLimitStore = "memory"
	RateLimitStoreRedis  RateLimitStore = "redis"
)

func (s RateLimitStore) Valid() bool {
	switch s {
	case RateLimitStoreMemory, RateLimitStoreRedis:
		return true
	}
	return false
}

// FailurePolicy controls behavior when the shared counter store is unreachable.
type FailurePolicy string

const (
	FailurePolicyPassThrough FailurePolicy = "passthrough"
	FailurePolicyFailClosed  FailurePolicy = "failclosed"
	FailurePolicyInMemory    FailurePolicy = "inmemory"
)

func (fp FailurePolicy) Valid() bool {
	switch fp {
	case FailurePolicyPassThrough, FailurePolicyFailClosed, FailurePolicyInMemory:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle   RedisMode = "single"
	RedisModeSentinel RedisMode = "sentinel"
	RedisModeCluster  RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// SigningAlgorithm is the JWT algorithm accepted by the token verifier.
type SigningAlgorithm string

const (
	AlgHS256 SigningAlgorithm = "HS256"
	AlgHS384 SigningAlgorithm = "HS384"
	AlgHS512 SigningAlgorithm = "HS512"
	AlgRS256 SigningAlgorithm = "RS256"
	AlgRS384 SigningAlgorithm = "RS384"
	AlgRS512 SigningAlgorithm = "RS512"
)

func (a SigningAlgorithm) Valid() bool {
	return a.IsHMAC() || a.IsRSA()
}

// IsHMAC reports whether the algorithm uses a shared secret.
func (a SigningAlgorithm) IsHMAC() bool {
	switch a {
	case AlgHS256, AlgHS384, AlgHS512:
		return true
	}
	return false
}

// IsRSA reports whether the algorithm uses an RSA key pair.
func (a SigningAlgorithm) IsRSA() bool {
	switch a {
	case AlgRS256, AlgRS384, AlgRS512:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig       `yaml:"admin"      envPrefix:"ADMIN_"`
	Auth      AuthConfig        `yaml:"auth"       envPrefix:"AUTH_"`
	Upstreams UpstreamsConfig   `yaml:"upstreams"  envPrefix:"UPSTREAMS_"`
	Proxy     ProxyConfig       `yaml:"proxy"      envPrefix:"PROXY_"`
	RateLimit RateLimitConfig   `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Redis     RedisConfig       `yaml:"redis"      envPrefix:"REDIS_"`
	Routes    []RouteRuleConfig `yaml:"routes"`
	Audit     AuditConfig       `yaml:"audit"      envPrefix:"AUDIT_"`
	Logging   LoggingConfig     `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig     `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the public listener settings.
type ServerConfig struct {
	Address      string          `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string          `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string          `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string          `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string          `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
	TLS          ServerTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// ServerTLSConfig holds optional TLS termination settings. Certificate files
// are watched and reloaded in place when they change on disk.
type ServerTLSConfig struct {
	Enabled      bool   `yaml:"enabled"       env:"ENABLED"`
	CertFile     string `yaml:"cert_file"     env:"CERT_FILE"`
	KeyFile      string `yaml:"key_file"      env:"KEY_FILE"`
	HTTP3Enabled bool   `yaml:"http3_enabled" env:"HTTP3_ENABLED"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address string `yaml:"address" env:"ADDRESS"`
	// GRPCAddress enables the grpc.health.v1 service when non-empty.
	GRPCAddress string `yaml:"grpc_address" env:"GRPC_ADDRESS"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	Algorithm     SigningAlgorithm `yaml:"algorithm"       env:"ALGORITHM"`
	Secret        RedactedString   `yaml:"secret"          env:"SECRET"`
	PublicKeyFile string           `yaml:"public_key_file" env:"PUBLIC_KEY_FILE"`
	Issuer        string           `yaml:"issuer"          env:"ISSUER"`
	Audience      string           `yaml:"audience"        env:"AUDIENCE"`
	Leeway        string           `yaml:"leeway"          env:"LEEWAY"`
	TokenTTL      string           `yaml:"token_ttl"       env:"TOKEN_TTL"`
}

// UpstreamConfig is a single backend service.
type UpstreamConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// UpstreamsConfig lists the backend services by domain.
type UpstreamsConfig struct {
	User    UpstreamConfig `yaml:"user"    envPrefix:"USER_"`
	Menu    UpstreamConfig `yaml:"menu"    envPrefix:"MENU_"`
	Order   UpstreamConfig `yaml:"order"   envPrefix:"ORDER_"`
	Payment UpstreamConfig `yaml:"payment" envPrefix:"PAYMENT_"`
	Review  UpstreamConfig `yaml:"review"  envPrefix:"REVIEW_"`
}

// Upstream pairs a logical service name with its configured base URL.
type Upstream struct {
	Name string
	URL  string
}

// List returns the upstreams in a stable order.
func (u UpstreamsConfig) List() []Upstream {
	return []Upstream{
		{Name: "user", URL: u.User.URL},
		{Name: "menu", URL: u.Menu.URL},
		{Name: "order", URL: u.Order.URL},
		{Name: "payment", URL: u.Payment.URL},
		{Name: "review", URL: u.Review.URL},
	}
}

// ProxyConfig tunes the outbound transport shared by all upstreams.
type ProxyConfig struct {
	Timeout         string `yaml:"timeout"           env:"TIMEOUT"`
	DialTimeout     string `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	MaxIdleConns    int    `yaml:"max_idle_conns"    env:"MAX_IDLE_CONNS"`
	IdleConnTimeout string `yaml:"idle_conn_timeout" env:"IDLE_CONN_TIMEOUT"`
	// H2CUpstreams speaks cleartext HTTP/2 to upstreams instead of HTTP/1.1.
	H2CUpstreams bool `yaml:"h2c_upstreams" env:"H2C_UPSTREAMS"`
}

// BucketConfig is a fixed-window budget: Requests per Window.
type BucketConfig struct {
	Requests int64  `yaml:"requests" env:"REQUESTS"`
	Window   string `yaml:"window"   env:"WINDOW"`
}

// PerSecond returns the average budget in requests per second.
func (b BucketConfig) PerSecond() float64 {
	w := MustParseDuration(b.Window, time.Minute)
	if w <= 0 {
		return 0
	}
	return float64(b.Requests) / w.Seconds()
}

// RateLimitConfig holds per-client rate limiting settings.
type RateLimitConfig struct {
	Store         RateLimitStore `yaml:"store"          env:"STORE"`
	General       BucketConfig   `yaml:"general"        envPrefix:"GENERAL_"`
	Auth          BucketConfig   `yaml:"auth"           envPrefix:"AUTH_"`
	FailurePolicy FailurePolicy  `yaml:"failure_policy" env:"FAILURE_POLICY"`
	KeyPrefix     string         `yaml:"key_prefix"     env:"KEY_PREFIX"`
	RedisTimeout  string         `yaml:"redis_timeout"  env:"REDIS_TIMEOUT"`
	MaxKeys       int64          `yaml:"max_keys"       env:"MAX_KEYS"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For / X-Real-IP headers
	// are believed when deriving the client key.
	TrustedProxies []string `yaml:"trusted_proxies" env:"TRUSTED_PROXIES" envSeparator:","`

	// BackstopRPS caps total throughput while the shared store is down and
	// the failure policy is passthrough. 0 disables the backstop.
	BackstopRPS float64 `yaml:"backstop_rps" env:"BACKSTOP_RPS"`
}

// RedisConfig holds Redis connection and topology settings. Only used when
// rate_limit.store is redis.
type RedisConfig struct {
	Endpoints    []string       `yaml:"endpoints"     env:"ENDPOINTS" envSeparator:","`
	Mode         RedisMode      `yaml:"mode"          env:"MODE"`
	MasterName   string         `yaml:"master_name"   env:"MASTER_NAME"`
	Username     string         `yaml:"username"      env:"USERNAME"`
	Password     RedactedString `yaml:"password"      env:"PASSWORD"`
	DB           int            `yaml:"db"            env:"DB"`
	PoolSize     int            `yaml:"pool_size"     env:"POOL_SIZE"`
	DialTimeout  string         `yaml:"dial_timeout"  env:"DIAL_TIMEOUT"`
	ReadTimeout  string         `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string         `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	TLS          RedisTLSConfig `yaml:"tls"           envPrefix:"TLS_"`
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// RouteRuleConfig is one entry of the ordered route table. An empty table
// selects the built-in food-ordering rules.
type RouteRuleConfig struct {
	Pattern    string   `yaml:"pattern"`
	Methods    []string `yaml:"methods"`
	Visibility string   `yaml:"visibility"`
	Bucket     string   `yaml:"bucket"`
}

// AuditConfig enables the batched webhook of denied and failed requests.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"        env:"ENABLED"`
	URL           string `yaml:"url"            env:"URL"`
	BatchSize     int    `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int    `yaml:"buffer_size"    env:"BUFFER_SIZE"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON(). Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

func (r RedactedString) GoString() string { return r.String() }

func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// legacyEnv holds the variable names used by the original Node deployment.
// They sit between the YAML file and the FOODHUB_ variables in precedence.
type legacyEnv struct {
	Port       string `env:"PORT"`
	JWTSecret  string `env:"JWT_SECRET"`
	UserURL    string `env:"USER_SERVICE_URL"`
	MenuURL    string `env:"MENU_SERVICE_URL"`
	OrderURL   string `env:"ORDER_SERVICE_URL"`
	PaymentURL string `env:"PAYMENT_SERVICE_URL"`
	ReviewURL  string `env:"REVIEW_SERVICE_URL"`
}

func (l legacyEnv) apply(cfg *Config) {
	if l.Port != "" {
		cfg.Server.Address = ":" + l.Port
	}
	if l.JWTSecret != "" {
		cfg.Auth.Secret = RedactedString(l.JWTSecret)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Upstreams.User.URL, l.UserURL)
	set(&cfg.Upstreams.Menu.URL, l.MenuURL)
	set(&cfg.Upstreams.Order.URL, l.OrderURL)
	set(&cfg.Upstreams.Payment.URL, l.PaymentURL)
	set(&cfg.Upstreams.Review.URL, l.ReviewURL)
}

// Defaults returns a Config populated with the values of a local
// docker-compose style deployment.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":3000",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
			IdleTimeout:  "120s",
			DrainTimeout: "15s",
		},
		Admin: AdminConfig{
			Address: ":9090",
		},
		Auth: AuthConfig{
			Algorithm: AlgHS256,
			Leeway:    "0s",
			TokenTTL:  "24h",
		},
		Upstreams: UpstreamsConfig{
			User:    UpstreamConfig{URL: "http://localhost:3001"},
			Menu:    UpstreamConfig{URL: "http://localhost:3002"},
			Order:   UpstreamConfig{URL: "http://localhost:3003"},
			Payment: UpstreamConfig{URL: "http://localhost:3004"},
			Review:  UpstreamConfig{URL: "http://localhost:3005"},
		},
		Proxy: ProxyConfig{
			Timeout:         "10s",
			DialTimeout:     "5s",
			MaxIdleConns:    100,
			IdleConnTimeout: "90s",
		},
		RateLimit: RateLimitConfig{
			Store:         RateLimitStoreMemory,
			General:       BucketConfig{Requests: 100, Window: "15m"},
			Auth:          BucketConfig{Requests: 10, Window: "15m"},
			FailurePolicy: FailurePolicyInMemory,
			KeyPrefix:     "foodhub:rl:",
			RedisTimeout:  "500ms",
			MaxKeys:       100_000,
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		Audit: AuditConfig{
			BatchSize:     100,
			FlushInterval: "5s",
			BufferSize:    10000,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "foodhub-gateway",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	if p := os.Getenv("FOODHUB_CONFIG_FILE"); p != "" {
		return p
	}
	return defaultConfigFile
}

// Load reads configuration from the YAML file named by FOODHUB_CONFIG_FILE
// (or the default path) and overlays environment variables.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. A missing file is not an error.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}

	var legacy legacyEnv
	if envErr := env.Parse(&legacy); envErr != nil {
		return nil, fmt.Errorf("parsing legacy environment variables: %w", envErr)
	}
	legacy.apply(cfg)

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "FOODHUB_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize canonicalizes enum spellings so "InMemory" or "hs256" match.
func (cfg *Config) normalize() {
	cfg.RateLimit.Store = RateLimitStore(strings.ToLower(string(cfg.RateLimit.Store)))
	cfg.RateLimit.FailurePolicy = FailurePolicy(strings.ToLower(string(cfg.RateLimit.FailurePolicy)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Auth.Algorithm = SigningAlgorithm(strings.ToUpper(string(cfg.Auth.Algorithm)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
	for i := range cfg.Routes {
		cfg.Routes[i].Visibility = strings.ToLower(strings.TrimSpace(cfg.Routes[i].Visibility))
		cfg.Routes[i].Bucket = strings.ToLower(strings.TrimSpace(cfg.Routes[i].Bucket))
	}
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	validators := []func(*Config) error{
		validateUpstreams,
		validateDurations,
		validateTLS,
		validateAuth,
		validateRateLimit,
		validateRedis,
		validateRoutes,
		validateAudit,
		validateLogging,
		validateTracing,
	}
	for _, v := range validators {
		if err := v(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateUpstreams(cfg *Config) error {
	fields := []struct {
		name string
		dst  *string
	}{
		{"upstreams.user.url", &cfg.Upstreams.User.URL},
		{"upstreams.menu.url", &cfg.Upstreams.Menu.URL},
		{"upstreams.order.url", &cfg.Upstreams.Order.URL},
		{"upstreams.payment.url", &cfg.Upstreams.Payment.URL},
		{"upstreams.review.url", &cfg.Upstreams.Review.URL},
	}
	for _, f := range fields {
		if *f.dst == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		normalized, err := normalizeURL(*f.dst)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, *f.dst, err)
		}
		*f.dst = normalized
	}
	return nil
}

// normalizeURL parses a URL and ensures the host always has an explicit port.
// If no port is specified, the scheme default is appended.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("scheme and host are required")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("query and fragment are not allowed")
	}
	if u.Port() == "" {
		if strings.EqualFold(u.Scheme, "https") {
			u.Host += ":443"
		} else {
			u.Host += ":80"
		}
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String(), nil
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"auth.leeway", cfg.Auth.Leeway},
		{"auth.token_ttl", cfg.Auth.TokenTTL},
		{"proxy.timeout", cfg.Proxy.Timeout},
		{"proxy.dial_timeout", cfg.Proxy.DialTimeout},
		{"proxy.idle_conn_timeout", cfg.Proxy.IdleConnTimeout},
		{"rate_limit.redis_timeout", cfg.RateLimit.RedisTimeout},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"audit.flush_interval", cfg.Audit.FlushInterval},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
		if v < 0 {
			return fmt.Errorf("invalid %s %q: must not be negative", d.name, d.val)
		}
	}
	return nil
}

func validateTLS(cfg *Config) error {
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
		}
	}
	if cfg.Server.TLS.HTTP3Enabled && !cfg.Server.TLS.Enabled {
		return fmt.Errorf("server.tls.http3_enabled requires server.tls.enabled to be true (QUIC mandates TLS)")
	}
	return nil
}

func validateAuth(cfg *Config) error {
	a := cfg.Auth
	if !a.Algorithm.Valid() {
		return fmt.Errorf("invalid auth.algorithm %q", a.Algorithm)
	}
	if a.Algorithm.IsHMAC() {
		if a.Secret == "" {
			return fmt.Errorf("auth.secret is required for %s", a.Algorithm)
		}
		if len(a.Secret.Value()) < 16 {
			return fmt.Errorf("auth.secret must be at least 16 bytes")
		}
	}
	if a.Algorithm.IsRSA() && a.PublicKeyFile == "" {
		return fmt.Errorf("auth.public_key_file is required for %s", a.Algorithm)
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	rl := cfg.RateLimit
	if !rl.Store.Valid() {
		return fmt.Errorf("invalid rate_limit.store %q: must be memory or redis", rl.Store)
	}
	for _, b := range []struct {
		name string
		cfg  BucketConfig
	}{
		{"rate_limit.general", rl.General},
		{"rate_limit.auth", rl.Auth},
	} {
		if b.cfg.Requests < 1 {
			return fmt.Errorf("%s.requests must be >= 1", b.name)
		}
		w, err := time.ParseDuration(b.cfg.Window)
		if err != nil {
			return fmt.Errorf("invalid %s.window %q: %w", b.name, b.cfg.Window, err)
		}
		if w < time.Second {
			return fmt.Errorf("%s.window must be at least 1s", b.name)
		}
	}
	if rl.Auth.PerSecond() >= rl.General.PerSecond() {
		return fmt.Errorf("rate_limit.auth must be stricter than rate_limit.general")
	}
	if fp := rl.FailurePolicy; !fp.Valid() {
		return fmt.Errorf("invalid rate_limit.failure_policy %q: must be passthrough, failclosed, or inmemory", fp)
	}
	if rl.BackstopRPS < 0 {
		return fmt.Errorf("rate_limit.backstop_rps must be >= 0")
	}
	for _, cidr := range rl.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid rate_limit.trusted_proxies entry %q: %w", cidr, err)
		}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.RateLimit.Store != RateLimitStoreRedis {
		return nil
	}
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	return nil
}

func validateRoutes(cfg *Config) error {
	for i, r := range cfg.Routes {
		if !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("routes[%d].pattern %q must start with /", i, r.Pattern)
		}
		switch r.Visibility {
		case "public", "authenticated", "admin":
		default:
			return fmt.Errorf("invalid routes[%d].visibility %q", i, r.Visibility)
		}
		switch r.Bucket {
		case "", "general", "auth":
		default:
			return fmt.Errorf("invalid routes[%d].bucket %q", i, r.Bucket)
		}
	}
	return nil
}

func validateAudit(cfg *Config) error {
	if cfg.Audit.Enabled && cfg.Audit.URL == "" {
		return fmt.Errorf("audit.url is required when audit is enabled")
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is empty.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}
