// Package auth verifies bearer credentials and turns them into identity
// claims. Verification is pure: the result depends only on the token, the
// key material and the clock.
package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/foodhub/gateway/internal/config"
)

// Well-known roles. Any other string is accepted and treated as a regular
// non-admin role.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	// ErrMissingCredential means no Authorization header was presented.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidCredential covers malformed, expired and badly signed tokens.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Claim is the identity extracted from a verified token. It lives for the
// duration of one request.
type Claim struct {
	Subject string
	Role    string
}

// IsAdmin reports whether the claim carries the admin role.
func (c Claim) IsAdmin() bool { return c.Role == RoleAdmin }

// Verifier validates a raw bearer token.
type Verifier interface {
	Verify(token string) (Claim, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(token string) (Claim, error)

func (f VerifierFunc) Verify(token string) (Claim, error) { return f(token) }

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("%w: expected Bearer scheme", ErrInvalidCredential)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty bearer token", ErrInvalidCredential)
	}
	return token, nil
}

type ctxKey struct{}

// WithClaim returns a copy of ctx carrying the verified claim.
func WithClaim(ctx context.Context, c Claim) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// ClaimFromContext returns the claim stored by WithClaim, if any.
func ClaimFromContext(ctx context.Context) (Claim, bool) {
	c, ok := ctx.Value(ctxKey{}).(Claim)
	return c, ok
}

// subjectID accepts both string and numeric identifiers.
type subjectID string

func (s *subjectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = subjectID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id must be a string or number")
	}
	*s = subjectID(n.String())
	return nil
}

type userClaim struct {
	ID   subjectID `json:"id"`
	Role string    `json:"role,omitempty"`
}

// tokenClaims accepts the nested {"user":{"id","role"}} payload issued by
// the user service as well as the flat {"sub","role"} form.
type tokenClaims struct {
	User *userClaim `json:"user,omitempty"`
	Role string     `json:"role,omitempty"`
	jwt.RegisteredClaims
}

func (tc *tokenClaims) identity() (Claim, error) {
	c := Claim{Subject: tc.Subject, Role: tc.Role}
	if tc.User != nil {
		if tc.User.ID != "" {
			c.Subject = string(tc.User.ID)
		}
		if tc.User.Role != "" {
			c.Role = tc.User.Role
		}
	}
	if c.Subject == "" {
		return Claim{}, fmt.Errorf("%w: token has no subject", ErrInvalidCredential)
	}
	if c.Role == "" {
		c.Role = RoleUser
	}
	return c, nil
}

// Option tunes registered-claim validation.
type Option func(*options)

type options struct {
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// WithIssuer requires the iss claim to equal issuer.
func WithIssuer(issuer string) Option { return func(o *options) { o.issuer = issuer } }

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) Option { return func(o *options) { o.audience = audience } }

// WithLeeway tolerates clock skew on exp, nbf and iat.
func WithLeeway(d time.Duration) Option { return func(o *options) { o.leeway = d } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func newParser(alg string, opts []Option) *jwt.Parser {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(o.leeway),
	}
	if o.issuer != "" {
		popts = append(popts, jwt.WithIssuer(o.issuer))
	}
	if o.audience != "" {
		popts = append(popts, jwt.WithAudience(o.audience))
	}
	if o.now != nil {
		popts = append(popts, jwt.WithTimeFunc(o.now))
	}
	return jwt.NewParser(popts...)
}

func verify(p *jwt.Parser, token string, key any) (Claim, error) {
	if token == "" {
		return Claim{}, ErrMissingCredential
	}
	var tc tokenClaims
	if _, err := p.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
		return Claim{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return tc.identity()
}

// HMACVerifier checks tokens signed with a shared secret.
type HMACVerifier struct {
	key    []byte
	parser *jwt.Parser
}

// NewHMACVerifier returns a verifier for HS256, HS384 or HS512.
func NewHMACVerifier(secret []byte, alg config.SigningAlgorithm, opts ...Option) (*HMACVerifier, error) {
	if !alg.IsHMAC() {
		return nil, fmt.Errorf("auth: %q is not an HMAC algorithm", alg)
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty HMAC secret")
	}
	return &HMACVerifier{key: secret, parser: newParser(string(alg), opts)}, nil
}

func (v *HMACVerifier) Verify(token string) (Claim, error) {
	return verify(v.parser, token, v.key)
}

// RSAVerifier checks tokens signed by a private key whose public half the
// gateway holds.
type RSAVerifier struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

// NewRSAVerifier returns a verifier for RS256, RS384 or RS512 from a
// PEM-encoded public key.
func NewRSAVerifier(publicKeyPEM []byte, alg config.SigningAlgorithm, opts ...Option) (*RSAVerifier, error) {
	if !alg.IsRSA() {
		return nil, fmt.Errorf("auth: %q is not an RSA algorithm", alg)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing RSA public key: %w", err)
	}
	return &RSAVerifier{key: key, parser: newParser(string(alg), opts)}, nil
}

func (v *RSAVerifier) Verify(token string) (Claim, error) {
	return verify(v.parser, token, v.key)
}

// NewVerifier builds the verifier selected by cfg.Algorithm.
func NewVerifier(cfg config.AuthConfig) (Verifier, error) {
	opts := []Option{
		WithIssuer(cfg.Issuer),
		WithAudience(cfg.Audience),
		WithLeeway(config.MustParseDuration(cfg.Leeway, 0)),
	}
	switch {
	case cfg.Algorithm.IsHMAC():
		return NewHMACVerifier([]byte(cfg.Secret.Value()), cfg.Algorithm, opts...)
	case cfg.Algorithm.IsRSA():
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("auth: reading public key: %w", err)
		}
		return NewRSAVerifier(pem, cfg.Algorithm, opts...)
	default:
		return nil, fmt.Errorf("auth: unsupported algorithm %q", cfg.Algorithm)
	}
}
