package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/foodhub/gateway/internal/config"
)

// Signer mints HMAC tokens in the same shape the user service issues, for
// local testing and smoke checks against a running gateway.
type Signer struct {
	method jwt.SigningMethod
	key    []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a signer for the given HMAC algorithm. ttl <= 0 selects
// the user service default of 24h.
func NewSigner(secret []byte, alg config.SigningAlgorithm, ttl time.Duration) (*Signer, error) {
	if !alg.IsHMAC() {
		return nil, fmt.Errorf("auth: signing is only supported for HMAC algorithms, got %q", alg)
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty HMAC secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Signer{
		method: jwt.GetSigningMethod(string(alg)),
		key:    secret,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Sign returns a compact JWT asserting c.
func (s *Signer) Sign(c Claim) (string, error) {
	if c.Subject == "" {
		return "", errors.New("auth: subject is required")
	}
	if c.Role == "" {
		c.Role = RoleUser
	}
	now := s.now()
	tc := tokenClaims{
		User: &userClaim{ID: subjectID(c.Subject), Role: c.Role},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(s.method, tc).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}
