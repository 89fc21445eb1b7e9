package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenIssuerConfig configures the session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer mints session JWTs accepted by SessionValidator. Production tokens come
// from the platform's auth service; this issuer serves local tooling and tests.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}
}

// Issue produces a signed JWT for the identity along with its expiry.
func (i *TokenIssuer) Issue(_ context.Context, identity Identity) (string, time.Time, error) {
	if len(i.signingSecret) == 0 {
		return "", time.Time{}, errMissingSigningSecret
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}
	role, err := ParseRole(string(identity.Role))
	if err != nil {
		return "", time.Time{}, err
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	claims := SessionClaims{
		UserID: identity.UserID,
		Role:   string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
