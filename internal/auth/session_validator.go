package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "inovest-auth"
	accessTokenQueryKey  = "access_token"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims mirrors the JWT payload issued by the platform's auth service.
type SessionClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator validates HS256 session JWTs and turns them into identities.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the asserted identity.
func (v *SessionValidator) ValidateToken(tokenString string) (Identity, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Identity{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredSessionToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Identity{}, ErrInvalidSessionToken
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Identity{}, ErrMissingSessionSubject
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	return Identity{UserID: userID, Role: role}, nil
}

// ValidateRequest extracts the session token from the bearer header, the access_token
// query parameter (browsers cannot set headers on websocket handshakes) or the session cookie.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Identity, error) {
	if r == nil {
		return Identity{}, ErrMissingSessionToken
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
	}
	if token := r.URL.Query().Get(accessTokenQueryKey); token != "" {
		return v.ValidateToken(token)
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil || cookie == nil {
		return Identity{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
