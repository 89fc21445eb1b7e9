package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	clockNow := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "inovest-auth",
		TokenTTL:      30 * time.Minute,
		Clock: func() time.Time {
			return clockNow
		},
	})

	tokenString, expiresAt, err := issuer.Issue(context.Background(), Identity{UserID: "user-123", Role: RoleInvestor})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return clockNow }))
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user-123" || claims.UserID != "user-123" {
		t.Fatalf("unexpected subject %s / %s", claims.Subject, claims.UserID)
	}
	if claims.Role != string(RoleInvestor) {
		t.Fatalf("unexpected role %s", claims.Role)
	}
	if claims.Issuer != "inovest-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{Issuer: "inovest-auth"})
	if _, _, err := issuer.Issue(context.Background(), Identity{UserID: "user-123", Role: RoleInvestor}); !errors.Is(err, errMissingSigningSecret) {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}

func TestTokenIssuerRejectsUnknownRole(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("super-secret")})
	if _, _, err := issuer.Issue(context.Background(), Identity{UserID: "user-123", Role: "ADMIN"}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}
