package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        defaultSessionIssuer,
		Audience:      "discuss-host",
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.IssueSessionToken(context.Background(), SessionIdentity{
		UserID:      "user@example.com",
		Email:       "user@example.com",
		DisplayName: "Jane Doe",
		Roles:       []string{RoleAdmin},
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != 1800 {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &SessionClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return clockNow }))
	if _, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(testSessionSigningSecret), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "user@example.com" || claims.UserDisplayName != "Jane Doe" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "discuss-host" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}

	validated, err := newTestValidator(t, clockNow).ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validator to accept issued token: %v", err)
	}
	if !validated.HasRole(RoleAdmin) {
		t.Fatalf("expected admin role in validated claims")
	}

	if _, _, err := issuer.IssueSessionToken(context.Background(), SessionIdentity{}); err == nil {
		t.Fatalf("expected missing user id error")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	base := TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        defaultSessionIssuer,
		Audience:      "discuss-host",
		TokenTTL:      5 * time.Minute,
	}
	testCases := map[string]func(cfg *TokenIssuerConfig){
		"missing secret":   func(cfg *TokenIssuerConfig) { cfg.SigningSecret = nil },
		"missing issuer":   func(cfg *TokenIssuerConfig) { cfg.Issuer = "" },
		"missing audience": func(cfg *TokenIssuerConfig) { cfg.Audience = " " },
		"non-positive ttl": func(cfg *TokenIssuerConfig) { cfg.TokenTTL = 0 },
	}
	for name, mutate := range testCases {
		cfg := base
		mutate(&cfg)
		if _, err := NewTokenIssuer(cfg); err == nil {
			t.Fatalf("%s: expected constructor error", name)
		}
	}
}
