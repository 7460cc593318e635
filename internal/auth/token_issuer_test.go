package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueTokenProducesValidJWT(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "rosterhub-auth",
		Audience:      "rosterhub-api",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "client-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "client-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "rosterhub-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "rosterhub-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestIssueTokenRequiresSecretAndSubject(t *testing.T) {
	withoutSecret := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := withoutSecret.IssueToken(context.Background(), "client-123"); err == nil {
		t.Fatalf("expected error without a signing secret")
	}

	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("super-secret")})
	if _, _, err := issuer.IssueToken(context.Background(), ""); err == nil {
		t.Fatalf("expected error without a subject")
	}
}

func TestValidateTokenRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "rosterhub-auth",
		Audience:      "rosterhub-api",
	})

	tokenString, _, err := issuer.IssueToken(context.Background(), "client-123")
	if err != nil {
		t.Fatalf("unexpected issuance error: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if subject != "client-123" {
		t.Fatalf("unexpected subject %s", subject)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "rosterhub-auth",
		Audience:      "rosterhub-api",
	})
	imposter := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "rosterhub-auth",
		Audience:      "rosterhub-api",
	})

	tokenString, _, err := imposter.IssueToken(context.Background(), "client-123")
	if err != nil {
		t.Fatalf("unexpected issuance error: %v", err)
	}
	if _, err := issuer.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to reject a foreign signature")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "rosterhub-auth",
		Audience:      "rosterhub-api",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return issuedAt },
	})

	tokenString, _, err := issuer.IssueToken(context.Background(), "client-123")
	if err != nil {
		t.Fatalf("unexpected issuance error: %v", err)
	}

	validator := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "rosterhub-auth",
		Audience:      "rosterhub-api",
		Clock:         func() time.Time { return issuedAt.Add(2 * time.Minute) },
	})
	if _, err := validator.ValidateToken(tokenString); err == nil {
		t.Fatalf("expected validation to reject an expired token")
	}
}
