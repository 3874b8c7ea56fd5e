package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSigningSecret = "secret"
	testUserID        = "user-123"
	testUserEmail     = "user@example.com"
)

func newTestVerifier(t *testing.T, clockNow time.Time) *TokenVerifier {
	t.Helper()
	verifier, err := NewTokenVerifier(TokenVerifierConfig{
		SigningSecret: []byte(testSigningSecret),
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifier
}

func mintToken(t *testing.T, secret, issuer, subject string, clockNow time.Time, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserEmail: testUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestValidateTokenAcceptsValidToken(t *testing.T) {
	clockNow := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	signed := mintToken(t, testSigningSecret, defaultIssuer, testUserID, clockNow, time.Hour)
	claims, err := verifier.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != testUserID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.UserEmail != testUserEmail {
		t.Fatalf("unexpected email: %s", claims.UserEmail)
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	clockNow := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	signed := mintToken(t, testSigningSecret, defaultIssuer, testUserID, clockNow.Add(-2*time.Hour), time.Hour)
	if _, err := verifier.ValidateToken(signed); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSecretOrIssuer(t *testing.T) {
	clockNow := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	wrongSecret := mintToken(t, "other-secret", defaultIssuer, testUserID, clockNow, time.Hour)
	if _, err := verifier.ValidateToken(wrongSecret); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	wrongIssuer := mintToken(t, testSigningSecret, "someone-else", testUserID, clockNow, time.Hour)
	if _, err := verifier.ValidateToken(wrongIssuer); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
	}
}

func TestValidateTokenRejectsMissingSubject(t *testing.T) {
	clockNow := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	signed := mintToken(t, testSigningSecret, defaultIssuer, "", clockNow, time.Hour)
	if _, err := verifier.ValidateToken(signed); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected ErrMissingSubject, got %v", err)
	}
}

func TestValidateRequestReadsBearerHeader(t *testing.T) {
	clockNow := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	verifier := newTestVerifier(t, clockNow)

	signed := mintToken(t, testSigningSecret, defaultIssuer, testUserID, clockNow, time.Hour)
	request := httptest.NewRequest(http.MethodGet, "/api/capsule/my", nil)
	request.Header.Set("Authorization", "Bearer "+signed)

	claims, err := verifier.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.Subject != testUserID {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}

	bare := httptest.NewRequest(http.MethodGet, "/api/capsule/my", nil)
	if _, err := verifier.ValidateRequest(bare); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}
