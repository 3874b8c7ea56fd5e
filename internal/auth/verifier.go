package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultIssuer = "soulbox-auth"

var (
	ErrMissingSigningSecret = errors.New("token verifier: signing secret required")
	ErrMissingToken         = errors.New("token verifier: token required")
	ErrInvalidToken         = errors.New("token verifier: invalid token")
	ErrExpiredToken         = errors.New("token verifier: token expired")
	ErrMissingSubject       = errors.New("token verifier: subject required")
)

// Claims mirrors the JWT payload emitted by the external auth service. The
// subject is the canonical user id.
type Claims struct {
	UserEmail string `json:"user_email"`
	jwt.RegisteredClaims
}

// TokenVerifierConfig describes how to validate auth-service JWTs.
type TokenVerifierConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// TokenVerifier validates HS256 bearer tokens minted by the external auth
// service. Token issuance lives there, not here.
type TokenVerifier struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewTokenVerifier constructs a verifier with the provided configuration.
func NewTokenVerifier(cfg TokenVerifierConfig) (*TokenVerifier, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenVerifier{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *TokenVerifier) ValidateToken(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Issuer != v.issuer {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and
// validates it.
func (v *TokenVerifier) ValidateRequest(r *http.Request) (Claims, error) {
	if r == nil {
		return Claims{}, ErrMissingToken
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Claims{}, ErrMissingToken
	}
	return v.ValidateToken(strings.TrimPrefix(header, "Bearer "))
}
