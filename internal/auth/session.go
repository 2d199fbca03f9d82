package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/nebula-cp/nebula/internal/model"
)

// SessionIssuer mints and verifies short-lived reviewer session tokens,
// exchanged for an API key at /keys/login so browser-facing review tooling
// never holds the long-lived key.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewSessionIssuer builds a SessionIssuer. ttl <= 0 defaults to one hour.
func NewSessionIssuer(secret string, ttl time.Duration) *SessionIssuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl}
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Issue creates a signed session token for a user caller.
func (s *SessionIssuer) Issue(userID uuid.UUID, scopeNames []string) (string, time.Time, error) {
	now := time.Now().UTC()
	exp := now.Add(s.ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Scopes: scopeNames,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return tok, exp, nil
}

// Verify parses a session token and returns the user id it was issued to.
func (s *SessionIssuer) Verify(token string) (uuid.UUID, []string, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, nil, model.ErrUnauthorized()
	}
	uid, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, nil, model.ErrUnauthorized()
	}
	return uid, claims.Scopes, nil
}
