// Package auth issues and verifies the short-lived credentials workers
// present on every claim/report call. A token carries a worker identity and
// a scope list; endpoints check the scope they need.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// ScopeClaim allows pulling jobs from the backlog.
	ScopeClaim = "jobs:claim"
	// ScopeReport allows done/fail/heartbeat reports.
	ScopeReport = "jobs:report"
)

var ErrMissingScope = errors.New("token is missing required scope")

// WorkerClaims is the JWT claim set for worker credentials.
type WorkerClaims struct {
	WorkerID string   `json:"worker_id"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

func (c *WorkerClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Mint signs an HS256 token for workerID with the given scopes and TTL.
func Mint(secret []byte, workerID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &WorkerClaims{
		WorkerID: workerID,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   workerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign worker token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a worker token, rejecting any signing method
// other than HS256.
func Verify(secret []byte, token string) (*WorkerClaims, error) {
	claims := &WorkerClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify worker token: %w", err)
	}
	if claims.WorkerID == "" {
		return nil, errors.New("worker token has no worker_id")
	}
	return claims, nil
}
