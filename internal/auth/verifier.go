// Package auth provides the identity verification hook for the AUTH
// handshake. The transport accepts whatever identity the verifier
// approves; deployments without a signing secret run the pass-through
// verifier and trust the claimed id as-is.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier decides whether a connection may authenticate as the claimed
// user. The router rejects the AUTH with AUTH_REQUIRED on error.
type Verifier interface {
	Verify(ctx context.Context, claimedUserID, token string) error
}

// AllowAll accepts any claimed identity without inspecting the token.
type AllowAll struct{}

// Verify always succeeds.
func (AllowAll) Verify(context.Context, string, string) error { return nil }

// HS256Verifier checks a JWT signed with a shared HMAC secret and
// requires the token subject to match the claimed user id.
type HS256Verifier struct {
	secret []byte
}

// NewHS256Verifier creates a verifier for the given shared secret.
func NewHS256Verifier(secret string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token, then compares its subject with
// the claimed user id.
func (v *HS256Verifier) Verify(_ context.Context, claimedUserID, token string) error {
	if token == "" {
		return fmt.Errorf("missing token")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("parsing token: %w", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil {
		return fmt.Errorf("reading token subject: %w", err)
	}

	if subject != claimedUserID {
		return fmt.Errorf("token subject %q does not match claimed user %q", subject, claimedUserID)
	}

	return nil
}

// SignHS256 issues a token the HS256Verifier accepts. Used by the probe
// and by tests; production tokens come from the auth subsystem.
func SignHS256(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}
