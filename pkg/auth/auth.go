package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// ClockSkewTolerance is applied only in the not-yet-valid direction.
// Expiry is always checked against the raw clock.
const ClockSkewTolerance = 30 * time.Second

const minTokenLength = 16

type Identity struct {
	Subject string
	Scopes  []string
}

// TokenRecord is the read-only verification view of a token held by the
// external identity store. The gateway never mutates it.
type TokenRecord struct {
	Subject   string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// TokenStore resolves the sha256 hex hash of a raw token to its record.
// Implementations return ErrTokenNotFound for unknown hashes.
type TokenStore interface {
	Lookup(ctx context.Context, tokenHash string) (*TokenRecord, error)
}

var ErrTokenNotFound = errors.New("token not found")

const (
	ReasonMissing   = "missing"
	ReasonMalformed = "malformed"
	ReasonExpired   = "expired"
	ReasonRevoked   = "revoked"
)

type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "auth failed: " + e.Reason
}

type Authenticator struct {
	Store TokenStore
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Authenticate verifies a raw bearer token against the token store view.
// Pure verification: it never extends, refreshes, or mutates the token.
func (a *Authenticator) Authenticate(ctx context.Context, rawToken string) (Identity, error) {
	token := strings.TrimSpace(rawToken)
	if token == "" {
		return Identity{}, &AuthError{Reason: ReasonMissing}
	}
	if !wellFormed(token) {
		return Identity{}, &AuthError{Reason: ReasonMalformed}
	}
	if a.Store == nil {
		return Identity{}, &AuthError{Reason: ReasonMalformed}
	}
	rec, err := a.Store.Lookup(ctx, HashToken(token))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return Identity{}, &AuthError{Reason: ReasonMalformed}
		}
		// Store unreachable is an infrastructure failure, not a caller
		// error; still fails closed but keeps outages visible.
		return Identity{}, fmt.Errorf("token store lookup: %w", err)
	}
	now := time.Now().UTC()
	if a.Now != nil {
		now = a.Now().UTC()
	}
	if rec.ExpiresAt.IsZero() || !now.Before(rec.ExpiresAt) {
		return Identity{}, &AuthError{Reason: ReasonExpired}
	}
	if !rec.IssuedAt.IsZero() && now.Add(ClockSkewTolerance).Before(rec.IssuedAt) {
		return Identity{}, &AuthError{Reason: ReasonExpired}
	}
	if rec.Revoked {
		return Identity{}, &AuthError{Reason: ReasonRevoked}
	}
	if strings.TrimSpace(rec.Subject) == "" {
		return Identity{}, &AuthError{Reason: ReasonMalformed}
	}
	return Identity{Subject: rec.Subject, Scopes: append([]string(nil), rec.Scopes...)}, nil
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" when the header does not carry a bearer credential.
func BearerToken(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// HashToken hashes a raw token so stores never hold raw credential bytes.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func wellFormed(token string) bool {
	if len(token) < minTokenLength {
		return false
	}
	for _, r := range token {
		if r > unicode.MaxASCII || unicode.IsControl(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}
