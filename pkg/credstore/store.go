// Package credstore defines the persisted credential store shared by every
// execution context of a PantMig client, together with an in-memory and a
// SQLite-backed implementation.
//
// The store is the single source of truth for tokens across contexts. Writers
// must use SetTokens so a reader never observes an access token without its
// matching expiry.
package credstore

import (
	"context"
	"errors"
	"time"
)

// Well-known keys persisted by the client.
const (
	KeyToken          = "token"
	KeyRefreshToken   = "refreshToken"
	KeyTokenExpiresAt = "tokenExpiresAt"
	KeyUser           = "user"
)

// ErrNotFound is returned by Get when the key has no stored value.
var ErrNotFound = errors.New("credstore: not found")

// Tokens is the credential unit written and read atomically.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Store is a scoped key-value store for client credentials.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// SetTokens writes access token, refresh token and expiry as one unit.
	SetTokens(ctx context.Context, t Tokens) error

	// Tokens reads the credential unit. A store with no access token
	// returns a zero Tokens value, not an error.
	Tokens(ctx context.Context) (Tokens, error)

	// Clear removes every stored key. Called on logout.
	Clear(ctx context.Context) error
}

// encodeExpiry serializes an optional expiry for storage.
func encodeExpiry(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// decodeExpiry parses a stored expiry. Unparseable values are treated as
// absent so a corrupt entry degrades to "refresh now" rather than an error.
func decodeExpiry(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
