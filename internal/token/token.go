// Package token issues and validates the signed tokens that gate package
// downloads and nonce-protected API calls. Tokens are either reusable until
// expiry or one-time, in which case the first successful validation burns
// them.
package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTokenInvalid covers malformed tokens and signature failures.
	ErrTokenInvalid = errors.New("token is invalid")

	// ErrTokenExpired means the token was well formed but past its expiry.
	ErrTokenExpired = errors.New("token has expired")

	// ErrTokenUsed means a one-time token was already consumed.
	ErrTokenUsed = errors.New("token has already been used")
)

// Authority issues and validates tokens.
type Authority interface {
	// Issue creates a token carrying payload, valid for ttl. A non-reusable
	// token validates successfully at most once.
	Issue(ctx context.Context, reusable bool, ttl time.Duration, payload map[string]string) (string, error)

	// Validate checks the token and returns its payload. One-time tokens are
	// burned on the first successful call.
	Validate(ctx context.Context, token string) (map[string]string, error)

	// Expiry returns the token's expiry without consuming it.
	Expiry(ctx context.Context, token string) (time.Time, error)
}

// Burner records one-time token consumption. Burn returns false when the id
// was already burned.
type Burner interface {
	Burn(ctx context.Context, id string, ttl time.Duration) (bool, error)
}
