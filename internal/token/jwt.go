package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const issuer = "updatepulse-server"

// claims is the JWT claims structure for issued tokens.
type claims struct {
	Payload  map[string]string `json:"payload,omitempty"`
	Reusable bool              `json:"reusable"`
	jwt.RegisteredClaims
}

// JWTAuthority is the default Authority: HS256 JWTs signed with a shared
// secret, with one-time tokens burned through a Burner.
type JWTAuthority struct {
	secret []byte
	burner Burner
	now    func() time.Time
}

// NewJWTAuthority creates an authority. burner may be nil when the caller
// never issues one-time tokens; validating a one-time token then fails.
func NewJWTAuthority(secret string, burner Burner) (*JWTAuthority, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	return &JWTAuthority{
		secret: []byte(secret),
		burner: burner,
		now:    time.Now,
	}, nil
}

// Issue creates a signed token valid for ttl.
func (a *JWTAuthority) Issue(_ context.Context, reusable bool, ttl time.Duration, payload map[string]string) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := a.now()

	c := &claims{
		Payload:  payload,
		Reusable: reusable,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate checks the token and returns its payload, burning one-time tokens.
func (a *JWTAuthority) Validate(ctx context.Context, token string) (map[string]string, error) {
	c, err := a.parse(token)
	if err != nil {
		return nil, err
	}

	if !c.Reusable {
		if a.burner == nil {
			return nil, fmt.Errorf("%w: no burn store configured", ErrTokenInvalid)
		}
		// Burn keys live exactly as long as the token; afterwards expiry
		// itself refuses replays.
		remaining := c.ExpiresAt.Time.Sub(a.now())
		if remaining <= 0 {
			return nil, ErrTokenExpired
		}
		first, err := a.burner.Burn(ctx, c.ID, remaining)
		if err != nil {
			return nil, fmt.Errorf("burn token: %w", err)
		}
		if !first {
			return nil, ErrTokenUsed
		}
	}

	return c.Payload, nil
}

// Expiry returns the token's expiry without consuming it.
func (a *JWTAuthority) Expiry(_ context.Context, token string) (time.Time, error) {
	c, err := a.parse(token)
	if err != nil {
		return time.Time{}, err
	}
	return c.ExpiresAt.Time, nil
}

func (a *JWTAuthority) parse(token string) (*claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithIssuer(issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return c, nil
}

// RedisBurner records burns as SETNX keys with the token's remaining TTL.
type RedisBurner struct {
	client *redis.Client
}

// NewRedisBurner creates a burner backed by client.
func NewRedisBurner(client *redis.Client) *RedisBurner {
	return &RedisBurner{client: client}
}

func burnKey(id string) string {
	return "token:burn:" + id
}

// Burn marks id as consumed. Returns false when it was already burned.
func (b *RedisBurner) Burn(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, burnKey(id), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("record token burn: %w", err)
	}
	return ok, nil
}
