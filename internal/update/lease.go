// lease.go implements the per-slug sync lease: a single atomic SET NX PX
// against Redis. The lease is released explicitly after a sync and
// self-expires so a crashed worker cannot wedge a slug. Release only deletes
// the holder's own lease; if the TTL lapsed mid-sync and another worker took
// over, the late release is a no-op.
package update

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseTTL is short relative to a full download so a crash never
// blocks a slug for long. The atomic install rename keeps overlapping syncs
// safe when a lease expires mid-flight.
const DefaultLeaseTTL = 10 * time.Second

// releaseScript deletes the lease key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease coordinates exclusive package syncs across workers.
type Lease struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLease creates a lease manager. ttl <= 0 selects DefaultLeaseTTL.
func NewLease(client *redis.Client, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Lease{client: client, ttl: ttl}
}

func leaseKey(slug string) string {
	return "lease:package:" + slug
}

// Acquire attempts to take the lease for slug. Returns a release token when
// acquired, or "" when another worker holds it.
func (l *Lease) Acquire(ctx context.Context, slug string) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaseKey(slug), token, l.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("acquire sync lease: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// Release frees the lease if token still owns it.
func (l *Lease) Release(ctx context.Context, slug, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{leaseKey(slug)}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}
