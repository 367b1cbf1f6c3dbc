package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBurner struct {
	burned map[string]time.Duration
	err    error
}

func (b *fakeBurner) Burn(_ context.Context, id string, ttl time.Duration) (bool, error) {
	if b.err != nil {
		return false, b.err
	}
	if b.burned == nil {
		b.burned = map[string]time.Duration{}
	}
	if _, seen := b.burned[id]; seen {
		return false, nil
	}
	b.burned[id] = ttl
	return true, nil
}

const testSecret = "token-secret-that-is-32-chars-!!"

func newAuthority(t *testing.T, burner Burner) *JWTAuthority {
	t.Helper()
	a, err := NewJWTAuthority(testSecret, burner)
	require.NoError(t, err)
	return a
}

func TestNewJWTAuthority_RequiresSecret(t *testing.T) {
	_, err := NewJWTAuthority("", nil)
	assert.Error(t, err)
}

func TestIssueAndValidate_Reusable(t *testing.T) {
	a := newAuthority(t, nil)
	ctx := context.Background()

	payload := map[string]string{"action": "download", "package_id": "my-plugin"}
	tok, err := a.Issue(ctx, true, time.Hour, payload)
	require.NoError(t, err)

	// Reusable tokens validate any number of times.
	for i := 0; i < 3; i++ {
		got, err := a.Validate(ctx, tok)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestValidate_OneTimeBurnsOnFirstUse(t *testing.T) {
	burner := &fakeBurner{}
	a := newAuthority(t, burner)
	ctx := context.Background()

	tok, err := a.Issue(ctx, false, time.Hour, map[string]string{"nonce_for": "add_license"})
	require.NoError(t, err)

	got, err := a.Validate(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "add_license", got["nonce_for"])
	require.Len(t, burner.burned, 1)
	for _, ttl := range burner.burned {
		assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 2, "burn key should live as long as the token")
	}

	_, err = a.Validate(ctx, tok)
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestValidate_OneTimeWithoutBurner(t *testing.T) {
	a := newAuthority(t, nil)
	tok, err := a.Issue(context.Background(), false, time.Hour, nil)
	require.NoError(t, err)

	_, err = a.Validate(context.Background(), tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidate_Expired(t *testing.T) {
	a := newAuthority(t, &fakeBurner{})
	issuedAt := time.Now().Add(-2 * time.Hour)
	a.now = func() time.Time { return issuedAt }

	tok, err := a.Issue(context.Background(), true, time.Hour, nil)
	require.NoError(t, err)

	a.now = time.Now
	_, err = a.Validate(context.Background(), tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidate_WrongSecret(t *testing.T) {
	a := newAuthority(t, nil)
	tok, err := a.Issue(context.Background(), true, time.Hour, nil)
	require.NoError(t, err)

	other, err := NewJWTAuthority("a-completely-different-secret-!!", nil)
	require.NoError(t, err)

	_, err = other.Validate(context.Background(), tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestValidate_Garbage(t *testing.T) {
	a := newAuthority(t, nil)
	_, err := a.Validate(context.Background(), "not.a.token")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestExpiry(t *testing.T) {
	a := newAuthority(t, &fakeBurner{})
	ctx := context.Background()

	tok, err := a.Issue(ctx, false, 30*time.Minute, nil)
	require.NoError(t, err)

	exp, err := a.Expiry(ctx, tok)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), exp, 5*time.Second)

	// Expiry never consumes a one-time token.
	_, err = a.Validate(ctx, tok)
	assert.NoError(t, err)
}

func TestIssue_DefaultTTL(t *testing.T) {
	a := newAuthority(t, nil)
	tok, err := a.Issue(context.Background(), true, 0, nil)
	require.NoError(t, err)

	exp, err := a.Expiry(context.Background(), tok)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
}
