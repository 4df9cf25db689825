package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/veriaccess/veriaccess/internal/platform/httpx"
)

func newTestTokenManager(t *testing.T) (*TokenManager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenManager(client, "test-secret", time.Hour), mr
}

func TestTokenIssueResolve(t *testing.T) {
	tm, mr := newTestTokenManager(t)
	ctx := context.Background()

	subject := Subject{UserID: 7, Email: "guard@example.com", FullName: "G. Uard", Role: RoleSecurity}
	token, err := tm.Issue(ctx, subject)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	resolved, err := tm.Resolve(ctx, token)
	require.NoError(t, err)
	require.Equal(t, subject, resolved)

	// The raw token must never appear as a key; only its HMAC does.
	for _, key := range mr.Keys() {
		require.NotContains(t, key, token)
	}
}

func TestTokenResolveUnknown(t *testing.T) {
	tm, _ := newTestTokenManager(t)
	ctx := context.Background()

	_, err := tm.Resolve(ctx, "not-issued")
	require.True(t, errors.Is(err, httpx.ErrUnauthorized))

	_, err = tm.Resolve(ctx, "")
	require.True(t, errors.Is(err, httpx.ErrUnauthorized))
}

func TestTokenRevoke(t *testing.T) {
	tm, _ := newTestTokenManager(t)
	ctx := context.Background()

	token, err := tm.Issue(ctx, Subject{UserID: 1, Role: RoleResident})
	require.NoError(t, err)

	require.NoError(t, tm.Revoke(ctx, token))
	_, err = tm.Resolve(ctx, token)
	require.True(t, errors.Is(err, httpx.ErrUnauthorized))

	// Revoking twice or revoking nothing is a no-op.
	require.NoError(t, tm.Revoke(ctx, token))
	require.NoError(t, tm.Revoke(ctx, ""))
}

func TestTokenExpiry(t *testing.T) {
	tm, mr := newTestTokenManager(t)
	ctx := context.Background()

	token, err := tm.Issue(ctx, Subject{UserID: 2, Role: RoleReceptionist})
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	_, err = tm.Resolve(ctx, token)
	require.True(t, errors.Is(err, httpx.ErrUnauthorized))
}
