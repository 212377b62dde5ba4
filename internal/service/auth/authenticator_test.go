package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/haven/backend/internal/config"
	"github.com/zhouzirui/haven/backend/internal/model/user"
	"github.com/zhouzirui/haven/backend/internal/store"
)

var testUser = user.User{ID: "u1", Username: "mira", Email: "mira@example.com"}

func newTestAuthenticator(t *testing.T) (*Authenticator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(testUser)
	a := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Issuer: "haven", TokenTTL: time.Hour}, mem, mem, nil)
	return a, mem
}

func TestIssueAndResolve(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	token, expiresAt, err := a.Issue(testUser)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	u, err := a.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "mira", u.Username)
}

func TestResolveRejectsBadCredentials(t *testing.T) {
	a, _ := newTestAuthenticator(t)

	other := NewAuthenticator(config.AuthConfig{JWTSecret: "other", Issuer: "haven", TokenTTL: time.Hour}, store.NewMemory(), store.NewMemory(), nil)
	forged, _, err := other.Issue(testUser)
	require.NoError(t, err)

	ghost, _, err := a.Issue(user.User{ID: "ghost"})
	require.NoError(t, err)

	expired := NewAuthenticator(config.AuthConfig{JWTSecret: "s3cret", Issuer: "haven", TokenTTL: time.Hour}, nil, nil, nil)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _, err := expired.Issue(testUser)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		Issuer:    "haven",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":    "",
		"garbage":  "not-a-jwt",
		"forged":   forged,
		"unknown":  ghost,
		"expired":  stale,
		"unsigned": unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Resolve(context.Background(), token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestRevokeBlacklistsUntilExpiry(t *testing.T) {
	a, mem := newTestAuthenticator(t)
	ctx := context.Background()

	token, expiresAt, err := a.Issue(testUser)
	require.NoError(t, err)
	require.NoError(t, a.Revoke(ctx, token))

	_, err = a.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrUnauthorized)

	purged, err := mem.PurgeExpiredTokens(ctx, expiresAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	assert.ErrorIs(t, a.Revoke(ctx, "junk"), ErrUnauthorized)
}

func TestPurgeJob(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.RevokeToken(ctx, "old", time.Now().Add(-time.Minute)))
	require.NoError(t, mem.RevokeToken(ctx, "live", time.Now().Add(time.Hour)))

	job := NewPurgeJob(mem, nil)
	job.Run()

	revoked, err := mem.IsTokenRevoked(ctx, "live")
	require.NoError(t, err)
	assert.True(t, revoked)
	purged, err := mem.PurgeExpiredTokens(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, purged)

	c, err := job.Schedule("@every 1h")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = job.Schedule("not a spec")
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Empty(t, BearerToken("Basic abc"))
	assert.Empty(t, BearerToken("abc"))
}
