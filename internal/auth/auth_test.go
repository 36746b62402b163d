package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudexport/backend/internal/config"
	"github.com/cloudexport/backend/internal/store"
)

func TestAPIKeyHashRoundTrip(t *testing.T) {
	key := NewAPIKey()
	require.NotEmpty(t, key)
	assert.NotEqual(t, key, NewAPIKey())

	hash, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.NotEqual(t, key, hash)
	assert.True(t, VerifyAPIKey(key, hash))
	assert.False(t, VerifyAPIKey("wrong-key", hash))
}

func TestHint(t *testing.T) {
	assert.Equal(t, "xyz789", Hint("cx-abc123xyz789"))
	assert.Equal(t, "short", Hint("short"))
}

func TestAccessTokenRoundTrip(t *testing.T) {
	cfg := config.Default()
	token, err := CreateAccessToken(cfg, "user-42")
	require.NoError(t, err)

	subject, err := ParseAccessToken(cfg, token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)
}

func TestAccessTokenRejectsWrongSecret(t *testing.T) {
	cfg := config.Default()
	token, err := CreateAccessToken(cfg, "user-42")
	require.NoError(t, err)

	other := config.Default()
	other.JWTSecret = "a-different-secret"
	_, err = ParseAccessToken(other, token)
	assert.Error(t, err)

	_, err = ParseAccessToken(cfg, "not.a.token")
	assert.Error(t, err)
}

func TestAuthenticateAPIKey(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	key := NewAPIKey()
	hash, err := HashAPIKey(key)
	require.NoError(t, err)
	u := &store.User{Email: "artist@example.com", APIKeyHash: hash, APIKeyHint: Hint(key), IsActive: true}
	require.NoError(t, st.CreateUser(ctx, u))

	got, err := AuthenticateAPIKey(ctx, st, key)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = AuthenticateAPIKey(ctx, st, "nope")
	assert.Error(t, err)
}

func TestAuthenticateAPIKeyIgnoresInactiveUsers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	key := NewAPIKey()
	hash, err := HashAPIKey(key)
	require.NoError(t, err)
	u := &store.User{Email: "gone@example.com", APIKeyHash: hash, IsActive: false}
	require.NoError(t, st.CreateUser(ctx, u))

	_, err = AuthenticateAPIKey(ctx, st, key)
	assert.Error(t, err)
}

func TestBootstrapAdminIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cfg := config.Default()
	cfg.BootstrapAdminEmail = "admin@example.com"
	cfg.BootstrapAPIKey = "cx-admin-test-key"

	admin, err := BootstrapAdmin(ctx, st, cfg)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin)
	assert.True(t, admin.IsActive)
	assert.True(t, VerifyAPIKey(cfg.BootstrapAPIKey, admin.APIKeyHash))

	again, err := BootstrapAdmin(ctx, st, cfg)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, again.ID)

	users, err := st.ActiveUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
