package authn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/authn"
	"github.com/cloudpaste/gateway/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBcryptHasher(t *testing.T) {
	h := authn.BcryptHasher{}
	hash, err := h.Hash("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, h.Verify(hash, "correct horse battery staple"))
	require.False(t, h.Verify(hash, "wrong password"))
}

func TestAdminStoreEnsureInitializedRequiresPassword(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	admin := authn.NewAdminStore(db.DB)

	err := admin.EnsureInitialized(ctx, "")
	require.Error(t, err)
}

func TestAdminStoreLoginLogoutLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	admin := authn.NewAdminStore(db.DB)

	require.NoError(t, admin.EnsureInitialized(ctx, "s3cret-init"))
	// second call is a no-op once an account exists.
	require.NoError(t, admin.EnsureInitialized(ctx, ""))

	_, err := admin.Login(ctx, "wrong")
	require.Error(t, err)

	tok, err := admin.Login(ctx, "s3cret-init")
	require.NoError(t, err)
	require.True(t, admin.Verify(tok.Token))

	admin.Logout(tok.Token)
	require.False(t, admin.Verify(tok.Token))
}

func TestAdminStoreChangePassword(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	admin := authn.NewAdminStore(db.DB)
	require.NoError(t, admin.EnsureInitialized(ctx, "old-pass"))

	require.Error(t, admin.ChangePassword(ctx, "nope", "new-pass"))
	require.NoError(t, admin.ChangePassword(ctx, "old-pass", "new-pass"))

	_, err := admin.Login(ctx, "old-pass")
	require.Error(t, err)
	_, err = admin.Login(ctx, "new-pass")
	require.NoError(t, err)
}

func TestApiKeyStoreResolve(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hasher := authn.BcryptHasher{}
	hash, err := hasher.Hash("raw-key-value")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO api_keys (id, name, key_hash, permissions, basic_path, is_guest, created_at_ms) VALUES (?,?,?,?,?,?,?)`,
		"key1", "test key", hash, 0b11, "/uploads", 0, 0)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO api_key_storage_acl (api_key_id, storage_config_id) VALUES (?,?)`, "key1", "sc-1")
	require.NoError(t, err)

	store := authn.NewApiKeyStore(db.DB)

	key, err := store.Resolve(ctx, "raw-key-value")
	require.NoError(t, err)
	require.Equal(t, "key1", key.ID)
	require.Equal(t, "/uploads", key.BasicPath)
	require.True(t, key.StorageACL["sc-1"])

	_, err = store.Resolve(ctx, "not-the-key")
	require.Error(t, err)
}

func TestApiKeyStoreResolveExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	hasher := authn.BcryptHasher{}
	hash, err := hasher.Hash("expiring-key")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `INSERT INTO api_keys (id, name, key_hash, permissions, basic_path, is_guest, expires_at_ms, created_at_ms) VALUES (?,?,?,?,?,?,?,?)`,
		"key2", "expired key", hash, 0, "/", 0, 1, 0)
	require.NoError(t, err)

	store := authn.NewApiKeyStore(db.DB)
	_, err = store.Resolve(ctx, "expiring-key")
	require.Error(t, err)
}

func TestParseBasicAuth(t *testing.T) {
	require.Equal(t, "thekey", authn.ParseBasicAuth(authn.BasicCredentials{Username: "thekey", Password: "thekey"}))
	require.Equal(t, "thekey", authn.ParseBasicAuth(authn.BasicCredentials{Username: "anything", Password: "thekey"}))
}

func TestExtractBearerAndApiKey(t *testing.T) {
	tok, ok := authn.ExtractBearer("Bearer abc123")
	require.True(t, ok)
	require.Equal(t, "abc123", tok)

	_, ok = authn.ExtractBearer("ApiKey abc123")
	require.False(t, ok)

	key, ok := authn.ExtractApiKey("ApiKey xyz")
	require.True(t, ok)
	require.Equal(t, "xyz", key)
}
