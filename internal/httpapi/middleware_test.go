package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/authn"
	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.DB) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Server{
		Admin:   authn.NewAdminStore(db.DB),
		ApiKeys: authn.NewApiKeyStore(db.DB),
	}, db
}

func TestAuthenticateSetsAdminFromBearer(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Admin.EnsureInitialized(context.Background(), "s3cret"))
	tok, err := s.Admin.Login(context.Background(), "s3cret")
	require.NoError(t, err)

	var gotAdmin bool
	handler := s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		gotAdmin = IsAdmin(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	handler(httptest.NewRecorder(), req)

	require.True(t, gotAdmin)
}

func TestAuthenticateLeavesContextBareOnNoHeader(t *testing.T) {
	s, _ := newTestServer(t)

	var gotAdmin bool
	var gotKey *authz.ApiKey
	handler := s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		gotAdmin = IsAdmin(r.Context())
		gotKey = ApiKeyFrom(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler(httptest.NewRecorder(), req)

	require.False(t, gotAdmin)
	require.Nil(t, gotKey)
}

func TestRequireAdminRejectsNonAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminAllowsAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Admin.EnsureInitialized(context.Background(), "s3cret"))
	tok, err := s.Admin.Login(context.Background(), "s3cret")
	require.NoError(t, err)

	var ran bool
	handler := s.requireAdmin(func(w http.ResponseWriter, r *http.Request) { ran = true })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	handler(httptest.NewRecorder(), req)

	require.True(t, ran)
}

func TestRequirePermissionAllowsAdminRegardlessOfPermission(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Admin.EnsureInitialized(context.Background(), "s3cret"))
	tok, err := s.Admin.Login(context.Background(), "s3cret")
	require.NoError(t, err)

	var ran bool
	handler := s.requirePermission(authz.PermMountUpload, func(w http.ResponseWriter, r *http.Request) { ran = true })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Token)
	handler(httptest.NewRecorder(), req)

	require.True(t, ran)
}

func TestRequirePermissionRejectsMissingKey(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.requirePermission(authz.PermMountUpload, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequirePermissionAllowsKeyWithPermission(t *testing.T) {
	s, db := newTestServer(t)
	ctx := context.Background()
	hasher := authn.BcryptHasher{}
	hash, err := hasher.Hash("raw-key")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO api_keys (id, name, key_hash, permissions, basic_path, is_guest, created_at_ms) VALUES (?,?,?,?,?,?,?)`,
		"key1", "t", hash, int64(authz.PermMountUpload), "/", 0, 0)
	require.NoError(t, err)

	var ran bool
	handler := s.requirePermission(authz.PermMountUpload, func(w http.ResponseWriter, r *http.Request) { ran = true })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "ApiKey raw-key")
	handler(httptest.NewRecorder(), req)

	require.True(t, ran)
}
