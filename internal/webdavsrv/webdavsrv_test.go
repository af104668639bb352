package webdavsrv_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/dircache"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/driver/memory"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/mount"
	"github.com/cloudpaste/gateway/internal/store"
	"github.com/cloudpaste/gateway/internal/vfs"
	"github.com/cloudpaste/gateway/internal/webdavsrv"
)

type noopDirty struct{}

func (noopDirty) MarkDirty(ctx context.Context, mountID, op, s3Key string) {}

func newTestService(t *testing.T) (*vfs.Service, *memory.Storage) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sto := memory.New()
	registry := driver.NewRegistry()
	registry.PutInstance("sc-root", sto)
	router := mount.NewRouter()
	router.Set([]mount.Mount{{ID: "root", MountPath: "/", StorageConfigID: "sc-root", IsActive: true}})

	return &vfs.Service{
		Router:   router,
		Cache:    dircache.New(0),
		Registry: registry,
		Meta:     vfs.NewSQLMetaStore(db.DB),
		Dirty:    noopDirty{},
		Signer:   authz.NewSigner([]byte("webdav-test")),
	}, sto
}

func newTestServer(t *testing.T) (*webdavsrv.Server, *memory.Storage) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, sto := newTestService(t)
	s := webdavsrv.New(v, db.DB, logging.New(false))
	return s, sto
}

func doRequest(s *webdavsrv.Server, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(webdavsrv.WithApiKey(req.Context(), nil))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestPropfindDepthZero(t *testing.T) {
	s, sto := newTestServer(t)
	_, err := sto.Write(context.Background(), "readme.txt", strings.NewReader("hi"), 2, driver.WriteOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("PROPFIND", "/dav/", nil)
	req = req.WithContext(webdavsrv.WithApiKey(req.Context(), nil))
	req.Header.Set("Depth", "0")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMultiStatus, rec.Code)
	require.Contains(t, rec.Body.String(), "multistatus")
}

func TestPropfindDepthOneListsChildren(t *testing.T) {
	s, sto := newTestServer(t)
	_, err := sto.Write(context.Background(), "readme.txt", strings.NewReader("hi"), 2, driver.WriteOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest("PROPFIND", "/dav/", nil)
	req = req.WithContext(webdavsrv.WithApiKey(req.Context(), nil))
	req.Header.Set("Depth", "1")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusMultiStatus, rec.Code)
	require.Contains(t, rec.Body.String(), "readme.txt")
}

func TestMkcolCreatesDirectory(t *testing.T) {
	s, sto := newTestServer(t)
	rec := doRequest(s, "MKCOL", "/dav/newdir", "")
	require.Equal(t, http.StatusCreated, rec.Code)

	_, err := sto.Stat(context.Background(), "newdir")
	require.NoError(t, err)
}

func TestPutThenGetRoundtrip(t *testing.T) {
	s, _ := newTestServer(t)
	putRec := doRequest(s, "PUT", "/dav/file.txt", "hello world")
	require.True(t, putRec.Code == http.StatusCreated || putRec.Code == http.StatusOK || putRec.Code == http.StatusNoContent)

	getRec := doRequest(s, "GET", "/dav/file.txt", "")
	require.Equal(t, http.StatusOK, getRec.Code)
	require.Equal(t, "hello world", getRec.Body.String())
}

func TestDeleteRemovesEntry(t *testing.T) {
	s, sto := newTestServer(t)
	_, err := sto.Write(context.Background(), "doomed.txt", strings.NewReader("x"), 1, driver.WriteOptions{})
	require.NoError(t, err)

	rec := doRequest(s, "DELETE", "/dav/doomed.txt", "")
	require.True(t, rec.Code == http.StatusNoContent || rec.Code == http.StatusOK)

	_, err = sto.Stat(context.Background(), "doomed.txt")
	require.Error(t, err)
}

func TestClearExpiredLocks(t *testing.T) {
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.DB.Exec(`INSERT INTO webdav_locks (token, path, depth, scope, owner, expires_at_ms) VALUES (?,?,?,?,?,?)`,
		"tok-1", "/a", "0", "exclusive", "", time.Now().Add(-time.Hour).UnixMilli())
	require.NoError(t, err)

	n, err := webdavsrv.ClearExpiredLocks(context.Background(), db.DB)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
