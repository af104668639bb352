package proxy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/driver/memory"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/mount"
	"github.com/cloudpaste/gateway/internal/proxy"
	"github.com/cloudpaste/gateway/internal/vfs"
)

func newTestServer(t *testing.T) (*proxy.Server, *memory.Storage) {
	t.Helper()
	sto := memory.New()
	registry := driver.NewRegistry()
	registry.PutInstance("sc-root", sto)
	router := mount.NewRouter()
	router.Set([]mount.Mount{{ID: "root", MountPath: "/", StorageConfigID: "sc-root", IsActive: true}})

	signer := authz.NewSigner([]byte("test-sign-secret"))
	v := &vfs.Service{Router: router, Registry: registry, Signer: signer}
	s := proxy.New(v, signer, logging.New(false))
	t.Cleanup(func() { s.Tickets.Stop() })
	return s, sto
}

func TestServePathStreamsContent(t *testing.T) {
	s, sto := newTestServer(t)
	_, err := sto.Write(context.Background(), "file.txt", strings.NewReader("hello world"), 11, driver.WriteOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/p/file.txt", nil)
	rec := httptest.NewRecorder()
	s.ServePath(rec, req, "file.txt", nil, false)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello world", rec.Body.String())
}

func TestServePathRejectsMissingSignature(t *testing.T) {
	s, sto := newTestServer(t)
	_, err := sto.Write(context.Background(), "file.txt", strings.NewReader("hello"), 5, driver.WriteOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/p/file.txt", nil)
	rec := httptest.NewRecorder()
	s.ServePath(rec, req, "file.txt", nil, true)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServePathAcceptsValidSignature(t *testing.T) {
	s, sto := newTestServer(t)
	_, err := sto.Write(context.Background(), "file.txt", strings.NewReader("hello"), 5, driver.WriteOptions{})
	require.NoError(t, err)

	signer := authz.NewSigner([]byte("test-sign-secret"))
	exp := time.Now().Add(time.Minute).Unix()
	sig := signer.SignPathURL("GET", "file.txt", exp)

	req := httptest.NewRequest(http.MethodGet, "/api/p/file.txt?exp="+itoa(exp)+"&sign="+sig, nil)
	rec := httptest.NewRecorder()
	s.ServePath(rec, req, "file.txt", nil, true)

	require.Equal(t, http.StatusOK, rec.Code)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestTicketIssueAndRedeem(t *testing.T) {
	ts := proxy.NewTicketStore()
	defer ts.Stop()

	ticket := ts.Issue("share:abc")
	got, err := ts.Redeem(ticket.ID, "share:abc")
	require.NoError(t, err)
	require.Equal(t, ticket.ID, got.ID)

	_, err = ts.Redeem(ticket.ID, "share:abc")
	require.Error(t, err, "tickets are one-shot")
}

func TestTicketRedeemWrongResource(t *testing.T) {
	ts := proxy.NewTicketStore()
	defer ts.Stop()

	ticket := ts.Issue("share:abc")
	_, err := ts.Redeem(ticket.ID, "share:other")
	require.Error(t, err)
}

func TestTicketRedeemUnknown(t *testing.T) {
	ts := proxy.NewTicketStore()
	defer ts.Stop()

	_, err := ts.Redeem("missing", "share:abc")
	require.Error(t, err)
}

func TestServeTicketedUpstreamStreamsAndSetsContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("upstream body"))
	}))
	defer upstream.Close()

	s, _ := newTestServer(t)
	ticket := s.IssueTicketForResource("paste:xyz")

	rec := httptest.NewRecorder()
	s.ServeTicketedUpstream(context.Background(), rec, ticket.ID, "paste:xyz", upstream.URL, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "upstream body", rec.Body.String())
	require.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
}

func TestServeTicketedUpstreamRejectsInvalidTicket(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeTicketedUpstream(context.Background(), rec, "missing", "paste:xyz", "http://example.invalid", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveReturnsLinkForMountPath(t *testing.T) {
	s, sto := newTestServer(t)
	_, err := sto.Write(context.Background(), "file.txt", strings.NewReader("data"), 4, driver.WriteOptions{})
	require.NoError(t, err)

	link, err := s.Resolve(context.Background(), proxy.ResolveLinkInput{Type: "mount_path", Path: "file.txt"})
	require.NoError(t, err)
	require.NotEmpty(t, link.URL)
}
