package authz_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/authz"
)

func TestPermissionHas(t *testing.T) {
	p := authz.PermFileShare | authz.PermMountView
	require.True(t, p.Has(authz.PermFileShare))
	require.True(t, p.Has(authz.PermFileShare|authz.PermMountView))
	require.False(t, p.Has(authz.PermTextShare))
	require.False(t, p.Has(authz.PermFileShare|authz.PermTextShare))
}

func TestNormalizeBasicPath(t *testing.T) {
	cases := map[string]string{
		"":          "/",
		"/":         "/",
		"/uploads/": "/uploads",
		"/uploads":  "/uploads",
	}
	for in, want := range cases {
		require.Equal(t, want, authz.NormalizeBasicPath(in))
	}
}

func TestApiKeyExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	k := &authz.ApiKey{}
	require.False(t, k.Expired(now))

	past := now.Add(-time.Minute)
	k.ExpiresAt = &past
	require.True(t, k.Expired(now))

	future := now.Add(time.Minute)
	k.ExpiresAt = &future
	require.False(t, k.Expired(now))
}

func TestSignerPathURLRoundtrip(t *testing.T) {
	s := authz.NewSigner([]byte("test-secret"))
	now := time.Unix(1_700_000_000, 0)
	exp := now.Add(time.Minute).Unix()

	sig := s.SignPathURL("GET", "/uploads/foo.txt", exp)
	require.True(t, s.VerifyPathURL("GET", "/uploads/foo.txt", exp, sig, now))
	require.False(t, s.VerifyPathURL("GET", "/uploads/other.txt", exp, sig, now))
	require.False(t, s.VerifyPathURL("GET", "/uploads/foo.txt", exp, sig, now.Add(2*time.Minute)))
}

func TestSignerPathTokenEncodeParseVerify(t *testing.T) {
	s := authz.NewSigner([]byte("another-secret"))
	now := time.Unix(1_700_000_000, 0)
	tok := s.IssuePathToken("/private", time.Hour, now)

	encoded := tok.Encode()
	parsed, err := authz.ParsePathToken(encoded)
	require.NoError(t, err)
	require.True(t, s.Verify(parsed, "/private/sub/file.txt", now))
	require.False(t, s.Verify(parsed, "/other/file.txt", now))
	require.False(t, s.Verify(parsed, "/private/sub/file.txt", now.Add(2*time.Hour)))
}

func TestNewTicketExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ticket := authz.NewTicket("share:abc", 0, now)
	require.False(t, ticket.Expired(now))
	require.True(t, ticket.Expired(now.Add(authz.DefaultTicketTTL+time.Second)))
}
