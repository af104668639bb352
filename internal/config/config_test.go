package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"DATABASE_URL", "BIND_ADDR", "ADMIN_INIT_PASSWORD", "SIGN_SECRET", "TICKET_SECRET", "JWT_SECRET", "CACHE_TTL_DEFAULT", "UPLOAD_SESSION_TIMEOUT"} {
		t.Setenv(k, "")
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	clearEnv(t)
	_, err := config.Load("")
	require.Error(t, err)
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIGN_SECRET", "sign-secret")
	t.Setenv("TICKET_SECRET", "ticket-secret")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "file:cloudpaste.db", cfg.DatabaseURL)
	require.Equal(t, ":8080", cfg.BindAddr)
	require.Equal(t, 300*time.Second, cfg.CacheTTLDefault)
	require.Equal(t, 3600*time.Second, cfg.UploadSessionTimeout)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"bindAddr": ":9999", "signSecret": "from-file", "ticketSecret": "from-file"}`), 0o600))

	t.Setenv("SIGN_SECRET", "from-env")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.BindAddr)
	require.Equal(t, []byte("from-env"), cfg.SignSecret)
	require.Equal(t, []byte("from-file"), cfg.TicketSecret)
}

func TestLoadCacheTTLFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("SIGN_SECRET", "s")
	t.Setenv("TICKET_SECRET", "t")
	t.Setenv("CACHE_TTL_DEFAULT", "42")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, 42*time.Second, cfg.CacheTTLDefault)
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := config.Load("/nonexistent/path/config.json")
	require.Error(t, err)
}
