// Package config loads the gateway's startup configuration: a JSON config
// file in the style of Perkeep's pkg/serverconfig, parsed into per-component
// blocks with go4.org/jsonconfig.Obj, plus the environment variable
// overrides from spec.md §6.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go4.org/jsonconfig"
)

// Config is the fully resolved startup configuration for cmd/cloudpasted.
type Config struct {
	DatabaseURL          string
	BindAddr             string
	AdminInitPassword    string
	SignSecret           []byte
	TicketSecret         []byte
	JWTSecret            []byte
	CacheTTLDefault      time.Duration
	UploadSessionTimeout time.Duration

	// Raw holds the per-handler configuration blocks (mount defaults,
	// driver-specific blocks consumed at storage-config creation time),
	// the same way pkg/blobserver/s3.newFromConfig pulls its own block
	// out of the wider jsonconfig.Obj document.
	Raw jsonconfig.Obj
}

// ExitInitError and ExitBadConfig are the process exit codes from spec.md §6.
const (
	ExitClean     = 0
	ExitInitError = 1
	ExitBadConfig = 2
)

// Load reads the JSON config file at path (if non-empty) and layers the
// environment variables from spec.md §6 on top, the same precedence
// Perkeep's serverconfig gives explicit config over defaults.
func Load(path string) (*Config, error) {
	raw := jsonconfig.Obj{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening config %s: %w", path, err)
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg := &Config{
		DatabaseURL:          firstNonEmpty(os.Getenv("DATABASE_URL"), raw.OptionalString("databaseUrl", "file:cloudpaste.db")),
		BindAddr:             firstNonEmpty(os.Getenv("BIND_ADDR"), raw.OptionalString("bindAddr", ":8080")),
		AdminInitPassword:    firstNonEmpty(os.Getenv("ADMIN_INIT_PASSWORD"), raw.OptionalString("adminInitPassword", "")),
		SignSecret:           []byte(firstNonEmpty(os.Getenv("SIGN_SECRET"), raw.OptionalString("signSecret", ""))),
		TicketSecret:         []byte(firstNonEmpty(os.Getenv("TICKET_SECRET"), raw.OptionalString("ticketSecret", ""))),
		JWTSecret:            []byte(firstNonEmpty(os.Getenv("JWT_SECRET"), raw.OptionalString("jwtSecret", ""))),
		CacheTTLDefault:      durationOrDefault(os.Getenv("CACHE_TTL_DEFAULT"), raw.OptionalInt64("cacheTtlDefaultSec", 300)),
		UploadSessionTimeout: durationOrDefault(os.Getenv("UPLOAD_SESSION_TIMEOUT"), raw.OptionalInt64("uploadSessionTimeoutSec", 3600)),
		Raw:                  raw,
	}
	if err := raw.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if len(cfg.SignSecret) == 0 || len(cfg.TicketSecret) == 0 {
		return nil, fmt.Errorf("SIGN_SECRET and TICKET_SECRET must both be set")
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func durationOrDefault(envVal string, defaultSec int64) time.Duration {
	if envVal != "" {
		var secs int64
		if _, err := fmt.Sscanf(envVal, "%d", &secs); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Duration(defaultSec) * time.Second
}
