// Package authz implements CloudPaste's permission model: the API-key
// bitflag permissions and basic-path sandbox from spec.md §3-4.4, and
// admin-token issuance. The bitmask shape is grounded directly on Perkeep's
// pkg/auth.Operation (const ... Operation = 1 << iota, AllowedAccess,
// AllowedWithAuth); RandToken is reused near-verbatim.
package authz

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// Permission is a bitmask of API-key permissions, per spec.md §3.
type Permission int

const (
	PermTextShare Permission = 1 << iota
	PermFileShare
	PermTextManage
	PermFileManage
	_ // bits 16,32,64,128 reserved, matching the spec's sparse bit layout
	_
	_
	_
	PermMountView
	PermMountUpload
	PermMountCopy
	PermMountRename
	PermMountDelete
	_
	_
	_
	PermWebDAVRead
	PermWebDAVManage
)

// Has reports whether p includes every bit in want.
func (p Permission) Has(want Permission) bool {
	return p&want == want
}

// ApiKey mirrors the ApiKey entity from spec.md §3.
type ApiKey struct {
	ID          string
	Name        string
	KeyHash     string
	Permissions Permission
	BasicPath   string
	IsGuest     bool
	ExpiresAt   *time.Time
	StorageACL  map[string]bool // storage_config_id set; empty/nil = unrestricted
}

// Expired reports whether the key's TTL has elapsed.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// NormalizedBasicPath returns the key's basic_path normalized to have no
// trailing slash (except the root "/").
func (k *ApiKey) NormalizedBasicPath() string {
	return NormalizeBasicPath(k.BasicPath)
}

// NormalizeBasicPath strips any trailing slash, leaving "/" alone.
func NormalizeBasicPath(p string) string {
	if p == "" {
		return "/"
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// WithinBasicPath implements the universal invariant from spec.md §8: for a
// basic_path b != "/", every successful FS operation has p == b or
// p.startsWith(b + "/").
func WithinBasicPath(basicPath, reqPath string) bool {
	b := NormalizeBasicPath(basicPath)
	if b == "/" {
		return true
	}
	return reqPath == b || strings.HasPrefix(reqPath, b+"/")
}

// AllowsStorage reports whether the key's storage ACL (if any) permits the
// given storage_config_id.
func (k *ApiKey) AllowsStorage(storageConfigID string) bool {
	if len(k.StorageACL) == 0 {
		return true
	}
	return k.StorageACL[storageConfigID]
}

// AdminToken is an admin-session bearer token, TTL default 24h per
// spec.md §5.
type AdminToken struct {
	Token     string
	AdminID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

const DefaultAdminTokenTTL = 24 * time.Hour

// Expired reports whether the admin token has passed its TTL.
func (t *AdminToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// RandToken generates a hex token from size bytes of crypto/rand
// randomness, the same helper Perkeep's pkg/auth exposes for process and
// websocket tokens.
func RandToken(size int) string {
	buf := make([]byte, size)
	if n, err := rand.Read(buf); err != nil || n != len(buf) {
		panic("authz: failed to read random bytes: " + errString(err))
	}
	return fmt.Sprintf("%x", buf)
}

func errString(err error) string {
	if err == nil {
		return "short read"
	}
	return err.Error()
}

// NewAdminToken issues a fresh admin token valid for ttl (defaulting to
// DefaultAdminTokenTTL when ttl <= 0).
func NewAdminToken(adminID string, ttl time.Duration, now time.Time) *AdminToken {
	if ttl <= 0 {
		ttl = DefaultAdminTokenTTL
	}
	return &AdminToken{
		Token:     RandToken(24),
		AdminID:   adminID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}
