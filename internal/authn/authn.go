// Package authn resolves the request-level credentials spec.md §5's "Auth
// headers" list describes (admin bearer token, api-key, basic, path token)
// into the internal/authz types, and owns password hashing. Grounded on
// storj-storj's satellite/console password handling
// (bcrypt.CompareHashAndPassword against a stored hash), the one pack repo
// that hashes passwords with a real library rather than rolling one; per
// spec.md §1's non-goal list ("password hashing primitives" are
// deliberately out of core scope), this package is the one place that
// calls into golang.org/x/crypto/bcrypt.
package authn

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
)

// BcryptHasher implements share.PasswordHasher and is used for admin and
// directory passwords too.
type BcryptHasher struct{}

func (BcryptHasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", cerr.Wrap(cerr.Internal, err, "hashing password")
	}
	return string(b), nil
}

func (BcryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AdminStore owns the single-admin-account row plus in-memory session
// tokens, mirroring spec.md §5's "admin tokens with TTL" bullet.
type AdminStore struct {
	db     *sql.DB
	hasher BcryptHasher

	mu     sync.Mutex
	tokens map[string]*authz.AdminToken
}

func NewAdminStore(db *sql.DB) *AdminStore {
	return &AdminStore{db: db, tokens: make(map[string]*authz.AdminToken)}
}

// EnsureInitialized creates the single admin account from
// ADMIN_INIT_PASSWORD if none exists yet, per spec.md §6's env var.
func (a *AdminStore) EnsureInitialized(ctx context.Context, initPassword string) error {
	var count int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_accounts`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if initPassword == "" {
		return cerr.New(cerr.Internal, "no admin account exists and ADMIN_INIT_PASSWORD is unset")
	}
	hash, err := a.hasher.Hash(initPassword)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `INSERT INTO admin_accounts (id, password_hash, created_at_ms) VALUES (?,?,?)`,
		"admin", hash, time.Now().UnixMilli())
	return err
}

// Login verifies password against the stored admin hash and issues a
// fresh AdminToken, per spec.md §4.4's permission model / §5.
func (a *AdminStore) Login(ctx context.Context, password string) (*authz.AdminToken, error) {
	var hash string
	err := a.db.QueryRowContext(ctx, `SELECT password_hash FROM admin_accounts WHERE id = 'admin'`).Scan(&hash)
	if err == sql.ErrNoRows {
		return nil, cerr.New(cerr.Unauthenticated, "no admin account configured")
	}
	if err != nil {
		return nil, err
	}
	if !a.hasher.Verify(hash, password) {
		return nil, cerr.New(cerr.Unauthenticated, "incorrect admin password")
	}
	tok := authz.NewAdminToken("admin", authz.DefaultAdminTokenTTL, time.Now())
	a.mu.Lock()
	a.tokens[tok.Token] = tok
	a.mu.Unlock()
	return tok, nil
}

// ChangePassword replaces the stored hash after verifying oldPassword.
func (a *AdminStore) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	var hash string
	if err := a.db.QueryRowContext(ctx, `SELECT password_hash FROM admin_accounts WHERE id = 'admin'`).Scan(&hash); err != nil {
		return err
	}
	if !a.hasher.Verify(hash, oldPassword) {
		return cerr.New(cerr.PermissionDenied, "incorrect current password")
	}
	newHash, err := a.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	_, err = a.db.ExecContext(ctx, `UPDATE admin_accounts SET password_hash = ? WHERE id = 'admin'`, newHash)
	return err
}

// Logout revokes a token.
func (a *AdminStore) Logout(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

// Verify reports whether token is a live, unexpired admin session.
func (a *AdminStore) Verify(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, ok := a.tokens[token]
	if !ok {
		return false
	}
	if tok.Expired(time.Now()) {
		delete(a.tokens, token)
		return false
	}
	return true
}

// ApiKeyStore resolves the opaque bearer key a client sends into the
// internal/authz.ApiKey the rest of the gateway authorizes against. Keys
// are stored hashed (bcrypt) at rest, per spec.md §3's ApiKey entity.
type ApiKeyStore struct {
	db *sql.DB
}

func NewApiKeyStore(db *sql.DB) *ApiKeyStore { return &ApiKeyStore{db: db} }

// Resolve looks up every stored key and bcrypt-compares until one matches,
// the same linear-scan-over-hashes approach bcrypt's cost forces on any
// hashed-credential design that doesn't also keep a fast-lookup prefix;
// CloudPaste's key count is small enough (admin-managed, not
// self-service signup) that this is the pragmatic choice.
func (s *ApiKeyStore) Resolve(ctx context.Context, rawKey string) (*authz.ApiKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, key_hash, permissions, basic_path, is_guest, expires_at_ms FROM api_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type row struct {
		id, name, keyHash, basicPath string
		permissions                 int64
		isGuest                     bool
		expiresAtMs                 sql.NullInt64
	}
	var candidates []row
	for rows.Next() {
		var r row
		var isGuestInt int
		if err := rows.Scan(&r.id, &r.name, &r.keyHash, &r.permissions, &r.basicPath, &isGuestInt, &r.expiresAtMs); err != nil {
			return nil, err
		}
		r.isGuest = isGuestInt != 0
		candidates = append(candidates, r)
	}

	for _, r := range candidates {
		if BcryptHasher{}.Verify(r.keyHash, rawKey) {
			key := &authz.ApiKey{
				ID:          r.id,
				Name:        r.name,
				KeyHash:     r.keyHash,
				Permissions: authz.Permission(r.permissions),
				BasicPath:   r.basicPath,
				IsGuest:     r.isGuest,
			}
			if r.expiresAtMs.Valid {
				t := time.UnixMilli(r.expiresAtMs.Int64)
				key.ExpiresAt = &t
			}
			if key.Expired(time.Now()) {
				return nil, cerr.New(cerr.Unauthenticated, "api key %s has expired", r.id)
			}
			if err := s.loadACL(ctx, key); err != nil {
				return nil, err
			}
			return key, nil
		}
	}
	return nil, cerr.New(cerr.Unauthenticated, "invalid api key")
}

func (s *ApiKeyStore) loadACL(ctx context.Context, key *authz.ApiKey) error {
	rows, err := s.db.QueryContext(ctx, `SELECT storage_config_id FROM api_key_storage_acl WHERE api_key_id = ?`, key.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	acl := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		acl[id] = true
	}
	key.StorageACL = acl
	return nil
}

// ParseBasicAuth extracts the api-key a WebDAV Basic-auth client sends as
// username=password=api_key, per spec.md §4.11.
func ParseBasicAuth(r BasicCredentials) string {
	if r.Username == r.Password {
		return r.Username
	}
	return r.Password
}

// BasicCredentials avoids an http import in this package; callers pass
// the result of http.Request.BasicAuth() through.
type BasicCredentials struct {
	Username, Password string
}

// ExtractBearer strips a "Bearer " prefix, case-insensitively, per
// spec.md §5's auth header grammar.
func ExtractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):], true
	}
	return "", false
}

// ExtractApiKey strips an "ApiKey " prefix.
func ExtractApiKey(header string) (string, bool) {
	const prefix = "ApiKey "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):], true
	}
	return "", false
}
