// Package share implements the Share Service from spec.md §4.8:
// slug-addressed share records with password/expiry/max-views, resolving
// to {previewUrl,downloadUrl,linkType}. Grounded directly on Perkeep's
// pkg/server/share.go (shareHandler's slug parsing, expiry/view checks,
// and the "via" chain validation pattern reused here for password-gated
// access instead of transitive blob chains).
package share

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base32"
	"strings"
	"time"

	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/metrics"
)

// Kind mirrors ShareRecord.type from spec.md §3.
type Kind string

const (
	KindFile Kind = "file"
	KindText Kind = "text"
)

// Record mirrors the ShareRecord entity from spec.md §3.
type Record struct {
	Slug            string
	Type            Kind
	Target          string // storage_key or content
	StorageConfigID string
	PasswordHash    string
	MaxViews        *int
	Views           int
	ExpiresAt       *time.Time
	CreatedBy       string
	CreatedAt       time.Time
}

// Expired reports whether the share has passed its expiry, per spec.md
// §4.8's "Expiry checked at every access".
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// ViewsExhausted reports whether max_views has been reached.
func (r Record) ViewsExhausted() bool {
	return r.MaxViews != nil && r.Views >= *r.MaxViews
}

// PasswordHasher is the narrow interface into the password-hashing
// primitives spec.md §1 lists as out of core scope ("deliberately out of
// scope: ... password hashing primitives").
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// Service owns share_records, per spec.md §4.8.
type Service struct {
	db     *sql.DB
	hasher PasswordHasher
	met    *metrics.Registry
}

func New(db *sql.DB, hasher PasswordHasher) *Service {
	return &Service{db: db, hasher: hasher}
}

// SetMetrics attaches the process-wide metrics.Registry so Create/RecordView
// can increment shares_created_total/share_views_total. Optional; unset
// means no increments.
func (s *Service) SetMetrics(m *metrics.Registry) {
	s.met = m
}

// generateSlug produces a short, URL-safe random slug, the unique-with-
// retry default per spec.md §4.8's "assigns a slug (custom or generated,
// unique; retry on collision)".
func generateSlug() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	s := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
	return strings.ToLower(s)
}

// CreateInput parametrizes Create.
type CreateInput struct {
	Kind            Kind
	Target          string
	StorageConfigID string
	CustomSlug      string
	Password        string
	MaxViews        *int
	ExpiresAt       *time.Time
	CreatedBy       string
}

const maxSlugAttempts = 5

// Create assigns a slug (custom or generated, retrying on collision) and
// persists the record, per spec.md §4.8.
func (s *Service) Create(ctx context.Context, in CreateInput) (Record, error) {
	rec := Record{
		Type:            in.Kind,
		Target:          in.Target,
		StorageConfigID: in.StorageConfigID,
		MaxViews:        in.MaxViews,
		ExpiresAt:       in.ExpiresAt,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       time.Now(),
	}
	if in.Password != "" {
		hash, err := s.hasher.Hash(in.Password)
		if err != nil {
			return Record{}, cerr.Wrap(cerr.Internal, err, "hashing share password")
		}
		rec.PasswordHash = hash
	}

	if in.CustomSlug != "" {
		rec.Slug = in.CustomSlug
		if err := s.insert(ctx, rec); err != nil {
			if isUniqueViolation(err) {
				return Record{}, cerr.New(cerr.Conflict, "slug %q already in use", in.CustomSlug)
			}
			return Record{}, err
		}
		s.countCreated()
		return rec, nil
	}

	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		rec.Slug = generateSlug()
		err := s.insert(ctx, rec)
		if err == nil {
			s.countCreated()
			return rec, nil
		}
		if !isUniqueViolation(err) {
			return Record{}, err
		}
	}
	return Record{}, cerr.New(cerr.Internal, "failed to generate a unique slug after %d attempts", maxSlugAttempts)
}

func (s *Service) countCreated() {
	if s.met != nil {
		s.met.SharesCreated.Inc()
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

func (s *Service) insert(ctx context.Context, rec Record) error {
	var expiresMs, maxViews interface{}
	if rec.ExpiresAt != nil {
		expiresMs = rec.ExpiresAt.UnixMilli()
	}
	if rec.MaxViews != nil {
		maxViews = *rec.MaxViews
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_records (slug, type, target, storage_config_id, password_hash, max_views, views, expires_at_ms, created_by, created_at_ms)
		VALUES (?,?,?,?,?,?,0,?,?,?)`,
		rec.Slug, string(rec.Type), rec.Target, nullIfEmpty(rec.StorageConfigID), nullIfEmpty(rec.PasswordHash), maxViews, expiresMs, nullIfEmpty(rec.CreatedBy), rec.CreatedAt.UnixMilli())
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Get loads a share by slug, failing Gone when expired per spec.md §7.
func (s *Service) Get(ctx context.Context, slug string) (Record, error) {
	rec, err := s.load(ctx, slug)
	if err != nil {
		return Record{}, err
	}
	if rec.Expired(time.Now()) {
		return Record{}, cerr.New(cerr.Gone, "share %s has expired", slug)
	}
	if rec.ViewsExhausted() {
		return Record{}, cerr.New(cerr.Gone, "share %s has reached its view limit", slug)
	}
	return rec, nil
}

func (s *Service) load(ctx context.Context, slug string) (Record, error) {
	var rec Record
	var storageConfigID, passwordHash, createdBy sql.NullString
	var maxViews sql.NullInt64
	var expiresMs sql.NullInt64
	var createdMs int64
	err := s.db.QueryRowContext(ctx, `
		SELECT slug, type, target, storage_config_id, password_hash, max_views, views, expires_at_ms, created_by, created_at_ms
		FROM share_records WHERE slug = ?`, slug).
		Scan(&rec.Slug, &rec.Type, &rec.Target, &storageConfigID, &passwordHash, &maxViews, &rec.Views, &expiresMs, &createdBy, &createdMs)
	if err == sql.ErrNoRows {
		return Record{}, cerr.New(cerr.NotFound, "share %s not found", slug)
	}
	if err != nil {
		return Record{}, err
	}
	rec.StorageConfigID = storageConfigID.String
	rec.PasswordHash = passwordHash.String
	rec.CreatedBy = createdBy.String
	rec.CreatedAt = time.UnixMilli(createdMs)
	if maxViews.Valid {
		n := int(maxViews.Int64)
		rec.MaxViews = &n
	}
	if expiresMs.Valid {
		t := time.UnixMilli(expiresMs.Int64)
		rec.ExpiresAt = &t
	}
	return rec, nil
}

// Verify checks a password against a share's hash and, on success, returns
// the same view Get would for an unprotected share, per spec.md §4.8's
// round-trip testable property.
func (s *Service) Verify(ctx context.Context, slug, password string) (Record, error) {
	rec, err := s.Get(ctx, slug)
	if err != nil {
		return Record{}, err
	}
	if rec.PasswordHash != "" && !s.hasher.Verify(rec.PasswordHash, password) {
		return Record{}, cerr.New(cerr.PermissionDenied, "incorrect password for share %s", slug)
	}
	return rec, nil
}

// RecordView atomically increments views with a compare-and-set against
// max_views, per spec.md §4.8's "max_views enforced atomically (per-view
// increment with compare-and-set)".
func (s *Service) RecordView(ctx context.Context, slug string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE share_records SET views = views + 1
		WHERE slug = ? AND (max_views IS NULL OR views < max_views)`, slug)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return cerr.New(cerr.Gone, "share %s has reached its view limit", slug)
	}
	if s.met != nil {
		s.met.ShareViews.Inc()
	}
	return nil
}

// View is the public projection returned to clients, per spec.md §4.8:
// "Get(slug) returns the public view; if password-required and not
// verified, previewUrl/downloadUrl = null".
type View struct {
	Slug              string
	Name              string
	Size              int64
	Type              Kind
	PasswordRequired  bool
	PreviewURL        string
	DownloadURL       string
}

// PublicView builds the client-facing projection. previewURL/downloadURL
// are supplied by the caller (VFS/FileLink for file shares, raw content
// endpoint for text) and blanked when a password is required and
// unverified.
func PublicView(rec Record, name string, size int64, previewURL, downloadURL string, passwordVerified bool) View {
	v := View{Slug: rec.Slug, Name: name, Size: size, Type: rec.Type}
	if rec.PasswordHash != "" {
		v.PasswordRequired = true
		if !passwordVerified {
			return v
		}
	}
	v.PreviewURL = previewURL
	v.DownloadURL = downloadURL
	return v
}

// BatchDelete removes multiple shares by slug, best-effort.
func (s *Service) BatchDelete(ctx context.Context, slugs []string) error {
	for _, slug := range slugs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM share_records WHERE slug = ?`, slug); err != nil {
			return err
		}
	}
	return nil
}

// ClearExpired deletes every share past its expiry, for the
// `/api/shares/clear-expired` maintenance endpoint.
func (s *Service) ClearExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM share_records WHERE expires_at_ms IS NOT NULL AND expires_at_ms < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
