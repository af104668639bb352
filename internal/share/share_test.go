package share_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/share"
	"github.com/cloudpaste/gateway/internal/store"
)

// plainHasher avoids bcrypt's cost factor in tests that don't exercise
// hashing itself.
type plainHasher struct{}

func (plainHasher) Hash(password string) (string, error) { return "hashed:" + password, nil }
func (plainHasher) Verify(hash, password string) bool    { return hash == "hashed:"+password }

func newTestService(t *testing.T) *share.Service {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return share.New(db.DB, plainHasher{})
}

func TestCreateAndGetRoundtrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, share.CreateInput{Kind: share.KindText, Target: "hello world"})
	require.NoError(t, err)
	require.NotEmpty(t, rec.Slug)

	got, err := svc.Get(ctx, rec.Slug)
	require.NoError(t, err)
	require.Equal(t, "hello world", got.Target)
	require.Equal(t, share.KindText, got.Type)
}

func TestCreateCustomSlugCollision(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, share.CreateInput{Kind: share.KindText, Target: "a", CustomSlug: "my-slug"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, share.CreateInput{Kind: share.KindText, Target: "b", CustomSlug: "my-slug"})
	require.Error(t, err)
}

func TestGetExpiredShareIsGone(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	rec, err := svc.Create(ctx, share.CreateInput{Kind: share.KindText, Target: "x", ExpiresAt: &past})
	require.NoError(t, err)

	_, err = svc.Get(ctx, rec.Slug)
	require.Error(t, err)
}

func TestVerifyPassword(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	rec, err := svc.Create(ctx, share.CreateInput{Kind: share.KindFile, Target: "k.bin", Password: "s3cret"})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, rec.Slug, "wrong")
	require.Error(t, err)

	got, err := svc.Verify(ctx, rec.Slug, "s3cret")
	require.NoError(t, err)
	require.Equal(t, rec.Slug, got.Slug)
}

func TestRecordViewRespectsMaxViews(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	max := 1

	rec, err := svc.Create(ctx, share.CreateInput{Kind: share.KindText, Target: "once", MaxViews: &max})
	require.NoError(t, err)

	require.NoError(t, svc.RecordView(ctx, rec.Slug))
	err = svc.RecordView(ctx, rec.Slug)
	require.Error(t, err)

	_, err = svc.Get(ctx, rec.Slug)
	require.Error(t, err)
}

func TestPublicViewBlanksURLsWhenPasswordUnverified(t *testing.T) {
	rec := share.Record{Slug: "s1", PasswordHash: "hashed:x"}

	view := share.PublicView(rec, "file.txt", 10, "/preview", "/download", false)
	require.True(t, view.PasswordRequired)
	require.Empty(t, view.PreviewURL)
	require.Empty(t, view.DownloadURL)

	view = share.PublicView(rec, "file.txt", 10, "/preview", "/download", true)
	require.Equal(t, "/preview", view.PreviewURL)
	require.Equal(t, "/download", view.DownloadURL)
}

func TestBatchDeleteAndClearExpired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)

	recA, err := svc.Create(ctx, share.CreateInput{Kind: share.KindText, Target: "a"})
	require.NoError(t, err)
	recB, err := svc.Create(ctx, share.CreateInput{Kind: share.KindText, Target: "b", ExpiresAt: &past})
	require.NoError(t, err)

	n, err := svc.ClearExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	require.NoError(t, svc.BatchDelete(ctx, []string{recA.Slug}))

	_, err = svc.Get(ctx, recA.Slug)
	require.Error(t, err)
	_, err = svc.Get(ctx, recB.Slug)
	require.Error(t, err)
}
