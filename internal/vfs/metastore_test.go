package vfs_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/store"
	"github.com/cloudpaste/gateway/internal/vfs"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insertMeta(t *testing.T, db *store.DB, path string, header, footer, hide, password string, headerInherit, footerInherit, hideInherit, passwordInherit bool) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO fs_meta (path, header_markdown, header_inherit, footer_markdown, footer_inherit, hide_patterns_json, hide_inherit, password_hash, password_inherit)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		path, nullIfEmpty(header), boolToInt(headerInherit), nullIfEmpty(footer), boolToInt(footerInherit), hide, boolToInt(hideInherit), nullIfEmpty(password), boolToInt(passwordInherit))
	require.NoError(t, err)
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestSQLMetaStoreResolveInheritsFromAncestor(t *testing.T) {
	db := newTestDB(t)
	ms := vfs.NewSQLMetaStore(db.DB)

	insertMeta(t, db, "/docs", "docs header", "docs footer", `["*.tmp"]`, "", true, true, true, true)

	meta, err := ms.Resolve(context.Background(), "/docs/sub/leaf")
	require.NoError(t, err)
	require.Equal(t, "docs header", meta.HeaderMarkdown)
	require.Equal(t, "docs footer", meta.FooterMarkdown)
	require.Equal(t, []string{"*.tmp"}, meta.HidePatterns)
	require.Empty(t, meta.PasswordHash)
}

func TestSQLMetaStoreResolveOwnRowWins(t *testing.T) {
	db := newTestDB(t)
	ms := vfs.NewSQLMetaStore(db.DB)

	insertMeta(t, db, "/docs", "docs header", "docs footer", "[]", "", true, true, true, true)
	insertMeta(t, db, "/docs/sub", "sub header", "", "[]", "", true, true, true, true)

	meta, err := ms.Resolve(context.Background(), "/docs/sub")
	require.NoError(t, err)
	require.Equal(t, "sub header", meta.HeaderMarkdown)
	// footer absent on /docs/sub, falls back to the ancestor's.
	require.Equal(t, "docs footer", meta.FooterMarkdown)
}

func TestSQLMetaStoreResolveStopsAtNonInheritingAncestor(t *testing.T) {
	db := newTestDB(t)
	ms := vfs.NewSQLMetaStore(db.DB)

	insertMeta(t, db, "/", "root header", "", "[]", "", true, true, true, true)
	insertMeta(t, db, "/docs", "", "", "[]", "", false, true, true, true)

	meta, err := ms.Resolve(context.Background(), "/docs/sub")
	require.NoError(t, err)
	require.Empty(t, meta.HeaderMarkdown)
}

func TestSQLMetaStoreResolveNoRows(t *testing.T) {
	db := newTestDB(t)
	ms := vfs.NewSQLMetaStore(db.DB)

	meta, err := ms.Resolve(context.Background(), "/nothing/here")
	require.NoError(t, err)
	require.Equal(t, "/nothing/here", meta.Path)
	require.Empty(t, meta.HeaderMarkdown)
}

func TestSQLMetaStoreResolvePasswordInheritance(t *testing.T) {
	db := newTestDB(t)
	ms := vfs.NewSQLMetaStore(db.DB)

	insertMeta(t, db, "/private", "", "", "[]", "secret-hash", true, true, true, true)

	meta, err := ms.Resolve(context.Background(), "/private/sub")
	require.NoError(t, err)
	require.Equal(t, "secret-hash", meta.PasswordHash)

	insertMeta(t, db, "/private/sub", "", "", "[]", "", true, true, true, false)
	meta, err = ms.Resolve(context.Background(), "/private/sub/leaf")
	require.NoError(t, err)
	require.Empty(t, meta.PasswordHash)
}
