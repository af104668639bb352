package vfs

import (
	"context"
	"database/sql"
	"encoding/json"
	"path"
)

// SQLMetaStore resolves DirectoryMeta against the fs_meta table, folding
// in ancestor metadata for every *_inherit field set on a descendant row,
// per spec.md §4.5's inheritance rule: a directory's own row always wins
// for a field; absent fields fall back to the nearest ancestor that set
// one, all the way to "/".
type SQLMetaStore struct {
	db *sql.DB
}

func NewSQLMetaStore(db *sql.DB) *SQLMetaStore {
	return &SQLMetaStore{db: db}
}

type metaRow struct {
	headerMarkdown, footerMarkdown, passwordHash sql.NullString
	headerInherit, footerInherit, hideInherit, passwordInherit bool
	hidePatternsJSON string
}

func (m *SQLMetaStore) loadRow(ctx context.Context, p string) (metaRow, bool, error) {
	var row metaRow
	var headerInherit, footerInherit, hideInherit, passwordInherit int
	err := m.db.QueryRowContext(ctx, `
		SELECT header_markdown, header_inherit, footer_markdown, footer_inherit, hide_patterns_json, hide_inherit, password_hash, password_inherit
		FROM fs_meta WHERE path = ?`, p).
		Scan(&row.headerMarkdown, &headerInherit, &row.footerMarkdown, &footerInherit, &row.hidePatternsJSON, &hideInherit, &row.passwordHash, &passwordInherit)
	if err == sql.ErrNoRows {
		return metaRow{}, false, nil
	}
	if err != nil {
		return metaRow{}, false, err
	}
	row.headerInherit = headerInherit != 0
	row.footerInherit = footerInherit != 0
	row.hideInherit = hideInherit != 0
	row.passwordInherit = passwordInherit != 0
	return row, true, nil
}

// ancestors returns p and every ancestor directory up to "/", nearest
// first.
func ancestors(p string) []string {
	p = path.Clean("/" + p)
	var out []string
	for {
		out = append(out, p)
		if p == "/" {
			return out
		}
		p = path.Dir(p)
	}
}

// Resolve implements vfs.MetaStore.
func (m *SQLMetaStore) Resolve(ctx context.Context, reqPath string) (DirectoryMeta, error) {
	var meta DirectoryMeta
	meta.Path = reqPath
	meta.HeaderInherit = true
	meta.FooterInherit = true
	meta.HideInherit = true
	meta.PasswordInherit = true

	haveHeader, haveFooter, haveHide, havePassword := false, false, false, false
	for _, p := range ancestors(reqPath) {
		row, ok, err := m.loadRow(ctx, p)
		if err != nil {
			return DirectoryMeta{}, err
		}
		if !ok {
			continue
		}
		if !haveHeader && row.headerMarkdown.Valid {
			meta.HeaderMarkdown = row.headerMarkdown.String
			haveHeader = true
		}
		if !haveFooter && row.footerMarkdown.Valid {
			meta.FooterMarkdown = row.footerMarkdown.String
			haveFooter = true
		}
		if !haveHide && row.hidePatternsJSON != "" && row.hidePatternsJSON != "[]" {
			var patterns []string
			if err := json.Unmarshal([]byte(row.hidePatternsJSON), &patterns); err == nil && len(patterns) > 0 {
				meta.HidePatterns = patterns
				haveHide = true
			}
		}
		if !havePassword && row.passwordHash.Valid {
			meta.PasswordHash = row.passwordHash.String
			havePassword = true
		}
		// Stop folding a dimension further up the tree once the owning
		// row for that dimension opts out of inheritance for its
		// children; since we walk child-to-root we only need the first
		// row that actually set the field (captured above), but a row
		// with inherit=false also blocks dimensions it left unset from
		// continuing to climb past it.
		if p == reqPath {
			continue
		}
		if !row.headerInherit {
			haveHeader = true
		}
		if !row.footerInherit {
			haveFooter = true
		}
		if !row.hideInherit {
			haveHide = true
		}
		if !row.passwordInherit {
			havePassword = true
		}
		if haveHeader && haveFooter && haveHide && havePassword {
			break
		}
	}
	return meta, nil
}
