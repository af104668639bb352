// Package github implements a driver.Storage against GitHub Releases,
// storing objects as release assets under one "mount" release per backend,
// grounded on Perkeep's pkg/importer OAuth2 client-construction idiom
// (golang.org/x/oauth2.StaticTokenSource wrapping a personal access token)
// applied to the GitHub REST API instead of a Perkeep-supported provider.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/cloudpaste/gateway/internal/driver"
)

const apiBase = "https://api.github.com"

type Storage struct {
	httpClient *http.Client
	owner      string
	repo       string
	tag        string // release tag that backs this mount
}

var _ driver.Storage = (*Storage)(nil)

func init() {
	driver.Register("github", newFromConfig)
}

func newFromConfig(cfg driver.Config) (driver.Storage, error) {
	token := cfg.Credentials["token"]
	if token == "" {
		return nil, fmt.Errorf("github: missing required credential %q", "token")
	}
	owner, repo := cfg.Params["owner"], cfg.Params["repo"]
	if owner == "" || repo == "" {
		return nil, fmt.Errorf("github: missing required params %q and %q", "owner", "repo")
	}
	tag := cfg.Params["release_tag"]
	if tag == "" {
		tag = "cloudpaste-store"
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Storage{httpClient: oauth2.NewClient(context.Background(), ts), owner: owner, repo: repo, tag: tag}, nil
}

func (s *Storage) Name() string { return "github" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, List: true, Stat: true, Read: true,
			Write: true, Delete: true, Rename: true, Copy: true, Mkdir: true,
		},
		Share: driver.ShareCapabilities{BackendStream: true, URL: true},
	}
}

type releaseAsset struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Size               int64  `json:"size"`
	UpdatedAt          string `json:"updated_at"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type release struct {
	ID     int64          `json:"id"`
	TagName string        `json:"tag_name"`
	Assets []releaseAsset `json:"assets"`
}

func (s *Storage) do(ctx context.Context, method, urlStr string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return s.httpClient.Do(req)
}

// mountKey flattens the path's directory structure into a single asset
// name, since GitHub releases hold a flat bag of assets, not a tree.
// Encoded with "__" segment separators so List can reconstruct pseudo-dirs.
func mountKey(p string) string {
	clean := strings.Trim(path.Clean("/"+p), "/")
	return strings.ReplaceAll(clean, "/", "__")
}

func (s *Storage) getRelease(ctx context.Context) (*release, error) {
	u := fmt.Sprintf("%s/repos/%s/%s/releases/tags/%s", apiBase, s.owner, s.repo, s.tag)
	resp, err := s.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return nil, driver.ErrUpstreamTransient(err, "github get release")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return s.createRelease(ctx)
	}
	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, driver.ErrUpstreamFatal(err, "github release decode")
	}
	return &rel, nil
}

func (s *Storage) createRelease(ctx context.Context) (*release, error) {
	body := map[string]interface{}{"tag_name": s.tag, "name": s.tag, "draft": false, "prerelease": false}
	buf, _ := json.Marshal(body)
	u := fmt.Sprintf("%s/repos/%s/%s/releases", apiBase, s.owner, s.repo)
	resp, err := s.do(ctx, http.MethodPost, u, strings.NewReader(string(buf)), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return nil, driver.ErrUpstreamTransient(err, "github create release")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "github create release")
	}
	var rel release
	json.NewDecoder(resp.Body).Decode(&rel)
	return &rel, nil
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	rel, err := s.getRelease(ctx)
	if err != nil {
		return driver.ListResult{}, err
	}
	prefix := mountKey(p)
	if prefix != "" {
		prefix += "__"
	}
	seen := make(map[string]driver.Entry)
	for _, a := range rel.Assets {
		if prefix != "" && !strings.HasPrefix(a.Name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(a.Name, prefix)
		parts := strings.SplitN(rest, "__", 2)
		name := parts[0]
		if len(parts) == 2 {
			seen[name] = driver.Entry{Key: prefix + name, Name: name, IsDir: true, Type: driver.TypeDirectory}
			continue
		}
		modified, _ := time.Parse(time.RFC3339, a.UpdatedAt)
		seen[name] = driver.Entry{Key: prefix + name, Name: name, Size: a.Size, ModifiedAt: modified, Type: typeFromName(name)}
	}
	entries := make([]driver.Entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	return driver.ListResult{Entries: entries}, nil
}

func typeFromName(name string) driver.EntryType {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".mp4", ".mkv", ".mov", ".webm":
		return driver.TypeVideo
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return driver.TypeImage
	case ".mp3", ".wav", ".flac":
		return driver.TypeAudio
	case ".zip", ".tar", ".gz", ".7z":
		return driver.TypeArchive
	case ".pdf", ".doc", ".docx", ".md", ".txt":
		return driver.TypeDocument
	default:
		return driver.TypeOther
	}
}

func (s *Storage) findAsset(ctx context.Context, p string) (*releaseAsset, error) {
	rel, err := s.getRelease(ctx)
	if err != nil {
		return nil, err
	}
	key := mountKey(p)
	for i := range rel.Assets {
		if rel.Assets[i].Name == key {
			return &rel.Assets[i], nil
		}
	}
	return nil, driver.ErrNotFound(p)
}

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	a, err := s.findAsset(ctx, p)
	if err != nil {
		return driver.Entry{}, err
	}
	modified, _ := time.Parse(time.RFC3339, a.UpdatedAt)
	return driver.Entry{Key: mountKey(p), Name: path.Base(p), Size: a.Size, ModifiedAt: modified, Type: typeFromName(p)}, nil
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	a, err := s.findAsset(ctx, p)
	if err != nil {
		return driver.ReadResult{}, err
	}
	headers := map[string]string{"Accept": "application/octet-stream"}
	if rng != nil {
		end := ""
		if rng.End >= 0 {
			end = fmt.Sprintf("%d", rng.End)
		}
		headers["Range"] = fmt.Sprintf("bytes=%d-%s", rng.Start, end)
	}
	u := fmt.Sprintf("%s/repos/%s/%s/releases/assets/%d", apiBase, s.owner, s.repo, a.ID)
	resp, err := s.do(ctx, http.MethodGet, u, nil, headers)
	if err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "github get asset %s", p)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return driver.ReadResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "github get asset %s", p)
	}
	return driver.ReadResult{Reader: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: a.Size}, nil
}

func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	rel, err := s.getRelease(ctx)
	if err != nil {
		return driver.WriteResult{}, err
	}
	// Replace semantics: delete any existing asset of the same name first,
	// since GitHub rejects a re-upload under a name already in use.
	key := mountKey(p)
	for _, a := range rel.Assets {
		if a.Name == key {
			s.deleteAsset(ctx, a.ID)
			break
		}
	}
	uploadBase := strings.Replace(apiBase, "api.github.com", "uploads.github.com", 1)
	u := fmt.Sprintf("%s/repos/%s/%s/releases/%d/assets?name=%s", uploadBase, s.owner, s.repo, rel.ID, key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp, err := s.do(ctx, http.MethodPost, u, r, map[string]string{"Content-Type": contentType})
	if err != nil {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "github upload asset %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "github upload asset %s", p)
	}
	var a releaseAsset
	json.NewDecoder(resp.Body).Decode(&a)
	return driver.WriteResult{ETag: fmt.Sprintf("gh-%d", a.ID)}, nil
}

func (s *Storage) deleteAsset(ctx context.Context, id int64) error {
	u := fmt.Sprintf("%s/repos/%s/%s/releases/assets/%d", apiBase, s.owner, s.repo, id)
	resp, err := s.do(ctx, http.MethodDelete, u, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	a, err := s.findAsset(ctx, p)
	if err != nil {
		if !recursive {
			return err
		}
		return s.deletePrefix(ctx, p)
	}
	return s.deleteAsset(ctx, a.ID)
}

func (s *Storage) deletePrefix(ctx context.Context, p string) error {
	rel, err := s.getRelease(ctx)
	if err != nil {
		return err
	}
	prefix := mountKey(p) + "__"
	deleted := false
	for _, a := range rel.Assets {
		if strings.HasPrefix(a.Name, prefix) {
			s.deleteAsset(ctx, a.ID)
			deleted = true
		}
	}
	if !deleted {
		return driver.ErrNotFound(p)
	}
	return nil
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	// Releases have no real directories; the name-prefix convention in
	// mountKey implies structure without a placeholder object.
	return nil
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst, false); err != nil {
		return err
	}
	return s.Delete(ctx, src, false)
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	if skipExisting {
		if _, err := s.Stat(ctx, dst); err == nil {
			return nil
		}
	}
	read, err := s.Read(ctx, src, nil)
	if err != nil {
		return err
	}
	defer read.Reader.Close()
	_, err = s.Write(ctx, dst, read.Reader, read.Size, driver.WriteOptions{ContentType: read.ContentType})
	return err
}
