// Package huggingface implements a driver.Storage against the Hugging Face
// Hub API, storing objects as files in a dataset repo via Hub's LFS-batch
// presigned-upload flow, grounded on Perkeep's pkg/blobserver/s3 (presigned
// PUT shape) combined with the b2 REST-client idiom for listing/commit
// metadata, since Hub's LFS batch API is itself S3-presigned-URL-shaped.
package huggingface

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

const hubBase = "https://huggingface.co"

type Storage struct {
	httpClient *http.Client
	token      string
	repoID     string // "owner/name"
	repoType   string // "dataset", "model", or "space"
	revision   string
}

var (
	_ driver.Storage   = (*Storage)(nil)
	_ driver.Presigner = (*Storage)(nil)
)

func init() {
	driver.Register("huggingface", newFromConfig)
}

func newFromConfig(cfg driver.Config) (driver.Storage, error) {
	token := cfg.Credentials["token"]
	repoID := cfg.Params["repo_id"]
	if token == "" || repoID == "" {
		return nil, fmt.Errorf("huggingface: missing required config (token, repo_id)")
	}
	repoType := cfg.Params["repo_type"]
	if repoType == "" {
		repoType = "dataset"
	}
	revision := cfg.Params["revision"]
	if revision == "" {
		revision = "main"
	}
	return &Storage{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		token:      token, repoID: repoID, repoType: repoType, revision: revision,
	}, nil
}

func (s *Storage) Name() string { return "huggingface" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, PresignedSingle: true, List: true, Stat: true,
			Read: true, Range: true, Write: true, Delete: true, Rename: true, Copy: true, Mkdir: true,
		},
		Share:                    driver.ShareCapabilities{Presigned: true, BackendStream: true},
		Sha256RequiredForPresign: true,
	}
}

func (s *Storage) repoPathPrefix() string {
	switch s.repoType {
	case "model":
		return s.repoID
	default:
		return s.repoType + "s/" + s.repoID
	}
}

func (s *Storage) do(ctx context.Context, method, urlStr string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return s.httpClient.Do(req)
}

type treeEntry struct {
	Type string `json:"type"` // "file" or "directory"
	Path string `json:"path"`
	Size int64  `json:"size"`
	Oid  string `json:"oid"`
	LastCommit *struct {
		Date string `json:"date"`
	} `json:"lastCommit"`
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	clean := strings.Trim(p, "/")
	u := fmt.Sprintf("%s/api/%s/tree/%s/%s", hubBase, s.repoPathPrefix(), s.revision, clean)
	resp, err := s.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return driver.ListResult{}, driver.ErrUpstreamTransient(err, "huggingface tree %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return driver.ListResult{}, driver.ErrNotFound(p)
	}
	var tree []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&tree); err != nil {
		return driver.ListResult{}, driver.ErrUpstreamFatal(err, "huggingface tree decode %s", p)
	}
	entries := make([]driver.Entry, 0, len(tree))
	for _, e := range tree {
		entry := driver.Entry{Key: e.Path, Name: path.Base(e.Path), Size: e.Size, ETag: e.Oid}
		if e.Type == "directory" {
			entry.IsDir = true
			entry.Type = driver.TypeDirectory
		} else {
			entry.Type = typeFromName(e.Path)
		}
		if e.LastCommit != nil {
			entry.ModifiedAt, _ = time.Parse(time.RFC3339, e.LastCommit.Date)
		}
		entries = append(entries, entry)
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
	case ".zip", ".tar", ".gz", ".7z", ".parquet":
		return driver.TypeArchive
	case ".json", ".md", ".txt", ".csv":
		return driver.TypeDocument
	default:
		return driver.TypeOther
	}
}

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	u := fmt.Sprintf("%s/api/%s/paths-info/%s", hubBase, s.repoPathPrefix(), s.revision)
	buf, _ := json.Marshal(map[string]interface{}{"paths": []string{strings.TrimPrefix(p, "/")}})
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(buf), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return driver.Entry{}, driver.ErrUpstreamTransient(err, "huggingface paths-info %s", p)
	}
	defer resp.Body.Close()
	var out []treeEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out) == 0 {
		return driver.Entry{}, driver.ErrNotFound(p)
	}
	e := out[0]
	entry := driver.Entry{Key: e.Path, Name: path.Base(e.Path), Size: e.Size, ETag: e.Oid, Type: typeFromName(e.Path)}
	if e.Type == "directory" {
		entry.IsDir, entry.Type = true, driver.TypeDirectory
	}
	return entry, nil
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	u := fmt.Sprintf("%s/%s/resolve/%s/%s", hubBase, s.repoPathPrefix(), s.revision, strings.TrimPrefix(p, "/"))
	headers := map[string]string{}
	if rng != nil {
		end := ""
		if rng.End >= 0 {
			end = fmt.Sprintf("%d", rng.End)
		}
		headers["Range"] = fmt.Sprintf("bytes=%d-%s", rng.Start, end)
	}
	resp, err := s.do(ctx, http.MethodGet, u, nil, headers)
	if err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "huggingface resolve %s", p)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return driver.ReadResult{}, driver.ErrNotFound(p)
	}
	return driver.ReadResult{Reader: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength, ContentRange: resp.Header.Get("Content-Range")}, nil
}

// Write uploads small files via the commit API directly (base64 content);
// large LFS-tracked files should go through PresignSingle instead.
func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return driver.WriteResult{}, err
	}
	sum := sha256.Sum256(data)
	commit := map[string]interface{}{
		"key":     "file",
		"content": data,
		"path":    strings.TrimPrefix(p, "/"),
		"encoding": "base64",
	}
	buf, _ := json.Marshal(commit)
	u := fmt.Sprintf("%s/api/%s/commit/%s", hubBase, s.repoPathPrefix(), s.revision)
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(buf), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "huggingface commit %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "huggingface commit %s", p)
	}
	return driver.WriteResult{ETag: hex.EncodeToString(sum[:])}, nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	commit := map[string]interface{}{"key": "deletedFile", "path": strings.TrimPrefix(p, "/")}
	buf, _ := json.Marshal(commit)
	u := fmt.Sprintf("%s/api/%s/commit/%s", hubBase, s.repoPathPrefix(), s.revision)
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(buf), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "huggingface delete commit %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "huggingface delete commit %s", p)
	}
	return nil
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	// Hub repos have no real directories; structure is implied by file paths.
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
	_, err = s.Write(ctx, dst, read.Reader, read.Size, driver.WriteOptions{})
	return err
}

// PresignSingle drives the LFS batch API, requesting an upload action for
// one object keyed by its sha256 oid, per spec.md §4.1's note that
// HuggingFace requires a client-computed sha256 before presigning.
func (s *Storage) PresignSingle(ctx context.Context, p string, size int64, contentType, sha256Hex string) (driver.PresignResult, error) {
	if sha256Hex == "" {
		return driver.PresignResult{}, fmt.Errorf("huggingface: sha256 required for presign")
	}
	u := fmt.Sprintf("%s/%s.git/info/lfs/objects/batch", hubBase, s.repoPathPrefix())
	body := map[string]interface{}{
		"operation": "upload",
		"transfers": []string{"basic"},
		"objects":   []map[string]interface{}{{"oid": sha256Hex, "size": size}},
	}
	buf, _ := json.Marshal(body)
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(buf), map[string]string{"Content-Type": "application/vnd.git-lfs+json"})
	if err != nil {
		return driver.PresignResult{}, driver.ErrUpstreamTransient(err, "huggingface lfs batch %s", p)
	}
	defer resp.Body.Close()
	var out struct {
		Objects []struct {
			Oid     string `json:"oid"`
			Actions *struct {
				Upload struct {
					Href   string            `json:"href"`
					Header map[string]string `json:"header"`
				} `json:"upload"`
			} `json:"actions"`
		} `json:"objects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Objects) == 0 {
		return driver.PresignResult{}, driver.ErrUpstreamFatal(err, "huggingface lfs batch decode %s", p)
	}
	obj := out.Objects[0]
	if obj.Actions == nil {
		// Object already present server-side; nothing to upload.
		return driver.PresignResult{SkipUpload: true, Sha256: sha256Hex}, nil
	}
	return driver.PresignResult{
		Method: "PUT", URL: obj.Actions.Upload.Href, Headers: obj.Actions.Upload.Header, Sha256: sha256Hex,
	}, nil
}

func (s *Storage) CommitPresigned(ctx context.Context, targetPath, etag, contentType string, size int64) error {
	commit := map[string]interface{}{
		"key":  "lfsFile",
		"path": strings.TrimPrefix(targetPath, "/"),
		"oid":  etag,
		"size": size,
	}
	buf, _ := json.Marshal(commit)
	u := fmt.Sprintf("%s/api/%s/commit/%s", hubBase, s.repoPathPrefix(), s.revision)
	resp, err := s.do(ctx, http.MethodPost, u, bytes.NewReader(buf), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "huggingface lfs commit %s", targetPath)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "huggingface lfs commit %s", targetPath)
	}
	return nil
}
