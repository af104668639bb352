// Package webdavdrv implements a driver.Storage against a remote WebDAV
// server (RFC 4918), letting CloudPaste mount another WebDAV service as a
// backend. Structurally it follows the same Storage-interface shape as the
// s3 driver, since Perkeep's blobserver has no client-side WebDAV analog
// (its only WebDAV code, app/webdav, exposes Perkeep content as a server,
// not consumes a remote one) — the PROPFIND/MKCOL/COPY method dispatch here
// is grounded on RFC 4918 directly rather than on a pack file, which is why
// it is built on net/http rather than a fetched client library: no example
// repo carries a WebDAV client dependency to ground on.
package webdavdrv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cloudpaste/gateway/internal/driver"
)

type Storage struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

var _ driver.Storage = (*Storage)(nil)

func init() {
	driver.Register("webdav", newFromConfig)
}

func newFromConfig(cfg driver.Config) (driver.Storage, error) {
	base := cfg.Params["url"]
	if base == "" {
		return nil, fmt.Errorf("webdav: missing required param %q", "url")
	}
	return &Storage{
		baseURL:  strings.TrimSuffix(base, "/"),
		username: cfg.Credentials["username"],
		password: cfg.Credentials["password"],
		client:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

func (s *Storage) Name() string { return "webdav" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, List: true, Stat: true, Read: true, Range: true,
			Write: true, Delete: true, Rename: true, Copy: true, Mkdir: true,
		},
		Share: driver.ShareCapabilities{BackendStream: true},
	}
}

func (s *Storage) href(p string) string {
	clean := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if clean == "/." {
		clean = "/"
	}
	return s.baseURL + clean
}

func (s *Storage) do(ctx context.Context, method, p string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.href(p), body)
	if err != nil {
		return nil, err
	}
	if s.username != "" {
		req.SetBasicAuth(s.username, s.password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return s.client.Do(req)
}

// multistatus mirrors the subset of RFC 4918's DAV:multistatus response
// body that PROPFIND against a generic WebDAV server needs.
type multistatus struct {
	XMLName   xml.Name    `xml:"DAV: multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string    `xml:"href"`
	PropStat []propStat `xml:"propstat"`
}

type propStat struct {
	Prop   davProp `xml:"prop"`
	Status string  `xml:"status"`
}

type davProp struct {
	DisplayName      string `xml:"displayname"`
	ContentLength    int64  `xml:"getcontentlength"`
	LastModified     string `xml:"getlastmodified"`
	ETag             string `xml:"getetag"`
	ResourceType     struct {
		Collection *struct{} `xml:"collection"`
	} `xml:"resourcetype"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:displayname/>
    <D:getcontentlength/>
    <D:getlastmodified/>
    <D:getetag/>
    <D:resourcetype/>
  </D:prop>
</D:propfind>`

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	resp, err := s.do(ctx, "PROPFIND", p, strings.NewReader(propfindBody), map[string]string{
		"Depth": "1", "Content-Type": "application/xml",
	})
	if err != nil {
		return driver.ListResult{}, driver.ErrUpstreamTransient(err, "webdav propfind %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return driver.ListResult{}, driver.ErrNotFound(p)
	}
	if resp.StatusCode != 207 && resp.StatusCode != 200 {
		return driver.ListResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "webdav propfind %s", p)
	}
	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return driver.ListResult{}, driver.ErrUpstreamFatal(err, "webdav propfind decode %s", p)
	}
	selfHref := s.href(p)
	entries := make([]driver.Entry, 0, len(ms.Responses))
	for _, r := range ms.Responses {
		if strings.TrimSuffix(r.Href, "/") == strings.TrimSuffix(selfHref, "/") {
			continue
		}
		if len(r.PropStat) == 0 {
			continue
		}
		prop := r.PropStat[0].Prop
		isDir := prop.ResourceType.Collection != nil
		unescaped, _ := url.QueryUnescape(r.Href)
		name := path.Base(strings.TrimSuffix(unescaped, "/"))
		modified, _ := time.Parse(time.RFC1123, prop.LastModified)
		entries = append(entries, driver.Entry{
			Key: strings.TrimPrefix(path.Join(p, name), "/"), Name: name, Size: prop.ContentLength,
			IsDir: isDir, ModifiedAt: modified, ETag: strings.Trim(prop.ETag, `"`),
			Type: typeFromName(name, isDir),
		})
	}
	return driver.ListResult{Entries: entries}, nil
}

func typeFromName(name string, isDir bool) driver.EntryType {
	if isDir {
		return driver.TypeDirectory
	}
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

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	resp, err := s.do(ctx, "PROPFIND", p, strings.NewReader(propfindBody), map[string]string{
		"Depth": "0", "Content-Type": "application/xml",
	})
	if err != nil {
		return driver.Entry{}, driver.ErrUpstreamTransient(err, "webdav stat %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return driver.Entry{}, driver.ErrNotFound(p)
	}
	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil || len(ms.Responses) == 0 {
		return driver.Entry{}, driver.ErrUpstreamFatal(err, "webdav stat decode %s", p)
	}
	prop := ms.Responses[0].PropStat[0].Prop
	isDir := prop.ResourceType.Collection != nil
	modified, _ := time.Parse(time.RFC1123, prop.LastModified)
	return driver.Entry{
		Key: strings.TrimPrefix(p, "/"), Name: path.Base(p), Size: prop.ContentLength,
		IsDir: isDir, ModifiedAt: modified, ETag: strings.Trim(prop.ETag, `"`),
		Type: typeFromName(path.Base(p), isDir),
	}, nil
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	headers := map[string]string{}
	if rng != nil {
		end := ""
		if rng.End >= 0 {
			end = strconv.FormatInt(rng.End, 10)
		}
		headers["Range"] = fmt.Sprintf("bytes=%d-%s", rng.Start, end)
	}
	resp, err := s.do(ctx, http.MethodGet, p, nil, headers)
	if err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "webdav get %s", p)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return driver.ReadResult{}, driver.ErrNotFound(p)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return driver.ReadResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "webdav get %s", p)
	}
	return driver.ReadResult{
		Reader: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength,
		ETag: strings.Trim(resp.Header.Get("ETag"), `"`), ContentRange: resp.Header.Get("Content-Range"),
	}, nil
}

func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	headers := map[string]string{"Content-Type": opts.ContentType}
	if opts.IfNoneMatch {
		headers["If-None-Match"] = "*"
	}
	resp, err := s.do(ctx, http.MethodPut, p, r, headers)
	if err != nil {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "webdav put %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPreconditionFailed {
		return driver.WriteResult{}, driver.ErrConflict(p)
	}
	if resp.StatusCode >= 300 {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "webdav put %s", p)
	}
	return driver.WriteResult{ETag: strings.Trim(resp.Header.Get("ETag"), `"`)}, nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	resp, err := s.do(ctx, http.MethodDelete, p, nil, nil)
	if err != nil {
		return driver.ErrUpstreamTransient(err, "webdav delete %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return driver.ErrNotFound(p)
	}
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "webdav delete %s", p)
	}
	return nil
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	resp, err := s.do(ctx, "MKCOL", p, nil, nil)
	if err != nil {
		return driver.ErrUpstreamTransient(err, "webdav mkcol %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusMethodNotAllowed {
		// Collection already exists; MKCOL on an existing collection
		// returns 405 per RFC 4918 §9.3.1.
		return nil
	}
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "webdav mkcol %s", p)
	}
	return nil
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	resp, err := s.do(ctx, "MOVE", src, nil, map[string]string{"Destination": s.href(dst), "Overwrite": "T"})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "webdav move %s -> %s", src, dst)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return driver.ErrNotFound(src)
	}
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "webdav move %s", src)
	}
	return nil
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	overwrite := "T"
	if skipExisting {
		overwrite = "F"
	}
	resp, err := s.do(ctx, "COPY", src, nil, map[string]string{"Destination": s.href(dst), "Overwrite": overwrite})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "webdav copy %s -> %s", src, dst)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return driver.ErrNotFound(src)
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return nil // skipExisting: destination already present
	}
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "webdav copy %s", src)
	}
	return nil
}
