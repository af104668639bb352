// Package googledrive implements a driver.Storage against the Google Drive
// v3 API, grounded on Perkeep's pkg/importer/gphotos (golang.org/x/oauth2
// plus golang.org/x/oauth2/google token-source wiring against a Google
// REST API) adapted from Drive-via-Photos to Drive's own files.* endpoints.
package googledrive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/cloudpaste/gateway/internal/driver"
)

const driveBase = "https://www.googleapis.com/drive/v3"
const driveUploadBase = "https://www.googleapis.com/upload/drive/v3"

type Storage struct {
	httpClient   *http.Client
	rootFolderID string // "" means the drive root
}

var (
	_ driver.Storage     = (*Storage)(nil)
	_ driver.Multiparter = (*Storage)(nil)
	_ driver.DirectURLer = (*Storage)(nil)
)

func init() {
	driver.Register("googledrive", newFromConfig)
}

func newFromConfig(cfg driver.Config) (driver.Storage, error) {
	refreshToken := cfg.Credentials["refresh_token"]
	if refreshToken == "" {
		return nil, fmt.Errorf("googledrive: missing required credential %q", "refresh_token")
	}
	conf := &oauth2.Config{
		ClientID:     cfg.Credentials["client_id"],
		ClientSecret: cfg.Credentials["client_secret"],
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/drive"},
	}
	ts := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: refreshToken})
	return &Storage{httpClient: oauth2.NewClient(context.Background(), ts), rootFolderID: cfg.Params["root_folder_id"]}, nil
}

func (s *Storage) Name() string { return "googledrive" }

func (s *Storage) Capabilities() driver.Capabilities {
	return driver.Capabilities{
		FS: driver.FSCapabilities{
			BackendStream: true, Multipart: true, List: true, Stat: true,
			Read: true, Range: true, Write: true, Delete: true, Rename: true,
			Copy: true, Mkdir: true,
		},
		Share: driver.ShareCapabilities{BackendStream: true, URL: true},
		Multipart: driver.MultipartCapabilities{
			Strategy:          driver.StrategySingleSession,
			PartsLedgerPolicy: driver.LedgerServerCanList,
			SigningMode:       driver.SigningOnDemand,
			ServerCanList:     true,
			RetryPolicy:       driver.DefaultRetryPolicy,
			PartSizeMin:       256 * 1024,
			PartSizeMax:       64 << 20,
		},
	}
}

type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MimeType     string `json:"mimeType"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
	MD5Checksum  string `json:"md5Checksum"`
	Parents      []string `json:"parents,omitempty"`
}

const folderMime = "application/vnd.google-apps.folder"

func (s *Storage) do(ctx context.Context, method, urlStr string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return s.httpClient.Do(req)
}

// resolveID walks path segments from rootFolderID resolving each to a
// Drive file ID, since Drive addresses by ID rather than by path.
func (s *Storage) resolveID(ctx context.Context, p string) (string, bool, error) {
	parent := s.rootFolderID
	if parent == "" {
		parent = "root"
	}
	clean := strings.Trim(path.Clean("/"+p), "/")
	if clean == "" || clean == "." {
		return parent, true, nil
	}
	segments := strings.Split(clean, "/")
	isDir := false
	for i, seg := range segments {
		q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", parent, escapeQuery(seg))
		u := driveBase + "/files?q=" + url.QueryEscape(q) + "&fields=files(id,name,mimeType,size,modifiedTime,md5Checksum)"
		resp, err := s.do(ctx, http.MethodGet, u, nil, nil)
		if err != nil {
			return "", false, driver.ErrUpstreamTransient(err, "googledrive resolve %s", p)
		}
		var out struct {
			Files []driveFile `json:"files"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil || len(out.Files) == 0 {
			return "", false, driver.ErrNotFound(p)
		}
		f := out.Files[0]
		parent = f.ID
		isDir = f.MimeType == folderMime
		_ = i
	}
	return parent, isDir, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\\", "\\\\"), "'", "\\'")
}

func (s *Storage) List(ctx context.Context, p string, opts driver.ListOptions) (driver.ListResult, error) {
	id, _, err := s.resolveID(ctx, p)
	if err != nil {
		return driver.ListResult{}, err
	}
	q := fmt.Sprintf("'%s' in parents and trashed = false", id)
	u := driveBase + "/files?q=" + url.QueryEscape(q) + "&pageSize=1000&fields=nextPageToken,files(id,name,mimeType,size,modifiedTime,md5Checksum)"
	if opts.Cursor != "" {
		u += "&pageToken=" + url.QueryEscape(opts.Cursor)
	}
	resp, err := s.do(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return driver.ListResult{}, driver.ErrUpstreamTransient(err, "googledrive list %s", p)
	}
	defer resp.Body.Close()
	var out struct {
		Files         []driveFile `json:"files"`
		NextPageToken string      `json:"nextPageToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return driver.ListResult{}, driver.ErrUpstreamFatal(err, "googledrive list decode %s", p)
	}
	entries := make([]driver.Entry, 0, len(out.Files))
	for _, f := range out.Files {
		entries = append(entries, toEntry(f, path.Join(p, f.Name)))
	}
	return driver.ListResult{Entries: entries, Truncated: out.NextPageToken != "", NextCursor: out.NextPageToken}, nil
}

func toEntry(f driveFile, key string) driver.Entry {
	size, _ := strconv.ParseInt(f.Size, 10, 64)
	modified, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	e := driver.Entry{Key: strings.TrimPrefix(key, "/"), Name: f.Name, Size: size, ModifiedAt: modified, ETag: f.MD5Checksum}
	if f.MimeType == folderMime {
		e.IsDir = true
		e.Type = driver.TypeDirectory
	} else {
		e.Type = typeFromMime(f.MimeType)
	}
	return e
}

func typeFromMime(mime string) driver.EntryType {
	switch {
	case strings.HasPrefix(mime, "video/"):
		return driver.TypeVideo
	case strings.HasPrefix(mime, "image/"):
		return driver.TypeImage
	case strings.HasPrefix(mime, "audio/"):
		return driver.TypeAudio
	case mime == "application/zip" || mime == "application/x-tar" || mime == "application/gzip":
		return driver.TypeArchive
	case mime == "application/pdf" || strings.HasPrefix(mime, "text/") || strings.Contains(mime, "document"):
		return driver.TypeDocument
	default:
		return driver.TypeOther
	}
}

func (s *Storage) Stat(ctx context.Context, p string) (driver.Entry, error) {
	id, _, err := s.resolveID(ctx, p)
	if err != nil {
		return driver.Entry{}, err
	}
	resp, err := s.do(ctx, http.MethodGet, driveBase+"/files/"+id+"?fields=id,name,mimeType,size,modifiedTime,md5Checksum", nil, nil)
	if err != nil {
		return driver.Entry{}, driver.ErrUpstreamTransient(err, "googledrive stat %s", p)
	}
	defer resp.Body.Close()
	var f driveFile
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		return driver.Entry{}, driver.ErrUpstreamFatal(err, "googledrive stat decode %s", p)
	}
	return toEntry(f, p), nil
}

func (s *Storage) Read(ctx context.Context, p string, rng *driver.ReadRange) (driver.ReadResult, error) {
	id, _, err := s.resolveID(ctx, p)
	if err != nil {
		return driver.ReadResult{}, err
	}
	headers := map[string]string{}
	if rng != nil {
		end := ""
		if rng.End >= 0 {
			end = strconv.FormatInt(rng.End, 10)
		}
		headers["Range"] = fmt.Sprintf("bytes=%d-%s", rng.Start, end)
	}
	resp, err := s.do(ctx, http.MethodGet, driveBase+"/files/"+id+"?alt=media", nil, headers)
	if err != nil {
		return driver.ReadResult{}, driver.ErrUpstreamTransient(err, "googledrive get %s", p)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return driver.ReadResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "googledrive get %s", p)
	}
	return driver.ReadResult{Reader: resp.Body, ContentType: resp.Header.Get("Content-Type"), Size: resp.ContentLength, ContentRange: resp.Header.Get("Content-Range")}, nil
}

func (s *Storage) Write(ctx context.Context, p string, r io.Reader, size int64, opts driver.WriteOptions) (driver.WriteResult, error) {
	parentPath, name := path.Dir(p), path.Base(p)
	parentID, _, err := s.resolveID(ctx, parentPath)
	if err != nil {
		return driver.WriteResult{}, err
	}
	meta := map[string]interface{}{"name": name, "parents": []string{parentID}}
	buf, _ := json.Marshal(meta)
	// multipart/related upload: metadata part + media part, per Drive's
	// simple multipart upload contract.
	boundary := "cloudpaste-upload-boundary"
	pr, pw := io.Pipe()
	go func() {
		defer pw.Close()
		fmt.Fprintf(pw, "--%s\r\nContent-Type: application/json; charset=UTF-8\r\n\r\n%s\r\n", boundary, buf)
		fmt.Fprintf(pw, "--%s\r\nContent-Type: %s\r\n\r\n", boundary, opts.ContentType)
		io.Copy(pw, r)
		fmt.Fprintf(pw, "\r\n--%s--", boundary)
	}()
	resp, err := s.do(ctx, http.MethodPost, driveUploadBase+"/files?uploadType=multipart&fields=id,name,mimeType,size,modifiedTime,md5Checksum", pr,
		map[string]string{"Content-Type": "multipart/related; boundary=" + boundary})
	if err != nil {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(err, "googledrive upload %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.WriteResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "googledrive upload %s", p)
	}
	var f driveFile
	json.NewDecoder(resp.Body).Decode(&f)
	return driver.WriteResult{ETag: f.MD5Checksum}, nil
}

func (s *Storage) Delete(ctx context.Context, p string, recursive bool) error {
	id, _, err := s.resolveID(ctx, p)
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodDelete, driveBase+"/files/"+id, nil, nil)
	if err != nil {
		return driver.ErrUpstreamTransient(err, "googledrive delete %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "googledrive delete %s", p)
	}
	return nil
}

func (s *Storage) Mkdir(ctx context.Context, p string) error {
	parentPath, name := path.Dir(p), path.Base(p)
	parentID, _, err := s.resolveID(ctx, parentPath)
	if err != nil {
		return err
	}
	meta := map[string]interface{}{"name": name, "mimeType": folderMime, "parents": []string{parentID}}
	buf, _ := json.Marshal(meta)
	resp, err := s.do(ctx, http.MethodPost, driveBase+"/files", strings.NewReader(string(buf)), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "googledrive mkdir %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "googledrive mkdir %s", p)
	}
	return nil
}

func (s *Storage) Rename(ctx context.Context, src, dst string) error {
	id, _, err := s.resolveID(ctx, src)
	if err != nil {
		return err
	}
	newParentID, _, err := s.resolveID(ctx, path.Dir(dst))
	if err != nil {
		return err
	}
	oldParentID, _, _ := s.resolveID(ctx, path.Dir(src))
	meta := map[string]interface{}{"name": path.Base(dst)}
	buf, _ := json.Marshal(meta)
	u := fmt.Sprintf("%s/files/%s?addParents=%s&removeParents=%s", driveBase, id, newParentID, oldParentID)
	resp, err := s.do(ctx, "PATCH", u, strings.NewReader(string(buf)), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "googledrive rename %s", src)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "googledrive rename %s", src)
	}
	return nil
}

func (s *Storage) Copy(ctx context.Context, src, dst string, skipExisting bool) error {
	if skipExisting {
		if _, err := s.Stat(ctx, dst); err == nil {
			return nil
		}
	}
	id, _, err := s.resolveID(ctx, src)
	if err != nil {
		return err
	}
	newParentID, _, err := s.resolveID(ctx, path.Dir(dst))
	if err != nil {
		return err
	}
	meta := map[string]interface{}{"name": path.Base(dst), "parents": []string{newParentID}}
	buf, _ := json.Marshal(meta)
	resp, err := s.do(ctx, http.MethodPost, driveBase+"/files/"+id+"/copy", strings.NewReader(string(buf)), map[string]string{"Content-Type": "application/json"})
	if err != nil {
		return driver.ErrUpstreamTransient(err, "googledrive copy %s -> %s", src, dst)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "googledrive copy %s", src)
	}
	return nil
}

// InitMultipart opens a resumable-upload session: single_session strategy,
// one session URI accepting sequential Content-Range PUTs.
func (s *Storage) InitMultipart(ctx context.Context, p string, size int64, contentType, sha256 string) (driver.InitMultipartResult, error) {
	parentID, _, err := s.resolveID(ctx, path.Dir(p))
	if err != nil {
		return driver.InitMultipartResult{}, err
	}
	meta := map[string]interface{}{"name": path.Base(p), "parents": []string{parentID}}
	buf, _ := json.Marshal(meta)
	resp, err := s.do(ctx, http.MethodPost, driveUploadBase+"/files?uploadType=resumable", strings.NewReader(string(buf)),
		map[string]string{"Content-Type": "application/json", "X-Upload-Content-Type": contentType})
	if err != nil {
		return driver.InitMultipartResult{}, driver.ErrUpstreamTransient(err, "googledrive resumable init %s", p)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return driver.InitMultipartResult{}, driver.ErrUpstreamTransient(fmt.Errorf("status %d", resp.StatusCode), "googledrive resumable init %s", p)
	}
	sessionURL := resp.Header.Get("Location")
	return driver.InitMultipartResult{
		Strategy: driver.StrategySingleSession, UploadID: sessionURL, Key: p,
		Session: &driver.UploadSessionDescriptor{UploadURL: sessionURL},
		Policy:  s.Capabilities().Multipart,
	}, nil
}

func (s *Storage) SignParts(ctx context.Context, p, uploadID string, partNumbers []int) (driver.SignPartsResult, error) {
	return driver.SignPartsResult{Policy: s.Capabilities().Multipart}, nil
}

func (s *Storage) CompleteMultipart(ctx context.Context, p, uploadID string, parts []driver.CompletedPart) (driver.WriteResult, error) {
	item, err := s.Stat(ctx, p)
	if err != nil {
		return driver.WriteResult{}, err
	}
	return driver.WriteResult{ETag: item.ETag}, nil
}

func (s *Storage) AbortMultipart(ctx context.Context, p, uploadID string) error {
	resp, err := s.do(ctx, http.MethodDelete, uploadID, nil, nil)
	if err != nil {
		return driver.ErrUpstreamTransient(err, "googledrive abort resumable %s", p)
	}
	defer resp.Body.Close()
	return nil
}

func (s *Storage) ListParts(ctx context.Context, p, uploadID string) (driver.ListPartsResult, error) {
	resp, err := s.do(ctx, "PUT", uploadID, nil, map[string]string{"Content-Range": "bytes */*"})
	if err != nil {
		return driver.ListPartsResult{}, driver.ErrUpstreamTransient(err, "googledrive query resumable %s", p)
	}
	defer resp.Body.Close()
	return driver.ListPartsResult{Policy: s.Capabilities().Multipart}, nil
}

func (s *Storage) DirectURL(ctx context.Context, p string, expiresIn time.Duration, forceDownload bool) (string, error) {
	id, _, err := s.resolveID(ctx, p)
	if err != nil {
		return "", err
	}
	return driveBase + "/files/" + id + "?alt=media", nil
}
