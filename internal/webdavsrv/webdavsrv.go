// Package webdavsrv implements the WebDAV Server from spec.md §4.11: RFC
// 4918 class-2 (LOCK/UNLOCK) method handlers delegating all I/O through the
// VFS. Grounded on Perkeep's app/webdav (perkeep.org/app/webdav), which
// implements golang.org/x/net/webdav's FileSystem interface over a
// non-native backend (there, a blob-indexed tree; here, the VFS); the
// read-only restriction there is lifted since CloudPaste mounts are
// read-write. PROPFIND's depth-infinity bound is not expressible through
// webdav.Handler's built-in dispatch, so PROPFIND is handled directly and
// everything else (GET/PUT/DELETE/MKCOL/COPY/MOVE/LOCK/UNLOCK/OPTIONS) is
// delegated to an embedded webdav.Handler, per spec.md §4.11/§9. GET always
// streams content through the VFS: a mount's webdav_policy is not
// consulted, and no GET is answered with a 302.
package webdavsrv

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"golang.org/x/net/webdav"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/vfs"
)

// DefaultDepthInfinityCap bounds the entry count a Depth: infinity PROPFIND
// may enumerate before failing, per spec.md's REDESIGN FLAGS: "WebDAV
// depth-infinity must be bounded; decide a default cap (e.g., 10,000
// entries) and surface 507 Insufficient Storage (or mapped 403) on
// overflow."
const DefaultDepthInfinityCap = 10000

// DefaultLockTTL is the LOCK default expiry, per spec.md §3's Lock entity:
// "expires_at (<= 1 hour default)".
const DefaultLockTTL = time.Hour

// Server wires VFS access behind golang.org/x/net/webdav's dispatch shape.
type Server struct {
	VFS        *vfs.Service
	Log        logging.Logger
	DepthCap   int
	handler    *webdav.Handler
	fs         *fsAdapter
	locks      *sqlLockSystem
}

// New builds a Server over v, keeping WebDAV locks in db's webdav_locks
// table.
func New(v *vfs.Service, db *sql.DB, log logging.Logger) *Server {
	fs := &fsAdapter{vfs: v}
	locks := &sqlLockSystem{db: db}
	s := &Server{
		VFS:      v,
		Log:      log.Component("webdavsrv"),
		DepthCap: DefaultDepthInfinityCap,
		fs:       fs,
		locks:    locks,
	}
	s.handler = &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: fs,
		LockSystem: locks,
		Logger: func(r *http.Request, err error) {
			if err != nil {
				log.Warn().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("webdav request error")
			}
		},
	}
	return s
}

// keyFromContext is how callers hand the authenticated API key (nil for
// admin) to ServeHTTP, mirroring the convention authz.ApiKey already uses
// with context-free plain arguments elsewhere in the VFS — here a context
// value is unavoidable since webdav.Handler owns the request dispatch.
type ctxKey int

const apiKeyCtxKey ctxKey = 1

// WithApiKey attaches the authenticated key (nil means admin) to ctx for a
// subsequent ServeHTTP call.
func WithApiKey(ctx context.Context, key *authz.ApiKey) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey, key)
}

func apiKeyFromContext(ctx context.Context) *authz.ApiKey {
	key, _ := ctx.Value(apiKeyCtxKey).(*authz.ApiKey)
	return key
}

// ServeHTTP dispatches per spec.md §4.11. PROPFIND is handled directly for
// the depth-infinity cap; every other method delegates to the embedded
// webdav.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == "PROPFIND" {
		s.handlePropfind(w, r)
		return
	}
	s.handler.ServeHTTP(w, r)
}

func trimPrefix(urlPath string) string {
	p := strings.TrimPrefix(urlPath, "/dav")
	if p == "" {
		p = "/"
	}
	return p
}

// propResponse mirrors the minimal multistatus shape RFC 4918 §9.1
// requires for a PROPFIND response (displayname, resourcetype,
// getcontentlength, getlastmodified).
type propResponse struct {
	XMLName xml.Name `xml:"D:response"`
	Href    string   `xml:"D:href"`
	Props   propStat `xml:"D:propstat"`
}

type propStat struct {
	Prop   prop   `xml:"D:prop"`
	Status string `xml:"D:status"`
}

type prop struct {
	DisplayName     string       `xml:"D:displayname"`
	ResourceType    resourceType `xml:"D:resourcetype"`
	ContentLength   int64        `xml:"D:getcontentlength,omitempty"`
	LastModified    string       `xml:"D:getlastmodified,omitempty"`
}

type resourceType struct {
	Collection *struct{} `xml:"D:collection,omitempty"`
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqPath := trimPrefix(r.URL.Path)
	key := apiKeyFromContext(ctx)

	depth := r.Header.Get("Depth")
	if depth == "" {
		depth = "infinity"
	}

	entries, err := s.collectEntries(ctx, reqPath, key, depth)
	if err != nil {
		writeErrorStatus(w, err)
		return
	}

	var responses []propResponse
	for _, e := range entries {
		responses = append(responses, entryToPropResponse(reqPath, e))
	}

	w.Header().Set("Content-Type", `application/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	_ = enc.Encode(struct {
		XMLName xml.Name `xml:"D:multistatus"`
		Xmlns   string   `xml:"xmlns:D,attr"`
		Resp    []propResponse
	}{Xmlns: "DAV:", Resp: responses})
}

func entryToPropResponse(basePath string, e driver.Entry) propResponse {
	href := path.Join("/dav", path.Join(basePath, e.Name))
	if e.IsDir {
		href += "/"
	}
	p := prop{
		DisplayName:  e.Name,
		LastModified: e.ModifiedAt.UTC().Format(http.TimeFormat),
	}
	if e.IsDir {
		p.ResourceType = resourceType{Collection: &struct{}{}}
	} else {
		p.ContentLength = e.Size
	}
	return propResponse{Href: href, Props: propStat{Prop: p, Status: "HTTP/1.1 200 OK"}}
}

// collectEntries enumerates reqPath's entry plus children according to
// depth, capped at s.DepthCap total entries.
func (s *Server) collectEntries(ctx context.Context, reqPath string, key *authz.ApiKey, depth string) ([]driver.Entry, error) {
	self, err := s.VFS.Get(ctx, reqPath, key, time.Minute)
	if err != nil {
		return nil, err
	}
	if depth == "0" || !self.Entry.IsDir {
		return []driver.Entry{self.Entry}, nil
	}

	out := []driver.Entry{self.Entry}
	if depth == "1" {
		listing, err := s.VFS.List(ctx, reqPath, key, "", "", 0)
		if err != nil {
			return nil, err
		}
		out = append(out, listing.Entries...)
		return out, nil
	}

	// depth: infinity, capped.
	if err := s.walkCapped(ctx, reqPath, key, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) walkCapped(ctx context.Context, reqPath string, key *authz.ApiKey, out *[]driver.Entry) error {
	listing, err := s.VFS.List(ctx, reqPath, key, "", "", 0)
	if err != nil {
		return err
	}
	for _, e := range listing.Entries {
		if len(*out) >= s.DepthCap {
			return cerr.New(cerr.InvalidInput, "PROPFIND depth=infinity exceeds the %d entry cap under %s", s.DepthCap, reqPath)
		}
		*out = append(*out, e)
		if e.IsDir {
			if err := s.walkCapped(ctx, path.Join(reqPath, e.Name), key, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeErrorStatus(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch cerr.KindOf(err) {
	case cerr.NotFound:
		status = http.StatusNotFound
	case cerr.PermissionDenied:
		status = http.StatusForbidden
	case cerr.InvalidInput:
		status = http.StatusInsufficientStorage
	}
	http.Error(w, err.Error(), status)
}

// fsAdapter implements webdav.FileSystem over the VFS, per spec.md §4.11's
// "MOVE/COPY translate to VFS Rename/Copy".
type fsAdapter struct {
	vfs *vfs.Service
}

var _ webdav.FileSystem = (*fsAdapter)(nil)

func keyFromCtx(ctx context.Context) *authz.ApiKey { return apiKeyFromContext(ctx) }

func (f *fsAdapter) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	return f.vfs.Mkdir(ctx, name, keyFromCtx(ctx))
}

func (f *fsAdapter) RemoveAll(ctx context.Context, name string) error {
	results := f.vfs.BatchRemove(ctx, []string{name}, keyFromCtx(ctx), true)
	if len(results) > 0 && results[0].Error != nil {
		return results[0].Error
	}
	return nil
}

func (f *fsAdapter) Rename(ctx context.Context, oldName, newName string) error {
	return f.vfs.Rename(ctx, oldName, newName, keyFromCtx(ctx))
}

func (f *fsAdapter) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	g, err := f.vfs.Get(ctx, name, keyFromCtx(ctx), time.Minute)
	if err != nil {
		return nil, translateNotFound(err)
	}
	return fileInfo{g.Entry}, nil
}

func translateNotFound(err error) error {
	if cerr.KindOf(err) == cerr.NotFound {
		return os.ErrNotExist
	}
	return err
}

const readWriteFlags = os.O_RDWR | os.O_CREATE | os.O_TRUNC

func (f *fsAdapter) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	key := keyFromCtx(ctx)
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0 {
		return &webdavFile{vfs: f.vfs, key: key, path: name, writable: true}, nil
	}
	g, err := f.vfs.Get(ctx, name, key, time.Minute)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if g.Entry.IsDir {
		listing, err := f.vfs.List(ctx, name, key, "", "", 0)
		if err != nil {
			return nil, err
		}
		return &webdavFile{vfs: f.vfs, key: key, path: name, info: fileInfo{g.Entry}, dirEntries: listing.Entries}, nil
	}
	dl, err := f.vfs.Content(ctx, name, key, nil)
	if err != nil {
		return nil, err
	}
	buf, err := io.ReadAll(dl.Reader)
	_ = dl.Reader.Close()
	if err != nil {
		return nil, err
	}
	return &webdavFile{vfs: f.vfs, key: key, path: name, info: fileInfo{g.Entry}, readBuf: bytes.NewReader(buf)}, nil
}

// webdavFile buffers whole-object reads and writes, since the VFS exposes
// io.ReadCloser streaming rather than seekable handles and Update/Write are
// full-overwrite operations; acceptable for the directory-cache-sized files
// this gateway targets (documented in DESIGN.md).
type webdavFile struct {
	vfs        *vfs.Service
	key        *authz.ApiKey
	path       string
	info       fileInfo
	readBuf    *bytes.Reader
	writeBuf   bytes.Buffer
	writable   bool
	dirEntries []driver.Entry
	dirPos     int
}

var _ webdav.File = (*webdavFile)(nil)

func (w *webdavFile) Read(p []byte) (int, error) {
	if w.readBuf == nil {
		return 0, io.EOF
	}
	return w.readBuf.Read(p)
}

func (w *webdavFile) Write(p []byte) (int, error) {
	return w.writeBuf.Write(p)
}

func (w *webdavFile) Seek(offset int64, whence int) (int64, error) {
	if w.readBuf != nil {
		return w.readBuf.Seek(offset, whence)
	}
	if offset == 0 && (whence == io.SeekStart || whence == io.SeekCurrent) {
		return 0, nil
	}
	return 0, cerr.New(cerr.InvalidInput, "seek unsupported on a write-only webdav handle")
}

func (w *webdavFile) Readdir(count int) ([]os.FileInfo, error) {
	if w.dirPos >= len(w.dirEntries) && count > 0 {
		return nil, io.EOF
	}
	end := len(w.dirEntries)
	if count > 0 && w.dirPos+count < end {
		end = w.dirPos + count
	}
	slice := w.dirEntries[w.dirPos:end]
	w.dirPos = end
	out := make([]os.FileInfo, len(slice))
	for i, e := range slice {
		out[i] = fileInfo{e}
	}
	return out, nil
}

func (w *webdavFile) Stat() (os.FileInfo, error) {
	if w.info.Entry.Name != "" || w.info.Entry.IsDir {
		return w.info, nil
	}
	return fileInfo{driver.Entry{Name: path.Base(w.path)}}, nil
}

func (w *webdavFile) Close() error {
	if !w.writable || w.writeBuf.Len() == 0 {
		return nil
	}
	contentType := http.DetectContentType(w.writeBuf.Bytes())
	_, err := w.vfs.Update(context.Background(), w.path, w.key, w.writeBuf.Bytes(), contentType)
	return err
}

// fileInfo adapts driver.Entry to os.FileInfo for golang.org/x/net/webdav.
type fileInfo struct {
	Entry driver.Entry
}

func (fi fileInfo) Name() string       { return fi.Entry.Name }
func (fi fileInfo) Size() int64        { return fi.Entry.Size }
func (fi fileInfo) ModTime() time.Time { return fi.Entry.ModifiedAt }
func (fi fileInfo) IsDir() bool        { return fi.Entry.IsDir }
func (fi fileInfo) Sys() interface{}   { return nil }

func (fi fileInfo) Mode() os.FileMode {
	if fi.Entry.IsDir {
		return os.ModeDir | 0755
	}
	return 0644
}

// sqlLockSystem implements webdav.LockSystem over the webdav_locks table,
// per spec.md's Open Question decision: "persisting in DB is safer for
// multi-worker deployments" (resolved in DESIGN.md).
type sqlLockSystem struct {
	db *sql.DB
}

var _ webdav.LockSystem = (*sqlLockSystem)(nil)

func (l *sqlLockSystem) Confirm(now time.Time, name0, name1 string, conditions ...webdav.Condition) (func(), error) {
	for _, name := range []string{name0, name1} {
		if name == "" {
			continue
		}
		if err := l.checkLocked(now, name, conditions); err != nil {
			return nil, err
		}
	}
	return func() {}, nil
}

func (l *sqlLockSystem) checkLocked(now time.Time, name string, conditions []webdav.Condition) error {
	rows, err := l.db.Query(`SELECT token FROM webdav_locks WHERE path = ? AND expires_at_ms > ?`, name, now.UnixMilli())
	if err != nil {
		return err
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		tokens = append(tokens, t)
	}
	if len(tokens) == 0 {
		return nil
	}
	for _, c := range conditions {
		for _, t := range tokens {
			if c.Token == t {
				return nil
			}
		}
	}
	return webdav.ErrLocked
}

func (l *sqlLockSystem) Create(now time.Time, details webdav.LockDetails) (string, error) {
	token := "opaquelocktoken:" + authz.RandToken(16)
	ttl := details.Duration
	if ttl <= 0 || ttl > DefaultLockTTL {
		ttl = DefaultLockTTL
	}
	depth := "infinity"
	if details.ZeroDepth {
		depth = "0"
	}
	_, err := l.db.Exec(`
		INSERT INTO webdav_locks (token, path, depth, scope, owner, expires_at_ms)
		VALUES (?,?,?,?,?,?)`,
		token, details.Root, depth, "exclusive", details.OwnerXML, now.Add(ttl).UnixMilli())
	if err != nil {
		return "", err
	}
	return token, nil
}

func (l *sqlLockSystem) Refresh(now time.Time, token string, duration time.Duration) (webdav.LockDetails, error) {
	if duration <= 0 || duration > DefaultLockTTL {
		duration = DefaultLockTTL
	}
	res, err := l.db.Exec(`UPDATE webdav_locks SET expires_at_ms = ? WHERE token = ? AND expires_at_ms > ?`,
		now.Add(duration).UnixMilli(), token, now.UnixMilli())
	if err != nil {
		return webdav.LockDetails{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webdav.LockDetails{}, webdav.ErrNoSuchLock
	}
	var root, depth, owner string
	err = l.db.QueryRow(`SELECT path, depth, owner FROM webdav_locks WHERE token = ?`, token).Scan(&root, &depth, &owner)
	if err != nil {
		return webdav.LockDetails{}, err
	}
	return webdav.LockDetails{Root: root, Duration: duration, OwnerXML: owner, ZeroDepth: depth == "0"}, nil
}

func (l *sqlLockSystem) Unlock(now time.Time, token string) error {
	res, err := l.db.Exec(`DELETE FROM webdav_locks WHERE token = ? AND expires_at_ms > ?`, token, now.UnixMilli())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return webdav.ErrNoSuchLock
	}
	return nil
}

// ClearExpiredLocks deletes every lock past its expiry, invoked by the
// scheduled maintenance job.
func ClearExpiredLocks(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM webdav_locks WHERE expires_at_ms < ?`, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

