package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/fsindex"
	"github.com/cloudpaste/gateway/internal/job"
	"github.com/cloudpaste/gateway/internal/vfs"
)

// handleFSList implements GET /api/fs/list, per spec.md §4.6/§6.
func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.VFS.List(r.Context(), q.Get("path"), ApiKeyFrom(r.Context()), r.Header.Get("X-FS-Path-Token"), q.Get("cursor"), atoiDefault(q.Get("limit"), 200))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, res)
}

// handleFSGet implements GET /api/fs/get.
func (s *Server) handleFSGet(w http.ResponseWriter, r *http.Request) {
	res, err := s.VFS.Get(r.Context(), r.URL.Query().Get("path"), ApiKeyFrom(r.Context()), 15*time.Minute)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, res)
}

// handleFSFileLink implements GET /api/fs/file-link.
func (s *Server) handleFSFileLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	forceDownload := q.Get("download") == "1"
	expires := 15 * time.Minute
	if v := q.Get("expires_in"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			expires = time.Duration(secs) * time.Second
		}
	}
	url, linkType, err := s.VFS.FileLink(r.Context(), q.Get("path"), ApiKeyFrom(r.Context()), expires, forceDownload)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, struct {
		URL      string `json:"url"`
		LinkType string `json:"linkType"`
	}{url, string(linkType)})
}

func parseRange(r *http.Request) *driver.ReadRange {
	h := r.Header.Get("Range")
	if h == "" {
		return nil
	}
	rng, ok := parseByteRangeHeader(h)
	if !ok {
		return nil
	}
	return &rng
}

// parseByteRangeHeader parses a single "bytes=start-end" range.
func parseByteRangeHeader(h string) (driver.ReadRange, bool) {
	const prefix = "bytes="
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return driver.ReadRange{}, false
	}
	spec := h[len(prefix):]
	dash := -1
	for i, c := range spec {
		if c == '-' {
			dash = i
			break
		}
	}
	if dash < 0 {
		return driver.ReadRange{}, false
	}
	start, err := strconv.ParseInt(spec[:dash], 10, 64)
	if err != nil {
		return driver.ReadRange{}, false
	}
	end := int64(-1)
	if rest := spec[dash+1:]; rest != "" {
		end, err = strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return driver.ReadRange{}, false
		}
	}
	return driver.ReadRange{Start: start, End: end}, true
}

// handleFSDownload implements GET /api/fs/download: prefers a 302 redirect.
func (s *Server) handleFSDownload(w http.ResponseWriter, r *http.Request) {
	dl, err := s.VFS.Download(r.Context(), r.URL.Query().Get("path"), ApiKeyFrom(r.Context()), parseRange(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	if dl.RedirectURL != "" {
		http.Redirect(w, r, dl.RedirectURL, http.StatusFound)
		return
	}
	streamDownload(w, dl)
}

// handleFSContent implements GET /api/fs/content: always same-origin.
func (s *Server) handleFSContent(w http.ResponseWriter, r *http.Request) {
	dl, err := s.VFS.Content(r.Context(), r.URL.Query().Get("path"), ApiKeyFrom(r.Context()), parseRange(r))
	if err != nil {
		WriteError(w, err)
		return
	}
	streamDownload(w, dl)
}

func streamDownload(w http.ResponseWriter, dl vfs.DownloadResult) {
	defer dl.Reader.Close()
	if dl.ContentType != "" {
		w.Header().Set("Content-Type", dl.ContentType)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	if dl.ContentRange != "" {
		w.Header().Set("Content-Range", dl.ContentRange)
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else if dl.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	}
	_, _ = io.Copy(w, dl.Reader)
}

func (s *Server) handleFSMkdir(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	if err := s.VFS.Mkdir(r.Context(), body.Path, ApiKeyFrom(r.Context())); err != nil {
		WriteError(w, err)
		return
	}
	WriteCreated(w, nil)
}

func (s *Server) handleFSUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path        string `json:"path"`
		Content     string `json:"content"`
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	wr, err := s.VFS.Update(r.Context(), body.Path, ApiKeyFrom(r.Context()), []byte(body.Content), body.ContentType)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, wr)
}

func (s *Server) handleFSRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Src string `json:"src"`
		Dst string `json:"dst"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	if err := s.VFS.Rename(r.Context(), body.Src, body.Dst, ApiKeyFrom(r.Context())); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

func (s *Server) handleFSBatchRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paths     []string `json:"paths"`
		Recursive bool     `json:"recursive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	results := s.VFS.BatchRemove(r.Context(), body.Paths, ApiKeyFrom(r.Context()), body.Recursive)
	WriteJSON(w, results)
}

func (s *Server) handleFSBatchCopy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Items        []struct{ Source, Target string } `json:"items"`
		SkipExisting bool                               `json:"skipExisting"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	key := ApiKeyFrom(r.Context())
	type itemResult struct {
		Source string `json:"source"`
		Target string `json:"target"`
		Error  string `json:"error,omitempty"`
	}
	results := make([]itemResult, 0, len(body.Items))
	for _, it := range body.Items {
		err := s.VFS.Copy(r.Context(), vfs.CopyItem{SourcePath: it.Source, TargetPath: it.Target}, key, body.SkipExisting)
		res := itemResult{Source: it.Source, Target: it.Target}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	WriteJSON(w, results)
}

func (s *Server) handleFSSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := fsindex.ScopeGlobal
	switch q.Get("scope") {
	case "mount":
		scope = fsindex.ScopeMount
	case "directory":
		scope = fsindex.ScopeDirectory
	}
	res, err := s.FSIndex.Search(r.Context(), ApiKeyFrom(r.Context()), scope, q.Get("q"), q.Get("mountId"), q.Get("directory"), q.Get("cursor"), atoiDefault(q.Get("limit"), 50))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, res)
}

func (s *Server) handleFSIndexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.FSIndex.Status(r.Context(), r.URL.Query().Get("mountId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, status)
}

func (s *Server) handleFSIndexRebuild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MountIDs []string `json:"mountIds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	payload := fsindex.RebuildPayload{MountIDs: body.MountIDs, Options: fsindex.RebuildOptions{BatchSize: 200}}
	j, err := s.Jobs.Submit(r.Context(), "fs_index_rebuild", payload, job.TriggerAPI)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteCreated(w, j)
}

func (s *Server) handleFSIndexApplyDirty(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MountIDs []string `json:"mountIds"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	payload := fsindex.ApplyDirtyPayload{MountIDs: body.MountIDs, Options: fsindex.ApplyDirtyOptions{BatchSize: 200, RebuildDirectorySubtree: true}}
	j, err := s.Jobs.Submit(r.Context(), "fs_index_apply_dirty", payload, job.TriggerAPI)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteCreated(w, j)
}

func (s *Server) handleFSIndexClear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MountID string `json:"mountId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	if err := s.FSIndex.Clear(r.Context(), body.MountID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
