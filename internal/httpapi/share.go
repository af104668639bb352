package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/share"
)

// handleShareCreate implements POST /api/share for both file and text
// shares, per spec.md §4.8's Create.
func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind            string     `json:"kind"`
		Target          string     `json:"target"`
		StorageConfigID string     `json:"storageConfigId"`
		Slug            string     `json:"slug"`
		Password        string     `json:"password"`
		MaxViews        *int       `json:"maxViews"`
		ExpiresAt       *time.Time `json:"expiresAt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	kind := share.KindFile
	if body.Kind == string(share.KindText) {
		kind = share.KindText
	}
	createdBy := ""
	key := ApiKeyFrom(r.Context())
	if key != nil {
		createdBy = key.ID
		want := authz.PermFileShare
		if kind == share.KindText {
			want = authz.PermTextShare
		}
		if !key.Permissions.Has(want) {
			WriteError(w, cerr.New(cerr.PermissionDenied, "missing required permission"))
			return
		}
	} else if !IsAdmin(r.Context()) {
		WriteError(w, cerr.New(cerr.Unauthenticated, "authentication required"))
		return
	}
	rec, err := s.Share.Create(r.Context(), share.CreateInput{
		Kind:            kind,
		Target:          body.Target,
		StorageConfigID: body.StorageConfigID,
		CustomSlug:      body.Slug,
		Password:        body.Password,
		MaxViews:        body.MaxViews,
		ExpiresAt:       body.ExpiresAt,
		CreatedBy:       createdBy,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteCreated(w, rec)
}

// resolveShareEntry stats the backing object for a file share so size and
// name can be reported in the public view; text shares have no backing
// object.
func (s *Server) resolveShareEntry(r *http.Request, rec share.Record) (driver.Entry, error) {
	sto, err := s.Registry.Get(rec.StorageConfigID)
	if err != nil {
		return driver.Entry{}, err
	}
	return sto.Stat(r.Context(), rec.Target)
}

func shareName(rec share.Record, entry driver.Entry) string {
	if rec.Type == share.KindText {
		return rec.Slug
	}
	return entry.Name
}

// handleShareGet implements GET /api/share/{slug}, returning the public
// view with download/preview URLs blanked when a password is required and
// unverified, per spec.md §4.8/§7.
func (s *Server) handleShareGet(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	rec, err := s.Share.Get(r.Context(), slug)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.writeShareView(w, r, rec, false)
}

// handleShareVerify implements POST /api/share/{slug}/verify: checks a
// password and, on success, returns the same view Get would for an
// unprotected share.
func (s *Server) handleShareVerify(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	rec, err := s.Share.Verify(r.Context(), slug, body.Password)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.writeShareView(w, r, rec, true)
}

func (s *Server) writeShareView(w http.ResponseWriter, r *http.Request, rec share.Record, passwordVerified bool) {
	var size int64
	var entry driver.Entry
	if rec.Type == share.KindFile {
		var err error
		entry, err = s.resolveShareEntry(r, rec)
		if err != nil {
			WriteError(w, err)
			return
		}
		size = entry.Size
	} else {
		size = int64(len(rec.Target))
	}
	previewURL := "/api/share/" + rec.Slug + "/content"
	downloadURL := previewURL + "?download=1"
	view := share.PublicView(rec, shareName(rec, entry), size, previewURL, downloadURL, passwordVerified)
	WriteJSON(w, view)
}

// handleShareContent implements GET /api/share/{slug}/content: serves text
// shares inline and streams file shares straight from the backing driver,
// recording a view on every successful access per spec.md §4.8's
// compare-and-set increment.
func (s *Server) handleShareContent(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	rec, err := s.Share.Get(r.Context(), slug)
	if err != nil {
		WriteError(w, err)
		return
	}
	if rec.PasswordHash != "" && r.URL.Query().Get("verified") != "1" {
		WriteError(w, cerr.New(cerr.PermissionDenied, "share %s requires a password", slug))
		return
	}

	if rec.Type == share.KindText {
		if err := s.Share.RecordView(r.Context(), slug); err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, rec.Target)
		return
	}

	sto, err := s.Registry.Get(rec.StorageConfigID)
	if err != nil {
		WriteError(w, err)
		return
	}
	res, err := sto.Read(r.Context(), rec.Target, nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer res.Reader.Close()
	if err := s.Share.RecordView(r.Context(), slug); err != nil {
		WriteError(w, err)
		return
	}
	if res.ContentType != "" {
		w.Header().Set("Content-Type", res.ContentType)
	}
	if r.URL.Query().Get("download") == "1" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+slug+`"`)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	_, _ = io.Copy(w, res.Reader)
}

// handleShareURLProxy implements POST /api/share/url/proxy: issues a
// short-lived ticket for the share's backing URL so the upstream
// credentials never reach the browser, per spec.md §4.12's ticketed
// proxy flow.
func (s *Server) handleShareURLProxy(w http.ResponseWriter, r *http.Request) {
	slug := r.URL.Query().Get("slug")
	rec, err := s.Share.Get(r.Context(), slug)
	if err != nil {
		WriteError(w, err)
		return
	}
	ticket := s.Proxy.IssueTicketForResource(rec.StorageConfigID + ":" + rec.Target)
	WriteJSON(w, struct {
		TicketID  string `json:"ticketId"`
		ExpiresAt int64  `json:"expiresAt"`
	}{ticket.ID, ticket.ExpiresAt.UnixMilli()})
}

// handleShareBatchDelete implements POST /api/shares/batch-delete, an
// admin-only maintenance endpoint.
func (s *Server) handleShareBatchDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Slugs []string `json:"slugs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	if err := s.Share.BatchDelete(r.Context(), body.Slugs); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

// handleShareClearExpired implements POST /api/shares/clear-expired.
func (s *Server) handleShareClearExpired(w http.ResponseWriter, r *http.Request) {
	n, err := s.Share.ClearExpired(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, struct {
		Removed int64 `json:"removed"`
	}{n})
}
