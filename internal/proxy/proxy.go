// Package proxy implements spec.md §4.12's Reverse-Proxy/Content Streamer
// and URL Resolver: the signed `/api/p/*` passthrough, the ticketed
// upstream streamer behind `/api/proxy/ticket/{ticketId}` (tickets issued
// by `/api/share/url/proxy`), and `/api/proxy/link`. The ticket store is grounded directly on
// internal/session.Manager's guarded-map-plus-GC-sweep shape (itself
// grounded on Perkeep's receive-path bookkeeping idiom), generalized from
// upload sessions to short-lived proxy tickets.
package proxy

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/logging"
	"github.com/cloudpaste/gateway/internal/metrics"
	"github.com/cloudpaste/gateway/internal/vfs"
)

// TicketStore tracks in-flight proxy tickets, the one additional piece of
// process-wide state the URL-proxy flow needs beyond the Signer.
type TicketStore struct {
	mu      sync.Mutex
	entries map[string]authz.Ticket

	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewTicketStore() *TicketStore {
	s := &TicketStore{entries: make(map[string]authz.Ticket), stopCh: make(chan struct{})}
	go s.gcLoop()
	return s
}

func (s *TicketStore) gcLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *TicketStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.entries {
		if t.Expired(now) {
			delete(s.entries, id)
		}
	}
}

func (s *TicketStore) Stop() { s.stopOnce.Do(func() { close(s.stopCh) }) }

// Issue creates and stores a ticket for resource, per spec.md §4.12's
// "client obtains a ticket (short-lived, 60s default)".
func (s *TicketStore) Issue(resource string) authz.Ticket {
	t := authz.NewTicket(resource, authz.DefaultTicketTTL, time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[t.ID] = t
	return t
}

// Redeem validates and consumes a ticket id for resource, one-shot per
// spec.md's ticketed-proxy flow (tickets aren't meant to be reused).
func (s *TicketStore) Redeem(id, resource string) (authz.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.entries[id]
	if !ok {
		return authz.Ticket{}, cerr.New(cerr.NotFound, "ticket %s not found", id)
	}
	delete(s.entries, id)
	if t.Expired(time.Now()) {
		return authz.Ticket{}, cerr.New(cerr.Gone, "ticket %s has expired", id)
	}
	if t.Resource != resource {
		return authz.Ticket{}, cerr.New(cerr.PermissionDenied, "ticket %s does not authorize %s", id, resource)
	}
	return t, nil
}

// Server handles the signed-path and ticketed-upstream proxy surfaces.
type Server struct {
	VFS     *vfs.Service
	Signer  *authz.Signer
	Tickets *TicketStore
	Log     logging.Logger

	// HTTPClient fetches upstream content for ticketed URL-proxy requests;
	// defaults to http.DefaultClient when nil.
	HTTPClient *http.Client

	Metrics *metrics.Registry
}

func New(v *vfs.Service, signer *authz.Signer, log logging.Logger) *Server {
	return &Server{VFS: v, Signer: signer, Tickets: NewTicketStore(), Log: log.Component("proxy")}
}

func (s *Server) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

// ServePath implements `/api/p/*`: always proxies (never 302), honoring
// Range, and requiring a valid `sign`/`exp` query pair when the resolved
// mount has enable_sign=true, per spec.md §4.12.
func (s *Server) ServePath(w http.ResponseWriter, r *http.Request, reqPath string, key *authz.ApiKey, mountSignRequired bool) {
	if mountSignRequired {
		if err := s.verifySignedRequest(r, reqPath); err != nil {
			writeErr(w, err)
			return
		}
	}

	var rng *driver.ReadRange
	if h := r.Header.Get("Range"); h != "" {
		if parsed, ok := parseRangeHeader(h); ok {
			rng = &parsed
		}
	}

	dl, err := s.VFS.Content(r.Context(), reqPath, key, rng)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer dl.Reader.Close()
	s.streamResult(w, dl)
}

func (s *Server) verifySignedRequest(r *http.Request, reqPath string) error {
	q := r.URL.Query()
	expStr := q.Get("exp")
	sig := q.Get("sign")
	if expStr == "" || sig == "" {
		return cerr.New(cerr.PermissionDenied, "signed path requires exp and sign query parameters")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return cerr.New(cerr.PermissionDenied, "malformed exp parameter")
	}
	if !s.Signer.VerifyPathURL("GET", reqPath, exp, sig, time.Now()) {
		return cerr.New(cerr.PermissionDenied, "invalid or expired signature for %s", reqPath)
	}
	return nil
}

// parseRangeHeader parses a single "bytes=start-end" range, ignoring
// multi-range requests (same restriction CloudPaste's single-stream Range
// support implies).
func parseRangeHeader(h string) (driver.ReadRange, bool) {
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
	startStr, endStr := spec[:dash], spec[dash+1:]
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return driver.ReadRange{}, false
	}
	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return driver.ReadRange{}, false
		}
	}
	return driver.ReadRange{Start: start, End: end}, true
}

func (s *Server) streamResult(w http.ResponseWriter, dl vfs.DownloadResult) {
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
	n, _ := io.Copy(w, dl.Reader)
	if s.Metrics != nil {
		s.Metrics.ProxyBytesSent.Add(float64(n))
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch cerr.KindOf(err) {
	case cerr.NotFound:
		status = http.StatusNotFound
	case cerr.PermissionDenied:
		status = http.StatusForbidden
	case cerr.Gone:
		status = http.StatusGone
	case cerr.InvalidInput:
		status = http.StatusBadRequest
	}
	http.Error(w, err.Error(), status)
}

// IssueTicketForResource backs `POST /api/share/url/proxy`: that route
// admits only callers holding file-share permission, so this
// unconditionally issues a ticket.
func (s *Server) IssueTicketForResource(resource string) authz.Ticket {
	return s.Tickets.Issue(resource)
}

// ServeTicketedUpstream implements `GET /api/proxy/ticket/{ticketId}`, the
// redeeming half of the ticketed URL proxy: verifies the ticket against resource,
// then streams upstreamURL content pass-through with Content-Type
// preserved, per spec.md §4.12.
func (s *Server) ServeTicketedUpstream(ctx context.Context, w http.ResponseWriter, ticketID, resource, upstreamURL string, headers map[string]string) {
	if _, err := s.Tickets.Redeem(ticketID, resource); err != nil {
		writeErr(w, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		writeErr(w, cerr.Wrap(cerr.Internal, err, "building upstream proxy request"))
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.httpClient().Do(req)
	if err != nil {
		writeErr(w, cerr.Wrap(cerr.Internal, err, "fetching upstream content"))
		return
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	if s.Metrics != nil {
		s.Metrics.ProxyBytesSent.Add(float64(n))
	}
}

// ResolvedLink is the URL Resolver's output, per spec.md §4.12:
// "{type,path|slug} -> {url, headers}" for internal reverse-proxy
// consumers; headers never include credentials exposed to browsers.
type ResolvedLink struct {
	URL     string
	Headers map[string]string
}

// ResolveLinkInput parametrizes Resolve.
type ResolveLinkInput struct {
	Type string // "mount_path" | "share_slug"
	Path string
	Key  *authz.ApiKey
}

// Resolve implements `POST /api/proxy/link`. For a mount_path target it
// prefers the driver's direct URL (credential-bearing query strings the
// driver itself signs, e.g. a presigned S3 GET, are fine here: they expire
// and never touch this process's own secret key) and otherwise falls back
// to the same-origin signed proxy URL; headers are always empty since
// CloudPaste never has standing credentials to attach. in.Type is not
// consulted: every input is resolved as a mount path, and share slugs are
// not resolved.
func (s *Server) Resolve(ctx context.Context, in ResolveLinkInput) (ResolvedLink, error) {
	link, _, err := s.VFS.FileLink(ctx, in.Path, in.Key, 15*time.Minute, false)
	if err != nil {
		return ResolvedLink{}, err
	}
	return ResolvedLink{URL: link, Headers: map[string]string{}}, nil
}
