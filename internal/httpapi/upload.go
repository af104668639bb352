package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cloudpaste/gateway/internal/cerr"
	"github.com/cloudpaste/gateway/internal/driver"
	"github.com/cloudpaste/gateway/internal/ledger"
	"github.com/cloudpaste/gateway/internal/mount"
	"github.com/cloudpaste/gateway/internal/session"
)

// resolveUploadTarget authorizes path against the caller's key and returns
// the driver.Storage plus mount.Resolved it lives on, per spec.md §4.4's
// resolution rule shared by every write path.
func (s *Server) resolveUploadTarget(r *http.Request, path string) (driver.Storage, mount.Resolved, error) {
	res, err := s.Router.ResolveForKey(path, ApiKeyFrom(r.Context()))
	if err != nil {
		return nil, mount.Resolved{}, err
	}
	sto, err := s.Registry.Get(res.Mount.StorageConfigID)
	if err != nil {
		return nil, mount.Resolved{}, err
	}
	return sto, res, nil
}

// handleUploadPresign implements POST /api/upload/presign, per spec.md §4.2.
func (s *Server) handleUploadPresign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path        string `json:"path"`
		Size        int64  `json:"size"`
		ContentType string `json:"contentType"`
		Sha256      string `json:"sha256"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	sto, res, err := s.resolveUploadTarget(r, body.Path)
	if err != nil {
		WriteError(w, err)
		return
	}
	presigner, ok := sto.(driver.Presigner)
	if !ok {
		WriteError(w, cerr.New(cerr.InvalidInput, "storage %s does not support presigned single uploads", sto.Name()))
		return
	}
	out, err := s.Upload.PresignSingle(r.Context(), sto, presigner, res.RelativeKey, body.Size, body.ContentType, body.Sha256)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, out)
}

// handleUploadCommit implements POST /api/upload/commit, finalizing a
// presigned-single upload.
func (s *Server) handleUploadCommit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path        string `json:"path"`
		ETag        string `json:"etag"`
		ContentType string `json:"contentType"`
		Size        int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	sto, res, err := s.resolveUploadTarget(r, body.Path)
	if err != nil {
		WriteError(w, err)
		return
	}
	presigner, ok := sto.(driver.Presigner)
	if !ok {
		WriteError(w, cerr.New(cerr.InvalidInput, "storage %s does not support presigned single uploads", sto.Name()))
		return
	}
	if err := s.Upload.Commit(r.Context(), presigner, res.RelativeKey, body.ETag, body.ContentType, body.Size); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, nil)
}

// handleUploadStream implements PUT /api/upload/stream: a same-origin
// backend-stream upload for drivers without presigned support.
func (s *Server) handleUploadStream(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	sto, res, err := s.resolveUploadTarget(r, path)
	if err != nil {
		WriteError(w, err)
		return
	}
	wr, err := s.Upload.StreamUpload(r.Context(), sto, res.RelativeKey, r.Body, r.ContentLength, r.Header.Get("Content-Type"), nil)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, wr)
}

func (s *Server) sessionOr404(fileID string) (*session.Session, error) {
	sess, ok := s.Sessions.Peek(fileID)
	if !ok {
		return nil, cerr.New(cerr.NotFound, "upload session %s not found", fileID)
	}
	return sess, nil
}

func (s *Server) multiparterFor(sess *session.Session) (driver.Multiparter, error) {
	sto, err := s.Registry.Get(sess.StorageConfigID)
	if err != nil {
		return nil, err
	}
	mp, ok := sto.(driver.Multiparter)
	if !ok {
		return nil, cerr.New(cerr.InvalidInput, "storage %s does not support multipart uploads", sto.Name())
	}
	return mp, nil
}

// handleUploadMultipartInit implements POST /api/upload/multipart/init,
// per spec.md §4.3.
func (s *Server) handleUploadMultipartInit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileID      string `json:"fileId"`
		Path        string `json:"path"`
		ContentType string `json:"contentType"`
		Sha256      string `json:"sha256"`
		Size        int64  `json:"size"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	sto, res, err := s.resolveUploadTarget(r, body.Path)
	if err != nil {
		WriteError(w, err)
		return
	}
	mp, ok := sto.(driver.Multiparter)
	if !ok {
		WriteError(w, cerr.New(cerr.InvalidInput, "storage %s does not support multipart uploads", sto.Name()))
		return
	}
	sess, err := s.Upload.InitMultipart(r.Context(), mp, body.FileID, res.Mount.ID, res.Mount.StorageConfigID, body.Path, res.RelativeKey, body.ContentType, body.Sha256, body.Size)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteCreated(w, sess)
}

// handleUploadMultipartSignParts implements POST /api/upload/multipart/sign-parts.
func (s *Server) handleUploadMultipartSignParts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileID      string `json:"fileId"`
		PartNumbers []int  `json:"partNumbers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	sess, err := s.sessionOr404(body.FileID)
	if err != nil {
		WriteError(w, err)
		return
	}
	mp, err := s.multiparterFor(sess)
	if err != nil {
		WriteError(w, err)
		return
	}
	out, err := s.Upload.SignParts(r.Context(), mp, sess.StorageKey, sess.UploadID, body.PartNumbers)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, out)
}

// handleUploadMultipartListParts implements GET /api/upload/multipart/parts.
func (s *Server) handleUploadMultipartListParts(w http.ResponseWriter, r *http.Request) {
	fileID := r.URL.Query().Get("fileId")
	sess, err := s.sessionOr404(fileID)
	if err != nil {
		WriteError(w, err)
		return
	}
	mp, err := s.multiparterFor(sess)
	if err != nil {
		WriteError(w, err)
		return
	}
	parts, policy, err := s.Upload.ListParts(r.Context(), mp, sess.StorageKey, sess.UploadID, sess.Policy.PartsLedgerPolicy)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, struct {
		Parts  []driver.CompletedPart        `json:"parts"`
		Policy driver.PartsLedgerPolicy `json:"partsLedgerPolicy"`
	}{parts, policy})
}

// handleUploadMultipartComplete implements POST /api/upload/multipart/complete.
func (s *Server) handleUploadMultipartComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileID string         `json:"fileId"`
		Parts  []ledger.Part  `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	sess, err := s.sessionOr404(body.FileID)
	if err != nil {
		WriteError(w, err)
		return
	}
	mp, err := s.multiparterFor(sess)
	if err != nil {
		WriteError(w, err)
		return
	}
	wr, err := s.Upload.Complete(r.Context(), mp, sess, body.Parts)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.Sessions.Remove(body.FileID)
	WriteJSON(w, wr)
}

// handleUploadMultipartAbort implements POST /api/upload/multipart/abort.
func (s *Server) handleUploadMultipartAbort(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FileID string `json:"fileId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, cerr.Wrap(cerr.InvalidInput, err, "decoding request body"))
		return
	}
	sess, err := s.sessionOr404(body.FileID)
	if err != nil {
		WriteError(w, err)
		return
	}
	mp, err := s.multiparterFor(sess)
	if err != nil {
		WriteError(w, err)
		return
	}
	s.Upload.Abort(r.Context(), mp, sess)
	s.Sessions.Remove(body.FileID)
	WriteJSON(w, nil)
}
