// Package httpapi contains the HTTP wire conventions shared by every route:
// the {code,message,data,success} envelope and the error-kind-to-status
// mapping from spec.md §6-7, grounded on Perkeep's httputil.BadRequestError
// and auth.SendUnauthorized (small always-available helpers rather than a
// framework).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cloudpaste/gateway/internal/cerr"
)

// decodeJSON decodes the request body into v, wrapping decode failures as
// an InvalidInput cerr the way every handler's ad hoc json.NewDecoder
// calls already do.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return cerr.Wrap(cerr.InvalidInput, err, "decoding request body")
	}
	return nil
}

// Envelope is the wire shape for every non-streaming JSON response.
type Envelope struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Success bool        `json:"success"`
	Field   string      `json:"field,omitempty"`
}

// WriteJSON writes a 200 envelope carrying data.
func WriteJSON(w http.ResponseWriter, data interface{}) {
	writeEnvelope(w, http.StatusOK, Envelope{Code: http.StatusOK, Message: "ok", Data: data, Success: true})
}

// WriteCreated writes a 201 envelope carrying data.
func WriteCreated(w http.ResponseWriter, data interface{}) {
	writeEnvelope(w, http.StatusCreated, Envelope{Code: http.StatusCreated, Message: "created", Data: data, Success: true})
}

// WriteError maps err's cerr.Kind to an HTTP status and writes the error
// envelope. Unrecognized errors are treated as Internal.
func WriteError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	env := Envelope{Code: status, Message: msg, Success: false}
	var ce *cerr.Error
	if e, ok := err.(*cerr.Error); ok {
		ce = e
	}
	if ce != nil {
		env.Field = ce.Field
	}
	writeEnvelope(w, status, env)
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// statusFor implements the status table in spec.md §6.
func statusFor(err error) (int, string) {
	kind := cerr.KindOf(err)
	msg := err.Error()
	switch kind {
	case cerr.InvalidInput:
		return http.StatusBadRequest, msg
	case cerr.Unauthenticated:
		return http.StatusUnauthorized, msg
	case cerr.PermissionDenied, cerr.BasicPathDenied:
		return http.StatusForbidden, msg
	case cerr.NotFound:
		return http.StatusNotFound, msg
	case cerr.Conflict:
		return http.StatusConflict, msg
	case cerr.Gone, cerr.SessionExpired, cerr.SignatureExpired:
		return http.StatusGone, msg
	case cerr.QuotaExceeded:
		return http.StatusInsufficientStorage, msg
	case cerr.ReadOnly:
		return http.StatusForbidden, msg
	case cerr.UpstreamTransient, cerr.UpstreamFatal:
		return http.StatusBadGateway, msg
	case cerr.IndexNotReady:
		return http.StatusServiceUnavailable, msg
	case cerr.Cancelled:
		return http.StatusConflict, msg
	default:
		return http.StatusInternalServerError, msg
	}
}
