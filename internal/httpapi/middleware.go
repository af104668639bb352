package httpapi

import (
	"net/http"

	"github.com/cloudpaste/gateway/internal/authn"
	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
)

// authenticate resolves the Authorization header into either an admin
// session or an authz.ApiKey and attaches it to the request context, per
// spec.md §5's auth-header grammar. Unauthenticated requests proceed with
// neither set; route handlers that require auth call RequireAuth.
func (s *Server) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		ctx := r.Context()
		switch {
		case header == "":
		case isBearer(header):
			token, _ := authn.ExtractBearer(header)
			if s.Admin.Verify(token) {
				ctx = withAdmin(ctx)
			}
		case isApiKeyScheme(header):
			raw, _ := authn.ExtractApiKey(header)
			key, err := s.ApiKeys.Resolve(ctx, raw)
			if err == nil {
				ctx = withApiKey(ctx, key)
			}
		}
		if custom := r.Header.Get("X-Custom-Auth-Key"); custom != "" && ApiKeyFrom(ctx) == nil && !IsAdmin(ctx) {
			key, err := s.ApiKeys.Resolve(ctx, custom)
			if err == nil {
				ctx = withApiKey(ctx, key)
			}
		}
		next(w, r.WithContext(ctx))
	}
}

func isBearer(h string) bool {
	_, ok := authn.ExtractBearer(h)
	return ok
}

func isApiKeyScheme(h string) bool {
	_, ok := authn.ExtractApiKey(h)
	return ok
}

// requireAdmin rejects non-admin callers, per spec.md §5's "admin bearer
// token" endpoints (mount/storage-config/api-key management).
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			WriteError(w, cerr.New(cerr.Unauthenticated, "admin session required"))
			return
		}
		next(w, r)
	})
}

// requirePermission rejects callers that are neither admin nor holders of
// every bit in want, per spec.md §3's ApiKey permission bitflags.
func (s *Server) requirePermission(want authz.Permission, next http.HandlerFunc) http.HandlerFunc {
	return s.authenticate(func(w http.ResponseWriter, r *http.Request) {
		if IsAdmin(r.Context()) {
			next(w, r)
			return
		}
		key := ApiKeyFrom(r.Context())
		if key == nil || !key.Permissions.Has(want) {
			WriteError(w, cerr.New(cerr.PermissionDenied, "missing required permission"))
			return
		}
		next(w, r)
	})
}
