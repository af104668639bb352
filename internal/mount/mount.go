// Package mount implements the Mount Router from spec.md §4.4:
// longest-prefix resolution of a logical path to a (Mount, relative_key)
// pair, plus basic_path sandbox enforcement for API-key callers. Grounded
// on Perkeep's pkg/blobserver registry/dispatch idiom (a map of prefixes
// resolved by the frontend handler in server/sigserver or pkg/blobserver,
// generalized here to longest-prefix rather than exact match since mounts
// nest, e.g. "/drive" and "/drive/archive").
package mount

import (
	"sort"
	"strings"
	"sync"

	"github.com/cloudpaste/gateway/internal/authz"
	"github.com/cloudpaste/gateway/internal/cerr"
)

// Mount mirrors the Mount entity from spec.md §3.
type Mount struct {
	ID              string
	Name            string
	MountPath       string // normalized absolute, no trailing '/' (except root)
	StorageConfigID string
	IsActive        bool
	SortOrder       int
	CacheTTLSeconds int
	WebProxy        bool
	WebDAVPolicy    string // "302_redirect" | "proxy"
	EnableSign      bool
	SignExpiresSec  *int
}

// Normalize strips a trailing slash from a mount path, leaving "/" intact,
// matching spec.md §3's "no trailing /" invariant.
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if p != "/" {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

// Router resolves logical paths to mounts by longest-prefix match.
type Router struct {
	mu     sync.RWMutex
	mounts []Mount // kept sorted by MountPath length, descending
}

func NewRouter() *Router { return &Router{} }

// Set replaces the full mount table (used after admin create/update/delete,
// per spec.md §3's "admin-created; only admins mutate" lifecycle note).
func (r *Router) Set(mounts []Mount) {
	sorted := append([]Mount(nil), mounts...)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].MountPath) > len(sorted[j].MountPath)
	})
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounts = sorted
}

// All returns the currently configured mounts.
func (r *Router) All() []Mount {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Mount(nil), r.mounts...)
}

// Resolved is the outcome of resolving a logical path.
type Resolved struct {
	Mount       Mount
	RelativeKey string // s3_key, no leading '/'
}

// matchesPrefix reports whether reqPath is at or under mountPath per
// spec.md §4.4's "path == mount_path or starts with mount_path + '/'".
func matchesPrefix(mountPath, reqPath string) bool {
	if mountPath == "/" {
		return true
	}
	return reqPath == mountPath || strings.HasPrefix(reqPath, mountPath+"/")
}

// Resolve finds the longest-prefix-matching active mount for reqPath and
// computes the backend-relative key.
func (r *Router) Resolve(reqPath string) (Resolved, error) {
	reqPath = Normalize(reqPath)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mounts {
		if !m.IsActive {
			continue
		}
		if matchesPrefix(m.MountPath, reqPath) {
			rel := strings.TrimPrefix(reqPath, m.MountPath)
			rel = strings.TrimPrefix(rel, "/")
			return Resolved{Mount: m, RelativeKey: rel}, nil
		}
	}
	return Resolved{}, cerr.New(cerr.NotFound, "no mount covers path: %s", reqPath)
}

// ResolveForKey authorizes reqPath against an API key's basic_path and
// storage ACL before resolving, per spec.md §4.4's second paragraph.
// A nil key means admin (no restriction).
func (r *Router) ResolveForKey(reqPath string, key *authz.ApiKey) (Resolved, error) {
	reqPath = Normalize(reqPath)
	if key != nil && !authz.WithinBasicPath(key.BasicPath, reqPath) {
		return Resolved{}, cerr.New(cerr.PermissionDenied, "path %s outside basic_path %s", reqPath, key.NormalizedBasicPath())
	}
	res, err := r.Resolve(reqPath)
	if err != nil {
		return Resolved{}, err
	}
	if key != nil && !key.AllowsStorage(res.Mount.StorageConfigID) {
		return Resolved{}, cerr.New(cerr.PermissionDenied, "storage_config %s not in key's ACL", res.Mount.StorageConfigID)
	}
	return res, nil
}

// VisibleMounts filters mounts to those an API key may see: within its
// basic_path and allowed by its storage ACL. A nil key sees everything
// (admin), matching spec.md §4.4's "Admin sees all" rule.
func (r *Router) VisibleMounts(key *authz.ApiKey) []Mount {
	all := r.All()
	if key == nil {
		return all
	}
	out := make([]Mount, 0, len(all))
	basicPath := key.NormalizedBasicPath()
	for _, m := range all {
		if !matchesPrefix(basicPath, m.MountPath) && !matchesPrefix(m.MountPath, basicPath) {
			continue
		}
		if !key.AllowsStorage(m.StorageConfigID) {
			continue
		}
		out = append(out, m)
	}
	return out
}
