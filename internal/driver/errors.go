package driver

import "github.com/cloudpaste/gateway/internal/cerr"

// ErrNotFound, ErrConflict, ErrReadOnly and ErrQuotaExceeded are the
// constructors drivers use to report the failure kinds spec.md §4.1
// mandates for List/Stat/Write ("fails NotFound|PermissionDenied",
// "fails ReadOnly|QuotaExceeded|Conflict").
func ErrNotFound(path string) error {
	return cerr.New(cerr.NotFound, "path not found: %s", path)
}

func ErrPermissionDenied(path string) error {
	return cerr.New(cerr.PermissionDenied, "permission denied: %s", path)
}

func ErrConflict(path string) error {
	return cerr.New(cerr.Conflict, "conflict at path: %s", path)
}

func ErrReadOnly(path string) error {
	return cerr.New(cerr.ReadOnly, "storage is read-only: %s", path)
}

func ErrQuotaExceeded(path string) error {
	return cerr.New(cerr.QuotaExceeded, "quota exceeded writing: %s", path)
}

// ErrUpstreamTransient wraps a transient upstream failure eligible for
// retry per the driver's RetryPolicy (spec.md §7).
func ErrUpstreamTransient(cause error, format string, args ...interface{}) error {
	return cerr.Wrap(cerr.UpstreamTransient, cause, format, args...)
}

// ErrUpstreamFatal wraps a non-retriable upstream failure.
func ErrUpstreamFatal(cause error, format string, args ...interface{}) error {
	return cerr.Wrap(cerr.UpstreamFatal, cause, format, args...)
}
