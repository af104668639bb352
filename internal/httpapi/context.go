package httpapi

import (
	"context"

	"github.com/cloudpaste/gateway/internal/authz"
)

type ctxKey int

const (
	apiKeyCtxKey ctxKey = iota
	isAdminCtxKey
)

func withApiKey(ctx context.Context, key *authz.ApiKey) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey, key)
}

func withAdmin(ctx context.Context) context.Context {
	return context.WithValue(ctx, isAdminCtxKey, true)
}

// ApiKeyFrom returns the caller's API key, or nil for an admin caller.
func ApiKeyFrom(ctx context.Context) *authz.ApiKey {
	k, _ := ctx.Value(apiKeyCtxKey).(*authz.ApiKey)
	return k
}

// IsAdmin reports whether the request context carries an admin session.
func IsAdmin(ctx context.Context) bool {
	v, _ := ctx.Value(isAdminCtxKey).(bool)
	return v
}
