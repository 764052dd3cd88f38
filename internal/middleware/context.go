// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"net/http"
)

// userIDKey is the context key for the authenticated user id.
type userIDKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// SetUserID stores the authenticated user id in the context.
// This should be called by authentication middleware after validating the token.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// GetUserID retrieves the user id from context. Returns empty string if not present.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SetErrorCode stores an error code in the context.
// This should be called by handlers when returning error responses.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	return ""
}

// contextSetter is implemented by response writers that can carry a context
// back up the middleware chain.
type contextSetter interface {
	setContext(ctx context.Context)
}

// UpdateResponseContext hands a derived context back to the logging middleware
// through its response writer wrapper. Handlers call this after SetErrorCode so
// the error code survives the trip back up the chain, where the request context
// they derived from is no longer visible.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	if cs, ok := w.(contextSetter); ok {
		cs.setContext(ctx)
	}
}
