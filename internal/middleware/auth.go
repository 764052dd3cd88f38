package middleware

import (
	"net/http"
	"strings"

	"github.com/onnwee/payrelay/internal/auth"
)

// Auth is a middleware that requires a valid Bearer access token.
// On success the authenticated user id is stored in the request context;
// on failure the request is rejected with 401.
func Auth(jwtService *auth.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				unauthorized(w, r, "missing_token")
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, r, "malformed_authorization_header")
				return
			}

			claims, err := jwtService.ValidateToken(token)
			if err != nil {
				if err == auth.ErrExpiredToken {
					unauthorized(w, r, "token_expired")
					return
				}
				unauthorized(w, r, "invalid_token")
				return
			}

			// Refresh tokens cannot be used to call the API.
			if claims.Type != auth.TokenTypeAccess {
				unauthorized(w, r, "wrong_token_type")
				return
			}

			ctx := SetUserID(r.Context(), claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, code string) {
	ctx := SetErrorCode(r.Context(), code)
	UpdateResponseContext(w, ctx)
	w.Header().Set("WWW-Authenticate", `Bearer realm="payrelay"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
