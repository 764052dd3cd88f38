package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/payrelay/internal/auth"
)

const authTestSecret = "auth-middleware-test-secret-123456"

func authHandler(t *testing.T) (http.Handler, *string) {
	t.Helper()
	var gotUserID string
	svc := auth.NewJWTService(authTestSecret)
	handler := Auth(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = GetUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &gotUserID
}

func TestAuth_ValidToken(t *testing.T) {
	handler, gotUserID := authHandler(t)
	svc := auth.NewJWTService(authTestSecret)
	token, err := svc.GenerateAccessToken("42")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/payments/intents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if *gotUserID != "42" {
		t.Errorf("user id in context = %q, want 42", *gotUserID)
	}
}

func TestAuth_Rejections(t *testing.T) {
	handler, _ := authHandler(t)
	svc := auth.NewJWTService(authTestSecret)

	refreshToken, err := svc.GenerateRefreshToken("42")
	if err != nil {
		t.Fatalf("GenerateRefreshToken() error = %v", err)
	}
	wrongSecretToken, err := auth.NewJWTService("other-secret").GenerateAccessToken("42")
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer not.a.token"},
		{"refresh token", "Bearer " + refreshToken},
		{"wrong secret", "Bearer " + wrongSecretToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/payments/intents", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 response missing WWW-Authenticate header")
			}
		})
	}
}
