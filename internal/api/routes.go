package api

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/payrelay/internal/middleware"
)

// RouterDeps holds the handlers and per-route middleware the router wires
// together. Nil middleware entries are skipped, which keeps tests small.
type RouterDeps struct {
	Payments *PaymentHandlers
	Webhooks *WebhookHandlers
	Health   *HealthHandlers
	Metrics  http.Handler

	// Auth and PaymentLimiter wrap the /payments/* routes. Auth runs first
	// so the rate limiter can key on the authenticated user.
	Auth           func(http.Handler) http.Handler
	PaymentLimiter func(http.Handler) http.Handler
}

// NewRouter builds the service mux. The webhook route is deliberately
// outside the auth and rate-limit chain: Stripe signs its requests instead.
func NewRouter(deps RouterDeps) *http.ServeMux {
	mux := http.NewServeMux()

	protect := func(h http.Handler) http.Handler {
		if deps.PaymentLimiter != nil {
			h = deps.PaymentLimiter(h)
		}
		if deps.Auth != nil {
			h = deps.Auth(h)
		}
		return h
	}

	if deps.Health != nil {
		mux.HandleFunc("GET /health", deps.Health.Health)
		mux.HandleFunc("GET /ready", deps.Health.Ready)
	}
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	if deps.Webhooks != nil {
		mux.HandleFunc("POST /webhooks/stripe", deps.Webhooks.HandleStripeWebhook)
	}

	if deps.Payments != nil {
		p := deps.Payments
		mux.Handle("POST /payments/customers", protect(http.HandlerFunc(p.CreateCustomer)))
		mux.Handle("POST /payments/setup-intents", protect(http.HandlerFunc(p.CreateSetupIntent)))
		mux.Handle("GET /payments/setup-intents/{id}", protect(http.HandlerFunc(p.GetSetupIntent)))
		mux.Handle("POST /payments/setup-intents/{id}/verify", protect(http.HandlerFunc(p.VerifyMicrodeposits)))
		mux.Handle("GET /payments/methods/{id}", protect(http.HandlerFunc(p.GetPaymentMethod)))
		mux.Handle("POST /payments/intents", protect(http.HandlerFunc(p.CreatePaymentIntent)))
		mux.Handle("GET /payments/intents/{id}", protect(http.HandlerFunc(p.GetPaymentIntent)))
		mux.Handle("POST /payments/intents/{id}/confirm", protect(http.HandlerFunc(p.ConfirmPaymentIntent)))
		mux.Handle("POST /payments/subscriptions", protect(http.HandlerFunc(p.CreateSubscription)))
		mux.Handle("GET /payments/subscriptions/{id}", protect(http.HandlerFunc(p.GetSubscription)))
		mux.Handle("DELETE /payments/subscriptions/{id}", protect(http.HandlerFunc(p.CancelSubscription)))
		mux.Handle("POST /payments/bank-tokens", protect(http.HandlerFunc(p.CreateBankToken)))
		mux.Handle("GET /payments/bank-accounts/{id}", protect(http.HandlerFunc(p.GetBankAccount)))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"payrelay","version":"0.0.1"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	return mux
}
