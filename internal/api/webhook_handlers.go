package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/onnwee/payrelay/internal/ledger"
	"github.com/onnwee/payrelay/internal/middleware"
	"github.com/onnwee/payrelay/internal/payment"
)

// maxWebhookBodyBytes bounds the webhook request body. Stripe payloads are
// well under this.
const maxWebhookBodyBytes = 1 << 20

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	webhookSecret string
	reconciler    *payment.Reconciler
	ledgerRepo    ledger.Repository
	metrics       *payment.Metrics
}

// NewWebhookHandlers creates a new WebhookHandlers instance. metrics may be
// nil.
func NewWebhookHandlers(
	webhookSecret string,
	reconciler *payment.Reconciler,
	ledgerRepo ledger.Repository,
	metrics *payment.Metrics,
) *WebhookHandlers {
	return &WebhookHandlers{
		webhookSecret: webhookSecret,
		reconciler:    reconciler,
		ledgerRepo:    ledgerRepo,
		metrics:       metrics,
	}
}

// HandleStripeWebhook processes Stripe webhook events with signature
// verification. The event is recorded in the processed-event ledger only
// after reconciliation succeeds, so a mid-flight failure answers 500 and the
// redelivery gets a clean retry.
// POST /webhooks/stripe
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "failed to read request body")
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, "missing Stripe-Signature header")
		return
	}

	// Endpoints stay pinned to the API version they were registered with,
	// which rarely matches the SDK's pinned version. The HMAC check is what
	// authenticates the payload, so version skew alone must not reject it.
	event, err := webhook.ConstructEventWithOptions(body, signature, h.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		slog.WarnContext(ctx, "webhook signature verification failed", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInvalidSignature)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeInvalidSignature, "invalid signature")
		return
	}

	// Log minimal event info (type and ID only, not full payload)
	slog.InfoContext(ctx, "webhook event received", "event_type", event.Type, "event_id", event.ID)

	processed, err := h.ledgerRepo.HasProcessed(ctx, event.ID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to check webhook event ledger", "event_id", event.ID, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}
	if processed {
		slog.InfoContext(ctx, "webhook event already processed, ignoring", "event_id", event.ID)
		if h.metrics != nil {
			h.metrics.IncDuplicates()
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.reconciler.HandleEvent(ctx, event); err != nil {
		slog.ErrorContext(ctx, "failed to reconcile webhook event",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeInternal)
		WriteError(w, ctx, http.StatusInternalServerError, ErrCodeInternal, "failed to process webhook")
		return
	}

	// A concurrent delivery may have recorded the event first; that delivery
	// did the same work, so the duplicate insert is harmless.
	if err := h.ledgerRepo.RecordEvent(ctx, event.ID, string(event.Type)); err != nil &&
		!errors.Is(err, ledger.ErrEventAlreadyProcessed) {
		slog.ErrorContext(ctx, "failed to record webhook event", "event_id", event.ID, "error", err)
	}

	w.WriteHeader(http.StatusOK)
}
