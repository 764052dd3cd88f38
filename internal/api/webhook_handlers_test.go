package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/payrelay/internal/ledger"
	"github.com/onnwee/payrelay/internal/payment"
	"github.com/onnwee/payrelay/internal/store"
)

// generateStripeSignature generates a valid Stripe webhook signature for testing.
func generateStripeSignature(payload []byte, secret string, timestamp int64) string {
	// Stripe signature format: t=timestamp,v1=signature
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	signature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, signature)
}

const testWebhookSecret = "whsec_test_secret"

func newWebhookFixture(mem *store.Memory) (*WebhookHandlers, *ledger.InMemoryRepository) {
	ledgerRepo := ledger.NewInMemoryRepository()
	reconciler := payment.NewReconciler(mem, nil, nil, nil)
	return NewWebhookHandlers(testWebhookSecret, reconciler, ledgerRepo, nil), ledgerRepo
}

func webhookEventBody(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"type":        eventType,
		"api_version": "2024-06-20",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func postWebhook(handlers *WebhookHandlers, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	w := httptest.NewRecorder()
	handlers.HandleStripeWebhook(w, req)
	return w
}

func TestHandleStripeWebhook_MissingSignature(t *testing.T) {
	handlers, _ := newWebhookFixture(store.NewMemory())

	body := webhookEventBody(t, "evt_1", "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	w := postWebhook(handlers, body, "")

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleStripeWebhook_InvalidSignature(t *testing.T) {
	handlers, _ := newWebhookFixture(store.NewMemory())

	body := webhookEventBody(t, "evt_1", "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	w := postWebhook(handlers, body, "t=1234567890,v1=invalidsignature")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var errResp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Code != ErrCodeInvalidSignature {
		t.Errorf("error code = %s, want %s", errResp.Error.Code, ErrCodeInvalidSignature)
	}
}

func TestHandleStripeWebhook_TamperedBody(t *testing.T) {
	handlers, _ := newWebhookFixture(store.NewMemory())

	body := webhookEventBody(t, "evt_1", "payment_intent.succeeded", map[string]any{"id": "pi_1"})
	signature := generateStripeSignature(body, testWebhookSecret, time.Now().Unix())

	tampered := bytes.Replace(body, []byte("pi_1"), []byte("pi_2"), 1)
	w := postWebhook(handlers, tampered, signature)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var errResp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	if errResp.Error.Code != ErrCodeInvalidSignature {
		t.Errorf("tampered body should fail the signature check, got %s", errResp.Error.Code)
	}
}

func TestHandleStripeWebhook_AcceptsPinnedAPIVersion(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableRequestPayment, &store.Record{ID: 1, UserID: 42})
	handlers, _ := newWebhookFixture(mem)

	// Endpoints pinned to an API version older than the SDK's still sign
	// valid events; version skew must not fail verification.
	body, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"type":        "payment_intent.succeeded",
		"api_version": "2022-11-15",
		"created":     time.Now().Unix(),
		"data": map[string]any{"object": map[string]any{
			"id":       "pi_1",
			"metadata": map[string]string{"order_type": "request_payment", "user_id": "42"},
		}},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	signature := generateStripeSignature(body, testWebhookSecret, time.Now().Unix())

	w := postWebhook(handlers, body, signature)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if rec := mem.Record(store.TableRequestPayment, 1); rec.Status != store.StatusSucceeded {
		t.Errorf("record status = %d, want %d", rec.Status, store.StatusSucceeded)
	}
}

func TestHandleStripeWebhook_ReconcilesAndRecords(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableRequestPayment, &store.Record{ID: 1, UserID: 42})
	handlers, ledgerRepo := newWebhookFixture(mem)

	body := webhookEventBody(t, "evt_1", "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"metadata": map[string]string{"order_type": "request_payment", "user_id": "42"},
	})
	signature := generateStripeSignature(body, testWebhookSecret, time.Now().Unix())

	w := postWebhook(handlers, body, signature)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	if rec := mem.Record(store.TableRequestPayment, 1); rec.Status != store.StatusSucceeded {
		t.Errorf("record status = %d, want %d", rec.Status, store.StatusSucceeded)
	}
	processed, err := ledgerRepo.HasProcessed(context.Background(), "evt_1")
	if err != nil {
		t.Fatalf("HasProcessed() error = %v", err)
	}
	if !processed {
		t.Error("event should be recorded in the ledger after reconciliation")
	}
}

func TestHandleStripeWebhook_DuplicateDeliverySkipped(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableRequestPayment, &store.Record{ID: 1, UserID: 42})
	handlers, _ := newWebhookFixture(mem)

	body := webhookEventBody(t, "evt_1", "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"metadata": map[string]string{"order_type": "request_payment", "user_id": "42"},
	})
	signature := generateStripeSignature(body, testWebhookSecret, time.Now().Unix())

	if w := postWebhook(handlers, body, signature); w.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d", w.Code)
	}
	firstUpdated := mem.Record(store.TableRequestPayment, 1).UpdatedAt

	if w := postWebhook(handlers, body, signature); w.Code != http.StatusOK {
		t.Fatalf("redelivery status = %d", w.Code)
	}
	if got := mem.Record(store.TableRequestPayment, 1).UpdatedAt; !got.Equal(firstUpdated) {
		t.Error("redelivery should not touch the record again")
	}
}

func TestHandleStripeWebhook_UnknownEventAcknowledged(t *testing.T) {
	handlers, ledgerRepo := newWebhookFixture(store.NewMemory())

	body := webhookEventBody(t, "evt_1", "customer.updated", map[string]any{"id": "cus_1"})
	signature := generateStripeSignature(body, testWebhookSecret, time.Now().Unix())

	w := postWebhook(handlers, body, signature)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	// Unrecognized events are still recorded so redeliveries short-circuit.
	processed, _ := ledgerRepo.HasProcessed(context.Background(), "evt_1")
	if !processed {
		t.Error("unrecognized event should still land in the ledger")
	}
}

type failingWebhookStore struct {
	store.PaymentStore
}

func (failingWebhookStore) ApplyToRequestPayment(ctx context.Context, userID int64, u store.Update) (store.Result, error) {
	return store.Result{}, errors.New("connection refused")
}

func TestHandleStripeWebhook_StoreFailureAnswers500(t *testing.T) {
	ledgerRepo := ledger.NewInMemoryRepository()
	reconciler := payment.NewReconciler(failingWebhookStore{store.NewMemory()}, nil, nil, nil)
	handlers := NewWebhookHandlers(testWebhookSecret, reconciler, ledgerRepo, nil)

	body := webhookEventBody(t, "evt_1", "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"metadata": map[string]string{"order_type": "request_payment", "user_id": "42"},
	})
	signature := generateStripeSignature(body, testWebhookSecret, time.Now().Unix())

	w := postWebhook(handlers, body, signature)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	// The ledger must stay clean so the redelivery is not skipped.
	processed, _ := ledgerRepo.HasProcessed(context.Background(), "evt_1")
	if processed {
		t.Error("failed event must not be recorded as processed")
	}
}
