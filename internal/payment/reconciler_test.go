package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/payrelay/internal/store"
)

func newEvent(t *testing.T, id, eventType string, created time.Time, payload any) stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	return stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: created.Unix(),
		Data:    &stripe.EventData{Raw: raw},
	}
}

func intentPayload(id string, metadata map[string]string) map[string]any {
	return map[string]any{"id": id, "metadata": metadata}
}

type stubCharges struct {
	balanceTxn string
	err        error
}

func (s stubCharges) GetCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &stripe.Charge{
		ID:                 id,
		BalanceTransaction: &stripe.BalanceTransaction{ID: s.balanceTxn},
	}, nil
}

func TestReconciler_RequestPaymentPicksNewest(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableRequestPayment, &store.Record{
		ID: 1, UserID: 42, CreatedAt: time.Now().Add(-2 * time.Hour),
	})
	mem.AddRecord(store.TableRequestPayment, &store.Record{
		ID: 2, UserID: 42, CreatedAt: time.Now().Add(-1 * time.Hour),
	})
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now(),
		intentPayload("pi_1", map[string]string{"order_type": "request_payment", "user_id": "42"}))

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	newest := mem.Record(store.TableRequestPayment, 2)
	if newest.Status != store.StatusSucceeded {
		t.Errorf("newest record status = %d, want %d", newest.Status, store.StatusSucceeded)
	}
	if newest.Reference != "pi_1" {
		t.Errorf("newest record reference = %q, want pi_1", newest.Reference)
	}
	if !bytes.Equal(newest.Snapshot, event.Data.Raw) {
		t.Error("snapshot should equal the event payload")
	}
	if older := mem.Record(store.TableRequestPayment, 1); older.Status != 0 {
		t.Errorf("older record should be untouched, got status %d", older.Status)
	}
}

func TestReconciler_BatchFailsAllRulePayments(t *testing.T) {
	mem := store.NewMemory()
	for _, id := range []int64{7, 8, 9} {
		mem.AddRecord(store.TableRulePayment, &store.Record{ID: id, UserID: 42})
	}
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", EventPaymentIntentFailed, time.Now(),
		intentPayload("pi_1", map[string]string{"order_id": "7,8,9|42"}))

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	for _, id := range []int64{7, 8, 9} {
		rec := mem.Record(store.TableRulePayment, id)
		if rec.Status != store.StatusFailed {
			t.Errorf("rule payment %d status = %d, want %d", id, rec.Status, store.StatusFailed)
		}
	}
}

func TestReconciler_CommissionPeriod(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableCommission, &store.Record{ID: 1, AdminID: 3, Month: 5, Year: 2024})
	r := NewReconciler(mem, stubCharges{balanceTxn: "txn_9"}, nil, nil)

	payload := intentPayload("pi_1", map[string]string{
		"order_type": "commission_payment",
		"admin_id":   "3", "month": "5", "year": "2024",
	})
	payload["latest_charge"] = "ch_1"
	event := newEvent(t, "evt_1", EventPaymentIntentProcessing, time.Now(), payload)

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	rec := mem.Record(store.TableCommission, 1)
	if rec.StatusText != "processing" {
		t.Errorf("commission status text = %q, want processing", rec.StatusText)
	}
	if rec.BalanceTxn != "txn_9" {
		t.Errorf("commission balance txn = %q, want txn_9", rec.BalanceTxn)
	}
}

func TestReconciler_CommissionToleratesChargeLookupFailure(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableCommission, &store.Record{ID: 1, Reference: "pi_1"})
	r := NewReconciler(mem, stubCharges{err: errors.New("stripe down")}, nil, nil)

	payload := intentPayload("pi_1", map[string]string{"order_type": "commission_payment"})
	payload["latest_charge"] = "ch_1"
	event := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now(), payload)

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}

	rec := mem.Record(store.TableCommission, 1)
	if rec.StatusText != "succeeded" {
		t.Errorf("commission status text = %q, want succeeded", rec.StatusText)
	}
	if rec.BalanceTxn != "" {
		t.Errorf("balance txn = %q, want empty after lookup failure", rec.BalanceTxn)
	}
}

func TestReconciler_SingleOrderTriesInvoiceThenRule(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableRulePayment, &store.Record{ID: 17})
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now(),
		intentPayload("pi_1", map[string]string{"order_id": "17|42"}))

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if rec := mem.Record(store.TableRulePayment, 17); rec.Status != store.StatusSucceeded {
		t.Errorf("rule payment status = %d, want %d", rec.Status, store.StatusSucceeded)
	}

	// With an invoice of the same id present, the invoice wins and the rule
	// payment is left alone.
	mem2 := store.NewMemory()
	mem2.AddRecord(store.TableInvoice, &store.Record{ID: 17})
	mem2.AddRecord(store.TableRulePayment, &store.Record{ID: 17})
	r2 := NewReconciler(mem2, nil, nil, nil)
	if err := r2.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if rec := mem2.Record(store.TableInvoice, 17); rec.Status != store.StatusSucceeded {
		t.Errorf("invoice status = %d, want %d", rec.Status, store.StatusSucceeded)
	}
	if rec := mem2.Record(store.TableRulePayment, 17); rec.Status != 0 {
		t.Errorf("rule payment should be untouched, got status %d", rec.Status)
	}
}

func TestReconciler_ReferenceFallback(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableAdditionalCharge, &store.Record{ID: 5, Reference: "pi_1"})
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now(),
		intentPayload("pi_1", nil))

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if rec := mem.Record(store.TableAdditionalCharge, 5); rec.Status != store.StatusSucceeded {
		t.Errorf("additional charge status = %d, want %d", rec.Status, store.StatusSucceeded)
	}
}

func TestReconciler_MalformedMetadataAcknowledged(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableInvoice, &store.Record{ID: 1, Reference: "pi_1"})
	metrics := NewMetrics()
	r := NewReconciler(mem, nil, nil, metrics)

	event := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now(),
		intentPayload("pi_1", map[string]string{"order_type": "gift_card"}))

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() should acknowledge malformed metadata, got %v", err)
	}
	if rec := mem.Record(store.TableInvoice, 1); rec.Status != 0 {
		t.Errorf("no record should be touched, got status %d", rec.Status)
	}
}

func TestReconciler_MissingObjectIDDropped(t *testing.T) {
	// A record still carrying the empty column default must not be picked up
	// by an event whose payload object has no id.
	mem := store.NewMemory()
	mem.AddRecord(store.TableInvoice, &store.Record{ID: 1, Reference: ""})
	metrics := NewMetrics()
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	r := NewReconciler(mem, nil, nil, metrics)

	intentEvent := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now(), map[string]any{})
	if err := r.HandleEvent(context.Background(), intentEvent); err != nil {
		t.Fatalf("HandleEvent() should acknowledge an intent without id, got %v", err)
	}
	if rec := mem.Record(store.TableInvoice, 1); rec.Status != 0 {
		t.Errorf("no record should be touched by the intent event, got status %d", rec.Status)
	}

	chargeEvent := newEvent(t, "evt_2", EventChargeSucceeded, time.Now(), map[string]any{})
	if err := r.HandleEvent(context.Background(), chargeEvent); err != nil {
		t.Fatalf("HandleEvent() should acknowledge a charge without id, got %v", err)
	}
	if rec := mem.Record(store.TableInvoice, 1); rec.Status != 0 {
		t.Errorf("no record should be touched by the charge event, got status %d", rec.Status)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var dropped float64
	for _, mf := range families {
		if mf.GetName() != MetricUnmatchedTotal {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "reason" && l.GetValue() == ReasonMissingObjectID {
					dropped = m.GetCounter().GetValue()
				}
			}
		}
	}
	if dropped != 2 {
		t.Errorf("missing-id drops = %f, want 2", dropped)
	}
}

func TestReconciler_UnknownEventTypeIgnored(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableInvoice, &store.Record{ID: 1, Reference: "pi_1"})
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", "customer.updated", time.Now(), map[string]any{"id": "cus_1"})
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if rec := mem.Record(store.TableInvoice, 1); rec.Status != 0 {
		t.Errorf("no record should be touched, got status %d", rec.Status)
	}
}

func TestReconciler_RedeliveryIsIdempotent(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableRequestPayment, &store.Record{ID: 1, UserID: 42})
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now().Add(-time.Minute),
		intentPayload("pi_1", map[string]string{"order_type": "request_payment", "user_id": "42"}))

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery error = %v", err)
	}
	first := mem.Record(store.TableRequestPayment, 1)

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("redelivery error = %v", err)
	}
	second := mem.Record(store.TableRequestPayment, 1)

	if second.Status != first.Status || second.Reference != first.Reference {
		t.Errorf("redelivery changed stored state: %+v vs %+v", first, second)
	}
}

func TestReconciler_StaleEventFencedOff(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableRequestPayment, &store.Record{
		ID: 1, UserID: 42, Reference: "pi_1",
		Status: store.StatusSucceeded, UpdatedAt: time.Now(),
	})
	r := NewReconciler(mem, nil, nil, nil)

	// A processing event created before the record's last update must not
	// regress the succeeded status.
	event := newEvent(t, "evt_old", EventPaymentIntentProcessing, time.Now().Add(-time.Hour),
		intentPayload("pi_1", map[string]string{"order_type": "request_payment", "user_id": "42"}))

	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if rec := mem.Record(store.TableRequestPayment, 1); rec.Status != store.StatusSucceeded {
		t.Errorf("status regressed to %d", rec.Status)
	}
}

func TestReconciler_ChargeMatchesInvoice(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableInvoice, &store.Record{ID: 1, Reference: "ch_1"})
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", EventChargeSucceeded, time.Now(), map[string]any{"id": "ch_1"})
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if rec := mem.Record(store.TableInvoice, 1); rec.Status != store.StatusSucceeded {
		t.Errorf("invoice status = %d, want %d", rec.Status, store.StatusSucceeded)
	}
}

func TestReconciler_ChargeFallsBackToSubsGroup(t *testing.T) {
	mem := store.NewMemory()
	mem.AddRecord(store.TableInvoice, &store.Record{ID: 1, SubsGroupID: 77})
	r := NewReconciler(mem, nil, nil, nil)

	event := newEvent(t, "evt_1", EventChargePending, time.Now(), map[string]any{
		"id":       "ch_new",
		"metadata": map[string]string{"subs_group_id": "77"},
	})
	if err := r.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	rec := mem.Record(store.TableInvoice, 1)
	if rec.Status != store.StatusProcessing {
		t.Errorf("invoice status = %d, want %d", rec.Status, store.StatusProcessing)
	}
	if rec.Reference != "ch_new" {
		t.Errorf("invoice reference = %q, want ch_new", rec.Reference)
	}
}

func TestReconciler_SetupIntentLifecycle(t *testing.T) {
	mem := store.NewMemory()
	mem.AddCustomer(&store.CustomerRecord{ID: 1, SetupIntentID: "seti_1", Status: store.CustomerStatusPending})
	r := NewReconciler(mem, nil, nil, nil)

	succeeded := newEvent(t, "evt_1", EventSetupIntentSucceeded, time.Now(), map[string]any{
		"id":             "seti_1",
		"payment_method": "pm_1",
	})
	if err := r.HandleEvent(context.Background(), succeeded); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	cust := mem.Customer("seti_1")
	if cust.Status != store.CustomerStatusVerified {
		t.Errorf("customer status = %q, want verified", cust.Status)
	}
	if cust.PaymentMethodID != "pm_1" {
		t.Errorf("payment method = %q, want pm_1", cust.PaymentMethodID)
	}

	failed := newEvent(t, "evt_2", EventSetupIntentFailed, time.Now(), map[string]any{
		"id":               "seti_1",
		"last_setup_error": map[string]any{"message": "microdeposit amounts incorrect"},
	})
	if err := r.HandleEvent(context.Background(), failed); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	cust = mem.Customer("seti_1")
	if cust.Status != store.CustomerStatusFailed {
		t.Errorf("customer status = %q, want failed", cust.Status)
	}
	if cust.FailureReason != "microdeposit amounts incorrect" {
		t.Errorf("failure reason = %q", cust.FailureReason)
	}
}

type failingStore struct {
	store.PaymentStore
}

func (failingStore) ApplyToRequestPayment(ctx context.Context, userID int64, u store.Update) (store.Result, error) {
	return store.Result{}, errors.New("connection refused")
}

func TestReconciler_StoreFailurePropagates(t *testing.T) {
	r := NewReconciler(failingStore{store.NewMemory()}, nil, nil, nil)

	event := newEvent(t, "evt_1", EventPaymentIntentSucceeded, time.Now(),
		intentPayload("pi_1", map[string]string{"order_type": "request_payment", "user_id": "42"}))

	if err := r.HandleEvent(context.Background(), event); err == nil {
		t.Fatal("HandleEvent() should surface store failures for redelivery")
	}
}
