package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/onnwee/payrelay/internal/store"
)

// ChargeFetcher is the slice of the Stripe client the reconciler needs: it
// only ever looks up a charge to capture the balance transaction reference
// for commission payouts.
type ChargeFetcher interface {
	GetCharge(ctx context.Context, id string) (*stripe.Charge, error)
}

// Reconciler maps verified webhook events onto payment record updates. Each
// event touches at most one table; events that match nothing are logged and
// acknowledged so the processor stops redelivering them.
type Reconciler struct {
	store   store.PaymentStore
	charges ChargeFetcher
	logger  *slog.Logger
	metrics *Metrics
}

// NewReconciler creates a reconciler over the given payment store. charges
// and metrics may be nil; balance-transaction capture and instrumentation are
// skipped respectively.
func NewReconciler(st store.PaymentStore, charges ChargeFetcher, logger *slog.Logger, metrics *Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, charges: charges, logger: logger, metrics: metrics}
}

// HandleEvent dispatches a verified event to the matching update path. A nil
// return means the event was handled, including recognized events that
// matched no record and event types this service does not act on. A non-nil
// return means a transient failure; the caller responds 500 so the processor
// redelivers.
func (r *Reconciler) HandleEvent(ctx context.Context, event stripe.Event) error {
	eventType := string(event.Type)
	if r.metrics != nil {
		r.metrics.IncEvents(eventType)
	}

	switch eventType {
	case EventSetupIntentSucceeded:
		return r.handleSetupIntentSucceeded(ctx, event)
	case EventSetupIntentFailed:
		return r.handleSetupIntentFailed(ctx, event)
	case EventPaymentIntentSucceeded, EventPaymentIntentProcessing,
		EventPaymentIntentRequiresAction, EventPaymentIntentFailed:
		status, _ := statusForEvent(eventType)
		return r.reconcileIntent(ctx, event, status)
	case EventChargePending, EventChargeSucceeded, EventChargeFailed:
		status, _ := statusForEvent(eventType)
		return r.reconcileCharge(ctx, event, status)
	}

	r.logger.Debug("ignoring webhook event", "event_id", event.ID, "event_type", eventType)
	return nil
}

func (r *Reconciler) handleSetupIntentSucceeded(ctx context.Context, event stripe.Event) error {
	var si stripe.SetupIntent
	if err := json.Unmarshal(event.Data.Raw, &si); err != nil {
		return fmt.Errorf("failed to decode setup intent: %w", err)
	}

	var paymentMethodID string
	if si.PaymentMethod != nil {
		paymentMethodID = si.PaymentMethod.ID
	}

	result, err := r.store.MarkCustomerVerified(ctx, si.ID, paymentMethodID)
	if err != nil {
		return fmt.Errorf("failed to mark customer verified: %w", err)
	}
	r.reportCustomer(event, "verified", si.ID, result)
	return nil
}

func (r *Reconciler) handleSetupIntentFailed(ctx context.Context, event stripe.Event) error {
	var si stripe.SetupIntent
	if err := json.Unmarshal(event.Data.Raw, &si); err != nil {
		return fmt.Errorf("failed to decode setup intent: %w", err)
	}

	var reason string
	if si.LastSetupError != nil {
		reason = si.LastSetupError.Msg
	}

	result, err := r.store.MarkCustomerSetupFailed(ctx, si.ID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark customer setup failed: %w", err)
	}
	r.reportCustomer(event, "failed", si.ID, result)
	return nil
}

func (r *Reconciler) reconcileIntent(ctx context.Context, event stripe.Event, status store.Status) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("failed to decode payment intent: %w", err)
	}
	if pi.ID == "" {
		// An empty reference would otherwise match rows still carrying the
		// column default.
		r.dropMissingID(event, "payment_intent")
		return nil
	}

	update := store.Update{
		Reference: pi.ID,
		Status:    status,
		Snapshot:  event.Data.Raw,
		EventTime: time.Unix(event.Created, 0),
	}

	route, err := ParseRoute(pi.Metadata)
	if err != nil {
		// Redelivery would carry the same broken metadata, so acknowledge.
		r.logger.Warn("rejecting routing metadata",
			"event_id", event.ID,
			"payment_intent", pi.ID,
			"error", err,
		)
		if r.metrics != nil {
			r.metrics.IncUnmatched(ReasonMalformedMetadata)
		}
		return nil
	}

	switch route.Kind {
	case KindRequestPayment:
		result, err := r.store.ApplyToRequestPayment(ctx, route.UserID, update)
		return r.report(event, store.TableRequestPayment, status, result, err)

	case KindAdditionalCharge:
		result, err := r.store.ApplyToAdditionalCharge(ctx, route.CartID, route.UserID, update)
		return r.report(event, store.TableAdditionalCharge, status, result, err)

	case KindCommission:
		update.BalanceTxn = r.balanceTxn(ctx, &pi)
		var result store.Result
		if route.HasPeriod {
			result, err = r.store.ApplyToCommissionPeriod(ctx, route.AdminID, route.Month, route.Year, update)
		} else {
			result, err = r.store.ApplyToCommissionByReference(ctx, update)
		}
		return r.report(event, store.TableCommission, status, result, err)

	case KindOrderSingle:
		result, err := r.store.ApplyToInvoice(ctx, route.OrderID, update)
		if err != nil {
			return r.report(event, store.TableInvoice, status, result, err)
		}
		if result.Matched {
			return r.report(event, store.TableInvoice, status, result, nil)
		}
		result, err = r.store.ApplyToRulePayment(ctx, route.OrderID, update)
		return r.report(event, store.TableRulePayment, status, result, err)

	case KindOrderBatch:
		result, err := r.store.ApplyToRulePayments(ctx, route.BatchIDs, update)
		return r.report(event, store.TableRulePayment, status, result, err)

	case KindReference:
		table, result, err := r.store.ApplyByReference(ctx, update)
		return r.report(event, table, status, result, err)
	}

	return nil
}

// reconcileCharge handles the legacy charge.* path: invoices created before
// the payment-intent flow are matched by charge id, or by the subscription
// group the charge's metadata names.
func (r *Reconciler) reconcileCharge(ctx context.Context, event stripe.Event, status store.Status) error {
	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		return fmt.Errorf("failed to decode charge: %w", err)
	}
	if ch.ID == "" {
		r.dropMissingID(event, "charge")
		return nil
	}

	var subsGroupID int64
	if raw := ch.Metadata["subs_group_id"]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			r.logger.Warn("ignoring bad subs_group_id on charge",
				"event_id", event.ID, "charge", ch.ID, "subs_group_id", raw)
		} else {
			subsGroupID = id
		}
	}

	update := store.Update{
		Reference: ch.ID,
		Status:    status,
		Snapshot:  event.Data.Raw,
		EventTime: time.Unix(event.Created, 0),
	}

	result, err := r.store.ApplyToInvoiceByCharge(ctx, ch.ID, subsGroupID, update)
	return r.report(event, store.TableInvoice, status, result, err)
}

// dropMissingID acknowledges an event whose payload object has no id. There
// is nothing to key an update on, and redelivery carries the same payload.
func (r *Reconciler) dropMissingID(event stripe.Event, objectKind string) {
	r.logger.Warn("dropping webhook event without object id",
		"event_id", event.ID, "event_type", string(event.Type), "object", objectKind)
	if r.metrics != nil {
		r.metrics.IncUnmatched(ReasonMissingObjectID)
	}
}

// balanceTxn resolves the settlement reference from the intent's latest
// charge. Lookup failures are logged and tolerated; the commission row is
// still updated, just without the balance transaction id.
func (r *Reconciler) balanceTxn(ctx context.Context, pi *stripe.PaymentIntent) string {
	if r.charges == nil || pi.LatestCharge == nil || pi.LatestCharge.ID == "" {
		return ""
	}
	ch, err := r.charges.GetCharge(ctx, pi.LatestCharge.ID)
	if err != nil {
		r.logger.Warn("failed to fetch charge for balance transaction",
			"payment_intent", pi.ID, "charge", pi.LatestCharge.ID, "error", err)
		return ""
	}
	if ch.BalanceTransaction == nil {
		return ""
	}
	return ch.BalanceTransaction.ID
}

// report logs and counts the outcome of one table update. A store error is
// returned as-is so the webhook handler can answer 500.
func (r *Reconciler) report(event stripe.Event, table store.Table, status store.Status, result store.Result, err error) error {
	if err != nil {
		if errors.Is(err, store.ErrInvalidStatus) {
			// A bad status is a bug here, not a transient store failure.
			r.logger.Error("invalid status in update", "event_id", event.ID, "table", string(table))
			return nil
		}
		return fmt.Errorf("failed to update %s: %w", table, err)
	}

	switch {
	case !result.Matched:
		r.logger.Info("webhook event matched no record",
			"event_id", event.ID, "event_type", string(event.Type), "table", string(table))
		if r.metrics != nil {
			r.metrics.IncUnmatched(ReasonNoMatch)
		}
	case result.Stale:
		r.logger.Info("skipping stale webhook event",
			"event_id", event.ID, "event_type", string(event.Type), "table", string(table))
		if r.metrics != nil {
			r.metrics.IncStaleSkipped()
		}
	default:
		r.logger.Info("reconciled webhook event",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"table", string(table),
			"status", status.Label(),
			"updated", result.Updated,
		)
		if r.metrics != nil {
			r.metrics.IncReconciled(string(table), status.Label())
		}
	}
	return nil
}

func (r *Reconciler) reportCustomer(event stripe.Event, outcome, setupIntentID string, result store.Result) {
	if !result.Matched {
		r.logger.Info("setup intent event matched no customer",
			"event_id", event.ID, "setup_intent", setupIntentID)
		if r.metrics != nil {
			r.metrics.IncUnmatched(ReasonNoMatch)
		}
		return
	}
	r.logger.Info("updated customer verification",
		"event_id", event.ID, "setup_intent", setupIntentID, "outcome", outcome)
	if r.metrics != nil {
		r.metrics.IncReconciled("customer", outcome)
	}
}
