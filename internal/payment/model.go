// Package payment provides Stripe integration for payment processing and
// webhook reconciliation against the application's payment tables.
package payment

import "github.com/onnwee/payrelay/internal/store"

// Webhook event types the reconciler acts on. Anything else is logged and
// acknowledged without touching the store.
const (
	EventSetupIntentSucceeded        = "setup_intent.succeeded"
	EventSetupIntentFailed           = "setup_intent.setup_failed"
	EventPaymentIntentSucceeded      = "payment_intent.succeeded"
	EventPaymentIntentProcessing     = "payment_intent.processing"
	EventPaymentIntentRequiresAction = "payment_intent.requires_action"
	EventPaymentIntentFailed         = "payment_intent.payment_failed"
	EventChargePending               = "charge.pending"
	EventChargeSucceeded             = "charge.succeeded"
	EventChargeFailed                = "charge.failed"
)

// statusForEvent maps a lifecycle event type onto the stored status code.
// requires_action is treated as still-processing: the payer has work to do
// but the payment has not resolved either way.
func statusForEvent(eventType string) (store.Status, bool) {
	switch eventType {
	case EventPaymentIntentSucceeded, EventChargeSucceeded:
		return store.StatusSucceeded, true
	case EventPaymentIntentProcessing, EventPaymentIntentRequiresAction, EventChargePending:
		return store.StatusProcessing, true
	case EventPaymentIntentFailed, EventChargeFailed:
		return store.StatusFailed, true
	}
	return 0, false
}
