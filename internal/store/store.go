// Package store persists payment records across the application's payment
// tables and applies webhook-driven status updates to them.
//
// The five payment tables predate this service and disagree on column names:
// the processor reference lives in charge_id (invoices), txt_id (rule and
// commission payments) or stripe_pay_id (request payments and additional
// charges), and the commission table stores text statuses where the others
// store small integer codes. Those inconsistencies are part of the store
// contract and are preserved here behind one update capability with a
// per-table adapter.
package store

import (
	"context"
	"errors"
	"time"
)

// Table identifies one of the payment record tables.
type Table string

// Payment record tables, in reverse-lookup priority order.
const (
	TableInvoice          Table = "invoice"
	TableRulePayment      Table = "rule_payment"
	TableRequestPayment   Table = "request_payment"
	TableAdditionalCharge Table = "additional_charge"
	TableCommission       Table = "commission"
)

// ReferencePriority is the fixed order in which tables are searched when an
// event can only be matched by its stored processor reference.
var ReferencePriority = []Table{
	TableInvoice,
	TableRulePayment,
	TableRequestPayment,
	TableAdditionalCharge,
	TableCommission,
}

// Status is the integer status code shared by four of the five tables.
type Status int

// Status codes: 1 covers both pending and processing.
const (
	StatusProcessing Status = 1
	StatusSucceeded  Status = 2
	StatusFailed     Status = 3
)

// Label returns the text form used by the commission table.
func (s Status) Label() string {
	switch s {
	case StatusProcessing:
		return "processing"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Customer status values.
const (
	CustomerStatusPending  = "pending"
	CustomerStatusVerified = "verified"
	CustomerStatusFailed   = "failed"
)

// ErrInvalidStatus is returned when an update carries an unknown status code.
var ErrInvalidStatus = errors.New("invalid payment status")

// Update is the shared shape of a webhook-driven record update: the processor
// reference to store, the target status, the raw event object snapshot, and
// the event creation time used as a fence against out-of-order deliveries.
type Update struct {
	Reference  string
	Status     Status
	Snapshot   []byte
	EventTime  time.Time
	BalanceTxn string // commission table only
}

// Validate checks the update carries a known status.
func (u Update) Validate() error {
	switch u.Status {
	case StatusProcessing, StatusSucceeded, StatusFailed:
		return nil
	}
	return ErrInvalidStatus
}

// Result reports what an update did. Matched means a row was located; Stale
// means the row was located but carried a newer updated_at than the event, so
// the write was fenced off; Updated is the number of rows written.
type Result struct {
	Matched bool
	Stale   bool
	Updated int
}

// PaymentStore is the narrow mutation surface the webhook reconciler uses.
// The webhook path never creates or deletes records; rows are created by the
// surrounding application when orders, requests and invoices are made.
type PaymentStore interface {
	// MarkCustomerVerified marks the customer holding the given setup-intent
	// reference as verified and stores the collected payment method.
	MarkCustomerVerified(ctx context.Context, setupIntentID, paymentMethodID string) (Result, error)

	// MarkCustomerSetupFailed marks the customer holding the given
	// setup-intent reference as failed, recording the failure reason.
	MarkCustomerSetupFailed(ctx context.Context, setupIntentID, reason string) (Result, error)

	// ApplyToRequestPayment updates the most recently created request payment
	// for the user whose stored reference is empty or equals u.Reference.
	ApplyToRequestPayment(ctx context.Context, userID int64, u Update) (Result, error)

	// ApplyToAdditionalCharge updates the most recently created additional
	// charge keyed by cart (cartID > 0) or by user, with the same
	// empty-or-equal reference selection as request payments.
	ApplyToAdditionalCharge(ctx context.Context, cartID, userID int64, u Update) (Result, error)

	// ApplyToCommissionPeriod updates the commission payment for the
	// (admin, month, year) composite key.
	ApplyToCommissionPeriod(ctx context.Context, adminID int64, month, year int, u Update) (Result, error)

	// ApplyToCommissionByReference updates the commission payment whose
	// stored reference equals u.Reference.
	ApplyToCommissionByReference(ctx context.Context, u Update) (Result, error)

	// ApplyToInvoice updates the invoice with the given id, if it exists.
	ApplyToInvoice(ctx context.Context, id int64, u Update) (Result, error)

	// ApplyToRulePayment updates the rule payment with the given id, if it
	// exists.
	ApplyToRulePayment(ctx context.Context, id int64, u Update) (Result, error)

	// ApplyToRulePayments bulk-updates all rule payments in ids.
	ApplyToRulePayments(ctx context.Context, ids []int64, u Update) (Result, error)

	// ApplyByReference searches every table's stored-reference column for
	// u.Reference in ReferencePriority order and updates the first match.
	ApplyByReference(ctx context.Context, u Update) (Table, Result, error)

	// ApplyToInvoiceByCharge updates the invoice whose stored charge
	// reference equals chargeID, falling back to the invoice linked to
	// subsGroupID when no charge match exists (subsGroupID <= 0 disables the
	// fallback).
	ApplyToInvoiceByCharge(ctx context.Context, chargeID string, subsGroupID int64, u Update) (Result, error)
}
