// Package ledger tracks processed webhook event ids so redelivered events are
// acknowledged without being applied twice.
//
// An event is recorded only AFTER its reconciliation succeeds. A failed
// reconciliation leaves no ledger entry, so the processor's retry of the same
// event id gets a fresh attempt instead of a duplicate short-circuit.
package ledger

import (
	"context"
	"errors"
	"time"
)

// ErrEventAlreadyProcessed is returned when attempting to record a duplicate
// webhook event.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// Event represents a processed webhook event.
type Event struct {
	ID          string
	EventID     string // processor event id (evt_...)
	EventType   string // processor event type (payment_intent.succeeded, ...)
	ProcessedAt time.Time
}

// Repository defines methods for webhook event tracking.
type Repository interface {
	// RecordEvent records a webhook event as processed.
	// Returns ErrEventAlreadyProcessed if the event was already recorded.
	RecordEvent(ctx context.Context, eventID, eventType string) error

	// HasProcessed checks if an event has already been processed.
	HasProcessed(ctx context.Context, eventID string) (bool, error)

	// DeleteOlderThan removes entries older than the given age, returning the
	// number of rows deleted. The retention window only needs to exceed the
	// processor's redelivery horizon.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
