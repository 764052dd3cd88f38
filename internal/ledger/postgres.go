package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/payrelay/internal/tracing"
)

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL.
// Duplicate detection rides on the unique index over event_id, so concurrent
// deliveries of the same event race safely: exactly one insert wins.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new Postgres ledger repository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{db: db, logger: logger}
}

// RecordEvent records a webhook event as processed.
func (r *PostgresRepository) RecordEvent(ctx context.Context, eventID, eventType string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, event_id, event_type, processed_at)
		VALUES ($1, $2, $3, NOW())
	`, uuid.New().String(), eventID, eventType)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return ErrEventAlreadyProcessed
		}
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *PostgresRepository) HasProcessed(ctx context.Context, eventID string) (processed bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var exists bool
	err = r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// DeleteOlderThan removes entries older than the given age.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (deleted int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "webhook_events", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	result, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_events WHERE processed_at < $1
	`, time.Now().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old webhook events: %w", err)
	}
	deleted, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return deleted, nil
}
