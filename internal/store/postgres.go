package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"

	"github.com/onnwee/payrelay/internal/tracing"
)

// ErrTransactionFailed is returned when a transaction cannot be completed.
var ErrTransactionFailed = errors.New("transaction failed")

// Postgres implements PaymentStore using PostgreSQL with full transaction
// support. Every update runs select-then-update inside one transaction so
// Matched and Stale can be distinguished.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgres creates a new Postgres payment store.
func NewPostgres(db *sql.DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

func (s *Postgres) MarkCustomerVerified(ctx context.Context, setupIntentID, paymentMethodID string) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "customers", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	result, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET status = $1, payment_method_id = $2, failure_reason = '', updated_at = NOW()
		WHERE setup_intent_id = $3
	`, CustomerStatusVerified, paymentMethodID, setupIntentID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to mark customer verified: %w", err)
	}
	return resultFromExec(result)
}

func (s *Postgres) MarkCustomerSetupFailed(ctx context.Context, setupIntentID, reason string) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "customers", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	result, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE setup_intent_id = $3
	`, CustomerStatusFailed, reason, setupIntentID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to mark customer setup failed: %w", err)
	}
	return resultFromExec(result)
}

func (s *Postgres) ApplyToRequestPayment(ctx context.Context, userID int64, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "request_payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return s.applyWithSelector(ctx, adapters[TableRequestPayment], u, `
		SELECT id FROM request_payments
		WHERE user_id = $1 AND (stripe_pay_id IS NULL OR stripe_pay_id = '' OR stripe_pay_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, u.Reference)
}

func (s *Postgres) ApplyToAdditionalCharge(ctx context.Context, cartID, userID int64, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "additional_charges", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	a := adapters[TableAdditionalCharge]
	if cartID > 0 {
		return s.applyWithSelector(ctx, a, u, `
			SELECT id FROM additional_charges
			WHERE cart_id = $1 AND (stripe_pay_id IS NULL OR stripe_pay_id = '' OR stripe_pay_id = $2)
			ORDER BY created_at DESC
			LIMIT 1
		`, cartID, u.Reference)
	}
	return s.applyWithSelector(ctx, a, u, `
		SELECT id FROM additional_charges
		WHERE user_id = $1 AND (stripe_pay_id IS NULL OR stripe_pay_id = '' OR stripe_pay_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, u.Reference)
}

func (s *Postgres) ApplyToCommissionPeriod(ctx context.Context, adminID int64, month, year int, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "cronside_payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return s.applyWithSelector(ctx, adapters[TableCommission], u, `
		SELECT id FROM cronside_payments
		WHERE admin_id = $1 AND month = $2 AND year = $3
		LIMIT 1
	`, adminID, month, year)
}

func (s *Postgres) ApplyToCommissionByReference(ctx context.Context, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "cronside_payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return s.applyWithSelector(ctx, adapters[TableCommission], u, `
		SELECT id FROM cronside_payments WHERE txt_id = $1 LIMIT 1
	`, u.Reference)
}

func (s *Postgres) ApplyToInvoice(ctx context.Context, id int64, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "invoices", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return s.applyWithSelector(ctx, adapters[TableInvoice], u, `
		SELECT id FROM invoices WHERE id = $1
	`, id)
}

func (s *Postgres) ApplyToRulePayment(ctx context.Context, id int64, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "rule_payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	return s.applyWithSelector(ctx, adapters[TableRulePayment], u, `
		SELECT id FROM rule_payments WHERE id = $1
	`, id)
}

func (s *Postgres) ApplyToRulePayments(ctx context.Context, ids []int64, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "rule_payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	if len(ids) == 0 {
		return Result{}, nil
	}
	if err := u.Validate(); err != nil {
		return Result{}, err
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return Result{}, err
	}
	defer s.rollback(tx)

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM rule_payments WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return Result{}, fmt.Errorf("failed to select rule payments: %w", err)
	}
	var found []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Result{}, fmt.Errorf("failed to scan rule payment id: %w", err)
		}
		found = append(found, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Result{}, fmt.Errorf("failed to iterate rule payments: %w", err)
	}
	rows.Close()

	if len(found) == 0 {
		return Result{}, nil
	}

	result := Result{Matched: true}
	for _, id := range found {
		n, err := s.execUpdate(ctx, tx, adapters[TableRulePayment], id, u)
		if err != nil {
			return Result{}, err
		}
		result.Updated += int(n)
	}
	result.Stale = result.Updated == 0

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	return result, nil
}

func (s *Postgres) ApplyByReference(ctx context.Context, u Update) (table Table, res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	for _, t := range ReferencePriority {
		a := adapters[t]
		// Reference columns default to '', so an empty reference must never
		// select a row.
		query := fmt.Sprintf(
			"SELECT id FROM %s WHERE %s = $1 AND %s <> '' ORDER BY id DESC LIMIT 1",
			a.sqlTable, a.refColumn, a.refColumn)
		result, err := s.applyWithSelector(ctx, a, u, query, u.Reference)
		if err != nil {
			return "", Result{}, err
		}
		if result.Matched {
			return t, result, nil
		}
	}
	return "", Result{}, nil
}

func (s *Postgres) ApplyToInvoiceByCharge(ctx context.Context, chargeID string, subsGroupID int64, u Update) (res Result, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "invoices", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	a := adapters[TableInvoice]
	result, err := s.applyWithSelector(ctx, a, u, `
		SELECT id FROM invoices WHERE charge_id = $1 AND charge_id <> '' ORDER BY created_at DESC LIMIT 1
	`, chargeID)
	if err != nil || result.Matched {
		return result, err
	}
	if subsGroupID <= 0 {
		return Result{}, nil
	}
	return s.applyWithSelector(ctx, a, u, `
		SELECT id FROM invoices WHERE subs_group_id = $1 ORDER BY created_at DESC LIMIT 1
	`, subsGroupID)
}

// applyWithSelector locates the target row with selectQuery, then applies the
// fenced update to it, all inside one transaction.
func (s *Postgres) applyWithSelector(ctx context.Context, a tableAdapter, u Update, selectQuery string, selectArgs ...any) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}

	tx, err := s.beginTx(ctx)
	if err != nil {
		return Result{}, err
	}
	defer s.rollback(tx)

	var id int64
	err = tx.QueryRowContext(ctx, selectQuery, selectArgs...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
		}
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to select %s row: %w", a.sqlTable, err)
	}

	n, err := s.execUpdate(ctx, tx, a, id, u)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	return Result{Matched: true, Stale: n == 0, Updated: int(n)}, nil
}

// execUpdate writes the update to one row, fenced on updated_at when the
// update carries an event time. Returns the number of rows written (0 means
// the row was newer than the event).
func (s *Postgres) execUpdate(ctx context.Context, tx *sql.Tx, a tableAdapter, id int64, u Update) (int64, error) {
	set := []string{
		a.refColumn + " = $1",
		"status = $2",
		"snapshot = $3",
		"updated_at = NOW()",
	}
	args := []any{u.Reference, a.statusValue(u.Status), u.Snapshot}

	if a.hasBalance && u.BalanceTxn != "" {
		args = append(args, u.BalanceTxn)
		set = append(set, fmt.Sprintf("balance_txn_id = $%d", len(args)))
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d",
		a.sqlTable, strings.Join(set, ", "), len(args))

	if !u.EventTime.IsZero() {
		args = append(args, u.EventTime)
		query += fmt.Sprintf(" AND updated_at <= $%d", len(args))
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to update %s: %w", a.sqlTable, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Debug("stale update fenced off",
			slog.String("table", a.sqlTable),
			slog.Int64("id", id),
			slog.Time("event_time", u.EventTime))
	}
	return n, nil
}

func (s *Postgres) beginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// rollback is a no-op after a successful commit.
func (s *Postgres) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Warn("failed to rollback transaction", slog.String("error", err.Error()))
	}
}

func resultFromExec(result sql.Result) (Result, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return Result{Matched: n > 0, Updated: int(n)}, nil
}
