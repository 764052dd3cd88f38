package store

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgres spins up a disposable Postgres container with the payment
// schema applied. Tests are skipped when Docker is unavailable.
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if os.Getenv("SKIP_INTEGRATION") != "" {
		t.Skip("SKIP_INTEGRATION set")
	}

	// Run panics rather than erroring when no Docker endpoint resolves, so
	// probe the provider first.
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	_ = provider.Close()

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("payrelay_test"),
		tcpostgres.WithUsername("payrelay"),
		tcpostgres.WithPassword("payrelay"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("could not start postgres container (docker unavailable?): %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))

	schema := []string{
		`CREATE TABLE invoices (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL DEFAULT 0,
			subs_group_id BIGINT NOT NULL DEFAULT 0,
			charge_id TEXT NOT NULL DEFAULT '',
			status INT NOT NULL DEFAULT 1,
			snapshot JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE rule_payments (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL DEFAULT 0,
			txt_id TEXT NOT NULL DEFAULT '',
			status INT NOT NULL DEFAULT 1,
			snapshot JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE request_payments (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL DEFAULT 0,
			stripe_pay_id TEXT NOT NULL DEFAULT '',
			status INT NOT NULL DEFAULT 1,
			snapshot JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE additional_charges (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL DEFAULT 0,
			cart_id BIGINT NOT NULL DEFAULT 0,
			stripe_pay_id TEXT NOT NULL DEFAULT '',
			status INT NOT NULL DEFAULT 1,
			snapshot JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE cronside_payments (
			id BIGSERIAL PRIMARY KEY,
			admin_id BIGINT NOT NULL DEFAULT 0,
			month INT NOT NULL DEFAULT 0,
			year INT NOT NULL DEFAULT 0,
			txt_id TEXT NOT NULL DEFAULT '',
			balance_txn_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'processing',
			snapshot JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE customers (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL DEFAULT 0,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			setup_intent_id TEXT NOT NULL DEFAULT '',
			payment_method_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			failure_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range schema {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	return db
}

func TestPostgres_RequestPaymentSelection(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgres(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO request_payments (user_id, created_at, updated_at) VALUES
		(42, NOW() - INTERVAL '2 hours', NOW() - INTERVAL '2 hours'),
		(42, NOW() - INTERVAL '1 hour',  NOW() - INTERVAL '1 hour')
	`)
	require.NoError(t, err)

	result, err := s.ApplyToRequestPayment(ctx, 42, Update{
		Reference: "pi_123",
		Status:    StatusSucceeded,
		Snapshot:  []byte(`{"id":"pi_123"}`),
		EventTime: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.Equal(t, 1, result.Updated)

	var ref string
	var status int
	err = db.QueryRowContext(ctx, `
		SELECT stripe_pay_id, status FROM request_payments ORDER BY created_at DESC LIMIT 1
	`).Scan(&ref, &status)
	require.NoError(t, err)
	require.Equal(t, "pi_123", ref)
	require.Equal(t, int(StatusSucceeded), status)

	// The older row must be untouched.
	err = db.QueryRowContext(ctx, `
		SELECT stripe_pay_id, status FROM request_payments ORDER BY created_at ASC LIMIT 1
	`).Scan(&ref, &status)
	require.NoError(t, err)
	require.Empty(t, ref)
	require.Equal(t, int(StatusProcessing), status)
}

func TestPostgres_StaleEventFenced(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgres(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO invoices (id, charge_id, status, updated_at)
		VALUES (1, 'pi_123', 2, NOW())
	`)
	require.NoError(t, err)

	result, err := s.ApplyToInvoice(ctx, 1, Update{
		Reference: "pi_123",
		Status:    StatusProcessing,
		EventTime: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.True(t, result.Stale)
	require.Zero(t, result.Updated)

	var status int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM invoices WHERE id = 1`).Scan(&status))
	require.Equal(t, int(StatusSucceeded), status)
}

func TestPostgres_RulePaymentsBulk(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgres(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO rule_payments (id, user_id, updated_at) VALUES
		(7, 42, NOW() - INTERVAL '1 hour'),
		(8, 42, NOW() - INTERVAL '1 hour'),
		(9, 42, NOW() - INTERVAL '1 hour')
	`)
	require.NoError(t, err)

	result, err := s.ApplyToRulePayments(ctx, []int64{7, 8, 9}, Update{
		Reference: "pi_bulk",
		Status:    StatusFailed,
		EventTime: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, 3, result.Updated)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rule_payments WHERE status = 3 AND txt_id = 'pi_bulk'
	`).Scan(&n))
	require.Equal(t, 3, n)
}

func TestPostgres_ReferencePriorityAndCommission(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgres(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO request_payments (user_id, stripe_pay_id, updated_at)
		VALUES (1, 'pi_shared', NOW() - INTERVAL '1 hour')
	`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO invoices (charge_id, updated_at)
		VALUES ('pi_shared', NOW() - INTERVAL '1 hour')
	`)
	require.NoError(t, err)

	table, result, err := s.ApplyByReference(ctx, Update{
		Reference: "pi_shared",
		Status:    StatusSucceeded,
		EventTime: time.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, TableInvoice, table)
	require.Equal(t, 1, result.Updated)

	_, err = db.ExecContext(ctx, `
		INSERT INTO cronside_payments (admin_id, month, year, updated_at)
		VALUES (3, 6, 2025, NOW() - INTERVAL '1 hour')
	`)
	require.NoError(t, err)

	result, err = s.ApplyToCommissionPeriod(ctx, 3, 6, 2025, Update{
		Reference:  "py_abc",
		Status:     StatusSucceeded,
		BalanceTxn: "txn_789",
		EventTime:  time.Now(),
	})
	require.NoError(t, err)
	require.True(t, result.Matched)

	var statusText, balance string
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT status, balance_txn_id FROM cronside_payments WHERE admin_id = 3
	`).Scan(&statusText, &balance))
	require.Equal(t, "succeeded", statusText)
	require.Equal(t, "txn_789", balance)
}

func TestPostgres_EmptyReferenceNeverMatches(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgres(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	// Rows created by the surrounding application carry the '' column
	// default until a webhook fills the reference in.
	_, err := db.ExecContext(ctx, `
		INSERT INTO invoices (updated_at) VALUES (NOW() - INTERVAL '1 hour')
	`)
	require.NoError(t, err)

	table, result, err := s.ApplyByReference(ctx, Update{
		Reference: "",
		Status:    StatusSucceeded,
		EventTime: time.Now(),
	})
	require.NoError(t, err)
	require.False(t, result.Matched)
	require.Empty(t, table)

	result, err = s.ApplyToInvoiceByCharge(ctx, "", 0, Update{
		Status:    StatusSucceeded,
		EventTime: time.Now(),
	})
	require.NoError(t, err)
	require.False(t, result.Matched)

	var status int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status FROM invoices`).Scan(&status))
	require.Equal(t, int(StatusProcessing), status)
}

func TestPostgres_CustomerLifecycle(t *testing.T) {
	db := startPostgres(t)
	s := NewPostgres(db, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `
		INSERT INTO customers (user_id, setup_intent_id) VALUES (42, 'seti_123')
	`)
	require.NoError(t, err)

	result, err := s.MarkCustomerVerified(ctx, "seti_123", "pm_456")
	require.NoError(t, err)
	require.True(t, result.Matched)

	var status, pm string
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT status, payment_method_id FROM customers WHERE setup_intent_id = 'seti_123'
	`).Scan(&status, &pm))
	require.Equal(t, CustomerStatusVerified, status)
	require.Equal(t, "pm_456", pm)

	result, err = s.MarkCustomerSetupFailed(ctx, "seti_123", "requires_action")
	require.NoError(t, err)
	require.True(t, result.Matched)
}
