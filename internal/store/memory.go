package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is the in-memory shape shared by all five payment tables. Fields
// that only some tables use (CartID, AdminID, Month/Year, SubsGroupID,
// BalanceTxn, StatusText) are zero-valued elsewhere.
type Record struct {
	ID          int64
	UserID      int64
	CartID      int64
	SubsGroupID int64
	AdminID     int64
	Month       int
	Year        int
	Reference   string
	BalanceTxn  string
	Status      Status
	StatusText  string
	Snapshot    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CustomerRecord mirrors one row of the customers table.
type CustomerRecord struct {
	ID              int64
	UserID          int64
	StripeCustomer  string
	SetupIntentID   string
	PaymentMethodID string
	Status          string
	FailureReason   string
	UpdatedAt       time.Time
}

// Memory implements PaymentStore in memory for development and testing.
type Memory struct {
	mu        sync.RWMutex
	records   map[Table][]*Record
	customers []*CustomerRecord
}

// NewMemory creates an empty in-memory payment store.
func NewMemory() *Memory {
	return &Memory{records: make(map[Table][]*Record)}
}

// AddRecord seeds a payment record into the given table.
func (m *Memory) AddRecord(table Table, r *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[table] = append(m.records[table], r)
}

// AddCustomer seeds a customer record.
func (m *Memory) AddCustomer(c *CustomerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers = append(m.customers, c)
}

// Record returns a copy of the record with the given id, or nil.
func (m *Memory) Record(table Table, id int64) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records[table] {
		if r.ID == id {
			copied := *r
			return &copied
		}
	}
	return nil
}

// Customer returns a copy of the customer holding the setup-intent reference,
// or nil.
func (m *Memory) Customer(setupIntentID string) *CustomerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.customers {
		if c.SetupIntentID == setupIntentID {
			copied := *c
			return &copied
		}
	}
	return nil
}

func (m *Memory) MarkCustomerVerified(ctx context.Context, setupIntentID, paymentMethodID string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := Result{}
	for _, c := range m.customers {
		if c.SetupIntentID == setupIntentID {
			c.Status = CustomerStatusVerified
			c.PaymentMethodID = paymentMethodID
			c.FailureReason = ""
			c.UpdatedAt = time.Now()
			result.Matched = true
			result.Updated++
		}
	}
	return result, nil
}

func (m *Memory) MarkCustomerSetupFailed(ctx context.Context, setupIntentID, reason string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := Result{}
	for _, c := range m.customers {
		if c.SetupIntentID == setupIntentID {
			c.Status = CustomerStatusFailed
			c.FailureReason = reason
			c.UpdatedAt = time.Now()
			result.Matched = true
			result.Updated++
		}
	}
	return result, nil
}

func (m *Memory) ApplyToRequestPayment(ctx context.Context, userID int64, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.newestLocked(TableRequestPayment, func(r *Record) bool {
		return r.UserID == userID && (r.Reference == "" || r.Reference == u.Reference)
	})
	return m.applyLocked(TableRequestPayment, target, u), nil
}

func (m *Memory) ApplyToAdditionalCharge(ctx context.Context, cartID, userID int64, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(r *Record) bool {
		if r.Reference != "" && r.Reference != u.Reference {
			return false
		}
		if cartID > 0 {
			return r.CartID == cartID
		}
		return r.UserID == userID
	}
	target := m.newestLocked(TableAdditionalCharge, match)
	return m.applyLocked(TableAdditionalCharge, target, u), nil
}

func (m *Memory) ApplyToCommissionPeriod(ctx context.Context, adminID int64, month, year int, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records[TableCommission] {
		if r.AdminID == adminID && r.Month == month && r.Year == year {
			return m.applyLocked(TableCommission, r, u), nil
		}
	}
	return Result{}, nil
}

func (m *Memory) ApplyToCommissionByReference(ctx context.Context, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records[TableCommission] {
		if r.Reference == u.Reference {
			return m.applyLocked(TableCommission, r, u), nil
		}
	}
	return Result{}, nil
}

func (m *Memory) ApplyToInvoice(ctx context.Context, id int64, u Update) (Result, error) {
	return m.applyByID(TableInvoice, id, u)
}

func (m *Memory) ApplyToRulePayment(ctx context.Context, id int64, u Update) (Result, error) {
	return m.applyByID(TableRulePayment, id, u)
}

func (m *Memory) ApplyToRulePayments(ctx context.Context, ids []int64, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result := Result{}
	for _, id := range ids {
		for _, r := range m.records[TableRulePayment] {
			if r.ID == id {
				one := m.applyLocked(TableRulePayment, r, u)
				result.Matched = true
				result.Updated += one.Updated
			}
		}
	}
	result.Stale = result.Matched && result.Updated == 0
	return result, nil
}

func (m *Memory) ApplyByReference(ctx context.Context, u Update) (Table, Result, error) {
	if err := u.Validate(); err != nil {
		return "", Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range ReferencePriority {
		for _, r := range m.records[t] {
			if r.Reference == u.Reference && r.Reference != "" {
				return t, m.applyLocked(t, r, u), nil
			}
		}
	}
	return "", Result{}, nil
}

func (m *Memory) ApplyToInvoiceByCharge(ctx context.Context, chargeID string, subsGroupID int64, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if target := m.newestLocked(TableInvoice, func(r *Record) bool {
		return r.Reference == chargeID && chargeID != ""
	}); target != nil {
		return m.applyLocked(TableInvoice, target, u), nil
	}
	if subsGroupID <= 0 {
		return Result{}, nil
	}
	target := m.newestLocked(TableInvoice, func(r *Record) bool {
		return r.SubsGroupID == subsGroupID
	})
	return m.applyLocked(TableInvoice, target, u), nil
}

func (m *Memory) applyByID(table Table, id int64, u Update) (Result, error) {
	if err := u.Validate(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records[table] {
		if r.ID == id {
			return m.applyLocked(table, r, u), nil
		}
	}
	return Result{}, nil
}

// newestLocked returns the matching record with the latest CreatedAt.
// Caller must hold the lock.
func (m *Memory) newestLocked(table Table, match func(*Record) bool) *Record {
	candidates := make([]*Record, 0, 1)
	for _, r := range m.records[table] {
		if match(r) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	return candidates[0]
}

// applyLocked writes the update to target, honoring the event-time fence.
// Caller must hold the lock. A nil target yields an unmatched result.
func (m *Memory) applyLocked(table Table, target *Record, u Update) Result {
	if target == nil {
		return Result{}
	}
	if !u.EventTime.IsZero() && target.UpdatedAt.After(u.EventTime) {
		return Result{Matched: true, Stale: true}
	}
	target.Reference = u.Reference
	target.Status = u.Status
	if table == TableCommission {
		target.StatusText = u.Status.Label()
	}
	if table == TableCommission && u.BalanceTxn != "" {
		target.BalanceTxn = u.BalanceTxn
	}
	target.Snapshot = u.Snapshot
	target.UpdatedAt = time.Now()
	return Result{Matched: true, Updated: 1}
}
