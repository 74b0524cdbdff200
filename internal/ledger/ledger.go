// Package ledger is the wallet of record for each organization.
//
// Flow:
//  1. A payment webhook credits the wallet (credit_purchases)
//  2. Each proxied request reserves its worst-case cost (escrows)
//  3. On completion the escrow becomes a debit (aggregated_debits) or is cancelled
//  4. Reconciliation compares local debits with the analytics total
//
// All operations for one organization run on a single shard worker, one at
// a time, each inside one store transaction.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletgate/internal/idgen"
	"github.com/mbd888/walletgate/internal/money"
	"github.com/mbd888/walletgate/internal/syncutil"
	"github.com/mbd888/walletgate/internal/traces"
)

// MinimumReserve is the balance that must remain after any new escrow.
const MinimumReserve = money.UnitsPerCent

// DriftAlertID identifies the reconciliation drift alert in alert_state.
const DriftAlertID = "total_spend_delta_alert"

// CreditPurchase is an append-only credit row. Refunds and admin debits are
// stored as negative rows.
type CreditPurchase struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	CreatedAt   time.Time `json:"createdAt"`
	Credits     int64     `json:"credits"`
	ReferenceID string    `json:"referenceId"`
}

// Escrow is a provisional hold for one in-flight request.
type Escrow struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
	RequestID string    `json:"requestId"`
}

// AggregatedDebits is the organization's spend accumulator plus the last
// analytics value it was reconciled against.
type AggregatedDebits struct {
	OrgID         string    `json:"orgId"`
	Debits        int64     `json:"debits"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
	LastValue     int64     `json:"lastValue"`
}

// Dispute mirrors a payment-provider chargeback.
type Dispute struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	ChargeID  string    `json:"chargeId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	EventID   string    `json:"eventId"`
}

// DisallowEntry marks a provider/model pair whose cost could not be computed.
type DisallowEntry struct {
	OrgID     string    `json:"orgId"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	RequestID string    `json:"requestId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreditLine grants headroom below zero for organizations on invoiced terms.
type CreditLine struct {
	Enabled    bool
	LimitCents int64
}

func (c CreditLine) headroom() int64 {
	if !c.Enabled || c.LimitCents <= 0 {
		return 0
	}
	units, err := money.FromCents(c.LimitCents)
	if err != nil {
		return 0
	}
	return units
}

// ReserveOptions tunes a single reservation.
type ReserveOptions struct {
	// Bypass skips the balance check for trusted internal traffic. Disputes
	// still block.
	Bypass bool
}

// Reservation is the result of a successful Reserve.
type Reservation struct {
	EscrowID string `json:"escrowId"`
	Amount   int64  `json:"amount"`
}

// Finalization is the result of Finalize.
type Finalization struct {
	// Found is false when the escrow was already finalized or cancelled; no
	// debit is applied in that case.
	Found            bool      `json:"found"`
	Debited          int64     `json:"debited"`
	LastReconciledAt time.Time `json:"lastReconciledAt"`
}

// WalletState is a consistent snapshot of one wallet. Amounts are cents.
type WalletState struct {
	Balance          decimal.Decimal  `json:"balance"`
	EffectiveBalance decimal.Decimal  `json:"effectiveBalance"`
	TotalEscrow      decimal.Decimal  `json:"totalEscrow"`
	TotalDebits      decimal.Decimal  `json:"totalDebits"`
	TotalCredits     decimal.Decimal  `json:"totalCredits"`
	DisallowList     []*DisallowEntry `json:"disallowList"`
	DisputeStatus    string           `json:"disputeStatus"`
	ActiveDisputes   []*Dispute       `json:"activeDisputes"`
}

// DebitSnapshot is what reconciliation needs from the wallet.
type DebitSnapshot struct {
	Debits        int64
	LastCheckedAt time.Time
	LastValue     int64
	AlertOn       bool
}

// TablePage is one page of a raw table dump.
type TablePage struct {
	TableName string           `json:"tableName"`
	OrgID     string           `json:"orgId"`
	Page      int              `json:"page"`
	PageSize  int              `json:"pageSize"`
	Data      []map[string]any `json:"data"`
	Total     int              `json:"total"`
}

// Ledger serializes wallet operations per organization over a Store.
type Ledger struct {
	store      Store
	exec       *syncutil.Executor
	logger     *slog.Logger
	now        func() time.Time
	allowReset bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithShards sets the number of shard workers (default 256) and the depth of
// each shard's mailbox.
func WithShards(shards, mailbox int) Option {
	return func(l *Ledger) {
		l.exec = syncutil.NewExecutor(shards, mailbox)
	}
}

// WithLogger sets the logger used for audit lines.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithCreditReset enables SetCredits. Only development deployments set it.
func WithCreditReset(enabled bool) Option {
	return func(l *Ledger) { l.allowReset = enabled }
}

// New creates a ledger over store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.exec == nil {
		l.exec = syncutil.NewExecutor(syncutil.DefaultShards, 64)
	}
	return l
}

// Close stops the shard workers after draining accepted work.
func (l *Ledger) Close() {
	l.exec.Close()
}

// Ping checks the underlying store.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// run executes fn for orgID on the org's shard inside one store transaction.
func (l *Ledger) run(ctx context.Context, op, orgID string, fn func(tx Tx) error) error {
	done := observeOp(op)
	defer done()

	ctx, span := traces.StartSpan(ctx, "ledger."+op, traces.OrgID(orgID))
	defer span.End()

	err := l.exec.Do(ctx, orgID, func(ctx context.Context) error {
		return l.store.WithTx(ctx, orgID, fn)
	})
	traces.RecordError(span, err)
	return err
}

// effective reads the balance components inside the current transaction.
func effective(tx Tx) (credits, debits, escrow int64, err error) {
	credits, err = tx.SumCredits()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum credits: %w", err)
	}
	escrow, err = tx.SumEscrow()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("sum escrow: %w", err)
	}
	row, err := tx.Debits()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read debits: %w", err)
	}
	if row != nil {
		debits = row.Debits
	}
	return credits, debits, escrow, nil
}

// Reserve places amountCents of the organization's balance in escrow for
// requestID. The dispute check, the balance check and the escrow insert
// happen in one transaction.
func (l *Ledger) Reserve(ctx context.Context, orgID, requestID string, amountCents decimal.Decimal, line CreditLine, opts ReserveOptions) (*Reservation, error) {
	amount, err := money.FromCentsDecimal(amountCents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	var res *Reservation
	err = l.run(ctx, "reserve", orgID, func(tx Tx) error {
		disputes, err := tx.ListDisputes()
		if err != nil {
			return fmt.Errorf("list disputes: %w", err)
		}
		if status, _ := disputeGuard(disputes); status == DisputeStatusSuspended {
			return ErrDisputeSuspended
		}

		if !opts.Bypass {
			credits, debits, escrow, err := effective(tx)
			if err != nil {
				return err
			}
			available := credits - debits - escrow + line.headroom()
			if available-amount < MinimumReserve {
				return &InsufficientFundsError{
					AvailableUnits: available,
					NeededUnits:    amount + MinimumReserve,
				}
			}
		}

		e := &Escrow{
			ID:        idgen.New(),
			OrgID:     orgID,
			Amount:    amount,
			CreatedAt: l.now(),
			RequestID: requestID,
		}
		if err := tx.InsertEscrow(e); err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}
		res = &Reservation{EscrowID: e.ID, Amount: amount}
		return nil
	})
	if err != nil {
		observeRejection(err)
		return nil, err
	}
	observeEscrow("reserved")
	return res, nil
}

// Finalize converts an escrow into a debit of actualCostCents. If the escrow
// no longer exists the call is a no-op and Found is false.
func (l *Ledger) Finalize(ctx context.Context, orgID, escrowID string, actualCostCents decimal.Decimal) (*Finalization, error) {
	cost, err := money.FromCentsDecimal(actualCostCents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	var fin *Finalization
	err = l.run(ctx, "finalize", orgID, func(tx Tx) error {
		e, err := tx.DeleteEscrow(escrowID)
		if err != nil {
			return fmt.Errorf("delete escrow: %w", err)
		}
		if e == nil {
			fin = &Finalization{Found: false}
			return nil
		}
		row, err := tx.AddDebits(cost, l.now())
		if err != nil {
			return fmt.Errorf("add debits: %w", err)
		}
		fin = &Finalization{Found: true, Debited: cost, LastReconciledAt: row.LastCheckedAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !fin.Found {
		observeEscrow("missing")
		l.logger.Debug("finalize on missing escrow", "org_id", orgID, "escrow_id", escrowID)
		return fin, nil
	}
	observeEscrow("finalized")
	return fin, nil
}

// Cancel deletes an escrow without debiting. It reports whether the escrow
// existed.
func (l *Ledger) Cancel(ctx context.Context, orgID, escrowID string) (bool, error) {
	var found bool
	err := l.run(ctx, "cancel", orgID, func(tx Tx) error {
		e, err := tx.DeleteEscrow(escrowID)
		if err != nil {
			return fmt.Errorf("delete escrow: %w", err)
		}
		found = e != nil
		return nil
	})
	if err == nil && found {
		observeEscrow("cancelled")
	}
	return found, err
}

// AddCredits appends a credit of cents and records eventID as processed in
// the same transaction. referenceID defaults to eventID.
func (l *Ledger) AddCredits(ctx context.Context, orgID string, cents int64, eventID, referenceID string) error {
	units, err := positiveUnits(cents)
	if err != nil {
		return err
	}
	if referenceID == "" {
		referenceID = eventID
	}
	return l.run(ctx, "add_credits", orgID, func(tx Tx) error {
		now := l.now()
		if err := tx.MarkEventProcessed(eventID, now); err != nil {
			return err
		}
		return tx.InsertCreditPurchase(&CreditPurchase{
			ID:          idgen.New(),
			OrgID:       orgID,
			CreatedAt:   now,
			Credits:     units,
			ReferenceID: referenceID,
		})
	})
}

// DeductCredits appends a negative credit row (refund or admin debit). It is
// rejected with ErrRefundExceedsBalance, leaving state unchanged, when cents
// exceeds the current effective balance.
func (l *Ledger) DeductCredits(ctx context.Context, orgID string, cents int64, eventID, referenceID string) error {
	units, err := positiveUnits(cents)
	if err != nil {
		return err
	}
	if referenceID == "" {
		referenceID = eventID
	}
	return l.run(ctx, "deduct_credits", orgID, func(tx Tx) error {
		credits, debits, escrow, err := effective(tx)
		if err != nil {
			return err
		}
		if units > credits-debits-escrow {
			return fmt.Errorf("%w: requested %d cents, available %s cents", ErrRefundExceedsBalance,
				cents, money.ToCents(credits-debits-escrow).String())
		}
		now := l.now()
		if err := tx.MarkEventProcessed(eventID, now); err != nil {
			return err
		}
		return tx.InsertCreditPurchase(&CreditPurchase{
			ID:          idgen.New(),
			OrgID:       orgID,
			CreatedAt:   now,
			Credits:     -units,
			ReferenceID: referenceID,
		})
	})
}

// SetCredits replaces all credit rows with a single row of cents. It is a
// development convenience and refuses to run otherwise.
func (l *Ledger) SetCredits(ctx context.Context, orgID string, cents int64, eventID string) error {
	if !l.allowReset {
		return ErrResetNotAllowed
	}
	units, err := money.FromCents(cents)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return l.run(ctx, "set_credits", orgID, func(tx Tx) error {
		now := l.now()
		if err := tx.ClearCreditPurchases(); err != nil {
			return err
		}
		if err := tx.MarkEventProcessed(eventID, now); err != nil {
			return err
		}
		return tx.InsertCreditPurchase(&CreditPurchase{
			ID:          idgen.New(),
			OrgID:       orgID,
			CreatedAt:   now,
			Credits:     units,
			ReferenceID: eventID,
		})
	})
}

// IsEventProcessed reports whether eventID was already applied to the wallet.
func (l *Ledger) IsEventProcessed(ctx context.Context, orgID, eventID string) (bool, error) {
	var processed bool
	err := l.run(ctx, "is_event_processed", orgID, func(tx Tx) error {
		var err error
		processed, err = tx.EventProcessed(eventID)
		return err
	})
	return processed, err
}

// AddDispute records a new dispute created by eventID.
func (l *Ledger) AddDispute(ctx context.Context, orgID string, d Dispute, eventID string) error {
	if d.ID == "" {
		return fmt.Errorf("%w: dispute id is required", ErrInvalidInput)
	}
	return l.run(ctx, "add_dispute", orgID, func(tx Tx) error {
		now := l.now()
		if err := tx.MarkEventProcessed(eventID, now); err != nil {
			return err
		}
		d.OrgID = orgID
		d.EventID = eventID
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		if err := tx.InsertDispute(&d); err != nil {
			return err
		}
		l.logger.Warn("dispute recorded", "org_id", orgID, "dispute_id", d.ID, "status", d.Status)
		return nil
	})
}

// UpdateDispute moves an existing dispute to a new provider status.
// An empty reason keeps the stored one.
func (l *Ledger) UpdateDispute(ctx context.Context, orgID, disputeID, status, reason, eventID string) error {
	return l.run(ctx, "update_dispute", orgID, func(tx Tx) error {
		now := l.now()
		if err := tx.MarkEventProcessed(eventID, now); err != nil {
			return err
		}
		d, err := tx.GetDispute(disputeID)
		if err != nil {
			return err
		}
		d.Status = status
		if reason != "" {
			d.Reason = reason
		}
		d.UpdatedAt = now
		if err := tx.UpdateDispute(d); err != nil {
			return err
		}
		l.logger.Info("dispute updated", "org_id", orgID, "dispute_id", disputeID, "status", status)
		return nil
	})
}

// AddToDisallowList flags a provider/model pair for the organization.
func (l *Ledger) AddToDisallowList(ctx context.Context, orgID, requestID, provider, model string) error {
	return l.run(ctx, "add_disallow", orgID, func(tx Tx) error {
		return tx.UpsertDisallow(&DisallowEntry{
			OrgID:     orgID,
			Provider:  provider,
			Model:     model,
			RequestID: requestID,
			CreatedAt: l.now(),
		})
	})
}

// RemoveFromDisallowList clears a provider/model flag. It reports whether the
// entry existed.
func (l *Ledger) RemoveFromDisallowList(ctx context.Context, orgID, provider, model string) (bool, error) {
	var removed bool
	err := l.run(ctx, "remove_disallow", orgID, func(tx Tx) error {
		var err error
		removed, err = tx.DeleteDisallow(provider, model)
		return err
	})
	return removed, err
}

// GetWalletState returns a consistent snapshot of the wallet.
func (l *Ledger) GetWalletState(ctx context.Context, orgID string) (*WalletState, error) {
	var st *WalletState
	err := l.run(ctx, "get_state", orgID, func(tx Tx) error {
		credits, debits, escrow, err := effective(tx)
		if err != nil {
			return err
		}
		disallow, err := tx.ListDisallow()
		if err != nil {
			return fmt.Errorf("list disallow: %w", err)
		}
		disputes, err := tx.ListDisputes()
		if err != nil {
			return fmt.Errorf("list disputes: %w", err)
		}
		status, open := disputeGuard(disputes)

		balance := credits - debits
		st = &WalletState{
			Balance:          money.ToCents(balance),
			EffectiveBalance: money.ToCents(balance - escrow),
			TotalEscrow:      money.ToCents(escrow),
			TotalDebits:      money.ToCents(debits),
			TotalCredits:     money.ToCents(credits),
			DisallowList:     disallow,
			DisputeStatus:    status,
			ActiveDisputes:   open,
		}
		return nil
	})
	return st, err
}

// TotalCreditsPurchased returns the net sum of credit rows in cents.
func (l *Ledger) TotalCreditsPurchased(ctx context.Context, orgID string) (decimal.Decimal, error) {
	var credits int64
	err := l.run(ctx, "total_credits", orgID, func(tx Tx) error {
		var err error
		credits, err = tx.SumCredits()
		return err
	})
	return money.ToCents(credits), err
}

// GetTotalDebits returns the local spend total and reconciliation state.
func (l *Ledger) GetTotalDebits(ctx context.Context, orgID string) (*DebitSnapshot, error) {
	snap := &DebitSnapshot{}
	err := l.run(ctx, "get_debits", orgID, func(tx Tx) error {
		row, err := tx.Debits()
		if err != nil {
			return err
		}
		if row != nil {
			snap.Debits = row.Debits
			snap.LastCheckedAt = row.LastCheckedAt
			snap.LastValue = row.LastValue
		}
		snap.AlertOn, err = tx.AlertOn(DriftAlertID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// RecordReconciliation stores the analytics total and marks the wallet as
// checked at the current time.
func (l *Ledger) RecordReconciliation(ctx context.Context, orgID string, analyticsUnits int64) error {
	return l.run(ctx, "record_reconciliation", orgID, func(tx Tx) error {
		return tx.RecordAnalytics(analyticsUnits, l.now())
	})
}

// SetAlertState persists the drift alert flag for the organization.
func (l *Ledger) SetAlertState(ctx context.Context, orgID, alertID string, on bool) error {
	return l.run(ctx, "set_alert", orgID, func(tx Tx) error {
		return tx.SetAlert(alertID, on, l.now())
	})
}

// ExpiredEscrows lists escrows older than ttl across all organizations.
func (l *Ledger) ExpiredEscrows(ctx context.Context, ttl time.Duration, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.ExpiredEscrows(ctx, l.now().Add(-ttl), limit)
}

// Page size bounds for TableData.
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// ClampPage normalizes page (>= 0) and pageSize (1..MaxPageSize).
func ClampPage(page, pageSize int) (int, int) {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// TableData returns one page of an allow-listed wallet table.
func (l *Ledger) TableData(ctx context.Context, orgID, table string, page, pageSize int) (*TablePage, error) {
	if !validTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTable, table)
	}
	page, pageSize = ClampPage(page, pageSize)

	out := &TablePage{TableName: table, OrgID: orgID, Page: page, PageSize: pageSize}
	err := l.run(ctx, "table_data", orgID, func(tx Tx) error {
		rows, total, err := tx.Table(table, page*pageSize, pageSize)
		if err != nil {
			return err
		}
		out.Data = rows
		out.Total = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Data == nil {
		out.Data = []map[string]any{}
	}
	return out, nil
}

func positiveUnits(cents int64) (int64, error) {
	if cents <= 0 {
		return 0, ErrInvalidAmount
	}
	units, err := money.FromCents(cents)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return units, nil
}
