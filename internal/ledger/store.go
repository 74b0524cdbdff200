package ledger

import (
	"context"
	"time"
)

// Store persists wallet rows. Every ledger operation runs inside exactly one
// WithTx call for the organization it touches; the ledger guarantees that
// calls for the same organization never overlap.
type Store interface {
	WithTx(ctx context.Context, orgID string, fn func(tx Tx) error) error
	// ExpiredEscrows lists escrows created before cutoff across all
	// organizations, oldest first. It is read-only.
	ExpiredEscrows(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error)
	Ping(ctx context.Context) error
}

// Tx is the set of primitive reads and writes available to a ledger
// transaction, all scoped to the organization passed to WithTx. Amounts are
// scaled units.
type Tx interface {
	SumCredits() (int64, error)
	SumEscrow() (int64, error)
	InsertCreditPurchase(p *CreditPurchase) error
	ClearCreditPurchases() error

	// Debits returns nil when the organization has never been debited.
	Debits() (*AggregatedDebits, error)
	// AddDebits increments the accumulator, creating the row on first use,
	// and returns the row as stored afterwards.
	AddDebits(amount int64, at time.Time) (*AggregatedDebits, error)
	RecordAnalytics(value int64, at time.Time) error

	InsertEscrow(e *Escrow) error
	// DeleteEscrow removes and returns the escrow, or nil if it does not exist.
	DeleteEscrow(id string) (*Escrow, error)

	EventProcessed(id string) (bool, error)
	// MarkEventProcessed returns ErrDuplicateEvent if id was already recorded.
	MarkEventProcessed(id string, at time.Time) error

	// InsertDispute returns ErrDuplicateDispute for a known dispute or event id.
	InsertDispute(d *Dispute) error
	// GetDispute returns ErrDisputeNotFound when absent.
	GetDispute(id string) (*Dispute, error)
	UpdateDispute(d *Dispute) error
	ListDisputes() ([]*Dispute, error)

	UpsertDisallow(e *DisallowEntry) error
	DeleteDisallow(provider, model string) (bool, error)
	ListDisallow() ([]*DisallowEntry, error)

	AlertOn(id string) (bool, error)
	SetAlert(id string, on bool, at time.Time) error

	// Table returns one page of raw rows from an allow-listed table plus the
	// total row count for the organization.
	Table(name string, offset, limit int) ([]map[string]any, int, error)
}

// Tables lists the tables that may be dumped through TableData.
var Tables = []string{
	"credit_purchases",
	"aggregated_debits",
	"escrows",
	"disallow_list",
	"processed_webhook_events",
	"disputes",
}

func validTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}
