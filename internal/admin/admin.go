// Package admin provides operator endpoints for inspecting and correcting
// organization wallets.
package admin

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/reconciliation"
)

// Adjustment types accepted by modify-balance.
const (
	AdjustCredit = "credit"
	AdjustDebit  = "debit"
)

// Wallet is the ledger surface exposed to operators.
type Wallet interface {
	GetWalletState(ctx context.Context, orgID string) (*ledger.WalletState, error)
	TableData(ctx context.Context, orgID, table string, page, pageSize int) (*ledger.TablePage, error)
	AddCredits(ctx context.Context, orgID string, cents int64, eventID, referenceID string) error
	DeductCredits(ctx context.Context, orgID string, cents int64, eventID, referenceID string) error
	SetCredits(ctx context.Context, orgID string, cents int64, eventID string) error
	RemoveFromDisallowList(ctx context.Context, orgID, provider, model string) (bool, error)
	TotalCreditsPurchased(ctx context.Context, orgID string) (decimal.Decimal, error)
}

// Reconciler runs an on-demand spend reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context, orgID string) (*reconciliation.Result, error)
}

// Adjustment is a manual balance change made by an operator.
type Adjustment struct {
	AmountCents int64  `json:"amountCents"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"referenceId"`
	AdminUserID string `json:"adminUserId"`
}
