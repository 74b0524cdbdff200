// Package tenant is the organization directory: who owns a wallet, which
// Stripe customer pays for it, and what credit terms it runs on.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/walletgate/internal/ledger"
)

// Errors
var (
	ErrTenantNotFound   = errors.New("tenant: not found")
	ErrCustomerTaken    = errors.New("tenant: stripe customer already linked to another organization")
	ErrOrgNotResolved   = errors.New("tenant: organization could not be resolved")
	ErrNoLookups        = errors.New("tenant: no lookups configured")
	ErrInvalidCreditLimit = errors.New("tenant: credit limit must be >= 0")
)

// Status represents a tenant's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// Tenant is an organization with a wallet.
type Tenant struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	OwnerEmail           string    `json:"ownerEmail,omitempty"`
	StripeCustomerID     string    `json:"stripeCustomerId,omitempty"`
	AllowNegativeBalance bool      `json:"allowNegativeBalance"`
	CreditLimitCents     int64     `json:"creditLimitCents"`
	Status               Status    `json:"status"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// CreditLine returns the ledger credit terms for the tenant.
func (t *Tenant) CreditLine() ledger.CreditLine {
	if t == nil {
		return ledger.CreditLine{}
	}
	return ledger.CreditLine{Enabled: t.AllowNegativeBalance, LimitCents: t.CreditLimitCents}
}

// CreditLines looks up credit terms by organization. Unknown organizations
// get no credit line.
type CreditLines struct {
	Store Store
}

func (c CreditLines) CreditLine(ctx context.Context, orgID string) (ledger.CreditLine, error) {
	t, err := c.Store.Get(ctx, orgID)
	if errors.Is(err, ErrTenantNotFound) {
		return ledger.CreditLine{}, nil
	}
	if err != nil {
		return ledger.CreditLine{}, err
	}
	return t.CreditLine(), nil
}
