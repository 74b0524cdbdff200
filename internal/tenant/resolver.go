package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/walletgate/internal/logging"
)

// Lookup maps a Stripe customer to an organization ID. Implementations
// return ErrTenantNotFound when the customer is unknown to them.
type Lookup interface {
	OrgForCustomer(ctx context.Context, customerID string) (string, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context, customerID string) (string, error)

func (f LookupFunc) OrgForCustomer(ctx context.Context, customerID string) (string, error) {
	return f(ctx, customerID)
}

// StoreLookup resolves customers against a tenant Store.
type StoreLookup struct {
	Store Store
}

func (s StoreLookup) OrgForCustomer(ctx context.Context, customerID string) (string, error) {
	t, err := s.Store.GetByStripeCustomerID(ctx, customerID)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Region is a named Lookup, typically one per regional database.
type Region struct {
	Name   string
	Lookup Lookup
}

// Resolver tries each region in order and returns the first match.
type Resolver struct {
	regions []Region
}

// NewResolver creates a resolver over regions, home region first.
func NewResolver(regions ...Region) *Resolver {
	return &Resolver{regions: regions}
}

// Resolve returns the organization that owns customerID. A region that
// errors is skipped. When no region knows the customer the error wraps
// ErrOrgNotResolved together with any region failures.
func (r *Resolver) Resolve(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("%w: empty customer id", ErrOrgNotResolved)
	}
	if len(r.regions) == 0 {
		return "", ErrNoLookups
	}

	var failures []string
	for _, region := range r.regions {
		orgID, err := region.Lookup.OrgForCustomer(ctx, customerID)
		if err == nil && orgID != "" {
			return orgID, nil
		}
		if err != nil && !errors.Is(err, ErrTenantNotFound) {
			logging.L(ctx).Warn("customer lookup failed",
				"region", region.Name, "customer_id", customerID, "error", err)
			failures = append(failures, region.Name+": "+err.Error())
		}
	}
	if len(failures) > 0 {
		return "", fmt.Errorf("%w: customer %s (%s)", ErrOrgNotResolved, customerID, strings.Join(failures, "; "))
	}
	return "", fmt.Errorf("%w: customer %s", ErrOrgNotResolved, customerID)
}
