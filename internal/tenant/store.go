package tenant

import "context"

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)
}
