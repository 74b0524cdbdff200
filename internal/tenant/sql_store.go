package tenant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/walletgate/internal/sqldb"
)

// SQLStore persists tenants in PostgreSQL or SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore creates a SQL-backed tenant store. The schema comes from the
// migrations package.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if err := sqldb.CheckDriver(driver); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, driver: driver}, nil
}

const tenantColumns = `id, name, owner_email, stripe_customer_id, allow_negative_balance,
	credit_limit_cents, status, created_at, updated_at`

func (p *SQLStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, sqldb.Rebind(p.driver, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Name, t.OwnerEmail, nullString(t.StripeCustomerID), t.AllowNegativeBalance,
		t.CreditLimitCents, string(t.Status), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return ErrCustomerTaken
		}
		return err
	}
	return nil
}

func (p *SQLStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, sqldb.Rebind(p.driver, `
		SELECT `+tenantColumns+` FROM tenants WHERE id = ?`), id))
}

func (p *SQLStore) GetByStripeCustomerID(ctx context.Context, customerID string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, sqldb.Rebind(p.driver, `
		SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = ?`), customerID))
}

func (p *SQLStore) Update(ctx context.Context, t *Tenant) error {
	result, err := p.db.ExecContext(ctx, sqldb.Rebind(p.driver, `
		UPDATE tenants SET name = ?, owner_email = ?, stripe_customer_id = ?,
			allow_negative_balance = ?, credit_limit_cents = ?, status = ?, updated_at = ?
		WHERE id = ?`),
		t.Name, t.OwnerEmail, nullString(t.StripeCustomerID), t.AllowNegativeBalance,
		t.CreditLimitCents, string(t.Status), t.UpdatedAt.UnixMilli(), t.ID,
	)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			return ErrCustomerTaken
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func (p *SQLStore) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, sqldb.Rebind(p.driver, `
		SELECT `+tenantColumns+` FROM tenants
		ORDER BY created_at, id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		status           string
		stripeID         sql.NullString
		created, updated int64
	)
	err := row.Scan(&t.ID, &t.Name, &t.OwnerEmail, &stripeID, &t.AllowNegativeBalance,
		&t.CreditLimitCents, &status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if stripeID.Valid {
		t.StripeCustomerID = stripeID.String
	}
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*SQLStore)(nil)
