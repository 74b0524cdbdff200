package topoff

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mbd888/walletgate/internal/sqldb"
)

// SQLStore persists settings in the organization_auto_topoff table.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore creates a SQL-backed settings store.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if err := sqldb.CheckDriver(driver); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (p *SQLStore) Get(ctx context.Context, orgID string) (*Settings, error) {
	s := &Settings{OrgID: orgID}
	var (
		last    sql.NullInt64
		updated int64
	)
	err := p.db.QueryRowContext(ctx, sqldb.Rebind(p.driver, `
		SELECT enabled, threshold_cents, topoff_amount_cents, payment_method_id,
			last_topoff_at, consecutive_failures, updated_at
		FROM organization_auto_topoff WHERE org_id = ?`), orgID,
	).Scan(&s.Enabled, &s.ThresholdCents, &s.TopoffAmountCents, &s.PaymentMethodID,
		&last, &s.ConsecutiveFailures, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64)
		s.LastTopoffAt = &t
	}
	s.UpdatedAt = time.UnixMilli(updated)
	return s, nil
}

func (p *SQLStore) Save(ctx context.Context, s *Settings) error {
	_, err := p.db.ExecContext(ctx, sqldb.Rebind(p.driver, `
		INSERT INTO organization_auto_topoff
			(org_id, enabled, threshold_cents, topoff_amount_cents, payment_method_id, consecutive_failures, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT (org_id) DO UPDATE SET
			enabled = excluded.enabled,
			threshold_cents = excluded.threshold_cents,
			topoff_amount_cents = excluded.topoff_amount_cents,
			payment_method_id = excluded.payment_method_id,
			consecutive_failures = 0,
			updated_at = excluded.updated_at`),
		s.OrgID, s.Enabled, s.ThresholdCents, s.TopoffAmountCents, s.PaymentMethodID, s.UpdatedAt.UnixMilli(),
	)
	return err
}

func (p *SQLStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, sqldb.Rebind(p.driver, query), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrSettingsNotFound
	}
	return nil
}

func (p *SQLStore) RecordAttempt(ctx context.Context, orgID string, at time.Time) error {
	return p.exec(ctx, `UPDATE organization_auto_topoff SET last_topoff_at = ?, updated_at = ? WHERE org_id = ?`,
		at.UnixMilli(), at.UnixMilli(), orgID)
}

func (p *SQLStore) IncrementFailures(ctx context.Context, orgID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, sqldb.Rebind(p.driver, `
		UPDATE organization_auto_topoff SET consecutive_failures = consecutive_failures + 1
		WHERE org_id = ? RETURNING consecutive_failures`), orgID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSettingsNotFound
	}
	return n, err
}

func (p *SQLStore) ResetFailures(ctx context.Context, orgID string) error {
	return p.exec(ctx, `UPDATE organization_auto_topoff SET consecutive_failures = 0 WHERE org_id = ?`, orgID)
}

func (p *SQLStore) Disable(ctx context.Context, orgID string) error {
	return p.exec(ctx, `UPDATE organization_auto_topoff SET enabled = FALSE WHERE org_id = ?`, orgID)
}

var _ SettingsStore = (*SQLStore)(nil)
