package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/walletgate/internal/retry"
	"github.com/mbd888/walletgate/internal/sqldb"
)

// SQLStore implements Store on PostgreSQL (lib/pq) or SQLite
// (modernc.org/sqlite). Queries are written with ? placeholders and rebound
// for Postgres. Timestamps are stored as unix milliseconds.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps an open database. The schema comes from the migrations
// package.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	if err := sqldb.CheckDriver(driver); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, driver: driver}, nil
}

// Ping checks database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in one database transaction. Postgres transactions are
// SERIALIZABLE and retried on serialization failure, which only happens when
// another process writes the same organization.
func (s *SQLStore) WithTx(ctx context.Context, orgID string, fn func(tx Tx) error) error {
	return retry.Do(ctx, 3, 20*time.Millisecond, func() error {
		err := s.withTx(ctx, orgID, fn)
		if err != nil && !sqldb.IsSerializationFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (s *SQLStore) withTx(ctx context.Context, orgID string, fn func(tx Tx) error) error {
	var opts *sql.TxOptions
	if s.driver == sqldb.DriverPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqlTx{ctx: ctx, tx: tx, store: s, orgID: orgID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ExpiredEscrows lists escrows created before cutoff, oldest first.
func (s *SQLStore) ExpiredEscrows(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, org_id, amount, created_at, request_id
		FROM escrows WHERE created_at < ?
		ORDER BY created_at ASC LIMIT ?
	`), cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) rebind(q string) string {
	return sqldb.Rebind(s.driver, q)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscrow(r rowScanner) (*Escrow, error) {
	var e Escrow
	var created int64
	if err := r.Scan(&e.ID, &e.OrgID, &e.Amount, &created, &e.RequestID); err != nil {
		return nil, err
	}
	e.CreatedAt = time.UnixMilli(created)
	return &e, nil
}

func scanDispute(r rowScanner) (*Dispute, error) {
	var d Dispute
	var created, updated int64
	if err := r.Scan(&d.ID, &d.OrgID, &d.ChargeID, &d.Amount, &d.Currency, &d.Reason,
		&d.Status, &created, &updated, &d.EventID); err != nil {
		return nil, err
	}
	d.CreatedAt = time.UnixMilli(created)
	d.UpdatedAt = time.UnixMilli(updated)
	return &d, nil
}

// tableOrder is the ORDER BY clause used for each dumpable table.
var tableOrder = map[string]string{
	"credit_purchases":         "created_at, id",
	"escrows":                  "created_at, id",
	"aggregated_debits":        "org_id",
	"disallow_list":            "created_at, provider, model",
	"processed_webhook_events": "processed_at, id",
	"disputes":                 "created_at, id",
}

type sqlTx struct {
	ctx   context.Context
	tx    *sql.Tx
	store *SQLStore
	orgID string
}

func (t *sqlTx) exec(q string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, t.store.rebind(q), args...)
}

func (t *sqlTx) queryRow(q string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, t.store.rebind(q), args...)
}

func (t *sqlTx) query(q string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, t.store.rebind(q), args...)
}

func (t *sqlTx) SumCredits() (int64, error) {
	var sum int64
	err := t.queryRow(`SELECT CAST(COALESCE(SUM(credits), 0) AS BIGINT) FROM credit_purchases WHERE org_id = ?`, t.orgID).Scan(&sum)
	return sum, err
}

func (t *sqlTx) SumEscrow() (int64, error) {
	var sum int64
	err := t.queryRow(`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT) FROM escrows WHERE org_id = ?`, t.orgID).Scan(&sum)
	return sum, err
}

func (t *sqlTx) InsertCreditPurchase(p *CreditPurchase) error {
	_, err := t.exec(`
		INSERT INTO credit_purchases (id, org_id, created_at, credits, reference_id)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, t.orgID, p.CreatedAt.UnixMilli(), p.Credits, p.ReferenceID)
	if err != nil {
		return fmt.Errorf("failed to record credit purchase: %w", err)
	}
	return nil
}

func (t *sqlTx) ClearCreditPurchases() error {
	_, err := t.exec(`DELETE FROM credit_purchases WHERE org_id = ?`, t.orgID)
	return err
}

func (t *sqlTx) Debits() (*AggregatedDebits, error) {
	var d AggregatedDebits
	var updated, checked int64
	err := t.queryRow(`
		SELECT org_id, debits, updated_at, ch_last_checked_at, ch_last_value
		FROM aggregated_debits WHERE org_id = ?
	`, t.orgID).Scan(&d.OrgID, &d.Debits, &updated, &checked, &d.LastValue)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.UpdatedAt = time.UnixMilli(updated)
	d.LastCheckedAt = time.UnixMilli(checked)
	return &d, nil
}

func (t *sqlTx) AddDebits(amount int64, at time.Time) (*AggregatedDebits, error) {
	ms := at.UnixMilli()
	_, err := t.exec(`
		INSERT INTO aggregated_debits (org_id, debits, updated_at, ch_last_checked_at, ch_last_value)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (org_id) DO UPDATE SET
			debits = aggregated_debits.debits + excluded.debits,
			updated_at = excluded.updated_at
	`, t.orgID, amount, ms, ms)
	if err != nil {
		return nil, fmt.Errorf("failed to update debits: %w", err)
	}
	return t.Debits()
}

func (t *sqlTx) RecordAnalytics(value int64, at time.Time) error {
	ms := at.UnixMilli()
	_, err := t.exec(`
		INSERT INTO aggregated_debits (org_id, debits, updated_at, ch_last_checked_at, ch_last_value)
		VALUES (?, 0, ?, ?, ?)
		ON CONFLICT (org_id) DO UPDATE SET
			ch_last_checked_at = excluded.ch_last_checked_at,
			ch_last_value = excluded.ch_last_value
	`, t.orgID, ms, ms, value)
	return err
}

func (t *sqlTx) InsertEscrow(e *Escrow) error {
	_, err := t.exec(`
		INSERT INTO escrows (id, org_id, amount, created_at, request_id)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, t.orgID, e.Amount, e.CreatedAt.UnixMilli(), e.RequestID)
	return err
}

func (t *sqlTx) DeleteEscrow(id string) (*Escrow, error) {
	e, err := scanEscrow(t.queryRow(`
		SELECT id, org_id, amount, created_at, request_id
		FROM escrows WHERE org_id = ? AND id = ?
	`, t.orgID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := t.exec(`DELETE FROM escrows WHERE org_id = ? AND id = ?`, t.orgID, id); err != nil {
		return nil, err
	}
	return e, nil
}

func (t *sqlTx) EventProcessed(id string) (bool, error) {
	var n int
	err := t.queryRow(`SELECT COUNT(*) FROM processed_webhook_events WHERE org_id = ? AND id = ?`, t.orgID, id).Scan(&n)
	return n > 0, err
}

func (t *sqlTx) MarkEventProcessed(id string, at time.Time) error {
	seen, err := t.EventProcessed(id)
	if err != nil {
		return err
	}
	if seen {
		return ErrDuplicateEvent
	}
	_, err = t.exec(`INSERT INTO processed_webhook_events (org_id, id, processed_at) VALUES (?, ?, ?)`,
		t.orgID, id, at.UnixMilli())
	if sqldb.IsUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}

func (t *sqlTx) InsertDispute(d *Dispute) error {
	_, err := t.exec(`
		INSERT INTO disputes (id, org_id, charge_id, amount, currency, reason, status, created_at, updated_at, event_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, t.orgID, d.ChargeID, d.Amount, d.Currency, d.Reason, d.Status,
		d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli(), d.EventID)
	if sqldb.IsUniqueViolation(err) {
		return ErrDuplicateDispute
	}
	return err
}

const disputeColumns = `id, org_id, charge_id, amount, currency, reason, status, created_at, updated_at, event_id`

func (t *sqlTx) GetDispute(id string) (*Dispute, error) {
	d, err := scanDispute(t.queryRow(`SELECT `+disputeColumns+` FROM disputes WHERE org_id = ? AND id = ?`, t.orgID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (t *sqlTx) UpdateDispute(d *Dispute) error {
	res, err := t.exec(`
		UPDATE disputes SET status = ?, reason = ?, updated_at = ?
		WHERE org_id = ? AND id = ?
	`, d.Status, d.Reason, d.UpdatedAt.UnixMilli(), t.orgID, d.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (t *sqlTx) ListDisputes() ([]*Dispute, error) {
	rows, err := t.query(`SELECT `+disputeColumns+` FROM disputes WHERE org_id = ? ORDER BY created_at, id`, t.orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Dispute, 0)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *sqlTx) UpsertDisallow(e *DisallowEntry) error {
	_, err := t.exec(`
		INSERT INTO disallow_list (org_id, provider, model, request_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (org_id, provider, model) DO UPDATE SET
			request_id = excluded.request_id,
			created_at = excluded.created_at
	`, t.orgID, e.Provider, e.Model, e.RequestID, e.CreatedAt.UnixMilli())
	return err
}

func (t *sqlTx) DeleteDisallow(provider, model string) (bool, error) {
	res, err := t.exec(`DELETE FROM disallow_list WHERE org_id = ? AND provider = ? AND model = ?`,
		t.orgID, provider, model)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (t *sqlTx) ListDisallow() ([]*DisallowEntry, error) {
	rows, err := t.query(`
		SELECT org_id, provider, model, request_id, created_at
		FROM disallow_list WHERE org_id = ? ORDER BY created_at, provider, model
	`, t.orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*DisallowEntry, 0)
	for rows.Next() {
		var e DisallowEntry
		var created int64
		if err := rows.Scan(&e.OrgID, &e.Provider, &e.Model, &e.RequestID, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (t *sqlTx) AlertOn(id string) (bool, error) {
	var state string
	err := t.queryRow(`SELECT state FROM alert_state WHERE org_id = ? AND id = ?`, t.orgID, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return state == "on", err
}

func (t *sqlTx) SetAlert(id string, on bool, at time.Time) error {
	state := "off"
	if on {
		state = "on"
	}
	_, err := t.exec(`
		INSERT INTO alert_state (org_id, id, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (org_id, id) DO UPDATE SET state = excluded.state
	`, t.orgID, id, state, at.UnixMilli())
	return err
}

func (t *sqlTx) Table(name string, offset, limit int) ([]map[string]any, int, error) {
	order, ok := tableOrder[name]
	if !ok {
		return nil, 0, ErrInvalidTable
	}

	var total int
	// name is checked against tableOrder above; it is never caller text.
	if err := t.queryRow(`SELECT COUNT(*) FROM `+name+` WHERE org_id = ?`, t.orgID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := t.query(`SELECT * FROM `+name+` WHERE org_id = ? ORDER BY `+order+` LIMIT ? OFFSET ?`,
		t.orgID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, err
	}
	out := make([]map[string]any, 0)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, 0, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}
