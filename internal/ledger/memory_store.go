package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory wallet store for demo/development mode and
// tests. Each transaction works on a copy of the organization's rows and
// swaps it in on success, so a failed operation leaves no trace.
type MemoryStore struct {
	mu   sync.RWMutex
	orgs map[string]*orgRows
}

type orgRows struct {
	credits  []CreditPurchase
	escrows  map[string]Escrow
	debits   *AggregatedDebits
	events   map[string]time.Time
	disputes map[string]Dispute
	disallow map[string]DisallowEntry
	alerts   map[string]alertRow
}

type alertRow struct {
	on        bool
	createdAt time.Time
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orgs: make(map[string]*orgRows)}
}

func newOrgRows() *orgRows {
	return &orgRows{
		escrows:  make(map[string]Escrow),
		events:   make(map[string]time.Time),
		disputes: make(map[string]Dispute),
		disallow: make(map[string]DisallowEntry),
		alerts:   make(map[string]alertRow),
	}
}

func (r *orgRows) clone() *orgRows {
	c := newOrgRows()
	c.credits = append([]CreditPurchase(nil), r.credits...)
	for k, v := range r.escrows {
		c.escrows[k] = v
	}
	if r.debits != nil {
		d := *r.debits
		c.debits = &d
	}
	for k, v := range r.events {
		c.events[k] = v
	}
	for k, v := range r.disputes {
		c.disputes[k] = v
	}
	for k, v := range r.disallow {
		c.disallow[k] = v
	}
	for k, v := range r.alerts {
		c.alerts[k] = v
	}
	return c
}

// WithTx runs fn against a private copy of orgID's rows and commits the copy
// when fn returns nil.
func (m *MemoryStore) WithTx(ctx context.Context, orgID string, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	rows, ok := m.orgs[orgID]
	m.mu.RUnlock()
	if !ok {
		rows = newOrgRows()
	}

	tx := &memoryTx{orgID: orgID, rows: rows.clone()}
	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	m.orgs[orgID] = tx.rows
	m.mu.Unlock()
	return nil
}

// ExpiredEscrows scans every organization for escrows created before cutoff.
func (m *MemoryStore) ExpiredEscrows(ctx context.Context, cutoff time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, rows := range m.orgs {
		for _, e := range rows.escrows {
			if e.CreatedAt.Before(cutoff) {
				cp := e
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

type memoryTx struct {
	orgID string
	rows  *orgRows
}

func disallowKey(provider, model string) string { return provider + "\x00" + model }

func (t *memoryTx) SumCredits() (int64, error) {
	var sum int64
	for _, c := range t.rows.credits {
		sum += c.Credits
	}
	return sum, nil
}

func (t *memoryTx) SumEscrow() (int64, error) {
	var sum int64
	for _, e := range t.rows.escrows {
		sum += e.Amount
	}
	return sum, nil
}

func (t *memoryTx) InsertCreditPurchase(p *CreditPurchase) error {
	t.rows.credits = append(t.rows.credits, *p)
	return nil
}

func (t *memoryTx) ClearCreditPurchases() error {
	t.rows.credits = nil
	return nil
}

func (t *memoryTx) Debits() (*AggregatedDebits, error) {
	if t.rows.debits == nil {
		return nil, nil
	}
	d := *t.rows.debits
	return &d, nil
}

func (t *memoryTx) AddDebits(amount int64, at time.Time) (*AggregatedDebits, error) {
	if t.rows.debits == nil {
		t.rows.debits = &AggregatedDebits{OrgID: t.orgID, LastCheckedAt: at}
	}
	t.rows.debits.Debits += amount
	t.rows.debits.UpdatedAt = at
	d := *t.rows.debits
	return &d, nil
}

func (t *memoryTx) RecordAnalytics(value int64, at time.Time) error {
	if t.rows.debits == nil {
		t.rows.debits = &AggregatedDebits{OrgID: t.orgID, UpdatedAt: at}
	}
	t.rows.debits.LastCheckedAt = at
	t.rows.debits.LastValue = value
	return nil
}

func (t *memoryTx) InsertEscrow(e *Escrow) error {
	t.rows.escrows[e.ID] = *e
	return nil
}

func (t *memoryTx) DeleteEscrow(id string) (*Escrow, error) {
	e, ok := t.rows.escrows[id]
	if !ok {
		return nil, nil
	}
	delete(t.rows.escrows, id)
	return &e, nil
}

func (t *memoryTx) EventProcessed(id string) (bool, error) {
	_, ok := t.rows.events[id]
	return ok, nil
}

func (t *memoryTx) MarkEventProcessed(id string, at time.Time) error {
	if _, ok := t.rows.events[id]; ok {
		return ErrDuplicateEvent
	}
	t.rows.events[id] = at
	return nil
}

func (t *memoryTx) InsertDispute(d *Dispute) error {
	if _, ok := t.rows.disputes[d.ID]; ok {
		return ErrDuplicateDispute
	}
	for _, existing := range t.rows.disputes {
		if existing.EventID == d.EventID {
			return ErrDuplicateDispute
		}
	}
	t.rows.disputes[d.ID] = *d
	return nil
}

func (t *memoryTx) GetDispute(id string) (*Dispute, error) {
	d, ok := t.rows.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return &d, nil
}

func (t *memoryTx) UpdateDispute(d *Dispute) error {
	if _, ok := t.rows.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	t.rows.disputes[d.ID] = *d
	return nil
}

func (t *memoryTx) ListDisputes() ([]*Dispute, error) {
	out := make([]*Dispute, 0, len(t.rows.disputes))
	for _, d := range t.rows.disputes {
		cp := d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memoryTx) UpsertDisallow(e *DisallowEntry) error {
	t.rows.disallow[disallowKey(e.Provider, e.Model)] = *e
	return nil
}

func (t *memoryTx) DeleteDisallow(provider, model string) (bool, error) {
	key := disallowKey(provider, model)
	if _, ok := t.rows.disallow[key]; !ok {
		return false, nil
	}
	delete(t.rows.disallow, key)
	return true, nil
}

func (t *memoryTx) ListDisallow() ([]*DisallowEntry, error) {
	out := make([]*DisallowEntry, 0, len(t.rows.disallow))
	for _, e := range t.rows.disallow {
		cp := e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memoryTx) AlertOn(id string) (bool, error) {
	return t.rows.alerts[id].on, nil
}

func (t *memoryTx) SetAlert(id string, on bool, at time.Time) error {
	row, ok := t.rows.alerts[id]
	if !ok {
		row.createdAt = at
	}
	row.on = on
	t.rows.alerts[id] = row
	return nil
}

func (t *memoryTx) Table(name string, offset, limit int) ([]map[string]any, int, error) {
	var rows []map[string]any
	switch name {
	case "credit_purchases":
		for _, c := range t.rows.credits {
			rows = append(rows, map[string]any{
				"id": c.ID, "org_id": c.OrgID, "created_at": c.CreatedAt.UnixMilli(),
				"credits": c.Credits, "reference_id": c.ReferenceID,
			})
		}
	case "escrows":
		for _, e := range t.rows.escrows {
			rows = append(rows, map[string]any{
				"id": e.ID, "org_id": e.OrgID, "amount": e.Amount,
				"created_at": e.CreatedAt.UnixMilli(), "request_id": e.RequestID,
			})
		}
	case "aggregated_debits":
		if d := t.rows.debits; d != nil {
			rows = append(rows, map[string]any{
				"org_id": d.OrgID, "debits": d.Debits, "updated_at": d.UpdatedAt.UnixMilli(),
				"ch_last_checked_at": d.LastCheckedAt.UnixMilli(), "ch_last_value": d.LastValue,
			})
		}
	case "disallow_list":
		for _, e := range t.rows.disallow {
			rows = append(rows, map[string]any{
				"org_id": e.OrgID, "provider": e.Provider, "model": e.Model,
				"request_id": e.RequestID, "created_at": e.CreatedAt.UnixMilli(),
			})
		}
	case "processed_webhook_events":
		for id, at := range t.rows.events {
			rows = append(rows, map[string]any{
				"org_id": t.orgID, "id": id, "processed_at": at.UnixMilli(),
			})
		}
	case "disputes":
		for _, d := range t.rows.disputes {
			rows = append(rows, map[string]any{
				"id": d.ID, "org_id": d.OrgID, "charge_id": d.ChargeID, "amount": d.Amount,
				"currency": d.Currency, "reason": d.Reason, "status": d.Status,
				"created_at": d.CreatedAt.UnixMilli(), "updated_at": d.UpdatedAt.UnixMilli(),
				"event_id": d.EventID,
			})
		}
	default:
		return nil, 0, ErrInvalidTable
	}

	sortRows(rows)
	total := len(rows)
	if offset >= total {
		return []map[string]any{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return rows[offset:end], total, nil
}

// sortRows orders dump rows by their first time column, then id, matching
// the SQL store's ORDER BY.
func sortRows(rows []map[string]any) {
	key := func(r map[string]any) (int64, string) {
		var ts int64
		for _, col := range []string{"created_at", "processed_at", "updated_at"} {
			if v, ok := r[col].(int64); ok {
				ts = v
				break
			}
		}
		id, _ := r["id"].(string)
		if id == "" {
			p, _ := r["provider"].(string)
			m, _ := r["model"].(string)
			id = p + "/" + m
		}
		return ts, id
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ti, ii := key(rows[i])
		tj, ij := key(rows[j])
		if ti != tj {
			return ti < tj
		}
		return ii < ij
	})
}
