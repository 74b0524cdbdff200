// Package escrow bridges the request path and the wallet ledger.
//
// Flow:
//  1. Admit reserves the worst-case cost of a request before it is proxied
//  2. Release cancels the hold when the upstream call fails
//  3. FinalizeEscrowAndSyncSpend debits the real cost, flags unpriced models,
//     and kicks off reconciliation and auto top-up in the background
//  4. The Reaper cancels holds that were never finalized
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/money"
)

// DefaultStaleness is how old the last reconciliation may be before a
// finalize triggers a new one.
const DefaultStaleness = 60 * time.Second

// Ledger is the wallet surface used by the coordinator.
type Ledger interface {
	Reserve(ctx context.Context, orgID, requestID string, amountCents decimal.Decimal, line ledger.CreditLine, opts ledger.ReserveOptions) (*ledger.Reservation, error)
	Finalize(ctx context.Context, orgID, escrowID string, actualCostCents decimal.Decimal) (*ledger.Finalization, error)
	Cancel(ctx context.Context, orgID, escrowID string) (bool, error)
	AddToDisallowList(ctx context.Context, orgID, requestID, provider, model string) error
	ExpiredEscrows(ctx context.Context, ttl time.Duration, limit int) ([]*ledger.Escrow, error)
}

// Reconciler syncs local spend with the analytics store.
type Reconciler interface {
	Sync(ctx context.Context, orgID string) error
}

// TopoffChecker evaluates auto top-up after spend.
type TopoffChecker interface {
	CheckAndTopoff(ctx context.Context, orgID string) error
}

// ProxyRequest identifies the request whose escrow is being settled.
type ProxyRequest struct {
	EscrowID  string `json:"escrowId"`
	RequestID string `json:"requestId"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// Coordinator implements escrow admission and settlement.
type Coordinator struct {
	ledger     Ledger
	reconciler Reconciler
	topoff     TopoffChecker
	staleness  time.Duration
	logger     *slog.Logger
	now        func() time.Time

	asyncTimeout time.Duration
	inflight     sync.Map // "task:org" → struct{}
	wg           sync.WaitGroup
}

// NewCoordinator creates a coordinator over l.
func NewCoordinator(l Ledger, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ledger:       l,
		staleness:    DefaultStaleness,
		logger:       logger,
		now:          time.Now,
		asyncTimeout: 30 * time.Second,
	}
}

// WithReconciler enables background reconciliation after finalize.
func (c *Coordinator) WithReconciler(r Reconciler) *Coordinator {
	c.reconciler = r
	return c
}

// WithTopoff enables auto top-up evaluation after finalize.
func (c *Coordinator) WithTopoff(t TopoffChecker) *Coordinator {
	c.topoff = t
	return c
}

// WithStaleness overrides DefaultStaleness.
func (c *Coordinator) WithStaleness(d time.Duration) *Coordinator {
	if d > 0 {
		c.staleness = d
	}
	return c
}

// Admit reserves worstCaseUSD (dollars) for requestID.
func (c *Coordinator) Admit(ctx context.Context, orgID, requestID string, worstCaseUSD decimal.Decimal, line ledger.CreditLine) (*ledger.Reservation, error) {
	if worstCaseUSD.IsNegative() {
		return nil, fmt.Errorf("%w: negative cost", ledger.ErrInvalidAmount)
	}
	res, err := c.ledger.Reserve(ctx, orgID, requestID, worstCaseUSD.Shift(2), line, ledger.ReserveOptions{})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Debug("escrow admitted", "org_id", orgID, "escrow_id", res.EscrowID,
		"request_id", requestID, "cents", money.ToCents(res.Amount).String())
	return res, nil
}

// Release cancels an escrow without charging. It reports whether the escrow
// still existed.
func (c *Coordinator) Release(ctx context.Context, orgID, escrowID string) (bool, error) {
	return c.ledger.Cancel(ctx, orgID, escrowID)
}

// FinalizeEscrowAndSyncSpend settles req's escrow at costCents. A zero cost
// on a response that was not served from cache means the model could not be
// priced, so the provider/model pair is disallowed for the organization.
// Reconciliation and auto top-up run in the background; their failures are
// logged and never returned.
func (c *Coordinator) FinalizeEscrowAndSyncSpend(ctx context.Context, orgID string, req ProxyRequest, costCents decimal.Decimal, cached bool) error {
	fin, err := c.ledger.Finalize(ctx, orgID, req.EscrowID, costCents)
	if err != nil {
		return fmt.Errorf("finalize escrow %s: %w", req.EscrowID, err)
	}

	if costCents.IsZero() && !cached {
		if err := c.ledger.AddToDisallowList(ctx, orgID, req.RequestID, req.Provider, req.Model); err != nil {
			return fmt.Errorf("disallow %s/%s: %w", req.Provider, req.Model, err)
		}
		logging.L(ctx).Warn("model disallowed after zero-cost response",
			"org_id", orgID, "provider", req.Provider, "model", req.Model, "request_id", req.RequestID)
	}

	if fin.Found && c.reconciler != nil && c.now().Sub(fin.LastReconciledAt) > c.staleness {
		c.goAsync(ctx, "reconcile", orgID, func(ctx context.Context) error {
			return c.reconciler.Sync(ctx, orgID)
		})
	}
	if !cached && c.topoff != nil {
		c.goAsync(ctx, "topoff", orgID, func(ctx context.Context) error {
			return c.topoff.CheckAndTopoff(ctx, orgID)
		})
	}
	return nil
}

// goAsync runs fn detached from the caller. At most one task of each kind
// runs per organization; extra triggers while one is running are dropped.
func (c *Coordinator) goAsync(ctx context.Context, task, orgID string, fn func(context.Context) error) {
	key := task + ":" + orgID
	if _, busy := c.inflight.LoadOrStore(key, struct{}{}); busy {
		asyncTasks.WithLabelValues(task, "skipped").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.asyncTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer c.inflight.Delete(key)
		defer func() {
			if r := recover(); r != nil {
				asyncTasks.WithLabelValues(task, "panic").Inc()
				c.logger.Error("panic in async escrow task", "task", task, "org_id", orgID, "panic", fmt.Sprint(r))
			}
		}()

		if err := fn(ctx); err != nil {
			asyncTasks.WithLabelValues(task, "error").Inc()
			c.logger.Warn("async escrow task failed", "task", task, "org_id", orgID, "error", err)
			return
		}
		asyncTasks.WithLabelValues(task, "ok").Inc()
	}()
}

// Wait blocks until background tasks started so far have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// ReapExpired cancels escrows older than ttl, at most limit per call, and
// returns how many were cancelled.
func (c *Coordinator) ReapExpired(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	expired, err := c.ledger.ExpiredEscrows(ctx, ttl, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired escrows: %w", err)
	}
	reaped := 0
	for _, e := range expired {
		found, err := c.ledger.Cancel(ctx, e.OrgID, e.ID)
		if err != nil {
			c.logger.Warn("failed to cancel expired escrow", "org_id", e.OrgID, "escrow_id", e.ID, "error", err)
			continue
		}
		if !found {
			continue // finalized meanwhile
		}
		reaped++
		escrowsReaped.Inc()
		c.logger.Info("cancelled expired escrow",
			"org_id", e.OrgID,
			"escrow_id", e.ID,
			"request_id", e.RequestID,
			"cents", money.ToCents(e.Amount).String(),
			"age", c.now().Sub(e.CreatedAt).Round(time.Second).String(),
		)
	}
	return reaped, nil
}
