// Package reconciliation compares the wallet's locally accumulated spend
// against the analytics store and raises a debounced alert on drift.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/money"
	"github.com/mbd888/walletgate/internal/notify"
	"github.com/mbd888/walletgate/internal/traces"
)

// DefaultThresholdCents is the drift above which the alert turns on.
const DefaultThresholdCents = 10

// Ledger is the wallet surface reconciliation reads and writes.
type Ledger interface {
	GetTotalDebits(ctx context.Context, orgID string) (*ledger.DebitSnapshot, error)
	RecordReconciliation(ctx context.Context, orgID string, analyticsUnits int64) error
	SetAlertState(ctx context.Context, orgID, alertID string, on bool) error
}

// Result describes one reconciliation pass.
type Result struct {
	OrgID          string          `json:"orgId"`
	LocalCents     decimal.Decimal `json:"localCents"`
	AnalyticsCents decimal.Decimal `json:"analyticsCents"`
	DriftCents     decimal.Decimal `json:"driftCents"`
	AlertOn        bool            `json:"alertOn"`
	Transition     string          `json:"transition,omitempty"` // "fired", "resolved" or empty
	CheckedAt      time.Time       `json:"checkedAt"`
}

// Service performs reconciliation between the ledger and analytics.
type Service struct {
	ledger    Ledger
	source    SpendSource
	emitter   *notify.Emitter
	opsEmail  string
	threshold decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
}

// NewService creates a reconciliation service.
func NewService(l Ledger, source SpendSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:    l,
		source:    source,
		threshold: decimal.NewFromInt(DefaultThresholdCents),
		logger:    logger,
		now:       time.Now,
	}
}

// WithNotifier sends drift alerts to opsEmail through e.
func (s *Service) WithNotifier(e *notify.Emitter, opsEmail string) *Service {
	s.emitter = e
	s.opsEmail = opsEmail
	return s
}

// WithThreshold sets the alert threshold in cents.
func (s *Service) WithThreshold(cents int64) *Service {
	if cents > 0 {
		s.threshold = decimal.NewFromInt(cents)
	}
	return s
}

// Sync runs one reconciliation pass for orgID. Concurrent calls for the same
// organization share a single pass.
func (s *Service) Sync(ctx context.Context, orgID string) error {
	_, err := s.Reconcile(ctx, orgID)
	return err
}

// Reconcile is Sync returning the pass details.
func (s *Service) Reconcile(ctx context.Context, orgID string) (*Result, error) {
	v, err, shared := s.group.Do(orgID, func() (any, error) {
		return s.reconcile(ctx, orgID)
	})
	if shared {
		syncRuns.WithLabelValues("shared").Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (s *Service) reconcile(ctx context.Context, orgID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconciliation.Sync", traces.OrgID(orgID))
	defer span.End()
	start := time.Now()
	defer func() { syncDuration.Observe(time.Since(start).Seconds()) }()

	snap, err := s.ledger.GetTotalDebits(ctx, orgID)
	if err != nil {
		syncRuns.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("read local debits: %w", err)
	}

	spendUSD, err := s.source.TotalSpend(ctx, orgID)
	if err != nil {
		syncRuns.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	analyticsUnits, err := money.FromDollars(spendUSD)
	if err != nil {
		syncRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("analytics total %s: %w", spendUSD, err)
	}

	// The check marker moves forward whatever the comparison says.
	if err := s.ledger.RecordReconciliation(ctx, orgID, analyticsUnits); err != nil {
		syncRuns.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("record reconciliation: %w", err)
	}

	res := &Result{
		OrgID:          orgID,
		LocalCents:     money.ToCents(snap.Debits),
		AnalyticsCents: money.ToCents(analyticsUnits),
		CheckedAt:      s.now(),
	}
	res.DriftCents = res.AnalyticsCents.Sub(res.LocalCents)
	drifting := res.DriftCents.Abs().GreaterThan(s.threshold)
	res.AlertOn = drifting
	driftCents.Observe(res.DriftCents.Abs().InexactFloat64())

	switch {
	case drifting && !snap.AlertOn:
		res.Transition = "fired"
	case !drifting && snap.AlertOn:
		res.Transition = "resolved"
	default:
		syncRuns.WithLabelValues("ok").Inc()
		return res, nil
	}

	if err := s.ledger.SetAlertState(ctx, orgID, ledger.DriftAlertID, drifting); err != nil {
		syncRuns.WithLabelValues("error").Inc()
		traces.RecordError(span, err)
		return nil, fmt.Errorf("set alert state: %w", err)
	}
	alertTransitions.WithLabelValues(res.Transition).Inc()
	syncRuns.WithLabelValues("ok").Inc()
	s.announce(ctx, res)
	return res, nil
}

func (s *Service) announce(ctx context.Context, res *Result) {
	kind, subject := notify.KindDriftResolved, "Spend drift resolved for "+res.OrgID
	if res.Transition == "fired" {
		kind, subject = notify.KindDriftAlert, "Spend drift detected for "+res.OrgID
		s.logger.Warn("spend drift above threshold",
			"org_id", res.OrgID,
			"local_cents", res.LocalCents.String(),
			"analytics_cents", res.AnalyticsCents.String(),
			"drift_cents", res.DriftCents.String(),
		)
	} else {
		s.logger.Info("spend drift resolved", "org_id", res.OrgID, "drift_cents", res.DriftCents.String())
	}

	var recipients []string
	if s.opsEmail != "" {
		recipients = []string{s.opsEmail}
	}
	s.emitter.Emit(ctx, &notify.Notification{
		Kind:       kind,
		OrgID:      res.OrgID,
		Recipients: recipients,
		Subject:    subject,
		Body: fmt.Sprintf("Wallet total %s cents, analytics total %s cents (drift %s, threshold %s).",
			res.LocalCents.StringFixed(2), res.AnalyticsCents.StringFixed(2),
			res.DriftCents.StringFixed(2), s.threshold.String()),
		Data: map[string]any{
			"localCents":     res.LocalCents.String(),
			"analyticsCents": res.AnalyticsCents.String(),
			"driftCents":     res.DriftCents.String(),
		},
	})
}
