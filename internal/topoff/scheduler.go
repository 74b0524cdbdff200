package topoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/money"
	"github.com/mbd888/walletgate/internal/notify"
	"github.com/mbd888/walletgate/internal/payments"
	"github.com/mbd888/walletgate/internal/tenant"
	"github.com/mbd888/walletgate/internal/webhooks"
)

// Guardrails.
const (
	MaxConsecutiveFailures = 3
	DefaultCooldown        = time.Hour
	FeeFixedCents          = 30
)

// FeePercent is the card processing fee passed on to the customer.
var FeePercent = decimal.NewFromInt(3)

// Metadata keys specific to automatic top-ups.
const (
	MetaStripeFeeCents   = "stripeFeeCents"
	MetaTotalAmountCents = "totalAmountCents"
	MetaAutoTopoff       = "autoTopoff"
)

var ErrNoCustomer = errors.New("organization has no Stripe customer")

// Wallet is the ledger surface the scheduler reads.
type Wallet interface {
	GetWalletState(ctx context.Context, orgID string) (*ledger.WalletState, error)
}

// Tenants looks up the organization record for billing details.
type Tenants interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Fee returns the processing fee charged on top of creditsCents.
func Fee(creditsCents int64) int64 {
	return money.PercentCeil(creditsCents, FeePercent) + FeeFixedCents
}

// Scheduler decides when to recharge a wallet and creates the payment.
// Credits land through the normal payment webhook once the charge succeeds.
type Scheduler struct {
	store     SettingsStore
	cache     *SettingsCache
	wallet    Wallet
	tenants   Tenants
	payments  payments.Client
	emitter   *notify.Emitter
	opsEmail  string
	productID string
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
	locker    Locker
	lockTTL   time.Duration
}

// NewScheduler creates a scheduler. Settings reads go through cache.
func NewScheduler(store SettingsStore, cache *SettingsCache, wallet Wallet, tenants Tenants, client payments.Client, productID string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NewSettingsCache(store, DefaultCacheTTL)
	}
	return &Scheduler{
		store:     store,
		cache:     cache,
		wallet:    wallet,
		tenants:   tenants,
		payments:  client,
		productID: productID,
		cooldown:  DefaultCooldown,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNotifier sends failure notices to the owner and opsEmail through e.
func (s *Scheduler) WithNotifier(e *notify.Emitter, opsEmail string) *Scheduler {
	s.emitter = e
	s.opsEmail = opsEmail
	return s
}

// WithLocker makes CheckAndTopoff hold l's lock for the organization, so
// only one replica evaluates and charges at a time.
func (s *Scheduler) WithLocker(l Locker) *Scheduler {
	s.locker = l
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	return s
}

// Settings returns the cached settings for orgID, or nil.
func (s *Scheduler) Settings(ctx context.Context, orgID string) (*Settings, error) {
	return s.cache.Get(ctx, orgID)
}

// SaveSettings validates and stores the user-editable settings.
func (s *Scheduler) SaveSettings(ctx context.Context, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	settings.UpdatedAt = s.now()
	defer s.cache.Invalidate(settings.OrgID)
	return s.store.Save(ctx, settings)
}

// ShouldTriggerTopoff reports whether orgID is due for an automatic top-up
// at the given effective balance.
func (s *Scheduler) ShouldTriggerTopoff(ctx context.Context, orgID string, effectiveBalanceCents decimal.Decimal) (bool, error) {
	settings, err := s.cache.Get(ctx, orgID)
	if err != nil {
		return false, err
	}
	return s.due(orgID, settings, effectiveBalanceCents), nil
}

func (s *Scheduler) due(orgID string, settings *Settings, balance decimal.Decimal) bool {
	switch {
	case settings == nil, !settings.Enabled, settings.PaymentMethodID == "":
		return false
	case !balance.LessThan(decimal.NewFromInt(settings.ThresholdCents)):
		return false
	case settings.ConsecutiveFailures >= MaxConsecutiveFailures:
		s.logger.Debug("auto top-off halted by failures", "org_id", orgID, "failures", settings.ConsecutiveFailures)
		return false
	case settings.LastTopoffAt != nil && s.now().Sub(*settings.LastTopoffAt) < s.cooldown:
		s.logger.Debug("auto top-off in cooldown", "org_id", orgID, "last_topoff_at", *settings.LastTopoffAt)
		return false
	}
	return true
}

// CheckAndTopoff reads the wallet and recharges it if due. Concurrent calls
// for the same organization share one evaluation.
func (s *Scheduler) CheckAndTopoff(ctx context.Context, orgID string) error {
	_, err, _ := s.group.Do(orgID, func() (any, error) {
		if s.locker != nil {
			release, ok, err := s.locker.TryLock(ctx, orgID, s.lockTTL)
			if err != nil {
				return nil, fmt.Errorf("top-off lock: %w", err)
			}
			if !ok {
				topoffAttempts.WithLabelValues("contended").Inc()
				return nil, nil
			}
			defer release()
		}
		st, err := s.wallet.GetWalletState(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("wallet state: %w", err)
		}
		ok, err := s.ShouldTriggerTopoff(ctx, orgID, st.EffectiveBalance)
		if err != nil || !ok {
			return nil, err
		}
		_, err = s.InitiateTopoff(ctx, orgID)
		return nil, err
	})
	return err
}

// InitiateTopoff charges the saved payment method for the configured amount
// plus fees and returns the payment intent id.
func (s *Scheduler) InitiateTopoff(ctx context.Context, orgID string) (string, error) {
	settings, err := s.cache.Get(ctx, orgID)
	if err != nil {
		return "", err
	}
	if settings == nil {
		return "", ErrSettingsNotFound
	}
	if settings.PaymentMethodID == "" {
		return "", fmt.Errorf("%w: no payment method", ErrInvalidSettings)
	}
	org, err := s.tenants.Get(ctx, orgID)
	if err != nil {
		return "", fmt.Errorf("load organization: %w", err)
	}
	if org.StripeCustomerID == "" {
		return "", ErrNoCustomer
	}

	// The cooldown is claimed before charging.
	now := s.now()
	if err := s.store.RecordAttempt(ctx, orgID, now); err != nil {
		return "", fmt.Errorf("record attempt: %w", err)
	}
	s.cache.Invalidate(orgID)

	credits := settings.TopoffAmountCents
	fee := Fee(credits)
	total := credits + fee

	pi, err := s.payments.CreateOffSessionIntent(ctx, payments.OffSessionIntent{
		CustomerID:      org.StripeCustomerID,
		PaymentMethodID: settings.PaymentMethodID,
		AmountCents:     total,
		Currency:        string(stripe.CurrencyUSD),
		Description:     "Automatic credit top-up",
		IdempotencyKey:  fmt.Sprintf("%s-autotopoff-%d", orgID, now.UnixMilli()),
		Metadata: map[string]string{
			webhooks.MetaOrgID:        orgID,
			webhooks.MetaProductID:    s.productID,
			webhooks.MetaCreditsCents: strconv.FormatInt(credits, 10),
			MetaStripeFeeCents:        strconv.FormatInt(fee, 10),
			MetaTotalAmountCents:      strconv.FormatInt(total, 10),
			MetaAutoTopoff:            "true",
		},
	})
	if err != nil {
		s.recordFailure(ctx, org, settings, describe(err))
		return "", fmt.Errorf("auto top-off for %s: %w", orgID, err)
	}

	if settings.ConsecutiveFailures > 0 {
		if err := s.store.ResetFailures(ctx, orgID); err != nil {
			s.logger.Warn("failed to reset auto top-off failures", "org_id", orgID, "error", err)
		}
		s.cache.Invalidate(orgID)
	}
	topoffAttempts.WithLabelValues("succeeded").Inc()
	topoffCents.Add(float64(total))
	s.logger.Info("auto top-off initiated",
		"org_id", orgID,
		"payment_intent", pi.ID,
		"credits_cents", credits,
		"fee_cents", fee,
		"total_cents", total,
	)
	return pi.ID, nil
}

func describe(err error) string {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Type {
		case stripe.ErrorTypeCard:
			return "Card declined: " + se.Msg
		case stripe.ErrorTypeInvalidRequest:
			return "Invalid request: " + se.Msg
		}
	}
	return err.Error()
}

// recordFailure bumps the failure counter, notifies, and disables auto
// top-off once the limit is reached.
func (s *Scheduler) recordFailure(ctx context.Context, org *tenant.Tenant, settings *Settings, reason string) {
	orgID := org.ID
	failures, err := s.store.IncrementFailures(ctx, orgID)
	s.cache.Invalidate(orgID)
	if err != nil {
		s.logger.Error("failed to count auto top-off failure", "org_id", orgID, "error", err)
		failures = settings.ConsecutiveFailures + 1
	}
	topoffAttempts.WithLabelValues("failed").Inc()
	s.logger.Warn("auto top-off failed", "org_id", orgID, "failures", failures, "reason", reason)

	data := map[string]any{
		"thresholdCents":      settings.ThresholdCents,
		"topoffAmountCents":   settings.TopoffAmountCents,
		"consecutiveFailures": failures,
		"error":               reason,
	}
	s.emitter.Emit(ctx, &notify.Notification{
		Kind:       notify.KindTopoffFailed,
		OrgID:      orgID,
		Recipients: s.recipients(org),
		Subject:    "Auto top-up failed for " + orgName(org),
		Body: fmt.Sprintf("We could not charge your saved payment method for $%s: %s. Failures in a row: %d of %d.",
			decimal.New(settings.TopoffAmountCents, -2).StringFixed(2), reason, failures, MaxConsecutiveFailures),
		Data: data,
	})

	if failures < MaxConsecutiveFailures {
		return
	}
	if err := s.store.Disable(ctx, orgID); err != nil {
		s.logger.Error("failed to disable auto top-off", "org_id", orgID, "error", err)
	}
	s.cache.Invalidate(orgID)
	topoffAttempts.WithLabelValues("disabled").Inc()
	s.logger.Warn("auto top-off disabled after repeated failures", "org_id", orgID, "failures", failures)
	s.emitter.Emit(ctx, &notify.Notification{
		Kind:       notify.KindTopoffDisabled,
		OrgID:      orgID,
		Recipients: s.recipients(org),
		Subject:    "Auto top-up disabled for " + orgName(org) + ", action required",
		Body: fmt.Sprintf("Auto top-up was turned off after %d failed charges. Update the payment method and re-enable it to resume automatic recharges.",
			failures),
		Data: data,
	})
}

func (s *Scheduler) recipients(org *tenant.Tenant) []string {
	var out []string
	if org.OwnerEmail != "" {
		out = append(out, org.OwnerEmail)
	}
	if s.opsEmail != "" {
		out = append(out, s.opsEmail)
	}
	return out
}

func orgName(org *tenant.Tenant) string {
	if org.Name != "" {
		return org.Name
	}
	return org.ID
}
