// Package webhooks turns verified Stripe events into wallet mutations.
//
// Every mutation is idempotent on the Stripe event ID: the ledger records the
// event in the same transaction as the credit, debit or dispute change, and
// a replay is acknowledged without touching the wallet.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v81"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/payments"
	"github.com/mbd888/walletgate/internal/traces"
)

// Handled event types.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventRefundCreated          = "refund.created"
	EventDisputeCreated         = "charge.dispute.created"
	EventDisputeUpdated         = "charge.dispute.updated"
	EventDisputeClosed          = "charge.dispute.closed"
)

// Metadata keys written on token-usage payment intents.
const (
	MetaOrgID        = "orgId"
	MetaProductID    = "productId"
	MetaCreditsCents = "creditsAmountCents"
)

var (
	ErrMalformedEvent = errors.New("malformed webhook event")
	ErrNoCustomer     = errors.New("payment has neither orgId metadata nor customer")
)

// Ledger is the wallet surface used by the gateway.
type Ledger interface {
	AddCredits(ctx context.Context, orgID string, cents int64, eventID, referenceID string) error
	DeductCredits(ctx context.Context, orgID string, cents int64, eventID, referenceID string) error
	IsEventProcessed(ctx context.Context, orgID, eventID string) (bool, error)
	AddDispute(ctx context.Context, orgID string, d ledger.Dispute, eventID string) error
	UpdateDispute(ctx context.Context, orgID, disputeID, status, reason, eventID string) error
}

// OrgResolver maps a Stripe customer to an organization.
type OrgResolver interface {
	Resolve(ctx context.Context, customerID string) (string, error)
}

// Outcome of dispatching one event, used for metrics.
const (
	outcomeApplied   = "applied"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
	outcomeError     = "error"
)

// Gateway verifies and dispatches Stripe webhooks.
type Gateway struct {
	verifier  *payments.Verifier
	stripe    payments.Client
	ledger    Ledger
	resolver  OrgResolver
	productID string
	logger    *slog.Logger
}

// NewGateway creates a gateway. productID is the Stripe product whose
// payments buy wallet credits.
func NewGateway(verifier *payments.Verifier, client payments.Client, l Ledger, resolver OrgResolver, productID string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		verifier:  verifier,
		stripe:    client,
		ledger:    l,
		resolver:  resolver,
		productID: productID,
		logger:    logger,
	}
}

// Verify checks the signature header and parses the event.
func (g *Gateway) Verify(payload []byte, signature string) (stripe.Event, error) {
	return g.verifier.Verify(payload, signature)
}

// Dispatch applies a verified event to the wallet. Unknown event types and
// payments for other products are acknowledged and ignored.
func (g *Gateway) Dispatch(ctx context.Context, event stripe.Event) error {
	typ := string(event.Type)
	ctx, span := traces.StartSpan(ctx, "webhook."+typ, traces.EventID(event.ID), traces.EventType(typ))
	defer span.End()

	start := time.Now()
	var (
		outcome string
		err     error
	)
	switch typ {
	case EventPaymentIntentSucceeded:
		outcome, err = g.handlePaymentSucceeded(ctx, event)
	case EventRefundCreated:
		outcome, err = g.handleRefund(ctx, event)
	case EventDisputeCreated:
		outcome, err = g.handleDisputeCreated(ctx, event)
	case EventDisputeUpdated, EventDisputeClosed:
		outcome, err = g.handleDisputeChanged(ctx, event)
	default:
		typ = "other"
		outcome = outcomeIgnored
	}
	if err != nil {
		outcome = outcomeError
		traces.RecordError(span, err)
		logging.L(ctx).Error("webhook dispatch failed", "event_id", event.ID, "type", event.Type, "error", err)
	}
	webhookEvents.WithLabelValues(typ, outcome).Inc()
	webhookDuration.WithLabelValues(typ).Observe(time.Since(start).Seconds())
	return err
}

// apply runs fn unless the event was already applied to orgID.
func (g *Gateway) apply(ctx context.Context, orgID, eventID string, fn func() error) (string, error) {
	processed, err := g.ledger.IsEventProcessed(ctx, orgID, eventID)
	if err != nil {
		return outcomeError, fmt.Errorf("check processed: %w", err)
	}
	if processed {
		return outcomeDuplicate, nil
	}
	if err := fn(); err != nil {
		if errors.Is(err, ledger.ErrDuplicateEvent) {
			return outcomeDuplicate, nil
		}
		return outcomeError, err
	}
	return outcomeApplied, nil
}

func decode(event stripe.Event, v any) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEvent, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// orgForPaymentIntent prefers the orgId metadata and falls back to the
// customer directory.
func (g *Gateway) orgForPaymentIntent(ctx context.Context, pi *stripe.PaymentIntent) (string, error) {
	if org := strings.TrimSpace(pi.Metadata[MetaOrgID]); org != "" {
		return org, nil
	}
	if pi.Customer == nil || pi.Customer.ID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoCustomer, pi.ID)
	}
	return g.resolver.Resolve(ctx, pi.Customer.ID)
}

func (g *Gateway) isTokenUsage(pi *stripe.PaymentIntent) bool {
	return g.productID != "" && pi.Metadata[MetaProductID] == g.productID
}

func isUSD(c stripe.Currency) bool {
	return strings.EqualFold(string(c), string(stripe.CurrencyUSD))
}

// creditsFor returns the cents to credit for a payment: the
// creditsAmountCents metadata when it is a sane value, else amount_received.
func creditsFor(pi *stripe.PaymentIntent) int64 {
	if raw, ok := pi.Metadata[MetaCreditsCents]; ok {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 && v <= pi.AmountReceived {
			return v
		}
	}
	return pi.AmountReceived
}

func (g *Gateway) handlePaymentSucceeded(ctx context.Context, event stripe.Event) (string, error) {
	var pi stripe.PaymentIntent
	if err := decode(event, &pi); err != nil {
		return outcomeError, err
	}
	if !g.isTokenUsage(&pi) {
		return outcomeIgnored, nil
	}
	if !isUSD(pi.Currency) {
		g.logger.Warn("ignoring non-usd payment", "payment_intent", pi.ID, "currency", pi.Currency)
		return outcomeIgnored, nil
	}
	orgID, err := g.orgForPaymentIntent(ctx, &pi)
	if err != nil {
		return outcomeError, err
	}
	ctx = logging.WithOrgID(ctx, orgID)

	cents := creditsFor(&pi)
	if cents <= 0 {
		logging.L(ctx).Warn("payment with nothing to credit", "payment_intent", pi.ID)
		return outcomeIgnored, nil
	}
	return g.apply(ctx, orgID, event.ID, func() error {
		if err := g.ledger.AddCredits(ctx, orgID, cents, event.ID, pi.ID); err != nil {
			return err
		}
		logging.L(ctx).Info("wallet credited", "payment_intent", pi.ID, "cents", cents)
		return nil
	})
}

func (g *Gateway) handleRefund(ctx context.Context, event stripe.Event) (string, error) {
	var refund stripe.Refund
	if err := decode(event, &refund); err != nil {
		return outcomeError, err
	}
	if refund.Status != stripe.RefundStatusSucceeded || !isUSD(refund.Currency) {
		return outcomeIgnored, nil
	}

	piID, err := g.paymentIntentID(ctx, refund.PaymentIntent, refund.Charge)
	if err != nil {
		return outcomeError, err
	}
	if piID == "" {
		return outcomeIgnored, nil
	}
	pi, err := g.stripe.GetPaymentIntent(ctx, piID)
	if err != nil {
		return outcomeError, err
	}
	if !g.isTokenUsage(pi) {
		return outcomeIgnored, nil
	}
	orgID, err := g.orgForPaymentIntent(ctx, pi)
	if err != nil {
		return outcomeError, err
	}
	ctx = logging.WithOrgID(ctx, orgID)

	return g.apply(ctx, orgID, event.ID, func() error {
		if err := g.ledger.DeductCredits(ctx, orgID, refund.Amount, event.ID, refund.ID); err != nil {
			return err
		}
		logging.L(ctx).Info("wallet debited for refund", "refund", refund.ID, "cents", refund.Amount)
		return nil
	})
}

// paymentIntentID finds the payment intent behind a refund or dispute,
// looking up the charge when the event does not carry it.
func (g *Gateway) paymentIntentID(ctx context.Context, pi *stripe.PaymentIntent, ch *stripe.Charge) (string, error) {
	if pi != nil && pi.ID != "" {
		return pi.ID, nil
	}
	if ch == nil || ch.ID == "" {
		return "", nil
	}
	charge, err := g.stripe.GetCharge(ctx, ch.ID)
	if err != nil {
		return "", err
	}
	if charge.PaymentIntent == nil {
		return "", nil
	}
	return charge.PaymentIntent.ID, nil
}

// orgForDispute resolves the organization through the disputed payment.
func (g *Gateway) orgForDispute(ctx context.Context, d *stripe.Dispute) (string, error) {
	piID, err := g.paymentIntentID(ctx, d.PaymentIntent, d.Charge)
	if err != nil {
		return "", err
	}
	if piID == "" {
		return "", fmt.Errorf("%w: dispute %s has no payment intent", ErrMalformedEvent, d.ID)
	}
	pi, err := g.stripe.GetPaymentIntent(ctx, piID)
	if err != nil {
		return "", err
	}
	return g.orgForPaymentIntent(ctx, pi)
}

func toLedgerDispute(d *stripe.Dispute) ledger.Dispute {
	out := ledger.Dispute{
		ID:       d.ID,
		Amount:   d.Amount,
		Currency: string(d.Currency),
		Reason:   string(d.Reason),
		Status:   string(d.Status),
	}
	if d.Charge != nil {
		out.ChargeID = d.Charge.ID
	}
	if d.Created > 0 {
		out.CreatedAt = time.Unix(d.Created, 0)
	}
	return out
}

func (g *Gateway) handleDisputeCreated(ctx context.Context, event stripe.Event) (string, error) {
	var d stripe.Dispute
	if err := decode(event, &d); err != nil {
		return outcomeError, err
	}
	orgID, err := g.orgForDispute(ctx, &d)
	if err != nil {
		return outcomeError, err
	}
	ctx = logging.WithOrgID(ctx, orgID)

	return g.apply(ctx, orgID, event.ID, func() error {
		err := g.ledger.AddDispute(ctx, orgID, toLedgerDispute(&d), event.ID)
		if errors.Is(err, ledger.ErrDuplicateDispute) {
			// Seen through an earlier update event.
			return g.ledger.UpdateDispute(ctx, orgID, d.ID, string(d.Status), string(d.Reason), event.ID)
		}
		return err
	})
}

func (g *Gateway) handleDisputeChanged(ctx context.Context, event stripe.Event) (string, error) {
	var d stripe.Dispute
	if err := decode(event, &d); err != nil {
		return outcomeError, err
	}
	orgID, err := g.orgForDispute(ctx, &d)
	if err != nil {
		return outcomeError, err
	}
	ctx = logging.WithOrgID(ctx, orgID)

	return g.apply(ctx, orgID, event.ID, func() error {
		err := g.ledger.UpdateDispute(ctx, orgID, d.ID, string(d.Status), string(d.Reason), event.ID)
		if errors.Is(err, ledger.ErrDisputeNotFound) {
			return g.ledger.AddDispute(ctx, orgID, toLedgerDispute(&d), event.ID)
		}
		return err
	})
}
