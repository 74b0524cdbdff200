// Package payments wraps the Stripe API calls the wallet depends on.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/walletgate/internal/circuitbreaker"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// OffSessionIntent describes an automatic charge against a saved payment method.
type OffSessionIntent struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
	Description     string
	IdempotencyKey  string
	Metadata        map[string]string
}

// Client is the subset of the Stripe API used by the wallet.
type Client interface {
	GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error)
	GetCharge(ctx context.Context, id string) (*stripe.Charge, error)
	CreateOffSessionIntent(ctx context.Context, req OffSessionIntent) (*stripe.PaymentIntent, error)
}

// StripeClient talks to Stripe through stripe-go behind a circuit breaker.
type StripeClient struct {
	api     *client.API
	breaker *circuitbreaker.Breaker
}

// NewStripeClient creates a client for the given secret key. backends may be
// nil to use Stripe's default endpoints.
func NewStripeClient(secretKey string, backends *stripe.Backends) *StripeClient {
	return &StripeClient{
		api:     client.New(secretKey, backends),
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// BackendsFor points every Stripe backend at url. Used against stripe-mock
// and in tests.
func BackendsFor(url string) *stripe.Backends {
	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(url),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return &stripe.Backends{API: b, Connect: b, Uploads: b}
}

const breakerKey = "stripe"

// countable reports whether err says something about Stripe's health.
// Card declines and bad requests do not.
func countable(err error) bool {
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 0 || se.HTTPStatusCode == http.StatusTooManyRequests ||
			se.HTTPStatusCode >= http.StatusInternalServerError
	}
	return true
}

func (c *StripeClient) GetPaymentIntent(ctx context.Context, id string) (*stripe.PaymentIntent, error) {
	var pi *stripe.PaymentIntent
	err := c.breaker.Execute(breakerKey, func() error {
		params := &stripe.PaymentIntentParams{}
		params.Context = ctx
		var err error
		pi, err = c.api.PaymentIntents.Get(id, params)
		return err
	}, countable)
	if err != nil {
		return nil, fmt.Errorf("get payment intent %s: %w", id, err)
	}
	return pi, nil
}

func (c *StripeClient) GetCharge(ctx context.Context, id string) (*stripe.Charge, error) {
	var ch *stripe.Charge
	err := c.breaker.Execute(breakerKey, func() error {
		params := &stripe.ChargeParams{}
		params.Context = ctx
		params.AddExpand("payment_intent")
		var err error
		ch, err = c.api.Charges.Get(id, params)
		return err
	}, countable)
	if err != nil {
		return nil, fmt.Errorf("get charge %s: %w", id, err)
	}
	return ch, nil
}

// CreateOffSessionIntent creates and confirms a payment intent without the
// customer present.
func (c *StripeClient) CreateOffSessionIntent(ctx context.Context, req OffSessionIntent) (*stripe.PaymentIntent, error) {
	currency := req.Currency
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(currency),
		Customer:      stripe.String(req.CustomerID),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	var pi *stripe.PaymentIntent
	err := c.breaker.Execute(breakerKey, func() error {
		var err error
		pi, err = c.api.PaymentIntents.New(params)
		return err
	}, countable)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return pi, nil
}

var _ Client = (*StripeClient)(nil)

// Verifier checks webhook signatures against the endpoint secret.
type Verifier struct {
	secret string
}

// NewVerifier returns a verifier for secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Configured reports whether a signing secret is present.
func (v *Verifier) Configured() bool {
	return v != nil && v.secret != ""
}

// Verify parses payload into an event after checking the Stripe-Signature
// header. API version mismatches are tolerated.
func (v *Verifier) Verify(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return event, nil
}
