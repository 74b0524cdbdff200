// Package paymentstest provides an in-memory payments.Client.
package paymentstest

import (
	"context"
	"fmt"
	"sync"

	stripe "github.com/stripe/stripe-go/v81"

	"github.com/mbd888/walletgate/internal/payments"
)

// Fake serves payment intents and charges from maps and records created
// intents. CreateErr, when set, is returned by CreateOffSessionIntent.
type Fake struct {
	mu        sync.Mutex
	intents   map[string]*stripe.PaymentIntent
	charges   map[string]*stripe.Charge
	created   []payments.OffSessionIntent
	CreateErr error
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		intents: make(map[string]*stripe.PaymentIntent),
		charges: make(map[string]*stripe.Charge),
	}
}

// AddPaymentIntent makes pi retrievable by ID.
func (f *Fake) AddPaymentIntent(pi *stripe.PaymentIntent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[pi.ID] = pi
}

// AddCharge makes ch retrievable by ID.
func (f *Fake) AddCharge(ch *stripe.Charge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[ch.ID] = ch
}

// CreatedIntents returns a copy of the recorded off-session requests.
func (f *Fake) CreatedIntents() []payments.OffSessionIntent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payments.OffSessionIntent(nil), f.created...)
}

func (f *Fake) GetPaymentIntent(_ context.Context, id string) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pi, ok := f.intents[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404, Msg: fmt.Sprintf("no such payment_intent: %s", id)}
	}
	return pi, nil
}

func (f *Fake) GetCharge(_ context.Context, id string) (*stripe.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.charges[id]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404, Msg: fmt.Sprintf("no such charge: %s", id)}
	}
	return ch, nil
}

func (f *Fake) CreateOffSessionIntent(_ context.Context, req payments.OffSessionIntent) (*stripe.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.CreateErr != nil {
		return nil, f.CreateErr
	}
	return &stripe.PaymentIntent{
		ID:       fmt.Sprintf("pi_fake_%d", len(f.created)),
		Amount:   req.AmountCents,
		Currency: stripe.Currency(req.Currency),
		Metadata: req.Metadata,
		Status:   stripe.PaymentIntentStatusSucceeded,
	}, nil
}

var _ payments.Client = (*Fake)(nil)
