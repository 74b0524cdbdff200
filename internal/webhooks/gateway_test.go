package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v81"

	"github.com/mbd888/walletgate/internal/ledger"
	"github.com/mbd888/walletgate/internal/payments"
	"github.com/mbd888/walletgate/internal/payments/paymentstest"
	"github.com/mbd888/walletgate/internal/tenant"
)

const testProduct = "prod_tokens"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	gw      *Gateway
	ledger  *ledger.Ledger
	stripe  *paymentstest.Fake
	tenants *tenant.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithLogger(discard), ledger.WithShards(4, 16))
	t.Cleanup(l.Close)

	tenants := tenant.NewMemoryStore()
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{
		ID: "org_1", Name: "Acme", StripeCustomerID: "cus_1", Status: tenant.StatusActive,
	}))
	resolver := tenant.NewResolver(tenant.Region{Name: "home", Lookup: tenant.StoreLookup{Store: tenants}})

	fake := paymentstest.New()
	gw := NewGateway(payments.NewVerifier("whsec_test"), fake, l, resolver, testProduct, discard)
	return &fixture{gw: gw, ledger: l, stripe: fake, tenants: tenants}
}

func event(id, typ string, obj any) stripe.Event {
	raw, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	return stripe.Event{ID: id, Type: stripe.EventType(typ), Data: &stripe.EventData{Raw: raw}}
}

func paymentIntent(id string, received int64, meta map[string]string) map[string]any {
	return map[string]any{
		"id":              id,
		"object":          "payment_intent",
		"amount":          received,
		"amount_received": received,
		"currency":        "usd",
		"customer":        "cus_1",
		"metadata":        meta,
	}
}

func (f *fixture) balance(t *testing.T, orgID string) decimal.Decimal {
	t.Helper()
	st, err := f.ledger.GetWalletState(context.Background(), orgID)
	require.NoError(t, err)
	return st.Balance
}

func assertCents(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "want %d cents, got %s", want, got)
}

func TestPaymentSucceeded_CreditsByCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := event("evt_1", EventPaymentIntentSucceeded, paymentIntent("pi_1", 1000, map[string]string{MetaProductID: testProduct}))
	require.NoError(t, f.gw.Dispatch(ctx, ev))
	assertCents(t, 1000, f.balance(t, "org_1"))

	// Replay is acknowledged without a second credit.
	require.NoError(t, f.gw.Dispatch(ctx, ev))
	assertCents(t, 1000, f.balance(t, "org_1"))
}

func TestPaymentSucceeded_MetadataOrgAndCredits(t *testing.T) {
	f := newFixture(t)

	ev := event("evt_2", EventPaymentIntentSucceeded, paymentIntent("pi_2", 1060, map[string]string{
		MetaProductID:    testProduct,
		MetaOrgID:        "org_meta",
		MetaCreditsCents: "1000",
	}))
	require.NoError(t, f.gw.Dispatch(context.Background(), ev))
	assertCents(t, 1000, f.balance(t, "org_meta"))
	assertCents(t, 0, f.balance(t, "org_1"))
}

func TestPaymentSucceeded_CreditsMetadataAboveReceivedIgnored(t *testing.T) {
	f := newFixture(t)

	ev := event("evt_3", EventPaymentIntentSucceeded, paymentIntent("pi_3", 500, map[string]string{
		MetaProductID:    testProduct,
		MetaCreditsCents: "9000",
	}))
	require.NoError(t, f.gw.Dispatch(context.Background(), ev))
	assertCents(t, 500, f.balance(t, "org_1"))
}

func TestPaymentSucceeded_Ignored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other := event("evt_4", EventPaymentIntentSucceeded, paymentIntent("pi_4", 1000, map[string]string{MetaProductID: "prod_other"}))
	require.NoError(t, f.gw.Dispatch(ctx, other))

	eur := paymentIntent("pi_5", 1000, map[string]string{MetaProductID: testProduct})
	eur["currency"] = "eur"
	require.NoError(t, f.gw.Dispatch(ctx, event("evt_5", EventPaymentIntentSucceeded, eur)))

	require.NoError(t, f.gw.Dispatch(ctx, event("evt_6", "customer.created", map[string]any{"id": "cus_9"})))

	assertCents(t, 0, f.balance(t, "org_1"))
}

func TestPaymentSucceeded_UnknownCustomerIsHardError(t *testing.T) {
	f := newFixture(t)

	pi := paymentIntent("pi_7", 1000, map[string]string{MetaProductID: testProduct})
	pi["customer"] = "cus_unknown"
	err := f.gw.Dispatch(context.Background(), event("evt_7", EventPaymentIntentSucceeded, pi))
	require.ErrorIs(t, err, tenant.ErrOrgNotResolved)
	assert.Equal(t, 500, dispatchStatus(err))
}

func TestPaymentSucceeded_MalformedData(t *testing.T) {
	f := newFixture(t)

	ev := stripe.Event{ID: "evt_8", Type: EventPaymentIntentSucceeded, Data: &stripe.EventData{Raw: json.RawMessage(`"nope"`)}}
	err := f.gw.Dispatch(context.Background(), ev)
	require.ErrorIs(t, err, ErrMalformedEvent)
	assert.Equal(t, 400, dispatchStatus(err))
}

func (f *fixture) fund(t *testing.T, cents int64) {
	t.Helper()
	ev := event("evt_fund", EventPaymentIntentSucceeded, paymentIntent("pi_1", cents, map[string]string{MetaProductID: testProduct}))
	require.NoError(t, f.gw.Dispatch(context.Background(), ev))
	f.stripe.AddPaymentIntent(&stripe.PaymentIntent{
		ID:       "pi_1",
		Customer: &stripe.Customer{ID: "cus_1"},
		Metadata: map[string]string{MetaProductID: testProduct},
	})
}

func TestRefund_DeductsCredits(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1000)

	refund := map[string]any{
		"id": "re_1", "object": "refund", "amount": 300, "currency": "usd",
		"status": "succeeded", "payment_intent": "pi_1",
	}
	ev := event("evt_r1", EventRefundCreated, refund)
	require.NoError(t, f.gw.Dispatch(context.Background(), ev))
	assertCents(t, 700, f.balance(t, "org_1"))

	require.NoError(t, f.gw.Dispatch(context.Background(), ev))
	assertCents(t, 700, f.balance(t, "org_1"))
}

func TestRefund_ViaCharge(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1000)
	f.stripe.AddCharge(&stripe.Charge{ID: "ch_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"}})

	refund := map[string]any{
		"id": "re_2", "object": "refund", "amount": 250, "currency": "usd",
		"status": "succeeded", "charge": "ch_1",
	}
	require.NoError(t, f.gw.Dispatch(context.Background(), event("evt_r2", EventRefundCreated, refund)))
	assertCents(t, 750, f.balance(t, "org_1"))
}

func TestRefund_ExceedsBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100)

	refund := map[string]any{
		"id": "re_3", "object": "refund", "amount": 500, "currency": "usd",
		"status": "succeeded", "payment_intent": "pi_1",
	}
	err := f.gw.Dispatch(context.Background(), event("evt_r3", EventRefundCreated, refund))
	require.ErrorIs(t, err, ledger.ErrRefundExceedsBalance)
	assert.Equal(t, 400, dispatchStatus(err))
	assertCents(t, 100, f.balance(t, "org_1"))

	processed, err := f.ledger.IsEventProcessed(context.Background(), "org_1", "evt_r3")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestRefund_Ignored(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1000)
	f.stripe.AddPaymentIntent(&stripe.PaymentIntent{ID: "pi_other", Metadata: map[string]string{MetaProductID: "prod_other"}})
	ctx := context.Background()

	pending := map[string]any{"id": "re_4", "object": "refund", "amount": 100, "currency": "usd", "status": "pending", "payment_intent": "pi_1"}
	require.NoError(t, f.gw.Dispatch(ctx, event("evt_r4", EventRefundCreated, pending)))

	otherProduct := map[string]any{"id": "re_5", "object": "refund", "amount": 100, "currency": "usd", "status": "succeeded", "payment_intent": "pi_other"}
	require.NoError(t, f.gw.Dispatch(ctx, event("evt_r5", EventRefundCreated, otherProduct)))

	assertCents(t, 1000, f.balance(t, "org_1"))
}

func TestRefund_StripeLookupFails(t *testing.T) {
	f := newFixture(t)

	refund := map[string]any{"id": "re_6", "object": "refund", "amount": 100, "currency": "usd", "status": "succeeded", "payment_intent": "pi_missing"}
	err := f.gw.Dispatch(context.Background(), event("evt_r6", EventRefundCreated, refund))
	require.Error(t, err)
	var se *stripe.Error
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, 500, dispatchStatus(err))
}

func dispute(status string) map[string]any {
	return map[string]any{
		"id": "dp_1", "object": "dispute", "amount": 1000, "currency": "usd",
		"reason": "fraudulent", "status": status, "charge": "ch_1",
		"payment_intent": "pi_1", "created": 1700000000,
	}
}

func TestDispute_Lifecycle(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1000)
	ctx := context.Background()

	require.NoError(t, f.gw.Dispatch(ctx, event("evt_d1", EventDisputeCreated, dispute("needs_response"))))

	st, err := f.ledger.GetWalletState(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeStatusSuspended, st.DisputeStatus)
	require.Len(t, st.ActiveDisputes, 1)
	assert.Equal(t, "ch_1", st.ActiveDisputes[0].ChargeID)

	_, err = f.ledger.Reserve(ctx, "org_1", "req_1", decimal.NewFromInt(10), ledger.CreditLine{}, ledger.ReserveOptions{})
	assert.ErrorIs(t, err, ledger.ErrDisputeSuspended)

	require.NoError(t, f.gw.Dispatch(ctx, event("evt_d2", EventDisputeUpdated, dispute("under_review"))))
	require.NoError(t, f.gw.Dispatch(ctx, event("evt_d3", EventDisputeClosed, dispute("won"))))

	st, err = f.ledger.GetWalletState(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeStatusActive, st.DisputeStatus)
	assert.Empty(t, st.ActiveDisputes)

	_, err = f.ledger.Reserve(ctx, "org_1", "req_2", decimal.NewFromInt(10), ledger.CreditLine{}, ledger.ReserveOptions{})
	assert.NoError(t, err)
}

func TestDispute_UpdateBeforeCreate(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1000)
	ctx := context.Background()

	require.NoError(t, f.gw.Dispatch(ctx, event("evt_d4", EventDisputeUpdated, dispute("warning_under_review"))))
	st, err := f.ledger.GetWalletState(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, st.ActiveDisputes, 1)

	// The late created event updates instead of failing.
	require.NoError(t, f.gw.Dispatch(ctx, event("evt_d5", EventDisputeCreated, dispute("needs_response"))))
	st, err = f.ledger.GetWalletState(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, st.ActiveDisputes, 1)
	assert.Equal(t, "needs_response", st.ActiveDisputes[0].Status)
}

func TestDispute_ChargeOnly(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1000)
	f.stripe.AddCharge(&stripe.Charge{ID: "ch_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_1"}})

	d := dispute("needs_response")
	delete(d, "payment_intent")
	require.NoError(t, f.gw.Dispatch(context.Background(), event("evt_d6", EventDisputeCreated, d)))

	st, err := f.ledger.GetWalletState(context.Background(), "org_1")
	require.NoError(t, err)
	assert.Len(t, st.ActiveDisputes, 1)
}

func TestCreditsFor(t *testing.T) {
	tests := []struct {
		name     string
		received int64
		meta     string
		want     int64
	}{
		{"no metadata", 1000, "", 1000},
		{"metadata below received", 1060, "1000", 1000},
		{"metadata equal", 1000, "1000", 1000},
		{"metadata above received", 500, "600", 500},
		{"metadata garbage", 500, "ten", 500},
		{"metadata zero", 500, "0", 500},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pi := &stripe.PaymentIntent{AmountReceived: tc.received, Metadata: map[string]string{}}
			if tc.meta != "" {
				pi.Metadata[MetaCreditsCents] = tc.meta
			}
			assert.Equal(t, tc.want, creditsFor(pi))
		})
	}
}
