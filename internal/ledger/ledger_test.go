package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/money"
	"github.com/mbd888/walletgate/internal/sqldb"
	"github.com/mbd888/walletgate/migrations"
)

func cents(v string) decimal.Decimal { return decimal.RequireFromString(v) }

// forEachStore runs fn against a fresh ledger on every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, l *Ledger), opts ...Option) {
	t.Helper()

	stores := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			db, err := sqldb.OpenSQLite(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })
			require.NoError(t, migrations.Up(context.Background(), db, sqldb.DriverSQLite))
			s, err := NewSQLStore(db, sqldb.DriverSQLite)
			require.NoError(t, err)
			return s
		},
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			l := New(mk(t), append([]Option{WithShards(8, 16)}, opts...)...)
			t.Cleanup(l.Close)
			fn(t, l)
		})
	}
}

func TestLedger_ReserveFinalizeCancelScenario(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 1000, "evt_credit", "pi_1"))

		a, err := l.Reserve(ctx, "org_1", "req_a", cents("300"), CreditLine{}, ReserveOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, a.EscrowID)

		st, err := l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, st.EffectiveBalance.Equal(cents("700")), "effective=%s", st.EffectiveBalance)
		assert.True(t, st.TotalEscrow.Equal(cents("300")))

		_, err = l.Reserve(ctx, "org_1", "req_b", cents("800"), CreditLine{}, ReserveOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		var ife *InsufficientFundsError
		require.True(t, errors.As(err, &ife))
		assert.Equal(t, int64(700)*money.UnitsPerCent, ife.AvailableUnits)

		fin, err := l.Finalize(ctx, "org_1", a.EscrowID, cents("250"))
		require.NoError(t, err)
		assert.True(t, fin.Found)

		st, err = l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, st.TotalDebits.Equal(cents("250")))
		assert.True(t, st.Balance.Equal(cents("750")))
		assert.True(t, st.EffectiveBalance.Equal(cents("750")))
		assert.True(t, st.TotalEscrow.IsZero())

		found, err := l.Cancel(ctx, "org_1", a.EscrowID)
		require.NoError(t, err)
		assert.False(t, found, "cancel after finalize is a no-op")

		fin, err = l.Finalize(ctx, "org_1", a.EscrowID, cents("250"))
		require.NoError(t, err)
		assert.False(t, fin.Found)

		st, err = l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, st.TotalDebits.Equal(cents("250")), "second finalize must not debit")
	})
}

func TestLedger_FractionalCosts(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 100, "evt_1", ""))

		r, err := l.Reserve(ctx, "org_1", "req", cents("5"), CreditLine{}, ReserveOptions{})
		require.NoError(t, err)
		_, err = l.Finalize(ctx, "org_1", r.EscrowID, cents("0.0042"))
		require.NoError(t, err)

		st, err := l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, st.TotalDebits.Equal(cents("0.0042")), "debits=%s", st.TotalDebits)
		assert.True(t, st.Balance.Equal(cents("99.9958")))
	})
}

func TestLedger_CancelReleasesEscrow(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 500, "evt_1", ""))

		r, err := l.Reserve(ctx, "org_1", "req", cents("400"), CreditLine{}, ReserveOptions{})
		require.NoError(t, err)

		found, err := l.Cancel(ctx, "org_1", r.EscrowID)
		require.NoError(t, err)
		assert.True(t, found)

		st, err := l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, st.EffectiveBalance.Equal(cents("500")))
		assert.True(t, st.TotalDebits.IsZero())
	})
}

func TestLedger_ReserveRejectsInvalidAmount(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		_, err := l.Reserve(context.Background(), "org_1", "req", cents("-1"), CreditLine{}, ReserveOptions{})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = l.Finalize(context.Background(), "org_1", "esc", cents("-0.5"))
		assert.ErrorIs(t, err, ErrInvalidAmount)

		assert.ErrorIs(t, l.AddCredits(context.Background(), "org_1", 0, "evt", ""), ErrInvalidAmount)
	})
}

func TestLedger_MinimumReserve(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 100, "evt_1", ""))

		// 100 - 100 leaves nothing, below the one-cent floor.
		_, err := l.Reserve(ctx, "org_1", "req", cents("100"), CreditLine{}, ReserveOptions{})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		_, err = l.Reserve(ctx, "org_1", "req", cents("99"), CreditLine{}, ReserveOptions{})
		assert.NoError(t, err)
	})
}

func TestLedger_CreditLineHeadroom(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		line := CreditLine{Enabled: true, LimitCents: 500}

		_, err := l.Reserve(ctx, "org_1", "req_1", cents("400"), line, ReserveOptions{})
		require.NoError(t, err)

		_, err = l.Reserve(ctx, "org_1", "req_2", cents("100"), line, ReserveOptions{})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		_, err = l.Reserve(ctx, "org_1", "req_3", cents("1"), CreditLine{Enabled: false, LimitCents: 500}, ReserveOptions{})
		assert.ErrorIs(t, err, ErrInsufficientFunds, "disabled credit line grants nothing")
	})
}

func TestLedger_BypassSkipsBalanceOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()

		_, err := l.Reserve(ctx, "org_1", "req", cents("50"), CreditLine{}, ReserveOptions{Bypass: true})
		require.NoError(t, err)

		require.NoError(t, l.AddDispute(ctx, "org_1", Dispute{ID: "dp_1", Status: "needs_response", Currency: "usd"}, "evt_dp"))
		_, err = l.Reserve(ctx, "org_1", "req", cents("1"), CreditLine{}, ReserveOptions{Bypass: true})
		assert.ErrorIs(t, err, ErrDisputeSuspended)
	})
}

func TestLedger_ConcurrentReservesNeverOverspend(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 1000, "evt_1", ""))

		const n = 50
		var wg sync.WaitGroup
		var mu sync.Mutex
		var ok, insufficient int

		wg.Add(n)
		for i := 0; i < n; i++ {
			go func() {
				defer wg.Done()
				_, err := l.Reserve(ctx, "org_1", "req", cents("100"), CreditLine{}, ReserveOptions{})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, ErrInsufficientFunds):
					insufficient++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		// 1000 credits with a 1 cent floor fits exactly nine 100 cent escrows.
		assert.Equal(t, 9, ok)
		assert.Equal(t, n-9, insufficient)

		st, err := l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, st.TotalEscrow.Equal(cents("900")))
		assert.False(t, st.EffectiveBalance.IsNegative())
	})
}

func TestLedger_OrganizationsAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_a", 1000, "evt_1", ""))
		// Same event id for a different org is a different event.
		require.NoError(t, l.AddCredits(ctx, "org_b", 10, "evt_1", ""))

		_, err := l.Reserve(ctx, "org_b", "req", cents("100"), CreditLine{}, ReserveOptions{})
		assert.ErrorIs(t, err, ErrInsufficientFunds)

		require.NoError(t, l.SetAlertState(ctx, "org_a", DriftAlertID, true))
		a, err := l.GetTotalDebits(ctx, "org_a")
		require.NoError(t, err)
		b, err := l.GetTotalDebits(ctx, "org_b")
		require.NoError(t, err)
		assert.True(t, a.AlertOn)
		assert.False(t, b.AlertOn, "alert state is per organization")
	})
}

func TestLedger_AddCreditsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 1000, "evt_1", "pi_1"))
		assert.ErrorIs(t, l.AddCredits(ctx, "org_1", 1000, "evt_1", "pi_1"), ErrDuplicateEvent)

		processed, err := l.IsEventProcessed(ctx, "org_1", "evt_1")
		require.NoError(t, err)
		assert.True(t, processed)

		total, err := l.TotalCreditsPurchased(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, total.Equal(cents("1000")))
	})
}

func TestLedger_DeductCredits(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 1000, "evt_1", ""))
		_, err := l.Reserve(ctx, "org_1", "req", cents("600"), CreditLine{}, ReserveOptions{})
		require.NoError(t, err)

		err = l.DeductCredits(ctx, "org_1", 500, "evt_refund_big", "re_1")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRefundExceedsBalance)

		processed, err := l.IsEventProcessed(ctx, "org_1", "evt_refund_big")
		require.NoError(t, err)
		assert.False(t, processed, "rejected refund leaves no trace")

		require.NoError(t, l.DeductCredits(ctx, "org_1", 400, "evt_refund", "re_2"))
		assert.ErrorIs(t, l.DeductCredits(ctx, "org_1", 400, "evt_refund", "re_2"), ErrDuplicateEvent)

		st, err := l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, st.TotalCredits.Equal(cents("600")))
		assert.True(t, st.EffectiveBalance.IsZero())

		page, err := l.TableData(ctx, "org_1", "credit_purchases", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total, "refund is a separate negative row")
	})
}

func TestLedger_DisputeGuard(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 1000, "evt_1", ""))

		d := Dispute{ID: "dp_1", ChargeID: "ch_1", Amount: 500, Currency: "usd", Reason: "fraudulent", Status: "needs_response"}
		require.NoError(t, l.AddDispute(ctx, "org_1", d, "evt_dp_created"))

		st, err := l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.Equal(t, DisputeStatusSuspended, st.DisputeStatus)
		require.Len(t, st.ActiveDisputes, 1)
		assert.Equal(t, "dp_1", st.ActiveDisputes[0].ID)

		_, err = l.Reserve(ctx, "org_1", "req", cents("1"), CreditLine{}, ReserveOptions{})
		assert.ErrorIs(t, err, ErrDisputeSuspended)

		// Replays and duplicates.
		assert.ErrorIs(t, l.AddDispute(ctx, "org_1", d, "evt_dp_created"), ErrDuplicateEvent)
		assert.ErrorIs(t, l.AddDispute(ctx, "org_1", d, "evt_dp_other"), ErrDuplicateDispute)

		require.NoError(t, l.UpdateDispute(ctx, "org_1", "dp_1", "won", "", "evt_dp_closed"))
		assert.ErrorIs(t, l.UpdateDispute(ctx, "org_1", "dp_1", "won", "", "evt_dp_closed"), ErrDuplicateEvent)

		st, err = l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		assert.Equal(t, DisputeStatusActive, st.DisputeStatus)
		assert.Empty(t, st.ActiveDisputes)

		page, err := l.TableData(ctx, "org_1", "disputes", 0, 10)
		require.NoError(t, err)
		require.Equal(t, 1, page.Total, "disputes are never deleted")
		assert.Equal(t, "fraudulent", page.Data[0]["reason"])

		_, err = l.Reserve(ctx, "org_1", "req", cents("1"), CreditLine{}, ReserveOptions{})
		assert.NoError(t, err)

		assert.ErrorIs(t, l.UpdateDispute(ctx, "org_1", "dp_missing", "lost", "", "evt_x"), ErrDisputeNotFound)
	})
}

func TestLedger_DisallowList(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddToDisallowList(ctx, "org_1", "req_1", "openai", "gpt-x"))
		require.NoError(t, l.AddToDisallowList(ctx, "org_1", "req_2", "openai", "gpt-x"))

		st, err := l.GetWalletState(ctx, "org_1")
		require.NoError(t, err)
		require.Len(t, st.DisallowList, 1)
		assert.Equal(t, "req_2", st.DisallowList[0].RequestID)

		removed, err := l.RemoveFromDisallowList(ctx, "org_1", "openai", "gpt-x")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = l.RemoveFromDisallowList(ctx, "org_1", "openai", "gpt-x")
		require.NoError(t, err)
		assert.False(t, removed)
	})
}

func TestLedger_Reconciliation(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 1000, "evt_1", ""))
		r, err := l.Reserve(ctx, "org_1", "req", cents("10"), CreditLine{}, ReserveOptions{})
		require.NoError(t, err)

		fin, err := l.Finalize(ctx, "org_1", r.EscrowID, cents("5"))
		require.NoError(t, err)
		assert.True(t, fin.LastReconciledAt.Equal(now), "first debit starts the staleness window")

		require.NoError(t, l.RecordReconciliation(ctx, "org_1", 7*money.UnitsPerCent))
		snap, err := l.GetTotalDebits(ctx, "org_1")
		require.NoError(t, err)
		assert.Equal(t, 5*money.UnitsPerCent, snap.Debits)
		assert.Equal(t, 7*money.UnitsPerCent, snap.LastValue)
		assert.False(t, snap.AlertOn)
	}, WithClock(clock))
}

func TestLedger_ExpiredEscrows(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		_, err := l.Reserve(ctx, "org_a", "old", cents("1"), CreditLine{}, ReserveOptions{Bypass: true})
		require.NoError(t, err)

		mu.Lock()
		now = now.Add(time.Hour)
		mu.Unlock()
		_, err = l.Reserve(ctx, "org_b", "new", cents("1"), CreditLine{}, ReserveOptions{Bypass: true})
		require.NoError(t, err)

		expired, err := l.ExpiredEscrows(ctx, 30*time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "org_a", expired[0].OrgID)
		assert.Equal(t, "old", expired[0].RequestID)

		mu.Lock()
		now = now.Add(-time.Hour)
		mu.Unlock()
	}, WithClock(clock))
}

func TestLedger_TableData(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		for i, evt := range []string{"evt_1", "evt_2", "evt_3"} {
			require.NoError(t, l.AddCredits(ctx, "org_1", int64(100*(i+1)), evt, ""))
		}

		_, err := l.TableData(ctx, "org_1", "sqlite_master", 0, 10)
		assert.ErrorIs(t, err, ErrInvalidTable)

		page, err := l.TableData(ctx, "org_1", "processed_webhook_events", 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 3, page.Total)
		assert.Len(t, page.Data, 2)

		page, err = l.TableData(ctx, "org_1", "processed_webhook_events", 1, 2)
		require.NoError(t, err)
		assert.Len(t, page.Data, 1)

		page, err = l.TableData(ctx, "org_1", "escrows", -3, 0)
		require.NoError(t, err)
		assert.Equal(t, 0, page.Page)
		assert.Equal(t, DefaultPageSize, page.PageSize)
		assert.NotNil(t, page.Data)
		assert.Empty(t, page.Data)
	})
}

func TestLedger_SetCredits(t *testing.T) {
	forEachStore(t, func(t *testing.T, l *Ledger) {
		assert.ErrorIs(t, l.SetCredits(context.Background(), "org_1", 100, "evt"), ErrResetNotAllowed)
	})

	forEachStore(t, func(t *testing.T, l *Ledger) {
		ctx := context.Background()
		require.NoError(t, l.AddCredits(ctx, "org_1", 1000, "evt_1", ""))
		require.NoError(t, l.SetCredits(ctx, "org_1", 42, "evt_reset"))

		total, err := l.TotalCreditsPurchased(ctx, "org_1")
		require.NoError(t, err)
		assert.True(t, total.Equal(cents("42")))
	}, WithCreditReset(true))
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		page, size         int
		wantPage, wantSize int
	}{
		{0, 0, 0, DefaultPageSize},
		{-1, 10, 0, 10},
		{3, 5000, 3, MaxPageSize},
		{2, 1, 2, 1},
	}
	for _, tt := range tests {
		p, s := ClampPage(tt.page, tt.size)
		assert.Equal(t, tt.wantPage, p)
		assert.Equal(t, tt.wantSize, s)
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 200},
		{ErrInvalidAmount, 400},
		{ErrRefundExceedsBalance, 400},
		{&InsufficientFundsError{}, 429},
		{ErrDisputeSuspended, 403},
		{ErrEscrowNotFound, 404},
		{ErrDuplicateEvent, 409},
		{errors.New("disk on fire"), 500},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusCode(tt.err), "err=%v", tt.err)
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "insufficient_funds", ErrorCode(&InsufficientFundsError{}))
	assert.Equal(t, "wallet_suspended", ErrorCode(fmt.Errorf("reserve: %w", ErrDisputeSuspended)))
	assert.Equal(t, "forbidden", ErrorCode(ErrResetNotAllowed))
	assert.Equal(t, "invalid_request", ErrorCode(ErrInvalidTable))
	assert.Equal(t, "not_found", ErrorCode(ErrDisputeNotFound))
	assert.Equal(t, "conflict", ErrorCode(ErrDuplicateEvent))
	assert.Equal(t, "internal_error", ErrorCode(errors.New("boom")))
}

func TestIsUnresolved(t *testing.T) {
	for _, s := range []string{"warning_needs_response", "warning_under_review", "needs_response", "under_review"} {
		assert.True(t, IsUnresolved(s), s)
	}
	for _, s := range []string{"won", "lost", "warning_closed", ""} {
		assert.False(t, IsUnresolved(s), s)
	}
}
