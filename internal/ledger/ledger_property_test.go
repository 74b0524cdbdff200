package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// TestLedger_InvariantsHoldForAnySequence drives random reserve, finalize,
// cancel and credit sequences against one organization and checks the
// wallet state against a simple model after every step.
func TestLedger_InvariantsHoldForAnySequence(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		l := New(NewMemoryStore(), WithShards(4, 4))
		defer l.Close()
		ctx := context.Background()

		var credits, debits int64  // cents
		open := map[string]int64{} // escrow id -> cents
		var ids []string
		events := 0

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				amt := rapid.Int64Range(1, 5000).Draw(rt, "credit")
				events++
				if err := l.AddCredits(ctx, "org", amt, fmt.Sprintf("evt_%d", events), ""); err != nil {
					rt.Fatalf("add credits: %v", err)
				}
				credits += amt
			case 1:
				amt := rapid.Int64Range(0, 3000).Draw(rt, "reserve")
				var escrow int64
				for _, v := range open {
					escrow += v
				}
				res, err := l.Reserve(ctx, "org", "req", decimal.NewFromInt(amt), CreditLine{}, ReserveOptions{})
				fits := credits-debits-escrow-amt >= 1
				if fits != (err == nil) {
					rt.Fatalf("reserve %d with effective %d: err=%v", amt, credits-debits-escrow, err)
				}
				if err != nil && !errors.Is(err, ErrInsufficientFunds) {
					rt.Fatalf("unexpected error: %v", err)
				}
				if err == nil {
					open[res.EscrowID] = amt
					ids = append(ids, res.EscrowID)
				}
			case 2:
				if len(ids) == 0 {
					continue
				}
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "finalize_idx")]
				reserved, live := open[id]
				cost := int64(0)
				if live {
					cost = rapid.Int64Range(0, reserved).Draw(rt, "cost")
				}
				fin, err := l.Finalize(ctx, "org", id, decimal.NewFromInt(cost))
				if err != nil {
					rt.Fatalf("finalize: %v", err)
				}
				if fin.Found != live {
					rt.Fatalf("finalize found=%v, live=%v", fin.Found, live)
				}
				if live {
					debits += cost
					delete(open, id)
				}
			case 3:
				if len(ids) == 0 {
					continue
				}
				id := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "cancel_idx")]
				_, live := open[id]
				found, err := l.Cancel(ctx, "org", id)
				if err != nil {
					rt.Fatalf("cancel: %v", err)
				}
				if found != live {
					rt.Fatalf("cancel found=%v, live=%v", found, live)
				}
				delete(open, id)
			}

			st, err := l.GetWalletState(ctx, "org")
			if err != nil {
				rt.Fatalf("state: %v", err)
			}
			var escrow int64
			for _, v := range open {
				escrow += v
			}
			if !st.Balance.Equal(decimal.NewFromInt(credits - debits)) {
				rt.Fatalf("balance %s, want %d", st.Balance, credits-debits)
			}
			if !st.TotalEscrow.Equal(decimal.NewFromInt(escrow)) {
				rt.Fatalf("escrow %s, want %d", st.TotalEscrow, escrow)
			}
			if st.Balance.IsNegative() || st.TotalEscrow.IsNegative() || st.EffectiveBalance.IsNegative() {
				rt.Fatalf("negative state: %+v", st)
			}
			if !st.EffectiveBalance.Equal(st.Balance.Sub(st.TotalEscrow)) {
				rt.Fatalf("effective %s != balance %s - escrow %s", st.EffectiveBalance, st.Balance, st.TotalEscrow)
			}
		}
	})
}
