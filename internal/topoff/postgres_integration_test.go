//go:build integration

package topoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/sqldb"
	"github.com/mbd888/walletgate/internal/testutil"
)

func TestPostgres_SettingsLifecycle(t *testing.T) {
	store, err := NewSQLStore(testutil.PGTest(t), sqldb.DriverPostgres)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, store.Save(ctx, &Settings{
		OrgID:             "org_pg",
		Enabled:           true,
		ThresholdCents:    1_000,
		TopoffAmountCents: 5_000,
		PaymentMethodID:   "pm_card",
		UpdatedAt:         now,
	}))
	require.NoError(t, store.RecordAttempt(ctx, "org_pg", now))

	for want := 1; want <= MaxConsecutiveFailures; want++ {
		n, err := store.IncrementFailures(ctx, "org_pg")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	require.NoError(t, store.Disable(ctx, "org_pg"))

	got, err := store.Get(ctx, "org_pg")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, MaxConsecutiveFailures, got.ConsecutiveFailures)
	require.NotNil(t, got.LastTopoffAt)
	assert.True(t, got.LastTopoffAt.Equal(now))
}
