package engagement

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	addr := "0x7bA1f109551bD432803012645Ac136ddd64DBA99"
	record := testContract("pg-"+time.Now().Format("20060102150405.000000000"), addr)

	require.NoError(t, store.Create(ctx, record))
	require.ErrorIs(t, store.Create(ctx, testContract(record.ID+"-dup", addr)), ErrDuplicateAddress)

	got, err := store.GetByAddress(ctx, addr)
	require.NoError(t, err)
	require.Len(t, got.Milestones, 2)
	require.Equal(t, "250", got.TotalWei.String())

	require.NoError(t, store.UpdateMilestoneState(ctx, record.ID, 0, MilestoneFunded))
	require.ErrorIs(t, store.UpdateMilestoneState(ctx, record.ID, 0, MilestonePending), ErrInvalidTransition)

	require.NoError(t, store.ReconcileMilestoneState(ctx, addr, 0, MilestoneReleased))
	got, err = store.Get(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, MilestoneReleased, got.Milestones[0].State)
}
