package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trustengine/trustengine/pkg/store"
)

func TestGetNextBatchRotationCriticalEveryCycle(t *testing.T) {
	s := &fakeSchedulerStore{wallets: []store.TrackedWallet{
		{Wallet: "C1", Priority: TierCritical},
	}}
	cfg := DefaultRotationConfig()
	for cycle := int64(0); cycle < 5; cycle++ {
		batch, err := GetNextBatchRotation(s, cycle, 1000, cfg)
		require.NoError(t, err)
		require.Equal(t, []string{"C1"}, batch)
	}
}

func TestGetNextBatchRotationWatchlistOnlyEveryNCycles(t *testing.T) {
	s := &fakeSchedulerStore{wallets: []store.TrackedWallet{
		{Wallet: "W1", Priority: TierWatchlist},
	}}
	cfg := DefaultRotationConfig()

	batch, err := GetNextBatchRotation(s, 0, 1000, cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"W1"}, batch)

	batch, err = GetNextBatchRotation(s, 1, 1000, cfg)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestGetNextBatchRotationSkipsRecentlyAnalyzedWatchlist(t *testing.T) {
	recentlyAnalyzed := time.Unix(990, 0)
	s := &fakeSchedulerStore{wallets: []store.TrackedWallet{
		{Wallet: "W1", Priority: TierWatchlist, LastAnalyzedAt: &recentlyAnalyzed},
	}}
	cfg := DefaultRotationConfig()
	cfg.CycleIntervalSec = 30
	cfg.WatchlistEveryNCycles = 2

	batch, err := GetNextBatchRotation(s, 0, 1000, cfg)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestGetNextBatchRotationOrdersCriticalThenWatchlistThenNormal(t *testing.T) {
	s := &fakeSchedulerStore{wallets: []store.TrackedWallet{
		{Wallet: "N1", Priority: TierNormal},
		{Wallet: "W1", Priority: TierWatchlist},
		{Wallet: "C1", Priority: TierCritical},
	}}
	cfg := DefaultRotationConfig()

	batch, err := GetNextBatchRotation(s, 0, 1000, cfg)
	require.NoError(t, err)
	require.Equal(t, []string{"C1", "W1", "N1"}, batch)
}

func TestGetNextBatchRotationRespectsMaxWalletsPerCycle(t *testing.T) {
	s := &fakeSchedulerStore{wallets: []store.TrackedWallet{
		{Wallet: "C1", Priority: TierCritical},
		{Wallet: "C2", Priority: TierCritical},
		{Wallet: "C3", Priority: TierCritical},
	}}
	cfg := DefaultRotationConfig()
	cfg.MaxWalletsPerCycle = 2

	batch, err := GetNextBatchRotation(s, 0, 1000, cfg)
	require.NoError(t, err)
	require.Len(t, batch, 2)
}
