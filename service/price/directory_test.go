package price

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_UsesPersistedSnapshotForSameDay(t *testing.T) {
	snapshots := &MemorySnapshots{}
	require.NoError(t, snapshots.SaveCoins(context.Background(), "2024-05-01", testCoins))
	lister := &fakeLister{coins: []coingecko.Coin{{ID: "other", Symbol: "oth"}}}

	dir := NewDirectory(lister, snapshots, retry.NoDelay, nil, nil)
	ids, err := dir.Candidates(context.Background(), "2024-05-01", "ETH")
	require.NoError(t, err)

	assert.Equal(t, []string{"ethereum", "bridged-eth"}, ids)
	assert.Equal(t, 0, lister.calls)
}

func TestDirectory_RefetchesOnDayRollover(t *testing.T) {
	snapshots := &MemorySnapshots{}
	lister := &fakeLister{coins: testCoins}
	dir := NewDirectory(lister, snapshots, retry.NoDelay, nil, nil)
	ctx := context.Background()

	_, err := dir.Coins(ctx, "2024-05-01")
	require.NoError(t, err)
	_, err = dir.Coins(ctx, "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, 1, lister.calls)

	coins, err := dir.Coins(ctx, "2024-05-02")
	require.NoError(t, err)
	assert.Len(t, coins, len(testCoins))
	assert.Equal(t, 2, lister.calls)

	saved, ok, err := snapshots.LoadCoins(ctx, "2024-05-02")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, saved, len(testCoins))
}

func TestDirectory_RetriesRateLimitedList(t *testing.T) {
	lister := &fakeLister{coins: testCoins, fails: 2}
	dir := NewDirectory(lister, nil, retry.NoDelay, nil, nil)

	coins, err := dir.Coins(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Len(t, coins, len(testCoins))
	assert.Equal(t, 3, lister.calls)
}

type brokenLister struct{ err error }

func (b brokenLister) ListCoins(ctx context.Context) ([]coingecko.Coin, error) {
	return nil, b.err
}

func TestDirectory_HardErrorIsReturned(t *testing.T) {
	boom := errors.New("unexpected coin list response")
	dir := NewDirectory(brokenLister{err: boom}, nil, retry.NoDelay, nil, nil)

	_, err := dir.Coins(context.Background(), "2024-05-01")
	assert.ErrorIs(t, err, boom)
}

func TestDirectory_Refresh(t *testing.T) {
	snapshots := &MemorySnapshots{}
	require.NoError(t, snapshots.SaveCoins(context.Background(), "2024-05-01", nil))
	lister := &fakeLister{coins: testCoins}
	dir := NewDirectory(lister, snapshots, retry.NoDelay, nil, nil)

	n, err := dir.Refresh(context.Background(), "2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, len(testCoins), n)

	ids, err := dir.Candidates(context.Background(), "2024-05-01", "usdc")
	require.NoError(t, err)
	assert.Equal(t, []string{"usd-coin", "wrapped-usdc"}, ids)
	assert.Equal(t, 1, lister.calls)
}
