package etherscan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/brojonat/txlens/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x8454178B380C115EdC9c8465f8DA0DceAe3DdFD0"

// universeLister serves pages out of a fixed, block-ordered set of rows.
type universeLister struct {
	mu       sync.Mutex
	rows     []Transaction
	pageSize int
	starts   []uint64
	limited  int
	err      error
}

func (u *universeLister) ListPage(ctx context.Context, address string, kind Kind, startBlock uint64) ([]Transaction, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.starts = append(u.starts, startBlock)
	if u.err != nil {
		return nil, u.err
	}
	if u.limited > 0 {
		u.limited--
		return nil, retry.ErrRateLimited
	}
	i := sort.Search(len(u.rows), func(i int) bool { return u.rows[i].BlockNumber >= startBlock })
	end := i + u.pageSize
	if end > len(u.rows) {
		end = len(u.rows)
	}
	page := make([]Transaction, end-i)
	copy(page, u.rows[i:end])
	return page, nil
}

func blockRange(from, to uint64, perBlock int) []Transaction {
	var rows []Transaction
	for b := from; b <= to; b++ {
		for j := 0; j < perBlock; j++ {
			rows = append(rows, Transaction{BlockNumber: b, Hash: fmt.Sprintf("0x%d-%d", b, j)})
		}
	}
	return rows
}

func newTestFetcher(lister PageLister, pageSize int) *Fetcher {
	return NewFetcher(lister, FetcherConfig{PageSize: pageSize, Retry: retry.NoDelay}, nil, nil)
}

func TestFetch_WalksPastPageCap(t *testing.T) {
	lister := &universeLister{rows: blockRange(1, 24000, 1), pageSize: DefaultPageSize}
	f := newTestFetcher(lister, DefaultPageSize)

	rows, err := f.Fetch(context.Background(), testAddress, KindERC20)
	require.NoError(t, err)

	require.Len(t, rows, 24000)
	seen := make(map[string]bool, len(rows))
	for i, r := range rows {
		assert.False(t, seen[r.Hash], "duplicate row %s", r.Hash)
		seen[r.Hash] = true
		if i > 0 {
			assert.GreaterOrEqual(t, r.BlockNumber, rows[i-1].BlockNumber)
		}
	}
	assert.Equal(t, []uint64{1, 10000, 19999}, lister.starts)
}

func TestFetch_BlocksSplitAcrossPages(t *testing.T) {
	// Three rows per block so page boundaries fall mid-block.
	lister := &universeLister{rows: blockRange(1, 40, 3), pageSize: 10}
	f := newTestFetcher(lister, 10)

	rows, err := f.Fetch(context.Background(), testAddress, KindNormal)
	require.NoError(t, err)
	assert.Len(t, rows, 120)

	seen := map[string]bool{}
	for _, r := range rows {
		assert.False(t, seen[r.Hash])
		seen[r.Hash] = true
	}
}

func TestFetch_Empty(t *testing.T) {
	lister := &universeLister{pageSize: DefaultPageSize}
	f := newTestFetcher(lister, DefaultPageSize)

	rows, err := f.Fetch(context.Background(), testAddress, KindInternal)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Len(t, lister.starts, 1)
}

func TestFetch_ShortFirstPage(t *testing.T) {
	lister := &universeLister{rows: blockRange(100, 9098, 1), pageSize: DefaultPageSize}
	f := newTestFetcher(lister, DefaultPageSize)

	rows, err := f.Fetch(context.Background(), testAddress, KindERC20)
	require.NoError(t, err)
	assert.Len(t, rows, 8999)
	assert.Len(t, lister.starts, 1)
}

func TestFetch_StallTerminates(t *testing.T) {
	lister := &universeLister{rows: blockRange(5, 5, DefaultPageSize+500), pageSize: DefaultPageSize}
	f := newTestFetcher(lister, DefaultPageSize)

	rows, err := f.Fetch(context.Background(), testAddress, KindERC20)
	require.NoError(t, err)
	assert.NotNil(t, rows)
	assert.Empty(t, rows)
	assert.Equal(t, []uint64{1, 5}, lister.starts)
}

func TestFetch_StallKeepsEarlierBlocks(t *testing.T) {
	rows := append(blockRange(1, 3, 2), blockRange(4, 4, 20)...)
	lister := &universeLister{rows: rows, pageSize: 10}
	f := newTestFetcher(lister, 10)

	got, err := f.Fetch(context.Background(), testAddress, KindERC20)
	require.NoError(t, err)
	// Blocks 1..3 survive; block 4 can never be paged past.
	assert.Len(t, got, 6)
}

func TestFetch_ShortTailInCursorBlockIsKept(t *testing.T) {
	rows := append(blockRange(1, 3, 3), blockRange(4, 4, 4)...)
	lister := &universeLister{rows: rows, pageSize: 10}
	f := newTestFetcher(lister, 10)

	got, err := f.Fetch(context.Background(), testAddress, KindERC20)
	require.NoError(t, err)
	assert.Len(t, got, 13)
	assert.Equal(t, []uint64{1, 4}, lister.starts)
}

func TestFetch_RetriesRateLimitedPage(t *testing.T) {
	lister := &universeLister{rows: blockRange(1, 50, 1), pageSize: DefaultPageSize, limited: 2}
	f := newTestFetcher(lister, DefaultPageSize)

	rows, err := f.Fetch(context.Background(), testAddress, KindERC20)
	require.NoError(t, err)
	assert.Len(t, rows, 50)
	assert.Len(t, lister.starts, 3)
}

func TestFetch_HardError(t *testing.T) {
	boom := fmt.Errorf("%w: NOTOK: Invalid API Key", ErrProvider)
	lister := &universeLister{err: boom, pageSize: DefaultPageSize}
	f := newTestFetcher(lister, DefaultPageSize)

	_, err := f.Fetch(context.Background(), testAddress, KindERC20)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProvider))
	assert.Len(t, lister.starts, 1)
}

func TestFetch_InvalidAddress(t *testing.T) {
	f := newTestFetcher(&universeLister{pageSize: 10}, 10)
	_, err := f.Fetch(context.Background(), "0x1234", KindERC20)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestFetchAll(t *testing.T) {
	lister := &universeLister{rows: blockRange(1, 3, 1), pageSize: DefaultPageSize}
	f := newTestFetcher(lister, DefaultPageSize)

	out, err := f.FetchAll(context.Background(), testAddress, KindERC20, KindNormal)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Len(t, out[KindERC20], 3)
	assert.Len(t, out[KindNormal], 3)

	all, err := f.FetchAll(context.Background(), testAddress)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("  " + testAddress + " ")
	require.NoError(t, err)
	assert.Equal(t, "0x8454178b380c115edc9c8465f8da0dceae3ddfd0", got)

	_, err = NormalizeAddress("not-an-address")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
