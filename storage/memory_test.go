package storage

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transferwatch/indexer-go/events"
)

func newTransfer(hash string, block uint64, amount int64, occurredAt time.Time) events.Transfer {
	return events.Transfer{
		Sender:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Recipient:   "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Amount:      big.NewInt(amount),
		TxHash:      hash,
		BlockNumber: block,
		OccurredAt:  occurredAt,
	}
}

func blockPtr(b uint64) *uint64 { return &b }

func TestMemoryStore_InsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Unix(1700000000, 0).UTC()
	inserted, err := store.Insert(ctx, newTransfer("0x01", 100, 10, base))
	require.NoError(t, err)
	require.True(t, inserted)

	// Re-inserting the same hash is a no-op even when the payload differs
	dup := newTransfer("0x01", 999, 777777, base.Add(time.Hour))
	for i := 0; i < 5; i++ {
		inserted, err = store.Insert(ctx, dup)
		require.NoError(t, err)
		require.False(t, inserted)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalEvents)
	require.Equal(t, "10", stats.TotalTransferred)

	result, err := store.Query(ctx, Filter{}, Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	require.Equal(t, uint64(100), result.Data[0].BlockNumber)
}

func TestMemoryStore_OrderingTieBreak(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Unix(1700000000, 0).UTC()
	// Insert out of order; two records share a block
	for _, tr := range []events.Transfer{
		newTransfer("0xbb", 200, 1, base),
		newTransfer("0xaa", 200, 1, base),
		newTransfer("0xcc", 100, 1, base),
		newTransfer("0xdd", 300, 1, base),
	} {
		_, err := store.Insert(ctx, tr)
		require.NoError(t, err)
	}

	result, err := store.Query(ctx, Filter{}, Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, result.Data, 4)

	hashes := make([]string, 0, len(result.Data))
	for _, tr := range result.Data {
		hashes = append(hashes, tr.TxHash)
	}
	// Block descending, hash ascending within the shared block
	require.Equal(t, []string{"0xdd", "0xaa", "0xbb", "0xcc"}, hashes)
}

func TestMemoryStore_LatestBlockEmpty(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.LatestBlock(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_DefaultWindowFloorsUnfilteredQueries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Unix(1700000000, 0).UTC()
	// 120 distinct blocks, one transfer each
	for i := 0; i < 120; i++ {
		block := uint64(1000 + i)
		_, err := store.Insert(ctx, newTransfer(fmt.Sprintf("0x%04x", i), block, 1, base))
		require.NoError(t, err)
	}

	// Unfiltered: floored at the 100th-most-recent distinct block (1020)
	result, err := store.Query(ctx, Filter{}, Page{Number: 1, Size: 200})
	require.NoError(t, err)
	require.Equal(t, 100, result.Pagination.TotalItems)
	require.Equal(t, uint64(1020), result.Data[len(result.Data)-1].BlockNumber)

	// An explicit start block disables the window
	result, err = store.Query(ctx, Filter{StartBlock: blockPtr(1000)}, Page{Number: 1, Size: 200})
	require.NoError(t, err)
	require.Equal(t, 120, result.Pagination.TotalItems)

	// So does a sender filter
	result, err = store.Query(ctx, Filter{Sender: "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}, Page{Number: 1, Size: 200})
	require.NoError(t, err)
	require.Equal(t, 120, result.Pagination.TotalItems)
}

func TestMemoryStore_WindowInactiveBelowDepth(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 50; i++ {
		_, err := store.Insert(ctx, newTransfer(fmt.Sprintf("0x%04x", i), uint64(1000+i), 1, base))
		require.NoError(t, err)
	}

	result, err := store.Query(ctx, Filter{}, Page{Number: 1, Size: 100})
	require.NoError(t, err)
	require.Equal(t, 50, result.Pagination.TotalItems)
}

func TestMemoryStore_PaginationBeyondLastPage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 7; i++ {
		_, err := store.Insert(ctx, newTransfer(fmt.Sprintf("0x%02x", i), uint64(100+i), 1, base))
		require.NoError(t, err)
	}

	result, err := store.Query(ctx, Filter{}, Page{Number: 4, Size: 3})
	require.NoError(t, err)
	require.Empty(t, result.Data)
	require.Equal(t, 7, result.Pagination.TotalItems)
	require.Equal(t, 3, result.Pagination.TotalPages)
	require.Equal(t, 4, result.Pagination.CurrentPage)
}

// TestMemoryStore_IngestAndQueryScenario walks a populated store through the
// main read paths: pagination metadata, sender filtering, block ranges,
// latest block, and aggregate stats.
func TestMemoryStore_IngestAndQueryScenario(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Unix(1700000000, 0).UTC()
	senders := []string{
		"0x1111111111111111111111111111111111111111",
		"0x2222222222222222222222222222222222222222",
		"0x3333333333333333333333333333333333333333",
	}

	expectedSum := new(big.Int)
	for i := 0; i < 12; i++ {
		amount := new(big.Int).Mul(big.NewInt(int64(i+1)), big.NewInt(1_000_000_000_000_000_000))
		expectedSum.Add(expectedSum, amount)

		tr := events.Transfer{
			Sender:      senders[i%len(senders)],
			Recipient:   senders[(i+1)%len(senders)],
			Amount:      amount,
			TxHash:      fmt.Sprintf("0x%064x", i+1),
			BlockNumber: uint64(1000000 + i),
			OccurredAt:  base.Add(time.Duration(i) * time.Hour),
		}
		inserted, err := store.Insert(ctx, tr)
		require.NoError(t, err)
		require.True(t, inserted)
	}

	// First page of five out of twelve
	result, err := store.Query(ctx, Filter{}, Page{Number: 1, Size: 5})
	require.NoError(t, err)
	require.Len(t, result.Data, 5)
	require.Equal(t, 12, result.Pagination.TotalItems)
	require.Equal(t, 3, result.Pagination.TotalPages)
	require.Equal(t, uint64(1000011), result.Data[0].BlockNumber)

	// Last page holds the remainder
	result, err = store.Query(ctx, Filter{}, Page{Number: 3, Size: 5})
	require.NoError(t, err)
	require.Len(t, result.Data, 2)

	// Sender filter: every third record
	result, err = store.Query(ctx, Filter{Sender: senders[0]}, Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Equal(t, 4, result.Pagination.TotalItems)
	for _, tr := range result.Data {
		require.Equal(t, senders[0], tr.Sender)
	}

	// Inclusive block range
	result, err = store.Query(ctx, Filter{
		StartBlock: blockPtr(1000002),
		EndBlock:   blockPtr(1000005),
	}, Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, result.Data, 4)
	require.Equal(t, uint64(1000005), result.Data[0].BlockNumber)
	require.Equal(t, uint64(1000002), result.Data[3].BlockNumber)

	latest, err := store.LatestBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1000011), latest)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(12), stats.TotalEvents)
	require.Equal(t, expectedSum.String(), stats.TotalTransferred)
	require.NotNil(t, stats.LastEventAt)
}
