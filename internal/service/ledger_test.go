package service

import (
	"context"
	"sync"
	"testing"

	"cart-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(mem *memStorage) *Ledger {
	return NewLedger(mem, mem, nil)
}

func TestConcurrentReserveNoOversell(t *testing.T) {
	const attempts = 20

	mem := newMemStorage()
	mem.seedProduct("p1", 1000, attempts-1)
	ledger := newTestLedger(mem)

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Reserve(context.Background(), "p1", 1)
		}(i)
	}
	wg.Wait()

	succeeded, insufficient := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		default:
			_, ok := models.IsInsufficientStock(err)
			require.True(t, ok, "unexpected error: %v", err)
			insufficient++
		}
	}

	assert.Equal(t, attempts-1, succeeded)
	assert.Equal(t, 1, insufficient)
	assert.Equal(t, attempts-1, mem.reserved("p1"))
}

func TestReserveThenReleaseRestores(t *testing.T) {
	mem := newMemStorage()
	mem.seedProduct("p1", 1000, 10)
	ledger := newTestLedger(mem)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "p1", 4)
	require.NoError(t, err)
	before := mem.reserved("p1")

	_, err = ledger.Reserve(ctx, "p1", 3)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, "p1", 3))

	assert.Equal(t, before, mem.reserved("p1"))
}

func TestReleaseClampsAtZero(t *testing.T) {
	mem := newMemStorage()
	mem.seedProduct("p1", 1000, 10)
	ledger := newTestLedger(mem)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "p1", 2)
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, "p1", 5))
	assert.Equal(t, 0, mem.reserved("p1"))

	require.NoError(t, ledger.Release(ctx, "p1", 1))
	assert.Equal(t, 0, mem.reserved("p1"))
}

func TestReserveReturnsAvailable(t *testing.T) {
	mem := newMemStorage()
	mem.seedProduct("p1", 1000, 10)
	ledger := newTestLedger(mem)

	available, err := ledger.Reserve(context.Background(), "p1", 4)
	require.NoError(t, err)
	assert.Equal(t, 6, available)
}

func TestReserveUnknownProduct(t *testing.T) {
	mem := newMemStorage()
	ledger := newTestLedger(mem)

	_, err := ledger.Reserve(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReserveInvalidDelta(t *testing.T) {
	mem := newMemStorage()
	mem.seedProduct("p1", 1000, 10)
	ledger := newTestLedger(mem)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "p1", 0)
	assert.ErrorIs(t, err, models.ErrInvalidQuantity)

	assert.ErrorIs(t, ledger.Release(ctx, "p1", -1), models.ErrInvalidQuantity)
	assert.ErrorIs(t, ledger.Commit(ctx, "p1", 0), models.ErrInvalidQuantity)
}

func TestCommitLeavesCountersUntouched(t *testing.T) {
	mem := newMemStorage()
	mem.seedProduct("p1", 1000, 10)
	ledger := newTestLedger(mem)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, "p1", 3)
	require.NoError(t, err)

	require.NoError(t, ledger.Commit(ctx, "p1", 3))
	assert.Equal(t, 3, mem.reserved("p1"))
}

func TestAvailabilityFallsBackToReader(t *testing.T) {
	mem := newMemStorage()
	mem.seedProduct("p1", 1000, 10)
	ledger := newTestLedger(mem)

	_, err := ledger.Reserve(context.Background(), "p1", 4)
	require.NoError(t, err)

	stock, reserved, err := ledger.Availability(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, stock)
	assert.Equal(t, 4, reserved)
}
