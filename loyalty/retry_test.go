package loyalty_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

// conflictingStore fails the first n transactions with a storage conflict.
type conflictingStore struct {
	loyalty.Store
	failures int32
	calls    atomic.Int32
}

func (s *conflictingStore) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	if s.calls.Add(1) <= s.failures {
		return fmt.Errorf("%w: database is locked", loyalty.ErrConcurrentModification)
	}
	return s.Store.WithTx(ctx, fn)
}

func TestRetryPolicy_RetriesOnlyConflicts(t *testing.T) {
	ctx := context.Background()
	p := fastRetry()

	t.Run("conflict then success", func(t *testing.T) {
		var calls int
		err := p.Do(ctx, func() error {
			calls++
			if calls < 3 {
				return loyalty.ErrConcurrentModification
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("client error is not retried", func(t *testing.T) {
		var calls int
		err := p.Do(ctx, func() error {
			calls++
			return &loyalty.InsufficientPointsError{UserID: "u", Available: 1, Requested: 2}
		})
		assert.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
		assert.Equal(t, 1, calls)
	})

	t.Run("ledger write is not retried", func(t *testing.T) {
		var calls int
		err := p.Do(ctx, func() error {
			calls++
			return &loyalty.LedgerWriteError{EntryType: loyalty.EntryRedeem, Err: loyalty.ErrConcurrentModification}
		})
		assert.ErrorIs(t, err, loyalty.ErrLedgerWrite)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted returns last conflict", func(t *testing.T) {
		var calls int
		err := p.Do(ctx, func() error {
			calls++
			return fmt.Errorf("%w: attempt %d", loyalty.ErrConcurrentModification, calls)
		})
		require.ErrorIs(t, err, loyalty.ErrConcurrentModification)
		assert.Contains(t, err.Error(), fmt.Sprintf("attempt %d", p.MaxAttempts))
		assert.Equal(t, int(p.MaxAttempts), calls)
	})
}

func TestRedeem_TransientConflict_IsRetriedTransparently(t *testing.T) {
	// GIVEN: A store whose first two transactions conflict
	// WHEN: Redeeming
	// THEN: The redemption succeeds once, with no duplicate side effects

	base := testStores[0].open(t)
	seedReward(t, base, reward(1, 100, 10))
	seedPoints(t, base, "user-1", 500)
	st := &conflictingStore{Store: base, failures: 2}

	r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))

	assert.Equal(t, int32(3), st.calls.Load())
	assert.Equal(t, int64(100), r.TotalPoints)
	assert.Equal(t, int64(400), balanceOf(t, base, "user-1"))
	assert.Equal(t, int64(9), stockOf(t, base, 1))
}

func TestRedeem_PersistentConflict_SurfacesAfterBound(t *testing.T) {
	base := testStores[0].open(t)
	seedReward(t, base, reward(1, 100, 10))
	seedPoints(t, base, "user-1", 500)
	st := &conflictingStore{Store: base, failures: 1000}
	engine := newEngine(st, nil)

	_, err := engine.Redeem(context.Background(), loyalty.RedeemRequest{
		UserID: "user-1",
		Lines:  []loyalty.LineRequest{line(1, 1)},
	})

	assert.True(t, errors.Is(err, loyalty.ErrConcurrentModification))
	assert.Equal(t, int32(engine.Retry.MaxAttempts), st.calls.Load())
	assert.Equal(t, int64(500), balanceOf(t, base, "user-1"))
}

func TestRedeem_CancelledContext_NoSideEffects(t *testing.T) {
	st := testStores[0].open(t)
	seedReward(t, st, reward(1, 100, 10))
	seedPoints(t, st, "user-1", 500)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(st, nil).Redeem(ctx, loyalty.RedeemRequest{
		UserID: "user-1",
		Lines:  []loyalty.LineRequest{line(1, 1)},
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(500), balanceOf(t, st, "user-1"))
}
