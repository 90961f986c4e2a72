package loyalty_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

var allStatuses = []loyalty.RedemptionStatus{
	loyalty.StatusPending,
	loyalty.StatusProcessing,
	loyalty.StatusCompleted,
	loyalty.StatusCancelled,
}

func transition(t *testing.T, w *loyalty.RedemptionWorkflow, id int64, to loyalty.RedemptionStatus, comment string) *loyalty.Redemption {
	t.Helper()
	r, err := w.Transition(context.Background(), loyalty.TransitionInput{
		RedemptionID: id,
		To:           to,
		Comment:      comment,
		Actor:        "ops",
	})
	require.NoError(t, err)
	return r
}

// =============================================================================
// TRANSITION TABLE
// =============================================================================

func TestCanTransition_Table(t *testing.T) {
	allowed := map[[2]loyalty.RedemptionStatus]bool{
		{loyalty.StatusPending, loyalty.StatusProcessing}:   true,
		{loyalty.StatusPending, loyalty.StatusCancelled}:    true,
		{loyalty.StatusProcessing, loyalty.StatusCompleted}: true,
		{loyalty.StatusProcessing, loyalty.StatusCancelled}: true,
	}

	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]loyalty.RedemptionStatus{from, to}]
			assert.Equal(t, want, loyalty.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestNextStatuses(t *testing.T) {
	assert.Equal(t, []loyalty.RedemptionStatus{loyalty.StatusProcessing, loyalty.StatusCancelled},
		loyalty.NextStatuses(loyalty.StatusPending))
	assert.Equal(t, []loyalty.RedemptionStatus{loyalty.StatusCompleted, loyalty.StatusCancelled},
		loyalty.NextStatuses(loyalty.StatusProcessing))
	assert.Empty(t, loyalty.NextStatuses(loyalty.StatusCompleted))
	assert.Empty(t, loyalty.NextStatuses(loyalty.StatusCancelled))
}

// =============================================================================
// SIDE EFFECTS
// =============================================================================

func TestTransition_CancelFromProcessing_RefundsAndRestocks(t *testing.T) {
	// GIVEN: User had 500 points and redeemed 2 x 100 (stock 10 -> 8)
	// WHEN: PENDING -> PROCESSING -> CANCELLED with a comment
	// THEN: Balance back to 500, stock back to 10, comment persisted

	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		ctx := context.Background()
		seedReward(t, st, reward(1, 100, 10))
		seedPoints(t, st, "user-1", 500)
		r := redeem(t, newEngine(st, nil), "user-1", line(1, 2))
		w := newWorkflow(st, nil)

		transition(t, w, r.ID, loyalty.StatusProcessing, "")
		assert.Equal(t, int64(300), balanceOf(t, st, "user-1"), "processing has no side effect")

		cancelled := transition(t, w, r.ID, loyalty.StatusCancelled, "out of stock upstream")

		assert.Equal(t, loyalty.StatusCancelled, cancelled.Status)
		assert.Equal(t, int64(500), balanceOf(t, st, "user-1"))
		assert.Equal(t, int64(10), stockOf(t, st, 1))

		stored, err := st.GetRedemption(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, loyalty.StatusCancelled, stored.Status)
		assert.Equal(t, "out of stock upstream", stored.Comment)
		require.Len(t, stored.History, 3)
		assert.Equal(t, loyalty.StatusProcessing, stored.History[2].From)
		assert.Equal(t, loyalty.StatusCancelled, stored.History[2].To)
		assert.Equal(t, "out of stock upstream", stored.History[2].Comment)
		assert.Equal(t, "ops", stored.History[2].Actor)

		entries, err := st.Entries(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, loyalty.EntryRefund, entries[0].Type)
		assert.Equal(t, int64(200), entries[0].Points)
		require.NotNil(t, entries[0].RedemptionID)
		assert.Equal(t, r.ID, *entries[0].RedemptionID)
	})
}

func TestTransition_CancelMultiLine_RoundTrip(t *testing.T) {
	// GIVEN: A redemption over two rewards
	// WHEN: Cancelling it straight from PENDING
	// THEN: Balance and every stock return to their pre-redemption values

	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		seedReward(t, st, reward(1, 40, 5))
		seedReward(t, st, reward(2, 15, 7))
		seedPoints(t, st, "user-1", 300)

		r := redeem(t, newEngine(st, nil), "user-1", line(2, 3), line(1, 2))
		require.Equal(t, int64(300-125), balanceOf(t, st, "user-1"))

		transition(t, newWorkflow(st, nil), r.ID, loyalty.StatusCancelled, "")

		assert.Equal(t, int64(300), balanceOf(t, st, "user-1"))
		assert.Equal(t, int64(5), stockOf(t, st, 1))
		assert.Equal(t, int64(7), stockOf(t, st, 2))
	})
}

func TestTransition_Complete_KeepsPointsSpent(t *testing.T) {
	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		seedReward(t, st, reward(1, 100, 10))
		seedPoints(t, st, "user-1", 500)
		r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))
		w := newWorkflow(st, nil)

		transition(t, w, r.ID, loyalty.StatusProcessing, "")
		done := transition(t, w, r.ID, loyalty.StatusCompleted, "shipped")

		assert.Equal(t, loyalty.StatusCompleted, done.Status)
		assert.Equal(t, int64(400), balanceOf(t, st, "user-1"))
		assert.Equal(t, int64(9), stockOf(t, st, 1))
	})
}

// =============================================================================
// REJECTED TRANSITIONS
// =============================================================================

func TestTransition_FromCompleted_IsRejected(t *testing.T) {
	// GIVEN: A COMPLETED redemption
	// WHEN: Moving it back to PROCESSING
	// THEN: InvalidStatusTransition, stored state unchanged

	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		ctx := context.Background()
		seedReward(t, st, reward(1, 100, 10))
		seedPoints(t, st, "user-1", 500)
		r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))
		w := newWorkflow(st, nil)
		transition(t, w, r.ID, loyalty.StatusProcessing, "")
		transition(t, w, r.ID, loyalty.StatusCompleted, "delivered")

		before, err := st.GetRedemption(ctx, r.ID)
		require.NoError(t, err)

		_, err = w.Transition(ctx, loyalty.TransitionInput{RedemptionID: r.ID, To: loyalty.StatusProcessing})

		require.ErrorIs(t, err, loyalty.ErrInvalidStatusTransition)
		var tErr *loyalty.InvalidStatusTransitionError
		require.ErrorAs(t, err, &tErr)
		assert.Equal(t, loyalty.StatusCompleted, tErr.From)
		assert.Equal(t, loyalty.StatusProcessing, tErr.To)

		after, err := st.GetRedemption(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
		assert.Equal(t, int64(400), balanceOf(t, st, "user-1"))
	})
}

func TestTransition_CancelTwice_RefundsOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		seedReward(t, st, reward(1, 100, 10))
		seedPoints(t, st, "user-1", 500)
		r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))
		w := newWorkflow(st, nil)

		transition(t, w, r.ID, loyalty.StatusCancelled, "")
		_, err := w.Transition(context.Background(), loyalty.TransitionInput{RedemptionID: r.ID, To: loyalty.StatusCancelled})

		assert.ErrorIs(t, err, loyalty.ErrInvalidStatusTransition)
		assert.Equal(t, int64(500), balanceOf(t, st, "user-1"))
		assert.Equal(t, int64(10), stockOf(t, st, 1))
	})
}

func TestTransition_ConcurrentCancels_RefundOnce(t *testing.T) {
	// GIVEN: A PENDING redemption
	// WHEN: Two cancellations race
	// THEN: One wins, the other sees CANCELLED and is rejected

	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		seedReward(t, st, reward(1, 100, 10))
		seedPoints(t, st, "user-1", 500)
		r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))
		w := newWorkflow(st, nil)

		start := make(chan struct{})
		errs := make([]error, 2)
		var wg sync.WaitGroup
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = w.Transition(context.Background(), loyalty.TransitionInput{
					RedemptionID: r.ID,
					To:           loyalty.StatusCancelled,
				})
			}(i)
		}
		close(start)
		wg.Wait()

		var ok, rejected int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, loyalty.ErrInvalidStatusTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, rejected)
		assert.Equal(t, int64(500), balanceOf(t, st, "user-1"))
		assert.Equal(t, int64(10), stockOf(t, st, 1))
	})
}

func TestTransition_UnknownRedemption(t *testing.T) {
	st := testStores[0].open(t)
	w := newWorkflow(st, nil)

	for _, id := range []int64{0, -1, 404} {
		_, err := w.Transition(context.Background(), loyalty.TransitionInput{RedemptionID: id, To: loyalty.StatusProcessing})
		assert.ErrorIs(t, err, loyalty.ErrRedemptionNotFound, "id %d", id)
	}
}

func TestTransition_UnknownStatus_IsValidationError(t *testing.T) {
	st := testStores[0].open(t)
	seedReward(t, st, reward(1, 10, 10))
	seedPoints(t, st, "user-1", 100)
	r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))

	_, err := newWorkflow(st, nil).Transition(context.Background(), loyalty.TransitionInput{
		RedemptionID: r.ID,
		To:           "SHIPPED",
	})
	assert.ErrorIs(t, err, loyalty.ErrValidation)
}

func TestTransition_RefetchTerminal_NeverChanges(t *testing.T) {
	// GIVEN: A CANCELLED redemption
	// WHEN: Fetching it repeatedly
	// THEN: Every read returns the same state

	st := testStores[1].open(t)
	seedReward(t, st, reward(1, 10, 10))
	seedPoints(t, st, "user-1", 100)
	r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))
	transition(t, newWorkflow(st, nil), r.ID, loyalty.StatusCancelled, "changed my mind")

	q := loyalty.NewQueryService(st)
	first, err := q.Get(context.Background(), r.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := q.Get(context.Background(), r.ID)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, int64(100), balanceOf(t, st, "user-1"))
}

func TestTransition_NotifiesWithPreviousStatus(t *testing.T) {
	st := testStores[0].open(t)
	seedReward(t, st, reward(1, 10, 10))
	seedPoints(t, st, "user-1", 100)
	r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))

	n := &mockNotifier{}
	n.On("RedemptionStatusChanged", r.ID, loyalty.StatusPending, loyalty.StatusProcessing).Return(nil).Once()

	w := newWorkflow(st, n)
	transition(t, w, r.ID, loyalty.StatusProcessing, "")
	w.Wait()

	n.AssertExpectations(t)
	n.AssertNotCalled(t, "RedemptionCreated", mock.Anything, mock.Anything)
}

func TestTransition_NotifierOutlivesRequestContext(t *testing.T) {
	// GIVEN: A notifier that blocks until released
	// WHEN: The request context is cancelled right after Transition returns
	// THEN: The notification still completes without a context error

	st := testStores[0].open(t)
	seedReward(t, st, reward(1, 10, 10))
	seedPoints(t, st, "user-1", 100)
	r := redeem(t, newEngine(st, nil), "user-1", line(1, 1))

	n := newGateNotifier()
	w := newWorkflow(st, n)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := w.Transition(ctx, loyalty.TransitionInput{RedemptionID: r.ID, To: loyalty.StatusCancelled, Actor: "admin-1"})
	require.NoError(t, err)
	cancel()

	<-n.started
	close(n.release)
	w.Wait()
	assert.NoError(t, <-n.result)
	assert.Equal(t, int64(100), balanceOf(t, st, "user-1"))
}

func TestTransition_CorruptRedemption_IsRejectedBeforeRefund(t *testing.T) {
	// GIVEN: A stored redemption whose total does not match its lines
	// WHEN: Cancelling it
	// THEN: ErrInvariantViolation, no refund, no restock, status unchanged

	st := testStores[0].open(t)
	seedReward(t, st, reward(1, 100, 10))
	ctx := context.Background()

	bad := &loyalty.Redemption{
		UserID:      "user-1",
		Status:      loyalty.StatusPending,
		TotalPoints: 50,
		Lines: []loyalty.RedemptionLine{
			{RewardID: 1, RewardName: "reward-1", Quantity: 1, PointsCost: 100, TotalPoints: 100},
		},
	}
	require.NoError(t, st.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.InsertRedemption(ctx, bad)
	}))

	_, err := newWorkflow(st, nil).Transition(ctx, loyalty.TransitionInput{
		RedemptionID: bad.ID,
		To:           loyalty.StatusCancelled,
		Actor:        "admin-1",
	})

	require.ErrorIs(t, err, loyalty.ErrInvariantViolation)
	assert.Zero(t, balanceOf(t, st, "user-1"))
	assert.Equal(t, int64(10), stockOf(t, st, 1))

	stored, err := st.GetRedemption(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.StatusPending, stored.Status)
}
