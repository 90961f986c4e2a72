package loyalty_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
	"github.com/warp/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// testStores lists every store the engine tests run against.
var testStores = []struct {
	name string
	open func(t *testing.T) loyalty.Store
}{
	{"memory", func(t *testing.T) loyalty.Store { return store.NewMemory() }},
	{"sqlite", func(t *testing.T) loyalty.Store {
		s, err := sqlite.New(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	}},
}

// forEachStore runs fn once per store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, st loyalty.Store)) {
	for _, ts := range testStores {
		t.Run(ts.name, func(t *testing.T) {
			fn(t, ts.open(t))
		})
	}
}

// fastRetry keeps conflict retries short in tests.
func fastRetry() loyalty.RetryPolicy {
	return loyalty.RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func newEngine(st loyalty.Store, n loyalty.Notifier) *loyalty.RedemptionEngine {
	e := loyalty.NewRedemptionEngine(st, n)
	e.Retry = fastRetry()
	return e
}

func newWorkflow(st loyalty.Store, n loyalty.Notifier) *loyalty.RedemptionWorkflow {
	w := loyalty.NewRedemptionWorkflow(st, n)
	w.Retry = fastRetry()
	return w
}

func seedReward(t *testing.T, st loyalty.Store, r loyalty.Reward) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.SaveReward(ctx, r)
	}))
}

func reward(id, cost, stock int64) loyalty.Reward {
	return loyalty.Reward{ID: id, Name: "Reward " + uuid.NewString()[:8], PointsCost: cost, Stock: stock, Active: true}
}

// seedPoints credits points as an EARN entry for a fresh order id.
func seedPoints(t *testing.T, st loyalty.Store, userID string, points int64) {
	t.Helper()
	ctx := context.Background()
	orderID := "order-" + uuid.NewString()
	require.NoError(t, st.WithTx(ctx, func(tx loyalty.Tx) error {
		_, err := loyalty.NewPointsLedger(tx, nil).Append(ctx, loyalty.LedgerEntry{
			UserID:  userID,
			OrderID: &orderID,
			Points:  points,
			Type:    loyalty.EntryEarn,
			Reason:  "test seed",
		})
		return err
	}))
}

func balanceOf(t *testing.T, st loyalty.Store, userID string) int64 {
	t.Helper()
	b, err := st.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func stockOf(t *testing.T, st loyalty.Store, rewardID int64) int64 {
	t.Helper()
	r, err := st.GetReward(context.Background(), rewardID)
	require.NoError(t, err)
	require.NotNil(t, r)
	return r.Stock
}

func redeem(t *testing.T, e *loyalty.RedemptionEngine, userID string, lines ...loyalty.LineRequest) *loyalty.Redemption {
	t.Helper()
	r, err := e.Redeem(context.Background(), loyalty.RedeemRequest{UserID: userID, Lines: lines})
	require.NoError(t, err)
	return r
}

func line(rewardID, qty int64) loyalty.LineRequest {
	return loyalty.LineRequest{RewardID: rewardID, Quantity: qty}
}

// =============================================================================
// MOCK NOTIFIER
// =============================================================================

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) RedemptionCreated(_ context.Context, r loyalty.Redemption) error {
	return m.Called(r.ID, r.Status).Error(0)
}

func (m *mockNotifier) RedemptionStatusChanged(_ context.Context, r loyalty.Redemption, from loyalty.RedemptionStatus) error {
	return m.Called(r.ID, from, r.Status).Error(0)
}

// gateNotifier blocks each call until release is closed or its context ends,
// then reports the outcome on result.
type gateNotifier struct {
	started chan struct{}
	release chan struct{}
	result  chan error
}

func newGateNotifier() *gateNotifier {
	return &gateNotifier{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
		result:  make(chan error, 1),
	}
}

func (g *gateNotifier) block(ctx context.Context) error {
	g.started <- struct{}{}
	select {
	case <-g.release:
		g.result <- nil
	case <-ctx.Done():
		g.result <- ctx.Err()
	}
	return nil
}

func (g *gateNotifier) RedemptionCreated(ctx context.Context, _ loyalty.Redemption) error {
	return g.block(ctx)
}

func (g *gateNotifier) RedemptionStatusChanged(ctx context.Context, _ loyalty.Redemption, _ loyalty.RedemptionStatus) error {
	return g.block(ctx)
}
