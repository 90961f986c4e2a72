package loyalty_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// EARN RULE
// =============================================================================

func TestEarnRule_Points_FloorsDecimalProduct(t *testing.T) {
	tests := []struct {
		rate  string
		total string
		want  int64
	}{
		{"1", "19.99", 19},
		{"10", "19.99", 199},
		{"0.5", "3", 1},
		{"1", "0", 0},
		{"2.5", "100.10", 250},
	}
	for _, tt := range tests {
		t.Run(tt.rate+"x"+tt.total, func(t *testing.T) {
			rule, err := loyalty.ParseEarnRule(tt.rate)
			require.NoError(t, err)

			pts, err := rule.Points(decimal.RequireFromString(tt.total))
			require.NoError(t, err)
			assert.Equal(t, tt.want, pts)
		})
	}
}

func TestEarnRule_Invalid(t *testing.T) {
	_, err := loyalty.ParseEarnRule("ten")
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	_, err = loyalty.ParseEarnRule("-1")
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	_, err = loyalty.DefaultEarnRule().Points(decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, loyalty.ErrValidation)
}

// =============================================================================
// POINTS SERVICE
// =============================================================================

func newPoints(st loyalty.Store) *loyalty.PointsService {
	ps := loyalty.NewPointsService(st, loyalty.DefaultEarnRule())
	ps.Retry = fastRetry()
	return ps
}

func TestEarn_CreditsOncePerOrder(t *testing.T) {
	// GIVEN: An order of 120.75
	// WHEN: Earning twice for the same order id
	// THEN: First call credits 120 points, second fails with ErrDuplicateOrder

	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		ctx := context.Background()
		ps := newPoints(st)
		in := loyalty.EarnInput{UserID: "user-1", OrderID: "order-42", OrderTotal: decimal.RequireFromString("120.75")}

		entry, err := ps.Earn(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, loyalty.EntryEarn, entry.Type)
		assert.Equal(t, int64(120), entry.Points)
		require.NotNil(t, entry.OrderID)
		assert.Equal(t, "order-42", *entry.OrderID)

		_, err = ps.Earn(ctx, in)
		assert.ErrorIs(t, err, loyalty.ErrDuplicateOrder)
		assert.Equal(t, int64(120), balanceOf(t, st, "user-1"))
	})
}

func TestEarn_MissingFields(t *testing.T) {
	ps := newPoints(testStores[0].open(t))
	ctx := context.Background()

	_, err := ps.Earn(ctx, loyalty.EarnInput{OrderID: "o", OrderTotal: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, loyalty.ErrValidation)

	_, err = ps.Earn(ctx, loyalty.EarnInput{UserID: "u", OrderTotal: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, loyalty.ErrValidation)
}

func TestAdjust_NegativeMayNotOverdraw(t *testing.T) {
	// GIVEN: User with 50 points
	// WHEN: Adjusting by -80, then by -50
	// THEN: The first fails with InsufficientPoints, the second empties the balance

	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		ctx := context.Background()
		seedPoints(t, st, "user-1", 50)
		ps := newPoints(st)

		_, err := ps.Adjust(ctx, "user-1", -80, "goodwill reversal")
		var pointsErr *loyalty.InsufficientPointsError
		require.ErrorAs(t, err, &pointsErr)
		assert.Equal(t, int64(50), pointsErr.Available)
		assert.Equal(t, int64(80), pointsErr.Requested)

		entry, err := ps.Adjust(ctx, "user-1", -50, "goodwill reversal")
		require.NoError(t, err)
		assert.Equal(t, loyalty.EntryAdjust, entry.Type)
		assert.Equal(t, int64(0), balanceOf(t, st, "user-1"))
	})
}

func TestAdjust_Invalid(t *testing.T) {
	ps := newPoints(testStores[0].open(t))
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		points int64
		reason string
	}{
		{"no user", "", 10, "r"},
		{"zero points", "u", 0, "r"},
		{"no reason", "u", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ps.Adjust(ctx, tt.user, tt.points, tt.reason)
			assert.ErrorIs(t, err, loyalty.ErrValidation)
		})
	}
}

func TestHistory_NewestFirst(t *testing.T) {
	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		ctx := context.Background()
		ps := newPoints(st)
		seedPoints(t, st, "user-1", 100)
		_, err := ps.Adjust(ctx, "user-1", 5, "birthday")
		require.NoError(t, err)
		seedPoints(t, st, "someone-else", 999)

		entries, err := ps.History(ctx, "user-1")
		require.NoError(t, err)

		require.Len(t, entries, 2)
		assert.Equal(t, loyalty.EntryAdjust, entries[0].Type)
		assert.Equal(t, loyalty.EntryEarn, entries[1].Type)
		for _, e := range entries {
			assert.Equal(t, "user-1", e.UserID)
		}
	})
}

// =============================================================================
// LEDGER SIGN CONVENTIONS
// =============================================================================

func TestPointsLedger_Append_EnforcesSigns(t *testing.T) {
	tests := []struct {
		name   string
		typ    loyalty.EntryType
		points int64
		ok     bool
	}{
		{"earn positive", loyalty.EntryEarn, 10, true},
		{"earn negative", loyalty.EntryEarn, -10, false},
		{"redeem negative", loyalty.EntryRedeem, -10, true},
		{"redeem positive", loyalty.EntryRedeem, 10, false},
		{"refund negative", loyalty.EntryRefund, -10, false},
		{"adjust positive", loyalty.EntryAdjust, 10, true},
		{"unknown type", loyalty.EntryType("BONUS"), 10, false},
	}

	st := testStores[0].open(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			err := st.WithTx(ctx, func(tx loyalty.Tx) error {
				_, err := loyalty.NewPointsLedger(tx, nil).Append(ctx, loyalty.LedgerEntry{
					UserID: "sign-test",
					Points: tt.points,
					Type:   tt.typ,
				})
				return err
			})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, loyalty.ErrValidation)
			}
		})
	}
}

func TestPointsLedger_Debit_ChecksBalance(t *testing.T) {
	st := testStores[0].open(t)
	seedPoints(t, st, "user-1", 30)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx loyalty.Tx) error {
		_, err := loyalty.NewPointsLedger(tx, nil).Debit(ctx, loyalty.LedgerEntry{
			UserID: "user-1", Points: -31, Type: loyalty.EntryAdjust, Reason: "x",
		})
		return err
	})

	assert.ErrorIs(t, err, loyalty.ErrInsufficientPoints)
	assert.Equal(t, int64(30), balanceOf(t, st, "user-1"))
}

func TestBalance_NeverNegative_AcrossMixedOperations(t *testing.T) {
	// GIVEN: A sequence of earns, redemptions, cancellations and debits,
	//        some of which must be refused
	// WHEN: Each is applied in order
	// THEN: The balance after every step is >= 0 and equals the ledger sum

	forEachStore(t, func(t *testing.T, st loyalty.Store) {
		ctx := context.Background()
		seedReward(t, st, reward(1, 70, 100))
		engine := newEngine(st, nil)
		workflow := newWorkflow(st, nil)
		ps := newPoints(st)

		seedPoints(t, st, "user-1", 100)
		steps := []func() error{
			func() error { _, err := engine.Redeem(ctx, loyalty.RedeemRequest{UserID: "user-1", Lines: []loyalty.LineRequest{line(1, 1)}}); return err },
			func() error { _, err := engine.Redeem(ctx, loyalty.RedeemRequest{UserID: "user-1", Lines: []loyalty.LineRequest{line(1, 1)}}); return err },
			func() error { _, err := ps.Adjust(ctx, "user-1", -31, "too much"); return err },
			func() error {
				_, err := workflow.Transition(ctx, loyalty.TransitionInput{RedemptionID: 1, To: loyalty.StatusCancelled})
				return err
			},
			func() error { _, err := ps.Adjust(ctx, "user-1", -100, "clawback"); return err },
			func() error { _, err := engine.Redeem(ctx, loyalty.RedeemRequest{UserID: "user-1", Lines: []loyalty.LineRequest{line(1, 1)}}); return err },
		}

		for i, step := range steps {
			_ = step()
			b := balanceOf(t, st, "user-1")
			assert.GreaterOrEqual(t, b, int64(0), "step %d", i)

			entries, err := st.Entries(ctx, "user-1")
			require.NoError(t, err)
			var sum int64
			for _, e := range entries {
				sum += e.Points
			}
			assert.Equal(t, sum, b, "step %d", i)
		}
	})
}
