/*
engine.go - Redemption engine

PURPOSE:
  Validates a redemption request against the catalog and the ledger and
  commits it as ONE storage transaction: stock decrement, REDEEM entry and
  redemption rows either all land or none do.

REDEMPTION FLOW:
  ┌──────────────────────────────────────────────────────────────────────┐
  │                                                                      │
  │  LockUser ──▶ lock rewards ──▶ price lines ──▶ balance ──▶ writes    │
  │  (per-user     (ascending      (catalog        (in-tx      (stock,   │
  │   serial)       id order)       cost only)      SUM)        ledger,  │
  │                                                             rows)    │
  │                                                                      │
  └──────────────────────────────────────────────────────────────────────┘

UNTRUSTED INPUT:
  The request carries only reward ids and quantities. Whatever cost or
  name a client sent is dropped before it reaches this package.

RETRIES:
  If the store reports ErrConcurrentModification the WHOLE transaction is
  re-run (RetryPolicy). A partially applied redemption is impossible
  because nothing is cleaned up by hand: rollback does it.

EXAMPLE:
  engine := loyalty.NewRedemptionEngine(store, loyalty.NopNotifier{})
  r, err := engine.Redeem(ctx, loyalty.RedeemRequest{
      UserID: "user-1",
      Lines:  []loyalty.LineRequest{{RewardID: 1, Quantity: 2}},
  })

SEE ALSO:
  - ledger.go: Balance and append
  - stock.go: RewardStockGuard
  - workflow.go: What happens after PENDING
*/
package loyalty

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedemptionEngine creates redemptions.
type RedemptionEngine struct {
	Store    Store
	Notifier Notifier
	Retry    RetryPolicy
	Now      func() time.Time

	// NotifyTimeout bounds each post-commit notification. Zero means
	// DefaultNotifyTimeout.
	NotifyTimeout time.Duration

	inst    instruments
	notices dispatcher
}

func NewRedemptionEngine(store Store, notifier Notifier) *RedemptionEngine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &RedemptionEngine{
		Store:         store,
		Notifier:      notifier,
		Retry:         DefaultRetryPolicy(),
		Now:           utcNow,
		NotifyTimeout: DefaultNotifyTimeout,
		inst:          newInstruments(),
	}
}

// Wait blocks until every notification sent so far has returned.
func (e *RedemptionEngine) Wait() { e.notices.wait() }

// Redeem validates and commits a redemption. On error nothing was written.
func (e *RedemptionEngine) Redeem(ctx context.Context, req RedeemRequest) (*Redemption, error) {
	ctx, span := e.inst.tracer.Start(ctx, "RedemptionEngine.Redeem",
		trace.WithAttributes(attribute.String("loyalty.user_id", req.UserID)))
	defer span.End()

	lines, err := normalizeLines(req)
	if err != nil {
		return nil, e.reject(ctx, span, req.UserID, err)
	}

	var created *Redemption
	err = e.Retry.Do(ctx, func() error {
		created = nil
		return e.Store.WithTx(ctx, func(tx Tx) error {
			r, err := e.redeemTx(ctx, tx, req.UserID, lines)
			if err != nil {
				return err
			}
			created = r
			return nil
		})
	})
	if err != nil {
		return nil, e.reject(ctx, span, req.UserID, err)
	}

	span.SetAttributes(
		attribute.Int64("loyalty.redemption_id", created.ID),
		attribute.Int64("loyalty.total_points", created.TotalPoints),
	)
	e.inst.add(ctx, e.inst.created)
	log.Printf("[Engine] redemption %d created: user=%s total=%d lines=%d",
		created.ID, created.UserID, created.TotalPoints, len(created.Lines))

	e.notifyCreated(ctx, *created)
	return created, nil
}

// redeemTx is the body of the redemption transaction.
func (e *RedemptionEngine) redeemTx(ctx context.Context, tx Tx, userID string, lines []LineRequest) (*Redemption, error) {
	// 1. Serialize with every other balance decision of this user
	if err := tx.LockUser(ctx, userID); err != nil {
		return nil, err
	}

	guard := NewRewardStockGuard(tx)
	ledger := NewPointsLedger(tx, e.Now)

	// 2. Lock rewards in ascending id order, check existence and stock
	ordered := make([]LineRequest, len(lines))
	copy(ordered, lines)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].RewardID < ordered[j].RewardID })

	rewards := make(map[int64]*Reward, len(ordered))
	for _, l := range ordered {
		reward, err := guard.Lookup(ctx, l.RewardID)
		if err != nil {
			return nil, err
		}
		if l.Quantity > reward.Stock {
			return nil, &InsufficientStockError{RewardID: l.RewardID, Available: reward.Stock, Requested: l.Quantity}
		}
		rewards[l.RewardID] = reward
	}

	// 3. Price every line from the catalog
	now := e.Now()
	r := &Redemption{
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var total int64
	for _, l := range lines {
		reward := rewards[l.RewardID]
		lineTotal, ok := mulInt64(reward.PointsCost, l.Quantity)
		if !ok {
			return nil, invalid("quantity", "points total overflows for reward %d", l.RewardID)
		}
		if total, ok = addInt64(total, lineTotal); !ok {
			return nil, invalid("rewards", "points total overflows")
		}
		r.Lines = append(r.Lines, RedemptionLine{
			RewardID:    l.RewardID,
			RewardName:  reward.Name,
			Quantity:    l.Quantity,
			PointsCost:  reward.PointsCost,
			TotalPoints: lineTotal,
		})
	}
	r.TotalPoints = total
	if err := r.CheckInvariants(); err != nil {
		return nil, err
	}

	// 4. Balance, read inside this transaction after LockUser
	balance, err := ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	if balance < total {
		return nil, &InsufficientPointsError{UserID: userID, Available: balance, Requested: total}
	}

	// 5. Writes: stock, redemption rows, ledger entry, audit record
	for _, l := range ordered {
		if err := guard.Reserve(ctx, rewards[l.RewardID], l.Quantity); err != nil {
			return nil, err
		}
	}

	if err := tx.InsertRedemption(ctx, r); err != nil {
		return nil, err
	}

	redemptionID := r.ID
	entry := LedgerEntry{
		UserID:       userID,
		RedemptionID: &redemptionID,
		Points:       -total,
		Type:         EntryRedeem,
		Reason:       fmt.Sprintf("redemption #%d", r.ID),
	}
	if len(r.Lines) == 1 {
		rewardID := r.Lines[0].RewardID
		entry.RewardID = &rewardID
	}
	if _, err := ledger.Append(ctx, entry); err != nil {
		return nil, err
	}

	created := StatusChange{
		RedemptionID: r.ID,
		To:           StatusPending,
		Actor:        userID,
		CreatedAt:    now,
	}
	if err := appendStatusChange(ctx, tx, &created); err != nil {
		return nil, err
	}
	r.History = []StatusChange{created}

	return r, nil
}

func (e *RedemptionEngine) reject(ctx context.Context, span trace.Span, userID string, err error) error {
	recordSpanError(span, err)
	reason := reasonOf(err)
	e.inst.add(ctx, e.inst.rejected, attribute.String("reason", reason))
	log.Printf("[Engine] redemption rejected: user=%s reason=%s err=%v", userID, reason, err)
	return err
}

// notifyCreated returns at once; the notifier runs in the background.
func (e *RedemptionEngine) notifyCreated(ctx context.Context, r Redemption) {
	e.notices.send(ctx, e.NotifyTimeout, fmt.Sprintf("redemption %d created", r.ID), func(ctx context.Context) error {
		return e.Notifier.RedemptionCreated(ctx, r)
	})
}

// normalizeLines validates the request and merges repeated reward ids,
// keeping first-seen order.
func normalizeLines(req RedeemRequest) ([]LineRequest, error) {
	if req.UserID == "" {
		return nil, invalid("user_id", "must not be empty")
	}
	if len(req.Lines) == 0 {
		return nil, invalid("rewards", "at least one reward is required")
	}

	index := make(map[int64]int, len(req.Lines))
	var out []LineRequest
	for _, l := range req.Lines {
		if l.RewardID <= 0 {
			return nil, invalid("reward_id", "must be positive, got %d", l.RewardID)
		}
		if l.Quantity <= 0 {
			return nil, invalid("quantity", "must be positive for reward %d, got %d", l.RewardID, l.Quantity)
		}
		if i, ok := index[l.RewardID]; ok {
			sum, ok := addInt64(out[i].Quantity, l.Quantity)
			if !ok {
				return nil, invalid("quantity", "too large for reward %d", l.RewardID)
			}
			out[i].Quantity = sum
			continue
		}
		index[l.RewardID] = len(out)
		out = append(out, l)
	}
	return out, nil
}

func mulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > math.MaxInt64/b {
		return 0, false
	}
	return a * b, true
}

func addInt64(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}
