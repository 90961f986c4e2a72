/*
workflow.go - Redemption status workflow

PURPOSE:
  Moves a redemption through its lifecycle. Legal moves and their side
  effects live in ONE table; there is no other place that decides whether
  a status may change.

STATE MACHINE:

    PENDING ──────▶ PROCESSING ──────▶ COMPLETED
       │                 │
       │                 │
       └──▶ CANCELLED ◀──┘
           (refund + restock)

  COMPLETED and CANCELLED are terminal. Same-state moves are rejected.

ATOMICITY:
  The side effect (REFUND entry, stock restore) and the status update run
  in the same Tx. A cancellation that refunds without changing status, or
  the reverse, cannot be committed.

SEE ALSO:
  - engine.go: Creates redemptions in PENDING
  - ledger.go: REFUND entries
*/
package loyalty

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================

type transitionKey struct {
	from, to RedemptionStatus
}

// sideEffect runs inside the transition's Tx, before the status write.
type sideEffect func(ctx context.Context, tx Tx, r *Redemption, now func() time.Time) error

var transitionTable = map[transitionKey]sideEffect{
	{StatusPending, StatusProcessing}:   noEffect,
	{StatusPending, StatusCancelled}:    refundAndRestock,
	{StatusProcessing, StatusCompleted}: noEffect,
	{StatusProcessing, StatusCancelled}: refundAndRestock,
}

func noEffect(context.Context, Tx, *Redemption, func() time.Time) error { return nil }

// refundAndRestock gives back the points and stock taken at redemption time.
func refundAndRestock(ctx context.Context, tx Tx, r *Redemption, now func() time.Time) error {
	if err := tx.LockUser(ctx, r.UserID); err != nil {
		return err
	}

	redemptionID := r.ID
	if _, err := NewPointsLedger(tx, now).Append(ctx, LedgerEntry{
		UserID:       r.UserID,
		RedemptionID: &redemptionID,
		Points:       r.TotalPoints,
		Type:         EntryRefund,
		Reason:       fmt.Sprintf("redemption #%d cancelled", r.ID),
	}); err != nil {
		return err
	}

	lines := make([]RedemptionLine, len(r.Lines))
	copy(lines, r.Lines)
	sort.Slice(lines, func(i, j int) bool { return lines[i].RewardID < lines[j].RewardID })

	guard := NewRewardStockGuard(tx)
	for _, l := range lines {
		if err := guard.Release(ctx, l.RewardID, l.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to RedemptionStatus) bool {
	_, ok := transitionTable[transitionKey{from, to}]
	return ok
}

// NextStatuses lists the legal targets from a status.
func NextStatuses(from RedemptionStatus) []RedemptionStatus {
	var out []RedemptionStatus
	for _, to := range []RedemptionStatus{StatusPending, StatusProcessing, StatusCompleted, StatusCancelled} {
		if CanTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// =============================================================================
// WORKFLOW
// =============================================================================

// TransitionInput asks for one status change.
type TransitionInput struct {
	RedemptionID int64
	To           RedemptionStatus
	Comment      string
	Actor        string
}

type RedemptionWorkflow struct {
	Store         Store
	Notifier      Notifier
	Retry         RetryPolicy
	Now           func() time.Time
	NotifyTimeout time.Duration

	inst    instruments
	notices dispatcher
}

func NewRedemptionWorkflow(store Store, notifier Notifier) *RedemptionWorkflow {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &RedemptionWorkflow{
		Store:         store,
		Notifier:      notifier,
		Retry:         DefaultRetryPolicy(),
		Now:           utcNow,
		NotifyTimeout: DefaultNotifyTimeout,
		inst:          newInstruments(),
	}
}

// Wait blocks until every notification sent so far has returned.
func (w *RedemptionWorkflow) Wait() { w.notices.wait() }

// Transition applies one status change and its side effect atomically and
// returns the updated redemption with its history.
func (w *RedemptionWorkflow) Transition(ctx context.Context, in TransitionInput) (*Redemption, error) {
	ctx, span := w.inst.tracer.Start(ctx, "RedemptionWorkflow.Transition",
		trace.WithAttributes(
			attribute.Int64("loyalty.redemption_id", in.RedemptionID),
			attribute.String("loyalty.to_status", string(in.To)),
		))
	defer span.End()

	if in.RedemptionID <= 0 {
		err := fmt.Errorf("%w: %d", ErrRedemptionNotFound, in.RedemptionID)
		recordSpanError(span, err)
		return nil, err
	}
	if !in.To.Valid() {
		err := invalid("status", "unknown status %q", in.To)
		recordSpanError(span, err)
		return nil, err
	}

	var (
		updated *Redemption
		from    RedemptionStatus
	)
	err := w.Retry.Do(ctx, func() error {
		updated = nil
		return w.Store.WithTx(ctx, func(tx Tx) error {
			r, prev, err := w.transitionTx(ctx, tx, in)
			if err != nil {
				return err
			}
			updated, from = r, prev
			return nil
		})
	})
	if err != nil {
		recordSpanError(span, err)
		log.Printf("[Workflow] redemption %d -> %s rejected: %v", in.RedemptionID, in.To, err)
		return nil, err
	}

	w.inst.add(ctx, w.inst.transitions,
		attribute.String("from", string(from)),
		attribute.String("to", string(updated.Status)))
	log.Printf("[Workflow] redemption %d: %s -> %s by %q", updated.ID, from, updated.Status, in.Actor)

	notice := *updated
	w.notices.send(ctx, w.NotifyTimeout, fmt.Sprintf("redemption %d status", notice.ID), func(ctx context.Context) error {
		return w.Notifier.RedemptionStatusChanged(ctx, notice, from)
	})
	return updated, nil
}

func (w *RedemptionWorkflow) transitionTx(ctx context.Context, tx Tx, in TransitionInput) (*Redemption, RedemptionStatus, error) {
	r, err := tx.GetRedemptionForUpdate(ctx, in.RedemptionID)
	if err != nil {
		return nil, "", err
	}
	if r == nil {
		return nil, "", fmt.Errorf("%w: %d", ErrRedemptionNotFound, in.RedemptionID)
	}
	if err := r.CheckInvariants(); err != nil {
		return nil, "", err
	}

	from := r.Status
	effect, ok := transitionTable[transitionKey{from, in.To}]
	if !ok {
		return nil, "", &InvalidStatusTransitionError{From: from, To: in.To}
	}

	if err := effect(ctx, tx, r, w.Now); err != nil {
		return nil, "", err
	}

	now := w.Now()
	if err := tx.UpdateRedemptionStatus(ctx, r.ID, in.To, in.Comment, now); err != nil {
		return nil, "", err
	}

	change := StatusChange{
		RedemptionID: r.ID,
		From:         from,
		To:           in.To,
		Comment:      in.Comment,
		Actor:        in.Actor,
		CreatedAt:    now,
	}
	if err := appendStatusChange(ctx, tx, &change); err != nil {
		return nil, "", err
	}

	r.Status = in.To
	r.Comment = in.Comment
	r.UpdatedAt = now
	r.History = append(r.History, change)
	return r, from, nil
}

func appendStatusChange(ctx context.Context, tx Tx, change *StatusChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	return tx.AppendStatusChange(ctx, *change)
}
