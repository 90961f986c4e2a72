/*
ledger.go - Append-only points ledger

PURPOSE:
  The ledger is the immutable source of truth for every point movement.
  A user's balance is always computed by summing their entries - there is
  no separate "balance" column that can drift or lose an update.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. NON-NEGATIVE: After every committed transaction, balance >= 0.
  3. IN-TRANSACTION READS: A spend decision reads the balance inside the
     same transaction that appends the debit, after LockUser.

CORRECTIONS:
  A cancelled redemption is never "un-spent" by editing its REDEEM entry.
  A REFUND entry with the opposite sign is appended instead:

    EARN   +500
    REDEEM -200   (redemption #1)
    REFUND +200   (redemption #1 cancelled)
    balance = 500

SEE ALSO:
  - store.go: Tx.AppendEntry / Tx.Balance
  - earn.go: EARN entries from orders
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// POINTS LEDGER - Bound to one transaction
// =============================================================================

// PointsLedger is the ledger as seen from inside one storage transaction.
type PointsLedger struct {
	tx  Tx
	now func() time.Time
}

func NewPointsLedger(tx Tx, now func() time.Time) *PointsLedger {
	if now == nil {
		now = utcNow
	}
	return &PointsLedger{tx: tx, now: now}
}

// Balance sums all entries for the user within the current transaction.
func (l *PointsLedger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.tx.Balance(ctx, userID)
}

// Append persists one entry, filling ID and CreatedAt when empty.
// Storage faults come back as *LedgerWriteError; the caller retries the
// enclosing transaction, never the append alone.
func (l *PointsLedger) Append(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if entry.UserID == "" {
		return entry, invalid("user_id", "must not be empty")
	}
	if !entry.Type.Valid() {
		return entry, invalid("type", "unknown entry type %q", entry.Type)
	}
	if err := checkSign(entry); err != nil {
		return entry, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now()
	}

	if err := l.tx.AppendEntry(ctx, entry); err != nil {
		if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrDuplicateOrder) {
			return entry, err
		}
		return entry, &LedgerWriteError{EntryType: entry.Type, Err: err}
	}
	return entry, nil
}

// Debit appends a negative entry after verifying the balance covers it.
// The caller must already hold LockUser for entry.UserID.
func (l *PointsLedger) Debit(ctx context.Context, entry LedgerEntry) (LedgerEntry, error) {
	if entry.Points > 0 {
		return entry, invalid("points", "debit must not be positive")
	}
	balance, err := l.Balance(ctx, entry.UserID)
	if err != nil {
		return entry, err
	}
	if balance+entry.Points < 0 {
		return entry, &InsufficientPointsError{
			UserID:    entry.UserID,
			Available: balance,
			Requested: -entry.Points,
		}
	}
	return l.Append(ctx, entry)
}

// checkSign enforces the sign convention of each entry type.
func checkSign(e LedgerEntry) error {
	switch e.Type {
	case EntryEarn, EntryRefund:
		if e.Points < 0 {
			return invalid("points", "%s entry must not be negative", e.Type)
		}
	case EntryRedeem:
		if e.Points > 0 {
			return invalid("points", "REDEEM entry must not be positive")
		}
	}
	return nil
}

// =============================================================================
// POINTS SERVICE - Ledger operations outside a redemption
// =============================================================================

// PointsService handles earning, manual adjustments and balance reads.
type PointsService struct {
	Store    Store
	EarnRule EarnRule
	Retry    RetryPolicy
	Now      func() time.Time
}

func NewPointsService(store Store, rule EarnRule) *PointsService {
	return &PointsService{Store: store, EarnRule: rule, Retry: DefaultRetryPolicy(), Now: utcNow}
}

// Balance is a display read; it is never used for a spend decision.
func (ps *PointsService) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, invalid("user_id", "must not be empty")
	}
	return ps.Store.Balance(ctx, userID)
}

// History returns the user's entries, newest first.
func (ps *PointsService) History(ctx context.Context, userID string) ([]LedgerEntry, error) {
	if userID == "" {
		return nil, invalid("user_id", "must not be empty")
	}
	return ps.Store.Entries(ctx, userID)
}

// Earn credits points for a paid order. Each order earns at most once.
func (ps *PointsService) Earn(ctx context.Context, in EarnInput) (LedgerEntry, error) {
	if in.UserID == "" {
		return LedgerEntry{}, invalid("user_id", "must not be empty")
	}
	if in.OrderID == "" {
		return LedgerEntry{}, invalid("order_id", "must not be empty")
	}
	pts, err := ps.EarnRule.Points(in.OrderTotal)
	if err != nil {
		return LedgerEntry{}, err
	}

	var created LedgerEntry
	err = ps.Retry.Do(ctx, func() error {
		return ps.Store.WithTx(ctx, func(tx Tx) error {
			exists, err := tx.HasOrderEntry(ctx, in.OrderID, EntryEarn)
			if err != nil {
				return err
			}
			if exists {
				return fmt.Errorf("%w: %s", ErrDuplicateOrder, in.OrderID)
			}
			orderID := in.OrderID
			created, err = NewPointsLedger(tx, ps.Now).Append(ctx, LedgerEntry{
				UserID:  in.UserID,
				OrderID: &orderID,
				Points:  pts,
				Type:    EntryEarn,
				Reason:  fmt.Sprintf("order %s (total %s)", in.OrderID, in.OrderTotal.StringFixed(2)),
			})
			return err
		})
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	log.Printf("[Ledger] EARN user=%s order=%s points=%d", in.UserID, in.OrderID, pts)
	return created, nil
}

// Adjust appends a manual correction. A negative adjustment may not take
// the balance below zero.
func (ps *PointsService) Adjust(ctx context.Context, userID string, points int64, reason string) (LedgerEntry, error) {
	if userID == "" {
		return LedgerEntry{}, invalid("user_id", "must not be empty")
	}
	if points == 0 {
		return LedgerEntry{}, invalid("points", "must not be zero")
	}
	if reason == "" {
		return LedgerEntry{}, invalid("reason", "must not be empty")
	}

	var created LedgerEntry
	err := ps.Retry.Do(ctx, func() error {
		return ps.Store.WithTx(ctx, func(tx Tx) error {
			if err := tx.LockUser(ctx, userID); err != nil {
				return err
			}
			ledger := NewPointsLedger(tx, ps.Now)
			entry := LedgerEntry{UserID: userID, Points: points, Type: EntryAdjust, Reason: reason}
			var err error
			if points < 0 {
				created, err = ledger.Debit(ctx, entry)
			} else {
				created, err = ledger.Append(ctx, entry)
			}
			return err
		})
	})
	if err != nil {
		return LedgerEntry{}, err
	}

	log.Printf("[Ledger] ADJUST user=%s points=%+d reason=%q", userID, points, reason)
	return created, nil
}

func utcNow() time.Time { return time.Now().UTC() }
