/*
Package loyalty provides the points ledger and redemption engine.

PURPOSE:
  Users earn points and spend them on rewards with limited stock. This
  package guarantees that a balance or a reward's stock is never spent
  twice when redemptions race, that every point movement is recorded, and
  that a redemption's status always agrees with the ledger and stock.

KEY CONCEPTS IN THIS FILE (types.go):
  - LedgerEntry: An immutable point movement (EARN, REDEEM, REFUND, ADJUST)
  - Redemption: A user's exchange of points for one or more rewards
  - RedemptionLine: One reward within a redemption, with snapshot fields
  - Reward: The catalog's view of a reward (cost, stock, active flag)

DESIGN PRINCIPLES:
  1. Balance is derived: SUM(points) over the user's entries, never stored
  2. Snapshots: line name/cost are frozen at redemption time
  3. Server-side pricing: costs always come from the catalog, never the client
  4. One transaction: stock, ledger and redemption rows commit together

SEE ALSO:
  - ledger.go: PointsLedger (balance + append)
  - engine.go: RedemptionEngine
  - workflow.go: Status transitions and their side effects
  - query.go: Paginated listing
*/
package loyalty

import (
	"strings"
	"time"
)

// =============================================================================
// LEDGER ENTRY - Immutable point movement
// =============================================================================

type EntryType string

const (
	EntryEarn   EntryType = "EARN"   // Points earned from an order
	EntryRedeem EntryType = "REDEEM" // Points spent on a redemption (negative)
	EntryRefund EntryType = "REFUND" // Points returned by a cancelled redemption
	EntryAdjust EntryType = "ADJUST" // Manual admin correction (either sign)
)

func (t EntryType) Valid() bool {
	switch t {
	case EntryEarn, EntryRedeem, EntryRefund, EntryAdjust:
		return true
	}
	return false
}

// LedgerEntry is one immutable row of the points ledger.
// Entries are never updated or deleted; corrections are new entries.
type LedgerEntry struct {
	ID           string
	UserID       string
	OrderID      *string
	RewardID     *int64
	RedemptionID *int64
	Points       int64
	Type         EntryType
	Reason       string
	CreatedAt    time.Time
}

// =============================================================================
// REWARD - Catalog view (referenced, not owned)
// =============================================================================

// Reward is what the catalog collaborator reports for a reward id.
type Reward struct {
	ID         int64
	Name       string
	PointsCost int64
	Stock      int64
	Active     bool
	UpdatedAt  time.Time
}

// =============================================================================
// REDEMPTION
// =============================================================================

type RedemptionStatus string

const (
	StatusPending    RedemptionStatus = "PENDING"
	StatusProcessing RedemptionStatus = "PROCESSING"
	StatusCompleted  RedemptionStatus = "COMPLETED"
	StatusCancelled  RedemptionStatus = "CANCELLED"
)

// ParseStatus accepts any letter case ("pending", "Pending", ...).
func ParseStatus(s string) (RedemptionStatus, bool) {
	st := RedemptionStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return st, true
	}
	return "", false
}

func (s RedemptionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s RedemptionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Redemption is a user's exchange of points for rewards.
//
// INVARIANT: TotalPoints == sum of Lines[i].TotalPoints.
type Redemption struct {
	ID          int64
	UserID      string
	Status      RedemptionStatus
	TotalPoints int64
	Comment     string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Lines   []RedemptionLine
	History []StatusChange
}

// RedemptionLine is one reward inside a redemption. RewardName and
// PointsCost are snapshots taken from the catalog at redemption time.
type RedemptionLine struct {
	ID           int64
	RedemptionID int64
	RewardID     int64
	RewardName   string
	Quantity     int64
	PointsCost   int64
	TotalPoints  int64
}

// StatusChange is the audit record of one workflow transition.
type StatusChange struct {
	ID           string
	RedemptionID int64
	From         RedemptionStatus
	To           RedemptionStatus
	Comment      string
	Actor        string
	CreatedAt    time.Time
}

// LinesTotal sums the line totals.
func (r *Redemption) LinesTotal() int64 {
	var sum int64
	for _, l := range r.Lines {
		sum += l.TotalPoints
	}
	return sum
}

// CheckInvariants verifies the redemption is internally consistent.
func (r *Redemption) CheckInvariants() error {
	if len(r.Lines) == 0 {
		return &InvariantError{RedemptionID: r.ID, Reason: "redemption has no lines"}
	}
	for _, l := range r.Lines {
		if l.Quantity <= 0 {
			return &InvariantError{RedemptionID: r.ID, Reason: "line quantity must be positive"}
		}
		if l.PointsCost < 0 {
			return &InvariantError{RedemptionID: r.ID, Reason: "line points cost must not be negative"}
		}
		if l.TotalPoints != l.PointsCost*l.Quantity {
			return &InvariantError{RedemptionID: r.ID, Reason: "line total does not match cost * quantity"}
		}
	}
	if r.TotalPoints != r.LinesTotal() {
		return &InvariantError{RedemptionID: r.ID, Reason: "total points does not match sum of lines"}
	}
	return nil
}

// =============================================================================
// REDEEM INPUT
// =============================================================================

// RedeemRequest is the trusted input of a redemption: only reward ids and
// quantities. Costs and names are always re-read from the catalog.
type RedeemRequest struct {
	UserID string
	Lines  []LineRequest
}

type LineRequest struct {
	RewardID int64
	Quantity int64
}
