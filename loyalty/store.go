/*
store.go - Persistence interfaces for the ledger, catalog mirror and redemptions

PURPOSE:
  Defines the boundary between the engine and the database. Every write
  that touches balances or stock goes through Tx, inside Store.WithTx, so
  the storage engine's transaction is the only atomicity mechanism.

KEY INTERFACES:
  Store:   Transaction entry point plus read-only queries
  Tx:      Operations available inside one storage transaction
  Catalog: The reward catalog collaborator (read + atomic stock moves)

APPEND-ONLY CONTRACT:
  Tx exposes AppendEntry for the ledger and nothing else:
  - NO UpdateEntry() or DeleteEntry() methods exist
  - Corrections are REFUND / ADJUST entries

LOCKING:
  LockUser serializes balance decisions for one user until the transaction
  ends. Catalog.GetReward inside a Tx locks the reward row. Callers lock the
  user first, then rewards in ascending id order.

IMPLEMENTATIONS:
  - store/sqlite: SQLite (BEGIN IMMEDIATE, single writer)
  - store/postgres: PostgreSQL via pgx (advisory + row locks)
  - loyalty/store: In-memory for tests

SEE ALSO:
  - engine.go, workflow.go: The only writers of stock and balances
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// CATALOG - Reward catalog collaborator
// =============================================================================

// Catalog is the reward catalog as seen from inside a transaction.
type Catalog interface {
	// GetReward returns the current reward row (locked until the transaction
	// ends) or nil if it does not exist.
	GetReward(ctx context.Context, id int64) (*Reward, error)

	// DecrementStock removes qty units. Implementations must refuse to go
	// below zero and report that as *InsufficientStockError.
	DecrementStock(ctx context.Context, id int64, qty int64) error

	// RestoreStock returns qty units.
	RestoreStock(ctx context.Context, id int64, qty int64) error
}

// =============================================================================
// TX - Operations inside one storage transaction
// =============================================================================

type Tx interface {
	Catalog

	// LockUser blocks concurrent balance-dependent transactions of the same
	// user until this transaction commits or rolls back.
	LockUser(ctx context.Context, userID string) error

	// Balance sums the user's ledger entries as visible to this transaction.
	Balance(ctx context.Context, userID string) (int64, error)

	// AppendEntry persists one immutable ledger entry.
	AppendEntry(ctx context.Context, entry LedgerEntry) error

	// HasOrderEntry reports whether an entry of the given type exists for orderID.
	HasOrderEntry(ctx context.Context, orderID string, entryType EntryType) (bool, error)

	// SaveReward upserts a reward into the catalog mirror.
	SaveReward(ctx context.Context, reward Reward) error

	// InsertRedemption stores the redemption and its lines, assigning ids.
	InsertRedemption(ctx context.Context, r *Redemption) error

	// GetRedemptionForUpdate loads and locks a redemption (nil if missing).
	GetRedemptionForUpdate(ctx context.Context, id int64) (*Redemption, error)

	// UpdateRedemptionStatus is the only mutation allowed on a redemption row.
	UpdateRedemptionStatus(ctx context.Context, id int64, status RedemptionStatus, comment string, at time.Time) error

	// AppendStatusChange records a workflow transition.
	AppendStatusChange(ctx context.Context, change StatusChange) error
}

// =============================================================================
// STORE - Transactions plus read-only queries
// =============================================================================

type Store interface {
	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// GetRedemption returns a redemption with lines and history, or nil.
	GetRedemption(ctx context.Context, id int64) (*Redemption, error)

	// ListRedemptions returns one page of redemptions (with lines) and the
	// total number of matches. The query is already normalized.
	ListRedemptions(ctx context.Context, q RedemptionQuery) ([]Redemption, int, error)

	// Entries returns the user's ledger entries, newest first.
	Entries(ctx context.Context, userID string) ([]LedgerEntry, error)

	// Balance is a read-only balance for display. Never use it for a spend
	// decision; use Tx.Balance instead.
	Balance(ctx context.Context, userID string) (int64, error)

	// GetReward returns a reward without locking, or nil.
	GetReward(ctx context.Context, id int64) (*Reward, error)

	// ListRewards returns the catalog mirror ordered by id.
	ListRewards(ctx context.Context) ([]Reward, error)
}
