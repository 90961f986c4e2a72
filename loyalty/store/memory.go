// Package store provides an in-memory loyalty.Store for tests and demos.
package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps. WithTx holds the lock for the whole
// callback, so transactions are fully serialized.
type Memory struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	entries      []loyalty.LedgerEntry
	earnOrders   map[string]bool
	rewards      map[int64]loyalty.Reward
	redemptions  map[int64]*loyalty.Redemption
	nextRedeemID int64
	nextLineID   int64
}

var (
	_ loyalty.Store = (*Memory)(nil)
	_ loyalty.Tx    = (*memoryTx)(nil)
)

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() memoryState {
	return memoryState{
		earnOrders:  make(map[string]bool),
		rewards:     make(map[int64]loyalty.Reward),
		redemptions: make(map[int64]*loyalty.Redemption),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.state.clone()
	if err := fn(&memoryTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

func (s *memoryState) clone() memoryState {
	c := memoryState{
		entries:      slices.Clone(s.entries),
		earnOrders:   make(map[string]bool, len(s.earnOrders)),
		rewards:      make(map[int64]loyalty.Reward, len(s.rewards)),
		redemptions:  make(map[int64]*loyalty.Redemption, len(s.redemptions)),
		nextRedeemID: s.nextRedeemID,
		nextLineID:   s.nextLineID,
	}
	for k, v := range s.earnOrders {
		c.earnOrders[k] = v
	}
	for k, v := range s.rewards {
		c.rewards[k] = v
	}
	for k, v := range s.redemptions {
		c.redemptions[k] = copyRedemption(v)
	}
	return c
}

func copyRedemption(r *loyalty.Redemption) *loyalty.Redemption {
	c := *r
	c.Lines = slices.Clone(r.Lines)
	c.History = slices.Clone(r.History)
	return &c
}

func (s *memoryState) balance(userID string) int64 {
	var sum int64
	for _, e := range s.entries {
		if e.UserID == userID {
			sum += e.Points
		}
	}
	return sum
}

// =============================================================================
// READS
// =============================================================================

func (m *Memory) GetRedemption(_ context.Context, id int64) (*loyalty.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.redemptions[id]
	if !ok {
		return nil, nil
	}
	return copyRedemption(r), nil
}

func (m *Memory) ListRedemptions(_ context.Context, q loyalty.RedemptionQuery) ([]loyalty.Redemption, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(q.Search)
	var matched []loyalty.Redemption
	for _, r := range m.state.redemptions {
		if q.UserID != "" && r.UserID != q.UserID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(r.UserID), search) {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.MinPoints != nil && r.TotalPoints < *q.MinPoints {
			continue
		}
		if q.MaxPoints != nil && r.TotalPoints > *q.MaxPoints {
			continue
		}
		if q.DateFrom != nil && r.CreatedAt.Before(*q.DateFrom) {
			continue
		}
		if q.DateTo != nil && r.CreatedAt.After(*q.DateTo) {
			continue
		}
		c := copyRedemption(r)
		c.History = nil
		matched = append(matched, *c)
	}

	slices.SortFunc(matched, func(a, b loyalty.Redemption) int {
		c := compareField(a, b, q.SortField)
		if q.SortDesc {
			c = -c
		}
		if c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	total := len(matched)
	start := min(q.Offset(), total)
	end := min(start+q.Limit, total)
	return matched[start:end], total, nil
}

func compareField(a, b loyalty.Redemption, field string) int {
	switch field {
	case "user_id":
		return cmp.Compare(a.UserID, b.UserID)
	case "status":
		return cmp.Compare(a.Status, b.Status)
	case "total_points":
		return cmp.Compare(a.TotalPoints, b.TotalPoints)
	case "created_at":
		return a.CreatedAt.Compare(b.CreatedAt)
	default:
		return cmp.Compare(a.ID, b.ID)
	}
}

func (m *Memory) Entries(_ context.Context, userID string) ([]loyalty.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []loyalty.LedgerEntry
	for i := len(m.state.entries) - 1; i >= 0; i-- {
		if m.state.entries[i].UserID == userID {
			out = append(out, m.state.entries[i])
		}
	}
	return out, nil
}

func (m *Memory) Balance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.balance(userID), nil
}

func (m *Memory) GetReward(_ context.Context, id int64) (*loyalty.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.state.rewards[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *Memory) ListRewards(context.Context) ([]loyalty.Reward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]loyalty.Reward, 0, len(m.state.rewards))
	for _, r := range m.state.rewards {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b loyalty.Reward) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx writes straight into the state; WithTx restores the snapshot
// on error. The parent lock is already held.
type memoryTx struct {
	s *memoryState
}

// LockUser is a no-op: the whole transaction already holds the store lock.
func (tx *memoryTx) LockUser(context.Context, string) error { return nil }

func (tx *memoryTx) Balance(_ context.Context, userID string) (int64, error) {
	return tx.s.balance(userID), nil
}

func (tx *memoryTx) AppendEntry(_ context.Context, e loyalty.LedgerEntry) error {
	if e.Type == loyalty.EntryEarn && e.OrderID != nil {
		if tx.s.earnOrders[*e.OrderID] {
			return fmt.Errorf("%w: %s", loyalty.ErrDuplicateOrder, *e.OrderID)
		}
		tx.s.earnOrders[*e.OrderID] = true
	}
	tx.s.entries = append(tx.s.entries, e)
	return nil
}

func (tx *memoryTx) HasOrderEntry(_ context.Context, orderID string, t loyalty.EntryType) (bool, error) {
	for _, e := range tx.s.entries {
		if e.Type == t && e.OrderID != nil && *e.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryTx) GetReward(_ context.Context, id int64) (*loyalty.Reward, error) {
	r, ok := tx.s.rewards[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (tx *memoryTx) DecrementStock(_ context.Context, id int64, qty int64) error {
	r, ok := tx.s.rewards[id]
	if !ok {
		return &loyalty.RewardNotFoundError{RewardID: id}
	}
	if r.Stock < qty {
		return &loyalty.InsufficientStockError{RewardID: id, Available: r.Stock, Requested: qty}
	}
	r.Stock -= qty
	tx.s.rewards[id] = r
	return nil
}

func (tx *memoryTx) RestoreStock(_ context.Context, id int64, qty int64) error {
	r, ok := tx.s.rewards[id]
	if !ok {
		return &loyalty.RewardNotFoundError{RewardID: id}
	}
	r.Stock += qty
	tx.s.rewards[id] = r
	return nil
}

func (tx *memoryTx) SaveReward(_ context.Context, r loyalty.Reward) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	tx.s.rewards[r.ID] = r
	return nil
}

func (tx *memoryTx) InsertRedemption(_ context.Context, r *loyalty.Redemption) error {
	tx.s.nextRedeemID++
	r.ID = tx.s.nextRedeemID
	for i := range r.Lines {
		tx.s.nextLineID++
		r.Lines[i].ID = tx.s.nextLineID
		r.Lines[i].RedemptionID = r.ID
	}
	tx.s.redemptions[r.ID] = copyRedemption(r)
	return nil
}

func (tx *memoryTx) GetRedemptionForUpdate(_ context.Context, id int64) (*loyalty.Redemption, error) {
	r, ok := tx.s.redemptions[id]
	if !ok {
		return nil, nil
	}
	return copyRedemption(r), nil
}

func (tx *memoryTx) UpdateRedemptionStatus(_ context.Context, id int64, status loyalty.RedemptionStatus, comment string, at time.Time) error {
	r, ok := tx.s.redemptions[id]
	if !ok {
		return fmt.Errorf("%w: %d", loyalty.ErrRedemptionNotFound, id)
	}
	r.Status = status
	r.Comment = comment
	r.UpdatedAt = at
	return nil
}

func (tx *memoryTx) AppendStatusChange(_ context.Context, c loyalty.StatusChange) error {
	r, ok := tx.s.redemptions[c.RedemptionID]
	if !ok {
		return fmt.Errorf("%w: %d", loyalty.ErrRedemptionNotFound, c.RedemptionID)
	}
	r.History = append(r.History, c)
	return nil
}
