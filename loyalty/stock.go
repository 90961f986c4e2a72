package loyalty

import "context"

// RewardStockGuard is a thin wrapper over the catalog's atomic stock calls.
// It only ever runs inside a Tx that also writes the matching ledger entry
// or status change.
type RewardStockGuard struct {
	catalog Catalog
}

func NewRewardStockGuard(c Catalog) *RewardStockGuard {
	return &RewardStockGuard{catalog: c}
}

// Lookup loads and locks a reward. Missing and inactive rewards are both
// reported as *RewardNotFoundError.
func (g *RewardStockGuard) Lookup(ctx context.Context, id int64) (*Reward, error) {
	reward, err := g.catalog.GetReward(ctx, id)
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return nil, &RewardNotFoundError{RewardID: id}
	}
	if !reward.Active {
		return nil, &RewardNotFoundError{RewardID: id, Inactive: true}
	}
	return reward, nil
}

// Reserve decrements stock by qty.
func (g *RewardStockGuard) Reserve(ctx context.Context, reward *Reward, qty int64) error {
	if qty <= 0 {
		return invalid("quantity", "must be positive")
	}
	if qty > reward.Stock {
		return &InsufficientStockError{RewardID: reward.ID, Available: reward.Stock, Requested: qty}
	}
	if err := g.catalog.DecrementStock(ctx, reward.ID, qty); err != nil {
		return err
	}
	reward.Stock -= qty
	return nil
}

// Release returns qty units reserved by an earlier redemption.
func (g *RewardStockGuard) Release(ctx context.Context, rewardID int64, qty int64) error {
	if qty <= 0 {
		return invalid("quantity", "must be positive")
	}
	return g.catalog.RestoreStock(ctx, rewardID, qty)
}
