/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built data sets that populate the store with a reward
	catalog and starting balances. Each scenario sets up the state needed
	to try one behavior of the engine by hand.

AVAILABLE SCENARIOS:

	starter-catalog:  A few rewards, a few users with balances
	scarce-stock:     One reward with a single unit left
	flash-sale:       Many users racing for a small stock
	fulfilment-queue: Redemptions already waiting in every status

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Upsert rewards into the catalog mirror
 3. Credit starting balances as EARN entries
 4. Optionally create redemptions and move them through the workflow

Balances go through PointsService and redemptions through the engine, so
scenario data is indistinguishable from real traffic.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "scarce-stock"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the 'loaders' map

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and error mapping
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// Resetter is implemented by stores that can drop all their data.
type Resetter interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter-catalog",
		Name:        "Starter Catalog",
		Description: "Three rewards and three users with 500, 100 and 0 points",
		Category:    "basics",
	},
	{
		ID:          "scarce-stock",
		Name:        "Scarce Stock",
		Description: "A reward with one unit left; a second redemption fails with insufficient stock",
		Category:    "edge-cases",
	},
	{
		ID:          "flash-sale",
		Name:        "Flash Sale",
		Description: "Ten shoppers with 200 points each and a 60 point reward with 5 units",
		Category:    "concurrency",
	},
	{
		ID:          "fulfilment-queue",
		Name:        "Fulfilment Queue",
		Description: "Redemptions in PENDING, PROCESSING, COMPLETED and CANCELLED for the admin listing",
		Category:    "workflow",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"starter-catalog":  h.loadStarterCatalogScenario,
		"scarce-stock":     h.loadScarceStockScenario,
		"flash-sale":       h.loadFlashSaleScenario,
		"fulfilment-queue": h.loadFulfilmentQueueScenario,
	}
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns all available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q does not exist", req.ScenarioID))
		return
	}

	ctx, cancel := h.writeContext(r)
	defer cancel()

	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = req.ScenarioID
	h.mu.Unlock()

	logEvent("scenario_loaded", map[string]any{"scenario_id": req.ScenarioID})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario_id": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.writeContext(r)
	defer cancel()

	if err := h.reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reset(ctx context.Context) error {
	rs, ok := h.Store.(Resetter)
	if !ok {
		return errors.New("store does not support reset")
	}
	if err := rs.Reset(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadStarterCatalogScenario(ctx context.Context) error {
	if err := h.seedRewards(ctx,
		loyalty.Reward{ID: 1, Name: "Coffee Voucher", PointsCost: 100, Stock: 10, Active: true},
		loyalty.Reward{ID: 2, Name: "Cinema Ticket", PointsCost: 250, Stock: 5, Active: true},
		loyalty.Reward{ID: 3, Name: "Tote Bag", PointsCost: 60, Stock: 25, Active: true},
	); err != nil {
		return err
	}
	return h.seedBalances(ctx, map[string]int64{
		"user-1": 500,
		"user-2": 100,
	})
}

func (h *Handler) loadScarceStockScenario(ctx context.Context) error {
	if err := h.seedRewards(ctx,
		loyalty.Reward{ID: 1, Name: "Coffee Voucher", PointsCost: 100, Stock: 1, Active: true},
		loyalty.Reward{ID: 2, Name: "Retired Mug", PointsCost: 80, Stock: 3, Active: false},
	); err != nil {
		return err
	}
	return h.seedBalances(ctx, map[string]int64{"user-1": 500, "user-2": 500})
}

func (h *Handler) loadFlashSaleScenario(ctx context.Context) error {
	if err := h.seedRewards(ctx,
		loyalty.Reward{ID: 1, Name: "Limited Sneakers", PointsCost: 60, Stock: 5, Active: true},
	); err != nil {
		return err
	}
	balances := make(map[string]int64, 10)
	for i := 1; i <= 10; i++ {
		balances[fmt.Sprintf("shopper-%02d", i)] = 200
	}
	return h.seedBalances(ctx, balances)
}

func (h *Handler) loadFulfilmentQueueScenario(ctx context.Context) error {
	if err := h.loadStarterCatalogScenario(ctx); err != nil {
		return err
	}
	if err := h.seedBalances(ctx, map[string]int64{"user-3": 2000}); err != nil {
		return err
	}

	// Each path ends in a different status.
	paths := [][]loyalty.RedemptionStatus{
		{},
		{loyalty.StatusProcessing},
		{loyalty.StatusProcessing, loyalty.StatusCompleted},
		{loyalty.StatusCancelled},
		{loyalty.StatusProcessing, loyalty.StatusCancelled},
	}
	for i, path := range paths {
		red, err := h.Engine.Redeem(ctx, loyalty.RedeemRequest{
			UserID: "user-3",
			Lines:  []loyalty.LineRequest{{RewardID: int64(i%3) + 1, Quantity: 1}},
		})
		if err != nil {
			return fmt.Errorf("redemption %d: %w", i, err)
		}
		for _, to := range path {
			if _, err := h.Workflow.Transition(ctx, loyalty.TransitionInput{
				RedemptionID: red.ID,
				To:           to,
				Comment:      "demo data",
				Actor:        "scenario-loader",
			}); err != nil {
				return fmt.Errorf("redemption %d -> %s: %w", red.ID, to, err)
			}
		}
	}
	return nil
}

func (h *Handler) seedRewards(ctx context.Context, rewards ...loyalty.Reward) error {
	now := time.Now().UTC()
	return h.Store.WithTx(ctx, func(tx loyalty.Tx) error {
		for _, r := range rewards {
			r.UpdatedAt = now
			if err := tx.SaveReward(ctx, r); err != nil {
				return fmt.Errorf("reward %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

// seedBalances credits each user through a synthetic paid order so the
// ledger shows where the points came from.
func (h *Handler) seedBalances(ctx context.Context, balances map[string]int64) error {
	for userID, points := range balances {
		if points <= 0 {
			continue
		}
		total := decimal.NewFromInt(points).Div(h.Points.EarnRule.Rate).Ceil()
		entry, err := h.Points.Earn(ctx, loyalty.EarnInput{
			UserID:     userID,
			OrderID:    "seed-" + userID,
			OrderTotal: total,
		})
		if err != nil {
			return fmt.Errorf("seed %s: %w", userID, err)
		}
		// Rounding may overshoot; trim back to the exact amount.
		if diff := points - entry.Points; diff != 0 {
			if _, err := h.Points.Adjust(ctx, userID, diff, "scenario balance rounding"); err != nil {
				return fmt.Errorf("seed %s: %w", userID, err)
			}
		}
	}
	return nil
}
