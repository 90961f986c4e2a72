/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in
  package loyalty never carry JSON tags; everything on the wire is here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Redemptions:
    RedeemRequest, RedeemLineRequest, RedemptionDTO, RedemptionLineDTO,
    StatusChangeDTO, UpdateStatusRequest, RedemptionPageResponse

  Points:
    BalanceDTO, LedgerEntryDTO, EarnRequest, AdjustRequest

  Catalog:
    RewardDTO, UpsertRewardRequest

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

UNTRUSTED FIELDS:
  RedeemLineRequest.PointsCost and RedeemRequest.TotalPoints are accepted
  so existing clients keep working, but they never reach the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// REDEMPTIONS
// =============================================================================

// RedeemRequest is the body of POST /rewards/redeem.
type RedeemRequest struct {
	Rewards     []RedeemLineRequest `json:"rewards"`
	TotalPoints *int64              `json:"total_points,omitempty"` // display hint, ignored
}

type RedeemLineRequest struct {
	RewardID   int64  `json:"reward_id"`
	Quantity   int64  `json:"quantity"`
	PointsCost *int64 `json:"points_cost,omitempty"` // display hint, ignored
}

// RedemptionDTO represents a redemption in API responses.
type RedemptionDTO struct {
	ID          int64               `json:"id"`
	UserID      string              `json:"user_id"`
	Status      string              `json:"status"`
	TotalPoints int64               `json:"total_points"`
	Comment     string              `json:"comment,omitempty"`
	CreatedAt   string              `json:"created_at"`
	UpdatedAt   string              `json:"updated_at"`
	Lines       []RedemptionLineDTO `json:"lines"`
	History     []StatusChangeDTO   `json:"history,omitempty"`
	NextStatus  []string            `json:"next_statuses"`
}

type RedemptionLineDTO struct {
	ID          int64  `json:"id"`
	RewardID    int64  `json:"reward_id"`
	RewardName  string `json:"reward_name"`
	Quantity    int64  `json:"quantity"`
	PointsCost  int64  `json:"points_cost"`
	TotalPoints int64  `json:"total_points"`
}

type StatusChangeDTO struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	Comment   string `json:"comment,omitempty"`
	Actor     string `json:"actor,omitempty"`
	CreatedAt string `json:"created_at"`
}

// UpdateStatusRequest is the body of PATCH /rewards/redemptions/{id}/status.
type UpdateStatusRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment,omitempty"`
}

// RedemptionPageResponse is one page of the redemption listing.
type RedemptionPageResponse struct {
	Data       []RedemptionDTO `json:"data"`
	Pagination PaginationDTO   `json:"pagination"`
}

type PaginationDTO struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// =============================================================================
// POINTS
// =============================================================================

type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type LedgerEntryDTO struct {
	ID           string  `json:"id"`
	UserID       string  `json:"user_id"`
	Type         string  `json:"type"`
	Points       int64   `json:"points"`
	Reason       string  `json:"reason,omitempty"`
	OrderID      *string `json:"order_id,omitempty"`
	RewardID     *int64  `json:"reward_id,omitempty"`
	RedemptionID *int64  `json:"redemption_id,omitempty"`
	CreatedAt    string  `json:"created_at"`
}

// EarnRequest credits points for a paid order. OrderTotal accepts a JSON
// number or a decimal string.
type EarnRequest struct {
	UserID     string          `json:"user_id"`
	OrderID    string          `json:"order_id"`
	OrderTotal decimal.Decimal `json:"order_total"`
}

type AdjustRequest struct {
	UserID string `json:"user_id"`
	Points int64  `json:"points"`
	Reason string `json:"reason"`
}

// =============================================================================
// CATALOG
// =============================================================================

type RewardDTO struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PointsCost int64  `json:"points_cost"`
	Stock      int64  `json:"stock"`
	Active     bool   `json:"active"`
	UpdatedAt  string `json:"updated_at"`
}

type UpsertRewardRequest struct {
	Name       string `json:"name"`
	PointsCost int64  `json:"points_cost"`
	Stock      int64  `json:"stock"`
	Active     *bool  `json:"active,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo data set.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func toRedemptionDTO(r loyalty.Redemption) RedemptionDTO {
	dto := RedemptionDTO{
		ID:          r.ID,
		UserID:      r.UserID,
		Status:      string(r.Status),
		TotalPoints: r.TotalPoints,
		Comment:     r.Comment,
		CreatedAt:   formatTime(r.CreatedAt),
		UpdatedAt:   formatTime(r.UpdatedAt),
		Lines:       make([]RedemptionLineDTO, 0, len(r.Lines)),
		NextStatus:  []string{},
	}
	for _, l := range r.Lines {
		dto.Lines = append(dto.Lines, RedemptionLineDTO{
			ID:          l.ID,
			RewardID:    l.RewardID,
			RewardName:  l.RewardName,
			Quantity:    l.Quantity,
			PointsCost:  l.PointsCost,
			TotalPoints: l.TotalPoints,
		})
	}
	for _, c := range r.History {
		dto.History = append(dto.History, StatusChangeDTO{
			From:      string(c.From),
			To:        string(c.To),
			Comment:   c.Comment,
			Actor:     c.Actor,
			CreatedAt: formatTime(c.CreatedAt),
		})
	}
	for _, s := range loyalty.NextStatuses(r.Status) {
		dto.NextStatus = append(dto.NextStatus, string(s))
	}
	return dto
}

func toRedemptionPage(p loyalty.Page) RedemptionPageResponse {
	resp := RedemptionPageResponse{
		Data: make([]RedemptionDTO, 0, len(p.Items)),
		Pagination: PaginationDTO{
			Page:       p.Page,
			Limit:      p.Limit,
			Total:      p.Total,
			TotalPages: p.TotalPages,
			HasNext:    p.HasNext,
			HasPrev:    p.HasPrev,
		},
	}
	for _, r := range p.Items {
		resp.Data = append(resp.Data, toRedemptionDTO(r))
	}
	return resp
}

func toLedgerEntryDTO(e loyalty.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:           e.ID,
		UserID:       e.UserID,
		Type:         string(e.Type),
		Points:       e.Points,
		Reason:       e.Reason,
		OrderID:      e.OrderID,
		RewardID:     e.RewardID,
		RedemptionID: e.RedemptionID,
		CreatedAt:    formatTime(e.CreatedAt),
	}
}

func toRewardDTO(r loyalty.Reward) RewardDTO {
	return RewardDTO{
		ID:         r.ID,
		Name:       r.Name,
		PointsCost: r.PointsCost,
		Stock:      r.Stock,
		Active:     r.Active,
		UpdatedAt:  formatTime(r.UpdatedAt),
	}
}
