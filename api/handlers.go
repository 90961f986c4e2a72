/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the points ledger and redemption engine via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to package
  loyalty. No business rule lives here.

ENDPOINTS:
  Redemptions:
    POST   /rewards/redeem                   Redeem points for rewards
    GET    /rewards/redemptions              Paginated listing
    GET    /rewards/redemptions/{id}         One redemption with history
    PATCH  /rewards/redemptions/{id}/status  Workflow transition (admin)

  Catalog:
    GET    /rewards                          Catalog mirror
    PUT    /admin/rewards/{id}               Upsert a reward (admin)

  Points:
    GET    /points/balance                   Derived balance
    GET    /points/history                   Ledger entries, newest first
    POST   /admin/points/earn                EARN for a paid order (admin)
    POST   /admin/points/adjust              Manual ADJUST (admin)

  Scenarios (admin):
    GET    /api/scenarios                    List demo scenarios
    POST   /api/scenarios/load               Load a demo scenario

IDENTITY:
  user_id always comes from the bearer token, never from the body. Admins
  may read another user's balance or history with ?user_id=. Non-admins
  only ever see their own redemptions; someone else's id is a 404.

WRITE CONTEXT:
  Writes run on a context detached from the client connection and bounded
  by Handler.Timeout. A client that disconnects mid-commit cannot leave a
  half-decided redemption; a timeout rolls the transaction back.

ERROR HANDLING:
  Errors are returned as JSON {error, code, details} with one status per
  error class (see errorStatus):
  - 400: Validation errors, malformed body
  - 402: Insufficient points
  - 404: Unknown reward or redemption
  - 409: Insufficient stock, invalid transition, duplicate order
  - 503: Conflict retries exhausted, timeout
  - 500: Ledger write and other storage faults

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

const (
	defaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

// Handler holds all HTTP handler dependencies.
type Handler struct {
	Store    loyalty.Store
	Engine   *loyalty.RedemptionEngine
	Workflow *loyalty.RedemptionWorkflow
	Query    *loyalty.QueryService
	Points   *loyalty.PointsService
	Timeout  time.Duration

	mu              sync.RWMutex
	currentScenario string
}

// Options tunes the services built by NewHandler. Zero values use defaults.
type Options struct {
	Notifier loyalty.Notifier
	EarnRule loyalty.EarnRule
	Retry    loyalty.RetryPolicy
	Timeout  time.Duration
}

// NewHandler wires the loyalty services around one store.
func NewHandler(store loyalty.Store, opts Options) *Handler {
	if opts.EarnRule.Rate.IsZero() {
		opts.EarnRule = loyalty.DefaultEarnRule()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = loyalty.DefaultRetryPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	engine := loyalty.NewRedemptionEngine(store, opts.Notifier)
	engine.Retry = opts.Retry
	workflow := loyalty.NewRedemptionWorkflow(store, opts.Notifier)
	workflow.Retry = opts.Retry
	points := loyalty.NewPointsService(store, opts.EarnRule)
	points.Retry = opts.Retry

	return &Handler{
		Store:    store,
		Engine:   engine,
		Workflow: workflow,
		Query:    loyalty.NewQueryService(store),
		Points:   points,
		Timeout:  opts.Timeout,
	}
}

// writeContext detaches from the client connection and applies the
// handler timeout.
func (h *Handler) writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), h.Timeout)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// REDEMPTION ENDPOINTS
// =============================================================================

// Redeem creates a redemption for the authenticated user.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	var req RedeemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := loyalty.RedeemRequest{UserID: id.UserID}
	for _, l := range req.Rewards {
		in.Lines = append(in.Lines, loyalty.LineRequest{RewardID: l.RewardID, Quantity: l.Quantity})
	}

	ctx, cancel := h.writeContext(r)
	defer cancel()

	red, err := h.Engine.Redeem(ctx, in)
	if err != nil {
		_, code, _ := errorStatus(err)
		logEvent("redemption_rejected", map[string]any{
			"request_id": middleware.GetReqID(r.Context()),
			"user_id":    id.UserID,
			"code":       code,
			"error":      err.Error(),
		})
		writeDomainError(w, err)
		return
	}

	if req.TotalPoints != nil && *req.TotalPoints != red.TotalPoints {
		logEvent("redemption_client_total_mismatch", map[string]any{
			"request_id":    middleware.GetReqID(r.Context()),
			"redemption_id": red.ID,
			"client_total":  *req.TotalPoints,
			"total_points":  red.TotalPoints,
		})
	}
	logEvent("redemption_created", map[string]any{
		"request_id":    middleware.GetReqID(r.Context()),
		"redemption_id": red.ID,
		"user_id":       red.UserID,
		"total_points":  red.TotalPoints,
		"lines":         len(red.Lines),
	})

	writeJSON(w, http.StatusCreated, toRedemptionDTO(*red))
}

// ListRedemptions returns one page of redemptions.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	qv := r.URL.Query()

	q, err := loyalty.ParseListParams(loyalty.ListParams{
		Page:          qv.Get("page"),
		Limit:         qv.Get("limit"),
		Search:        qv.Get("search"),
		SortField:     qv.Get("sortField"),
		SortDirection: qv.Get("sortDirection"),
		Status:        qv.Get("status"),
		MinPoints:     qv.Get("minPoints"),
		MaxPoints:     qv.Get("maxPoints"),
		DateFrom:      qv.Get("dateFrom"),
		DateTo:        qv.Get("dateTo"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !id.IsAdmin() {
		q.UserID = id.UserID
	}

	page, err := h.Query.List(r.Context(), q)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionPage(page))
}

// GetRedemption returns one redemption with its lines and status history.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	redemptionID, err := parseID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	red, err := h.Query.Get(r.Context(), redemptionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !id.IsAdmin() && red.UserID != id.UserID {
		writeDomainError(w, fmt.Errorf("%w: %d", loyalty.ErrRedemptionNotFound, redemptionID))
		return
	}
	writeJSON(w, http.StatusOK, toRedemptionDTO(*red))
}

// UpdateRedemptionStatus applies one workflow transition.
func (h *Handler) UpdateRedemptionStatus(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	redemptionID, err := parseID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req UpdateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	status, ok := loyalty.ParseStatus(req.Status)
	if !ok {
		writeDomainError(w, &loyalty.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", req.Status)})
		return
	}

	ctx, cancel := h.writeContext(r)
	defer cancel()

	red, err := h.Workflow.Transition(ctx, loyalty.TransitionInput{
		RedemptionID: redemptionID,
		To:           status,
		Comment:      strings.TrimSpace(req.Comment),
		Actor:        id.UserID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	logEvent("redemption_status_changed", map[string]any{
		"request_id":    middleware.GetReqID(r.Context()),
		"redemption_id": red.ID,
		"status":        red.Status,
		"actor":         id.UserID,
	})
	writeJSON(w, http.StatusOK, toRedemptionDTO(*red))
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

// ListRewards returns the catalog mirror.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.Store.ListRewards(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]RewardDTO, 0, len(rewards))
	for _, rw := range rewards {
		out = append(out, toRewardDTO(rw))
	}
	writeJSON(w, http.StatusOK, out)
}

// UpsertReward creates or replaces a reward in the catalog mirror.
func (h *Handler) UpsertReward(w http.ResponseWriter, r *http.Request) {
	rewardID, err := parseID(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req UpsertRewardRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	switch {
	case strings.TrimSpace(req.Name) == "":
		writeDomainError(w, &loyalty.ValidationError{Field: "name", Message: "must not be empty"})
		return
	case req.PointsCost < 0:
		writeDomainError(w, &loyalty.ValidationError{Field: "points_cost", Message: "must not be negative"})
		return
	case req.Stock < 0:
		writeDomainError(w, &loyalty.ValidationError{Field: "stock", Message: "must not be negative"})
		return
	}

	reward := loyalty.Reward{
		ID:         rewardID,
		Name:       strings.TrimSpace(req.Name),
		PointsCost: req.PointsCost,
		Stock:      req.Stock,
		Active:     req.Active == nil || *req.Active,
		UpdatedAt:  time.Now().UTC(),
	}

	ctx, cancel := h.writeContext(r)
	defer cancel()

	if err := h.Store.WithTx(ctx, func(tx loyalty.Tx) error {
		return tx.SaveReward(ctx, reward)
	}); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRewardDTO(reward))
}

// =============================================================================
// POINTS ENDPOINTS
// =============================================================================

// GetBalance returns the caller's derived balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := targetUser(r)
	balance, err := h.Points.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: userID, Balance: balance})
}

// GetHistory returns the caller's ledger entries, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Points.History(r.Context(), targetUser(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]LedgerEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// EarnPoints credits points for a paid order.
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	var req EarnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx, cancel := h.writeContext(r)
	defer cancel()

	entry, err := h.Points.Earn(ctx, loyalty.EarnInput{
		UserID:     req.UserID,
		OrderID:    req.OrderID,
		OrderTotal: req.OrderTotal,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// AdjustPoints appends a manual correction.
func (h *Handler) AdjustPoints(w http.ResponseWriter, r *http.Request) {
	var req AdjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx, cancel := h.writeContext(r)
	defer cancel()

	entry, err := h.Points.Adjust(ctx, req.UserID, req.Points, strings.TrimSpace(req.Reason))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	logEvent("points_adjusted", map[string]any{
		"request_id": middleware.GetReqID(r.Context()),
		"user_id":    entry.UserID,
		"points":     entry.Points,
		"actor":      identity(r).UserID,
	})
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps a loyalty error to its status and structured body.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[API] internal error: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: errorDetails(err)})
}

// errorStatus is the single place errors become HTTP statuses.
func errorStatus(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, loyalty.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_FAILED", "Invalid request"
	case errors.Is(err, loyalty.ErrInsufficientPoints):
		return http.StatusPaymentRequired, "INSUFFICIENT_POINTS", "Insufficient points"
	case errors.Is(err, loyalty.ErrRewardNotFound):
		return http.StatusNotFound, "REWARD_NOT_FOUND", "Reward not found"
	case errors.Is(err, loyalty.ErrRedemptionNotFound):
		return http.StatusNotFound, "REDEMPTION_NOT_FOUND", "Redemption not found"
	case errors.Is(err, loyalty.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK", "Insufficient stock"
	case errors.Is(err, loyalty.ErrInvalidStatusTransition):
		return http.StatusConflict, "INVALID_STATUS_TRANSITION", "Invalid status transition"
	case errors.Is(err, loyalty.ErrDuplicateOrder):
		return http.StatusConflict, "DUPLICATE_ORDER", "Points already earned for this order"
	case errors.Is(err, loyalty.ErrLedgerWrite):
		return http.StatusInternalServerError, "LEDGER_WRITE_FAILED", "Ledger write failed"
	case errors.Is(err, loyalty.ErrConcurrentModification):
		return http.StatusServiceUnavailable, "CONCURRENT_MODIFICATION", "Too much contention, retry later"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "TIMEOUT", "Request timed out"
	default:
		return http.StatusInternalServerError, "INTERNAL", "Internal error"
	}
}

// errorDetails exposes the structured fields of known errors.
func errorDetails(err error) any {
	var (
		pointsErr     *loyalty.InsufficientPointsError
		stockErr      *loyalty.InsufficientStockError
		transitionErr *loyalty.InvalidStatusTransitionError
		rewardErr     *loyalty.RewardNotFoundError
		validationErr *loyalty.ValidationError
	)
	switch {
	case errors.As(err, &pointsErr):
		return map[string]any{"available": pointsErr.Available, "requested": pointsErr.Requested}
	case errors.As(err, &stockErr):
		return map[string]any{"reward_id": stockErr.RewardID, "available": stockErr.Available, "requested": stockErr.Requested}
	case errors.As(err, &transitionErr):
		return map[string]any{
			"from":    transitionErr.From,
			"to":      transitionErr.To,
			"allowed": loyalty.NextStatuses(transitionErr.From),
		}
	case errors.As(err, &rewardErr):
		return map[string]any{"reward_id": rewardErr.RewardID, "inactive": rewardErr.Inactive}
	case errors.As(err, &validationErr):
		return map[string]any{"field": validationErr.Field, "message": validationErr.Message}
	case errors.Is(err, loyalty.ErrLedgerWrite), !loyalty.IsClientError(err) && !loyalty.IsNotFound(err):
		return nil
	default:
		return err.Error()
	}
}

// logEvent writes one JSON line for business events.
func logEvent(event string, fields map[string]any) {
	fields["event"] = event
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(fields)
	if err != nil {
		log.Printf("[API] %s (unencodable fields: %v)", event, err)
		return
	}
	log.Printf("[API] %s", b)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &loyalty.ValidationError{Field: "id", Message: fmt.Sprintf("must be a positive integer, got %q", raw)}
	}
	return id, nil
}

func identity(r *http.Request) Identity {
	id, _ := IdentityFrom(r.Context())
	return id
}

// targetUser is the caller, or ?user_id= when the caller is an admin.
func targetUser(r *http.Request) string {
	id := identity(r)
	if other := r.URL.Query().Get("user_id"); other != "" && id.IsAdmin() {
		return other
	}
	return id.UserID
}
