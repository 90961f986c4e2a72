package loyalty

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Sortable columns. The store always adds "id ASC" as a tie-break.
var sortFields = map[string]bool{
	"id":           true,
	"user_id":      true,
	"status":       true,
	"total_points": true,
	"created_at":   true,
}

// ListParams is the raw, untyped listing request as it arrives over HTTP.
type ListParams struct {
	Page          string
	Limit         string
	Search        string
	SortField     string
	SortDirection string
	Status        string
	MinPoints     string
	MaxPoints     string
	DateFrom      string
	DateTo        string
}

// RedemptionQuery is a validated, normalized listing request.
type RedemptionQuery struct {
	Page  int
	Limit int

	// UserID restricts results to one user (exact match). Search is a
	// case-insensitive substring match on user id.
	UserID string
	Search string
	Status RedemptionStatus

	MinPoints *int64
	MaxPoints *int64
	DateFrom  *time.Time // inclusive
	DateTo    *time.Time // inclusive

	SortField string
	SortDesc  bool
}

// Offset is the number of rows skipped before this page.
func (q RedemptionQuery) Offset() int {
	return (q.Page - 1) * q.Limit
}

// applyDefaultSort sets the listing's default order: newest first.
func (q *RedemptionQuery) applyDefaultSort() {
	q.SortField = "created_at"
	q.SortDesc = true
}

// Unsatisfiable reports an inverted range, which matches nothing.
func (q RedemptionQuery) Unsatisfiable() bool {
	if q.MinPoints != nil && q.MaxPoints != nil && *q.MinPoints > *q.MaxPoints {
		return true
	}
	if q.DateFrom != nil && q.DateTo != nil && q.DateFrom.After(*q.DateTo) {
		return true
	}
	return false
}

// ParseListParams validates raw parameters.
//
// Page and limit are clamped: page < 1 becomes 1, limit < 1 becomes the
// default and limit > 100 becomes 100. Values that are not numbers, dates,
// known statuses or known sort keys are an ErrValidation.
func ParseListParams(p ListParams) (RedemptionQuery, error) {
	q := RedemptionQuery{
		Page:   1,
		Limit:  DefaultPageLimit,
		Search: strings.TrimSpace(p.Search),
	}
	q.applyDefaultSort()

	if p.Page != "" {
		n, err := strconv.Atoi(strings.TrimSpace(p.Page))
		if err != nil {
			return q, invalid("page", "not a number: %q", p.Page)
		}
		if n > 1 {
			q.Page = n
		}
	}
	if p.Limit != "" {
		n, err := strconv.Atoi(strings.TrimSpace(p.Limit))
		if err != nil {
			return q, invalid("limit", "not a number: %q", p.Limit)
		}
		switch {
		case n < 1:
			q.Limit = DefaultPageLimit
		case n > MaxPageLimit:
			q.Limit = MaxPageLimit
		default:
			q.Limit = n
		}
	}

	if p.SortField != "" {
		f := strings.ToLower(strings.TrimSpace(p.SortField))
		switch f {
		case "createdat":
			f = "created_at"
		case "totalpoints":
			f = "total_points"
		case "userid":
			f = "user_id"
		}
		if !sortFields[f] {
			return q, invalid("sortField", "unknown sort field %q", p.SortField)
		}
		q.SortField = f
	}
	if p.SortDirection != "" {
		switch strings.ToLower(strings.TrimSpace(p.SortDirection)) {
		case "asc":
			q.SortDesc = false
		case "desc":
			q.SortDesc = true
		default:
			return q, invalid("sortDirection", "must be asc or desc, got %q", p.SortDirection)
		}
	}

	if p.Status != "" {
		st, ok := ParseStatus(p.Status)
		if !ok {
			return q, invalid("status", "unknown status %q", p.Status)
		}
		q.Status = st
	}

	var err error
	if q.MinPoints, err = parseOptionalInt("minPoints", p.MinPoints); err != nil {
		return q, err
	}
	if q.MaxPoints, err = parseOptionalInt("maxPoints", p.MaxPoints); err != nil {
		return q, err
	}
	if q.DateFrom, err = parseOptionalDate("dateFrom", p.DateFrom, false); err != nil {
		return q, err
	}
	if q.DateTo, err = parseOptionalDate("dateTo", p.DateTo, true); err != nil {
		return q, err
	}
	return q, nil
}

func parseOptionalInt(field, s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, invalid(field, "not an integer: %q", s)
	}
	return &n, nil
}

// parseOptionalDate accepts RFC 3339 or YYYY-MM-DD (UTC). A date-only upper
// bound covers the whole day.
func parseOptionalDate(field, s string, endOfDay bool) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, invalid(field, "expected YYYY-MM-DD or RFC 3339, got %q", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

// =============================================================================
// QUERY SERVICE
// =============================================================================

// Page is one page of redemptions plus pagination metadata.
type Page struct {
	Items      []Redemption
	Page       int
	Limit      int
	Total      int
	TotalPages int
	HasNext    bool
	HasPrev    bool
}

// QueryService is the read side for redemptions. It never writes.
type QueryService struct {
	Store Store
}

func NewQueryService(store Store) *QueryService {
	return &QueryService{Store: store}
}

// List runs a normalized query.
func (s *QueryService) List(ctx context.Context, q RedemptionQuery) (Page, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if q.SortField == "" || !sortFields[q.SortField] {
		q.applyDefaultSort()
	}

	page := Page{Items: []Redemption{}, Page: q.Page, Limit: q.Limit}
	if q.Unsatisfiable() {
		page.HasPrev = q.Page > 1
		return page, nil
	}

	items, total, err := s.Store.ListRedemptions(ctx, q)
	if err != nil {
		return Page{}, err
	}
	if items != nil {
		page.Items = items
	}
	page.Total = total
	page.TotalPages = int(math.Ceil(float64(total) / float64(q.Limit)))
	page.HasNext = q.Page < page.TotalPages
	page.HasPrev = q.Page > 1
	return page, nil
}

// Get re-fetches one redemption with lines and history.
func (s *QueryService) Get(ctx context.Context, id int64) (*Redemption, error) {
	r, err := s.Store.GetRedemption(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("%w: %d", ErrRedemptionNotFound, id)
	}
	return r, nil
}
