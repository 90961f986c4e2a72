/*
Package notify delivers redemption events to the outside world.

PURPOSE:
  Notifications are fire-and-forget from the engine's point of view: they
  run after commit, and a failed delivery is logged by the caller, never
  turned into a failed redemption.

IMPLEMENTATIONS:
  - Webhook: POSTs a JSON event to a configured URL (resty, with retries)
  - Log:     Writes one line per event (development)
  - Multi:   Fans out to several notifiers

SEE ALSO:
  - loyalty/notifier.go: The Notifier interface
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/warp/loyalty-engine/loyalty"
)

// Event is the JSON body sent for every notification.
type Event struct {
	Type         string    `json:"type"`
	RedemptionID int64     `json:"redemption_id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	FromStatus   string    `json:"from_status,omitempty"`
	TotalPoints  int64     `json:"total_points"`
	Comment      string    `json:"comment,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

const (
	EventRedemptionCreated       = "redemption.created"
	EventRedemptionStatusChanged = "redemption.status_changed"
)

func newEvent(typ string, r loyalty.Redemption, from loyalty.RedemptionStatus) Event {
	return Event{
		Type:         typ,
		RedemptionID: r.ID,
		UserID:       r.UserID,
		Status:       string(r.Status),
		FromStatus:   string(from),
		TotalPoints:  r.TotalPoints,
		Comment:      r.Comment,
		OccurredAt:   r.UpdatedAt,
	}
}

// =============================================================================
// WEBHOOK
// =============================================================================

// Webhook posts events to one URL.
type Webhook struct {
	client *resty.Client
	url    string
}

var _ loyalty.Notifier = (*Webhook)(nil)

// NewWebhook creates a webhook notifier. Transient failures (network errors
// and 5xx responses) are retried twice.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100*time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "loyalty-engine").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &Webhook{client: client, url: url}
}

func (w *Webhook) RedemptionCreated(ctx context.Context, r loyalty.Redemption) error {
	return w.post(ctx, newEvent(EventRedemptionCreated, r, ""))
}

func (w *Webhook) RedemptionStatusChanged(ctx context.Context, r loyalty.Redemption, from loyalty.RedemptionStatus) error {
	return w.post(ctx, newEvent(EventRedemptionStatusChanged, r, from))
}

func (w *Webhook) post(ctx context.Context, ev Event) error {
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(ev).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ev.Type, err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook %s: unexpected status %d", ev.Type, resp.StatusCode())
	}
	return nil
}

// =============================================================================
// LOG / MULTI
// =============================================================================

// Log writes events to the standard logger.
type Log struct{}

func (Log) RedemptionCreated(_ context.Context, r loyalty.Redemption) error {
	log.Printf("[Notify] %s id=%d user=%s total=%d", EventRedemptionCreated, r.ID, r.UserID, r.TotalPoints)
	return nil
}

func (Log) RedemptionStatusChanged(_ context.Context, r loyalty.Redemption, from loyalty.RedemptionStatus) error {
	log.Printf("[Notify] %s id=%d %s -> %s", EventRedemptionStatusChanged, r.ID, from, r.Status)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []loyalty.Notifier

func (m Multi) RedemptionCreated(ctx context.Context, r loyalty.Redemption) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.RedemptionCreated(ctx, r))
	}
	return errors.Join(errs...)
}

func (m Multi) RedemptionStatusChanged(ctx context.Context, r loyalty.Redemption, from loyalty.RedemptionStatus) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.RedemptionStatusChanged(ctx, r, from))
	}
	return errors.Join(errs...)
}
