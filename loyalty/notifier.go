package loyalty

import (
	"context"
	"log"
	"sync"
	"time"
)

// DefaultNotifyTimeout bounds one post-commit notification.
const DefaultNotifyTimeout = 10 * time.Second

// Notifier is told about committed changes. It runs after the transaction,
// so a failure here never undoes or fails the operation.
type Notifier interface {
	RedemptionCreated(ctx context.Context, r Redemption) error
	RedemptionStatusChanged(ctx context.Context, r Redemption, from RedemptionStatus) error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) RedemptionCreated(context.Context, Redemption) error { return nil }

func (NopNotifier) RedemptionStatusChanged(context.Context, Redemption, RedemptionStatus) error {
	return nil
}

// dispatcher delivers notifications off the caller's goroutine. Each send
// keeps the caller's values but not its cancellation, and gets its own
// deadline.
type dispatcher struct {
	pending sync.WaitGroup
}

func (d *dispatcher) send(ctx context.Context, timeout time.Duration, what string, fn func(context.Context) error) {
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	detached := context.WithoutCancel(ctx)

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(detached, timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("[Notify] %s: %v", what, err)
		}
	}()
}

func (d *dispatcher) wait() { d.pending.Wait() }
