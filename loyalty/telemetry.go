package loyalty

import (
	"context"
	"errors"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/warp/loyalty-engine/loyalty"

// instruments are resolved through the global otel providers, so they
// follow whatever provider cmd/server installs (no-op by default).
type instruments struct {
	tracer      trace.Tracer
	created     metric.Int64Counter
	rejected    metric.Int64Counter
	transitions metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	inst := instruments{tracer: otel.Tracer(instrumentationName)}

	var err error
	if inst.created, err = meter.Int64Counter("loyalty.redemptions.created",
		metric.WithDescription("Redemptions committed")); err != nil {
		log.Printf("[Telemetry] counter loyalty.redemptions.created: %v", err)
	}
	if inst.rejected, err = meter.Int64Counter("loyalty.redemptions.rejected",
		metric.WithDescription("Redemptions rejected, by reason")); err != nil {
		log.Printf("[Telemetry] counter loyalty.redemptions.rejected: %v", err)
	}
	if inst.transitions, err = meter.Int64Counter("loyalty.redemptions.transitions",
		metric.WithDescription("Status transitions applied")); err != nil {
		log.Printf("[Telemetry] counter loyalty.redemptions.transitions: %v", err)
	}
	return inst
}

func (i instruments) add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// reasonOf names an error for metrics and logs.
func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrRewardNotFound):
		return "reward_not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInsufficientPoints):
		return "insufficient_points"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrLedgerWrite):
		return "ledger_write"
	case errors.Is(err, ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, ErrRedemptionNotFound):
		return "redemption_not_found"
	default:
		return "internal"
	}
}
