package loyalty

import (
	"math"

	"github.com/shopspring/decimal"
)

// EarnRule converts an order total into points: floor(total * rate).
// Decimal arithmetic keeps 19.99 * 10 at exactly 199.
type EarnRule struct {
	Rate decimal.Decimal
}

// DefaultEarnRule earns one point per currency unit.
func DefaultEarnRule() EarnRule {
	return EarnRule{Rate: decimal.NewFromInt(1)}
}

// ParseEarnRule reads a rate such as "1", "0.5" or "10".
func ParseEarnRule(s string) (EarnRule, error) {
	rate, err := decimal.NewFromString(s)
	if err != nil {
		return EarnRule{}, invalid("earn_rate", "%q is not a number", s)
	}
	if rate.IsNegative() {
		return EarnRule{}, invalid("earn_rate", "must not be negative")
	}
	return EarnRule{Rate: rate}, nil
}

// EarnInput describes a paid order that earns points.
type EarnInput struct {
	UserID     string
	OrderID    string
	OrderTotal decimal.Decimal
}

// Points returns the points earned for an order total.
func (r EarnRule) Points(total decimal.Decimal) (int64, error) {
	if total.IsNegative() {
		return 0, invalid("order_total", "must not be negative")
	}
	pts := total.Mul(r.Rate).Floor()
	if pts.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, invalid("order_total", "too large")
	}
	return pts.IntPart(), nil
}
