package oracle

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Fixed is a static-price oracle for the Community tier and tests.
type Fixed struct {
	price uint64
}

// NewFixed creates an oracle that always returns the given price.
func NewFixed(priceUSD uint64) *Fixed {
	return &Fixed{price: priceUSD}
}

// PriceUSD returns the configured price. A zero price counts as
// unavailable so a misconfigured oracle cannot value everything at $0.
func (o *Fixed) PriceUSD(ctx context.Context) (uint64, error) {
	if o.price == 0 {
		return 0, fmt.Errorf("%w: fixed price not configured", domain.ErrOracleUnavailable)
	}
	return o.price, nil
}
