package oracle

import (
	"context"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// priceTenant scopes cached prices. The price is global, not per tenant.
const priceTenant = "*"

const priceKey = "oracle:price_usd"

// Cached decorates an oracle with a short-TTL cache so a burst of
// evaluations does not hammer the upstream feed. A stale price within the
// TTL is acceptable.
type Cached struct {
	inner domain.PriceOracle
	cache domain.Cache
	ttl   time.Duration
}

// NewCached wraps an oracle with the given cache and TTL.
func NewCached(inner domain.PriceOracle, cache domain.Cache, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cached{inner: inner, cache: cache, ttl: ttl}
}

// PriceUSD returns the cached price when fresh, otherwise asks the inner
// oracle and refreshes the cache. Cache failures fall through to the
// inner oracle.
func (o *Cached) PriceUSD(ctx context.Context) (uint64, error) {
	if raw, err := o.cache.Get(ctx, priceTenant, priceKey); err == nil && raw != nil {
		if price, perr := strconv.ParseUint(string(raw), 10, 64); perr == nil && price > 0 {
			return price, nil
		}
	}

	price, err := o.inner.PriceUSD(ctx)
	if err != nil {
		return 0, err
	}

	_ = o.cache.Set(ctx, priceTenant, priceKey, []byte(strconv.FormatUint(price, 10)), o.ttl)

	return price, nil
}
