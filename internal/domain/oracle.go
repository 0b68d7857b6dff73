package domain

import (
	"context"
	"math/bits"
	"time"
)

// BaseUnitsPerCoin is the number of native base units in one coin.
const BaseUnitsPerCoin = 1_000_000_000

// PriceOracle provides the USD price of the native coin. Implementations
// must wrap failures with ErrOracleUnavailable.
type PriceOracle interface {
	// PriceUSD returns the whole-dollar price of one native coin.
	PriceUSD(ctx context.Context) (uint64, error)
}

// UsdValue converts a base-unit amount to whole USD at the given price,
// saturating on overflow.
func UsdValue(amount, priceUSD uint64) uint64 {
	hi, lo := bits.Mul64(amount, priceUSD)
	if hi >= BaseUnitsPerCoin {
		return 1<<64 - 1
	}
	q, _ := bits.Div64(hi, lo, BaseUnitsPerCoin)
	return q
}

// OracleConfig holds configuration for oracle initialization.
type OracleConfig struct {
	// Type is the oracle type: "fixed" or "http"
	Type string

	// Fixed oracle settings
	FixedPriceUSD uint64

	// HTTP feed settings
	FeedURL        string
	RequestTimeout time.Duration

	// CacheTTL enables the caching decorator when non-zero.
	CacheTTL time.Duration
}
