// Package oracle provides price oracle implementations for USD conversion.
package oracle

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a price oracle based on configuration.
func New(cfg domain.OracleConfig) (domain.PriceOracle, error) {
	switch cfg.Type {
	case "fixed":
		return NewFixed(cfg.FixedPriceUSD), nil

	case "http":
		return NewHTTP(cfg.FeedURL, cfg.RequestTimeout)

	default:
		return nil, fmt.Errorf("unsupported oracle type: %s", cfg.Type)
	}
}
