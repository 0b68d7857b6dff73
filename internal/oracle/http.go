package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// HTTP reads the native coin price from a JSON price feed.
type HTTP struct {
	client *http.Client
	url    string
}

// feedResponse is the expected feed payload.
type feedResponse struct {
	PriceUSD uint64 `json:"priceUsd"`
}

// NewHTTP creates an oracle backed by an HTTP price feed.
func NewHTTP(url string, timeout time.Duration) (*HTTP, error) {
	if url == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}, nil
}

// PriceUSD fetches the current price. All failure modes wrap
// ErrOracleUnavailable so the engine can abort uniformly.
func (o *HTTP) PriceUSD(ctx context.Context) (uint64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: feed returned status %d", domain.ErrOracleUnavailable, resp.StatusCode)
	}

	var feed feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return 0, fmt.Errorf("%w: invalid feed payload: %v", domain.ErrOracleUnavailable, err)
	}
	if feed.PriceUSD == 0 {
		return 0, fmt.Errorf("%w: feed returned zero price", domain.ErrOracleUnavailable)
	}

	return feed.PriceUSD, nil
}
