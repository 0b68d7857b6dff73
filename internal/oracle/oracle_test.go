package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestFixedOracle(t *testing.T) {
	ctx := context.Background()

	t.Run("ReturnsPrice", func(t *testing.T) {
		o := NewFixed(150)
		price, err := o.PriceUSD(ctx)
		if err != nil {
			t.Fatalf("PriceUSD failed: %v", err)
		}
		if price != 150 {
			t.Errorf("expected price 150, got %d", price)
		}
	})

	t.Run("ZeroPriceUnavailable", func(t *testing.T) {
		o := NewFixed(0)
		_, err := o.PriceUSD(ctx)
		if !errors.Is(err, domain.ErrOracleUnavailable) {
			t.Errorf("expected ErrOracleUnavailable, got %v", err)
		}
	})
}

func TestHTTPOracle(t *testing.T) {
	ctx := context.Background()

	t.Run("ValidFeed", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"priceUsd": 142}`))
		}))
		defer srv.Close()

		o, err := NewHTTP(srv.URL, time.Second)
		if err != nil {
			t.Fatalf("NewHTTP failed: %v", err)
		}

		price, err := o.PriceUSD(ctx)
		if err != nil {
			t.Fatalf("PriceUSD failed: %v", err)
		}
		if price != 142 {
			t.Errorf("expected price 142, got %d", price)
		}
	})

	t.Run("FeedError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		o, _ := NewHTTP(srv.URL, time.Second)
		_, err := o.PriceUSD(ctx)
		if !errors.Is(err, domain.ErrOracleUnavailable) {
			t.Errorf("expected ErrOracleUnavailable, got %v", err)
		}
	})

	t.Run("ZeroPrice", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"priceUsd": 0}`))
		}))
		defer srv.Close()

		o, _ := NewHTTP(srv.URL, time.Second)
		_, err := o.PriceUSD(ctx)
		if !errors.Is(err, domain.ErrOracleUnavailable) {
			t.Errorf("expected ErrOracleUnavailable, got %v", err)
		}
	})

	t.Run("MissingURL", func(t *testing.T) {
		if _, err := NewHTTP("", time.Second); err == nil {
			t.Error("expected error for empty URL")
		}
	})
}

func TestCachedOracle(t *testing.T) {
	ctx := context.Background()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"priceUsd": 99}`))
	}))
	defer srv.Close()

	inner, _ := NewHTTP(srv.URL, time.Second)
	o := NewCached(inner, cache.NewLRUCache(100), time.Minute)

	for i := 0; i < 5; i++ {
		price, err := o.PriceUSD(ctx)
		if err != nil {
			t.Fatalf("PriceUSD failed: %v", err)
		}
		if price != 99 {
			t.Errorf("expected price 99, got %d", price)
		}
	}

	if calls != 1 {
		t.Errorf("expected 1 upstream call, got %d", calls)
	}
}

func TestUsdValue(t *testing.T) {
	tests := []struct {
		amount uint64
		price  uint64
		want   uint64
	}{
		{domain.BaseUnitsPerCoin, 100, 100},
		{domain.BaseUnitsPerCoin / 2, 100, 50},
		{5 * domain.BaseUnitsPerCoin, 142, 710},
		{0, 100, 0},
	}

	for _, tt := range tests {
		if got := domain.UsdValue(tt.amount, tt.price); got != tt.want {
			t.Errorf("UsdValue(%d, %d) = %d, want %d", tt.amount, tt.price, got, tt.want)
		}
	}
}
