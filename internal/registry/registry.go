// Package registry provides address screening against the high-risk
// registry and whitelist, with cache-backed lookups.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultStatusTTL is how long a screening result stays cached.
const DefaultStatusTTL = 5 * time.Minute

// Service resolves the screening status of an address. Whitelist
// entries take precedence over registry entries.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a screening service backed by the given
// repository and cache.
func NewService(repo domain.Repository, c domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: c,
		ttl:   DefaultStatusTTL,
	}
}

// Status returns the screening status for an address. Results are
// cached; cache failures fall through to the repository.
func (s *Service) Status(ctx context.Context, tenantID string, address string) (domain.RegistryStatus, error) {
	if tenantID == "" {
		return domain.RegistryStatus{}, fmt.Errorf("tenantID is required")
	}
	if address == "" {
		return domain.RegistryStatus{}, fmt.Errorf("address is required")
	}

	if cached, err := s.cache.GetRegistryStatus(ctx, tenantID, address); err == nil && cached != nil {
		return *cached, nil
	}

	status, err := s.resolve(ctx, tenantID, address)
	if err != nil {
		return domain.RegistryStatus{}, err
	}

	_ = s.cache.SetRegistryStatus(ctx, tenantID, address, &status, s.ttl)
	return status, nil
}

// Invalidate drops the cached status for an address. Called after
// registry or whitelist mutations.
func (s *Service) Invalidate(ctx context.Context, tenantID string, address string) error {
	return s.cache.Delete(ctx, tenantID, "registry:"+address)
}

func (s *Service) resolve(ctx context.Context, tenantID string, address string) (domain.RegistryStatus, error) {
	// Whitelist wins over the registry.
	wl, err := s.repo.GetWhitelistEntry(ctx, tenantID, address)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.RegistryStatus{}, fmt.Errorf("whitelist lookup: %w", err)
	}
	if wl != nil && wl.Active {
		return domain.RegistryStatus{Whitelisted: true}, nil
	}

	entry, err := s.repo.GetRegistryEntry(ctx, tenantID, address)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.RegistryStatus{}, fmt.Errorf("registry lookup: %w", err)
	}
	if entry != nil && entry.Active {
		return domain.RegistryStatus{HighRisk: true}, nil
	}

	return domain.RegistryStatus{}, nil
}
