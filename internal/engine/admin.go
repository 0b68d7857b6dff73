package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ConfigUpdate is a partial update to a compliance configuration. Nil
// fields keep their current value.
type ConfigUpdate struct {
	HighValueThresholdUSD *uint64 `json:"highValueThresholdUsd,omitempty"`
	VelocityThreshold     *uint64 `json:"velocityThreshold,omitempty"`
	MaxDailyVolumeUSD     *uint64 `json:"maxDailyVolumeUsd,omitempty"`
	IsActive              *bool   `json:"isActive,omitempty"`
}

// ProfileRegisteredEvent announces a newly registered risk profile.
type ProfileRegisteredEvent struct {
	User      string          `json:"user"`
	KYCLevel  domain.KYCLevel `json:"kycLevel"`
	Timestamp time.Time       `json:"timestamp"`
}

// RegistryChangedEvent announces a registry or whitelist mutation.
type RegistryChangedEvent struct {
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
}

// AIScoreUpdatedEvent announces a blended AI risk score.
type AIScoreUpdatedEvent struct {
	User      string    `json:"user"`
	AIScore   uint32    `json:"aiScore"`
	RiskScore uint32    `json:"riskScore"`
	Anomalies []string  `json:"anomalies,omitempty"`
	Blocked   bool      `json:"blocked"`
	Timestamp time.Time `json:"timestamp"`
}

// UserUnblockedEvent announces a manual unblock with its audit reason.
type UserUnblockedEvent struct {
	User      string    `json:"user"`
	Reason    string    `json:"reason"`
	RiskScore uint32    `json:"riskScore"`
	Timestamp time.Time `json:"timestamp"`
}

// InitComplianceConfig bootstraps the per-tenant configuration. This is the
// only admin action without an authority check: it establishes the
// authority everything else is checked against.
func (s *Service) InitComplianceConfig(ctx context.Context, tenantID string, cfg *domain.ComplianceConfig) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	existing, err := s.repo.GetComplianceConfig(ctx, tenantID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("load compliance config: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: config already initialized for tenant %s", domain.ErrInvalidConfiguration, tenantID)
	}

	now := s.now().UTC()
	cfg.TenantID = tenantID
	cfg.IsActive = true
	cfg.TotalFlagged = 0
	cfg.TotalBlocked = 0
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	if err := s.repo.SaveComplianceConfig(ctx, tenantID, cfg); err != nil {
		return fmt.Errorf("save compliance config: %w", err)
	}

	s.logger.Info("compliance config initialized", "tenant_id", tenantID, "authority", cfg.Authority)
	return nil
}

// UpdateComplianceConfig applies a partial update to the tenant
// configuration. Only the configured authority may call this.
func (s *Service) UpdateComplianceConfig(ctx context.Context, tenantID string, caller string, upd *ConfigUpdate) (*domain.ComplianceConfig, error) {
	cfg, err := s.authorize(ctx, tenantID, caller)
	if err != nil {
		return nil, err
	}

	if upd.HighValueThresholdUSD != nil {
		cfg.HighValueThresholdUSD = *upd.HighValueThresholdUSD
	}
	if upd.VelocityThreshold != nil {
		cfg.VelocityThreshold = *upd.VelocityThreshold
	}
	if upd.MaxDailyVolumeUSD != nil {
		cfg.MaxDailyVolumeUSD = *upd.MaxDailyVolumeUSD
	}
	if upd.IsActive != nil {
		cfg.IsActive = *upd.IsActive
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.UpdatedAt = s.now().UTC()
	if err := s.repo.SaveComplianceConfig(ctx, tenantID, cfg); err != nil {
		return nil, fmt.Errorf("save compliance config: %w", err)
	}
	return cfg, nil
}

// RegisterProfile creates a zeroed risk profile for a user.
func (s *Service) RegisterProfile(ctx context.Context, tenantID string, caller string, user string, kycLevel domain.KYCLevel) (*domain.UserRiskProfile, error) {
	if _, err := s.authorize(ctx, tenantID, caller); err != nil {
		return nil, err
	}
	if user == "" {
		return nil, fmt.Errorf("user is required")
	}
	if !kycLevel.Valid() {
		return nil, fmt.Errorf("unknown kyc level: %q", kycLevel)
	}

	now := s.now().UTC()
	profile := &domain.UserRiskProfile{
		TenantID:         tenantID,
		User:             user,
		KYCLevel:         kycLevel,
		LastDailyResetAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.CreateProfile(ctx, tenantID, profile); err != nil {
		return nil, err
	}

	s.publish(ctx, tenantID, domain.TopicProfileRegistered, &ProfileRegisteredEvent{
		User:      user,
		KYCLevel:  kycLevel,
		Timestamp: now,
	})
	return profile, nil
}

// AddHighRiskAddress upserts a registry entry and invalidates any cached
// screening result for the address.
func (s *Service) AddHighRiskAddress(ctx context.Context, tenantID string, caller string, entry *domain.RiskRegistryEntry) error {
	if _, err := s.authorize(ctx, tenantID, caller); err != nil {
		return err
	}
	if entry.Address == "" {
		return fmt.Errorf("address is required")
	}

	entry.TenantID = tenantID
	entry.Active = true
	entry.AddedAt = s.now().UTC()
	if entry.Category == "" {
		entry.Category = domain.CategoryOther
	}
	if entry.Level == "" {
		entry.Level = domain.SeverityCritical
	}

	if err := s.repo.UpsertRegistryEntry(ctx, tenantID, entry); err != nil {
		return fmt.Errorf("save registry entry: %w", err)
	}
	if err := s.registry.Invalidate(ctx, tenantID, entry.Address); err != nil {
		s.logger.Warn("failed to invalidate screening cache", "address", entry.Address, "error", err)
	}

	s.publish(ctx, tenantID, domain.TopicHighRiskAdded, &RegistryChangedEvent{
		Address:   entry.Address,
		Timestamp: entry.AddedAt,
	})
	return nil
}

// WhitelistAddress exempts an address from recipient screening.
func (s *Service) WhitelistAddress(ctx context.Context, tenantID string, caller string, address string) error {
	if _, err := s.authorize(ctx, tenantID, caller); err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("address is required")
	}

	now := s.now().UTC()
	entry := &domain.WhitelistEntry{
		TenantID: tenantID,
		Address:  address,
		Active:   true,
		AddedAt:  now,
	}

	if err := s.repo.UpsertWhitelistEntry(ctx, tenantID, entry); err != nil {
		return fmt.Errorf("save whitelist entry: %w", err)
	}
	if err := s.registry.Invalidate(ctx, tenantID, address); err != nil {
		s.logger.Warn("failed to invalidate screening cache", "address", address, "error", err)
	}

	s.publish(ctx, tenantID, domain.TopicAddressWhitelisted, &RegistryChangedEvent{
		Address:   address,
		Timestamp: now,
	})
	return nil
}

// BlendAIScore averages an external AI risk score into the profile score.
// This is the only path that can lower a risk score short of an unblock.
// Each reported anomaly raises a flag whose severity follows the AI score;
// a score above 90 blocks the profile immediately.
func (s *Service) BlendAIScore(ctx context.Context, tenantID string, caller string, user string, aiScore uint32, anomalies []string) (*domain.UserRiskProfile, error) {
	if _, err := s.authorize(ctx, tenantID, caller); err != nil {
		return nil, err
	}
	if aiScore > 100 {
		return nil, fmt.Errorf("ai score must be between 0 and 100, got %d", aiScore)
	}

	mu := s.userLock(tenantID, user)
	mu.Lock()
	defer mu.Unlock()

	profile, err := s.getProfile(ctx, tenantID, user)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	profile.RiskScore = (profile.RiskScore + aiScore) / 2

	severity := domain.SeverityLow
	switch {
	case aiScore > 90:
		severity = domain.SeverityCritical
	case aiScore > 75:
		severity = domain.SeverityHigh
	case aiScore > 50:
		severity = domain.SeverityMedium
	}

	for _, anomaly := range anomalies {
		profile.AddFlag(domain.FraudFlag{
			Type:        domain.FlagAIAnomaly,
			Severity:    severity,
			Description: anomaly,
			DetectedAt:  now,
		})
	}
	if len(anomalies) > 0 {
		profile.IsFlagged = true
	}
	if aiScore > 90 {
		profile.IsBlocked = true
	}

	profile.UpdatedAt = now
	if err := s.repo.SaveProfile(ctx, tenantID, profile); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}

	s.publish(ctx, tenantID, domain.TopicAIScoreUpdated, &AIScoreUpdatedEvent{
		User:      user,
		AIScore:   aiScore,
		RiskScore: profile.RiskScore,
		Anomalies: anomalies,
		Blocked:   profile.IsBlocked,
		Timestamp: now,
	})
	return profile, nil
}

// Unblock lifts a block and halves the risk score. The flag history is
// left untouched; the reason goes out on the bus for audit.
func (s *Service) Unblock(ctx context.Context, tenantID string, caller string, user string, reason string) (*domain.UserRiskProfile, error) {
	if _, err := s.authorize(ctx, tenantID, caller); err != nil {
		return nil, err
	}

	mu := s.userLock(tenantID, user)
	mu.Lock()
	defer mu.Unlock()

	profile, err := s.getProfile(ctx, tenantID, user)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	profile.IsBlocked = false
	profile.RiskScore /= 2
	profile.UpdatedAt = now

	if err := s.repo.SaveProfile(ctx, tenantID, profile); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}

	s.logger.Info("user unblocked", "tenant_id", tenantID, "user", user, "reason", reason)
	s.publish(ctx, tenantID, domain.TopicUserUnblocked, &UserUnblockedEvent{
		User:      user,
		Reason:    reason,
		RiskScore: profile.RiskScore,
		Timestamp: now,
	})
	return profile, nil
}

// authorize loads the tenant configuration and checks the caller against
// the configured authority.
func (s *Service) authorize(ctx context.Context, tenantID string, caller string) (*domain.ComplianceConfig, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	cfg, err := s.repo.GetComplianceConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load compliance config: %w", err)
	}
	if caller == "" || caller != cfg.Authority {
		return nil, domain.ErrUnauthorized
	}
	return cfg, nil
}

func (s *Service) getProfile(ctx context.Context, tenantID string, user string) (*domain.UserRiskProfile, error) {
	profile, err := s.repo.GetProfile(ctx, tenantID, user)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("%w: user %s", domain.ErrProfileNotFound, user)
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return profile, nil
}
