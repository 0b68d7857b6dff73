package domain

import (
	"fmt"
	"time"
)

// Monitoring constants shared by the rule evaluator and the scoring engine.
const (
	// BlockScoreThreshold is the risk score above which a profile is
	// automatically blocked.
	BlockScoreThreshold = 100

	// MaxProfileFlags bounds the in-profile flag history. Older flags are
	// dropped; the full history is routed to the audit topic.
	MaxProfileFlags = 32

	// DailyWindow is the rolling window for daily counters.
	DailyWindow = 24 * time.Hour

	// RapidFireInterval is the minimum gap between transactions before the
	// unusual-pattern rule fires.
	RapidFireInterval = 10 * time.Second

	// KYCNoneLimitUSD is the hard per-transaction limit for unverified users.
	KYCNoneLimitUSD = 1_000

	// KYCBasicLimitUSD is the advisory per-transaction limit for basic KYC.
	KYCBasicLimitUSD = 10_000
)

// ComplianceConfig is the per-tenant monitoring configuration. A single
// config governs all profiles of a tenant.
type ComplianceConfig struct {
	TenantID string `json:"tenantId"`

	// Authority is the only identity allowed to perform admin actions.
	Authority string `json:"authority"`

	// Rule thresholds. All must be non-zero.
	HighValueThresholdUSD uint64 `json:"highValueThresholdUsd"`
	VelocityThreshold     uint64 `json:"velocityThreshold"`
	MaxDailyVolumeUSD     uint64 `json:"maxDailyVolumeUsd"`

	// IsActive gates evaluation for the whole tenant.
	IsActive bool `json:"isActive"`

	// Lifetime counters, monotonically increasing.
	TotalFlagged uint64 `json:"totalFlagged"`
	TotalBlocked uint64 `json:"totalBlocked"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate rejects configurations that would make rules vacuous or
// unenforceable.
func (c *ComplianceConfig) Validate() error {
	if c.Authority == "" {
		return fmt.Errorf("%w: authority is required", ErrInvalidConfiguration)
	}
	if c.HighValueThresholdUSD == 0 {
		return fmt.Errorf("%w: high value threshold must be non-zero", ErrInvalidConfiguration)
	}
	if c.VelocityThreshold == 0 {
		return fmt.Errorf("%w: velocity threshold must be non-zero", ErrInvalidConfiguration)
	}
	if c.MaxDailyVolumeUSD == 0 {
		return fmt.Errorf("%w: max daily volume must be non-zero", ErrInvalidConfiguration)
	}
	return nil
}
