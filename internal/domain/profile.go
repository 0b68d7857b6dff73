package domain

import (
	"math"
	"time"
)

// KYCLevel is the verification tier of a user.
type KYCLevel string

const (
	KYCNone     KYCLevel = "none"
	KYCBasic    KYCLevel = "basic"
	KYCEnhanced KYCLevel = "enhanced"
)

// Valid reports whether the level is a known KYC tier.
func (k KYCLevel) Valid() bool {
	switch k {
	case KYCNone, KYCBasic, KYCEnhanced:
		return true
	}
	return false
}

// UserRiskProfile is the per-user risk state. It is mutated only by the
// scoring engine and admin actions; the host serializes writers per user.
type UserRiskProfile struct {
	TenantID string   `json:"tenantId"`
	User     string   `json:"user"`
	KYCLevel KYCLevel `json:"kycLevel"`

	// RiskScore accumulates flag weights, saturating. A score above
	// BlockScoreThreshold blocks the profile.
	RiskScore uint32 `json:"riskScore"`

	// Lifetime counters, saturating, never reset.
	TotalTransactionCount uint64 `json:"totalTransactionCount"`
	TotalVolumeUSD        uint64 `json:"totalVolumeUsd"`

	// Daily window counters, reset when the window rolls over.
	DailyTransactionCount uint64 `json:"dailyTransactionCount"`
	DailyVolumeUSD        uint64 `json:"dailyVolumeUsd"`

	LastTransactionAt time.Time `json:"lastTransactionAt"`
	LastDailyResetAt  time.Time `json:"lastDailyResetAt"`

	IsFlagged bool `json:"isFlagged"`
	IsBlocked bool `json:"isBlocked"`

	// Flags holds the most recent MaxProfileFlags flags.
	Flags []FraudFlag `json:"flags,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ResetDailyWindowIfDue zeroes the daily counters when the window has
// elapsed. Returns true when a reset was applied. Safe to call repeatedly:
// a second call inside the same window is a no-op.
func (p *UserRiskProfile) ResetDailyWindowIfDue(now time.Time) bool {
	if now.Sub(p.LastDailyResetAt) <= DailyWindow {
		return false
	}
	p.DailyTransactionCount = 0
	p.DailyVolumeUSD = 0
	p.LastDailyResetAt = now
	return true
}

// AddFlag appends a flag, dropping the oldest when the bounded history is
// full.
func (p *UserRiskProfile) AddFlag(f FraudFlag) {
	p.Flags = append(p.Flags, f)
	if len(p.Flags) > MaxProfileFlags {
		p.Flags = p.Flags[len(p.Flags)-MaxProfileFlags:]
	}
}

// ApplyScoreDelta raises the risk score, saturating at the uint32 ceiling.
func (p *UserRiskProfile) ApplyScoreDelta(delta uint32) {
	p.RiskScore = satAdd32(p.RiskScore, delta)
}

// RecordTransaction updates the volume and count bookkeeping for an
// evaluated transaction.
func (p *UserRiskProfile) RecordTransaction(usdAmount uint64, now time.Time) {
	p.DailyTransactionCount = satAdd64(p.DailyTransactionCount, 1)
	p.TotalTransactionCount = satAdd64(p.TotalTransactionCount, 1)
	p.DailyVolumeUSD = satAdd64(p.DailyVolumeUSD, usdAmount)
	p.TotalVolumeUSD = satAdd64(p.TotalVolumeUSD, usdAmount)
	p.LastTransactionAt = now
}

func satAdd32(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}

func satAdd64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
