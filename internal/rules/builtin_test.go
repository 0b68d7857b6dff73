package rules

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testConfig() *domain.ComplianceConfig {
	return &domain.ComplianceConfig{
		Authority:             "authority-001",
		HighValueThresholdUSD: 10000,
		VelocityThreshold:     10,
		MaxDailyVolumeUSD:     50000,
		IsActive:              true,
	}
}

func freshProfile(now time.Time) *domain.UserRiskProfile {
	return &domain.UserRiskProfile{
		User:             "user-001",
		KYCLevel:         domain.KYCEnhanced,
		LastDailyResetAt: now,
	}
}

func hasFlag(flags []domain.FraudFlag, flagType string) bool {
	for _, f := range flags {
		if f.Type == flagType {
			return true
		}
	}
	return false
}

func TestEvaluateBuiltin(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("CleanTransaction", func(t *testing.T) {
		profile := freshProfile(now)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 500, Type: domain.TxTransfer}

		flags, block := EvaluateBuiltin(profile, testConfig(), c, now)
		if len(flags) != 0 {
			t.Errorf("expected no flags, got %d: %v", len(flags), flags)
		}
		if block {
			t.Error("expected no block")
		}
	})

	t.Run("HighValue", func(t *testing.T) {
		profile := freshProfile(now)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 10001}

		flags, block := EvaluateBuiltin(profile, testConfig(), c, now)
		if !hasFlag(flags, domain.FlagHighValue) {
			t.Error("expected high value flag")
		}
		if flags[0].Severity != domain.SeverityHigh {
			t.Errorf("expected high severity, got %s", flags[0].Severity)
		}
		if block {
			t.Error("high value alone should not block")
		}
	})

	t.Run("HighValueAtThreshold", func(t *testing.T) {
		profile := freshProfile(now)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 10000}

		flags, _ := EvaluateBuiltin(profile, testConfig(), c, now)
		if hasFlag(flags, domain.FlagHighValue) {
			t.Error("amount equal to threshold must not flag")
		}
	})

	t.Run("VelocityAtThreshold", func(t *testing.T) {
		profile := freshProfile(now)
		profile.DailyTransactionCount = 10
		profile.TotalTransactionCount = 10
		profile.LastTransactionAt = now.Add(-time.Hour)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 100}

		flags, block := EvaluateBuiltin(profile, testConfig(), c, now)
		if !hasFlag(flags, domain.FlagVelocity) {
			t.Error("expected velocity flag at threshold")
		}
		if block {
			t.Error("velocity should not block")
		}
	})

	t.Run("VelocityBelowThreshold", func(t *testing.T) {
		profile := freshProfile(now)
		profile.DailyTransactionCount = 9
		profile.TotalTransactionCount = 9
		profile.LastTransactionAt = now.Add(-time.Hour)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 100}

		flags, _ := EvaluateBuiltin(profile, testConfig(), c, now)
		if hasFlag(flags, domain.FlagVelocity) {
			t.Error("velocity flag below threshold")
		}
	})

	t.Run("ExcessiveVolumeBlocks", func(t *testing.T) {
		profile := freshProfile(now)
		profile.DailyVolumeUSD = 49000
		profile.TotalTransactionCount = 5
		profile.LastTransactionAt = now.Add(-time.Hour)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 2000}

		flags, block := EvaluateBuiltin(profile, testConfig(), c, now)
		if !hasFlag(flags, domain.FlagExcessiveVolume) {
			t.Error("expected excessive volume flag")
		}
		if !block {
			t.Error("excessive volume must block")
		}
	})

	t.Run("HighRiskRecipientBlocks", func(t *testing.T) {
		profile := freshProfile(now)
		c := &Candidate{User: "user-001", Recipient: "bad-actor", AmountUSD: 10, RecipientHighRisk: true}

		flags, block := EvaluateBuiltin(profile, testConfig(), c, now)
		if !hasFlag(flags, domain.FlagHighRiskRecipient) {
			t.Error("expected high risk recipient flag")
		}
		if !block {
			t.Error("high risk recipient must block")
		}
		for _, f := range flags {
			if f.Type == domain.FlagHighRiskRecipient && f.Severity != domain.SeverityCritical {
				t.Errorf("expected critical severity, got %s", f.Severity)
			}
		}
	})

	t.Run("RapidSuccession", func(t *testing.T) {
		profile := freshProfile(now)
		profile.TotalTransactionCount = 1
		profile.LastTransactionAt = now.Add(-5 * time.Second)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 100}

		flags, _ := EvaluateBuiltin(profile, testConfig(), c, now)
		if !hasFlag(flags, domain.FlagRapidSuccession) {
			t.Error("expected rapid succession flag")
		}
	})

	t.Run("RapidSuccessionSkipsFirstTransaction", func(t *testing.T) {
		// A zero LastTransactionAt would otherwise look rapid.
		profile := freshProfile(now)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 100}

		flags, _ := EvaluateBuiltin(profile, testConfig(), c, now)
		if hasFlag(flags, domain.FlagRapidSuccession) {
			t.Error("first transaction must not be rapid")
		}
	})

	t.Run("KYCNoneOverLimitBlocks", func(t *testing.T) {
		profile := freshProfile(now)
		profile.KYCLevel = domain.KYCNone
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 1500}

		flags, block := EvaluateBuiltin(profile, testConfig(), c, now)
		if !hasFlag(flags, domain.FlagKYCLimit) {
			t.Error("expected KYC limit flag")
		}
		if !block {
			t.Error("unverified user over limit must block")
		}
	})

	t.Run("KYCBasicAdvisory", func(t *testing.T) {
		cfg := testConfig()
		cfg.HighValueThresholdUSD = 100000 // isolate the KYC rule
		profile := freshProfile(now)
		profile.KYCLevel = domain.KYCBasic
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 10001}

		flags, block := EvaluateBuiltin(profile, cfg, c, now)
		if !hasFlag(flags, domain.FlagKYCLimit) {
			t.Error("expected KYC limit flag")
		}
		if block {
			t.Error("basic KYC limit is advisory only")
		}
		for _, f := range flags {
			if f.Type == domain.FlagKYCLimit && f.Severity != domain.SeverityMedium {
				t.Errorf("expected medium severity, got %s", f.Severity)
			}
		}
	})

	t.Run("KYCEnhancedUnlimited", func(t *testing.T) {
		cfg := testConfig()
		cfg.HighValueThresholdUSD = 1000000
		cfg.MaxDailyVolumeUSD = 1000000
		profile := freshProfile(now)
		c := &Candidate{User: "user-001", Recipient: "merchant-001", AmountUSD: 500000}

		flags, _ := EvaluateBuiltin(profile, cfg, c, now)
		if hasFlag(flags, domain.FlagKYCLimit) {
			t.Error("enhanced KYC must not hit limits")
		}
	})

	t.Run("MultipleFlagsAccumulate", func(t *testing.T) {
		profile := freshProfile(now)
		profile.KYCLevel = domain.KYCNone
		profile.DailyTransactionCount = 10
		profile.TotalTransactionCount = 10
		profile.LastTransactionAt = now.Add(-2 * time.Second)
		c := &Candidate{User: "user-001", Recipient: "bad-actor", AmountUSD: 15000, RecipientHighRisk: true}

		flags, block := EvaluateBuiltin(profile, testConfig(), c, now)
		for _, want := range []string{
			domain.FlagHighValue,
			domain.FlagVelocity,
			domain.FlagHighRiskRecipient,
			domain.FlagRapidSuccession,
			domain.FlagKYCLimit,
		} {
			if !hasFlag(flags, want) {
				t.Errorf("missing flag %s", want)
			}
		}
		if !block {
			t.Error("expected block")
		}
		// 15 + 5 + 50 + 5 + 15 = 90
		if delta := domain.ScoreDelta(flags); delta != 90 {
			t.Errorf("expected score delta 90, got %d", delta)
		}
	})
}

func TestScoreDeltaWeights(t *testing.T) {
	tests := []struct {
		severity domain.Severity
		weight   uint32
	}{
		{domain.SeverityLow, 1},
		{domain.SeverityMedium, 5},
		{domain.SeverityHigh, 15},
		{domain.SeverityCritical, 50},
	}

	for _, tt := range tests {
		if got := tt.severity.Weight(); got != tt.weight {
			t.Errorf("weight(%s) = %d, want %d", tt.severity, got, tt.weight)
		}
	}
}
