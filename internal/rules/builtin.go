// Package rules implements transaction screening: the fixed builtin rule
// set plus a CEL-based engine for admin-defined rules.
package rules

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Candidate is the snapshot of a transaction handed to the rules. The
// recipient screening is resolved before evaluation; rules never touch
// storage.
type Candidate struct {
	User      string
	Recipient string

	// Amount in native base units.
	Amount uint64

	// AmountUSD is the oracle-converted value.
	AmountUSD uint64

	Type domain.TransactionType

	// RecipientHighRisk is true when the recipient has an active registry
	// entry and is not whitelisted.
	RecipientHighRisk bool
}

// EvaluateBuiltin runs the fixed rule set against a candidate. Rules are
// checked in declaration order and never short-circuit: a single
// transaction can raise several flags. The returned shouldBlock is true
// when any blocking rule fired.
//
// The profile is read-only here: daily counters reflect the state before
// this transaction is applied.
func EvaluateBuiltin(profile *domain.UserRiskProfile, cfg *domain.ComplianceConfig, c *Candidate, now time.Time) ([]domain.FraudFlag, bool) {
	var flags []domain.FraudFlag
	shouldBlock := false

	// Rule 1: high value transaction.
	if c.AmountUSD > cfg.HighValueThresholdUSD {
		flags = append(flags, domain.FraudFlag{
			Type:        domain.FlagHighValue,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("transaction of $%d exceeds high value threshold of $%d", c.AmountUSD, cfg.HighValueThresholdUSD),
			DetectedAt:  now,
		})
	}

	// Rule 2: daily velocity.
	if profile.DailyTransactionCount >= cfg.VelocityThreshold {
		flags = append(flags, domain.FraudFlag{
			Type:        domain.FlagVelocity,
			Severity:    domain.SeverityMedium,
			Description: fmt.Sprintf("%d transactions in daily window, threshold %d", profile.DailyTransactionCount, cfg.VelocityThreshold),
			DetectedAt:  now,
		})
	}

	// Rule 3: excessive daily volume. Projected volume includes the
	// candidate amount.
	if projected := satAdd64(profile.DailyVolumeUSD, c.AmountUSD); projected > cfg.MaxDailyVolumeUSD {
		flags = append(flags, domain.FraudFlag{
			Type:        domain.FlagExcessiveVolume,
			Severity:    domain.SeverityHigh,
			Description: fmt.Sprintf("projected daily volume $%d exceeds limit of $%d", projected, cfg.MaxDailyVolumeUSD),
			DetectedAt:  now,
		})
		shouldBlock = true
	}

	// Rule 4: high-risk recipient. Whitelisting is already folded into the
	// candidate.
	if c.RecipientHighRisk {
		flags = append(flags, domain.FraudFlag{
			Type:        domain.FlagHighRiskRecipient,
			Severity:    domain.SeverityCritical,
			Description: fmt.Sprintf("recipient %s is on the risk registry", c.Recipient),
			DetectedAt:  now,
		})
		shouldBlock = true
	}

	// Rule 5: rapid succession.
	if profile.TotalTransactionCount > 0 && now.Sub(profile.LastTransactionAt) < domain.RapidFireInterval {
		flags = append(flags, domain.FraudFlag{
			Type:        domain.FlagRapidSuccession,
			Severity:    domain.SeverityMedium,
			Description: "transactions in rapid succession",
			DetectedAt:  now,
		})
	}

	// Rule 6: KYC limits. Unverified users are hard-limited; basic KYC
	// gets an advisory flag only.
	switch profile.KYCLevel {
	case domain.KYCNone:
		if c.AmountUSD > domain.KYCNoneLimitUSD {
			flags = append(flags, domain.FraudFlag{
				Type:        domain.FlagKYCLimit,
				Severity:    domain.SeverityHigh,
				Description: fmt.Sprintf("$%d transaction without KYC verification (limit $%d)", c.AmountUSD, uint64(domain.KYCNoneLimitUSD)),
				DetectedAt:  now,
			})
			shouldBlock = true
		}
	case domain.KYCBasic:
		if c.AmountUSD > domain.KYCBasicLimitUSD {
			flags = append(flags, domain.FraudFlag{
				Type:        domain.FlagKYCLimit,
				Severity:    domain.SeverityMedium,
				Description: fmt.Sprintf("$%d transaction exceeds basic KYC limit of $%d", c.AmountUSD, uint64(domain.KYCBasicLimitUSD)),
				DetectedAt:  now,
			})
		}
	}

	return flags, shouldBlock
}

func satAdd64(a, b uint64) uint64 {
	if a > 1<<64-1-b {
		return 1<<64 - 1
	}
	return a + b
}
