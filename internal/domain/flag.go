package domain

import "time"

// Severity grades a fraud flag. Each severity carries a fixed weight that
// feeds the profile risk score.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the score contribution of the severity.
func (s Severity) Weight() uint32 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 5
	case SeverityHigh:
		return 15
	case SeverityCritical:
		return 50
	default:
		return 0
	}
}

// Valid reports whether the severity is one of the known grades.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Flag type identifiers emitted by the builtin rules.
const (
	FlagHighValue         = "high_value_transaction"
	FlagVelocity          = "velocity_exceeded"
	FlagExcessiveVolume   = "daily_volume_exceeded"
	FlagHighRiskRecipient = "high_risk_recipient"
	FlagRapidSuccession   = "rapid_succession"
	FlagKYCLimit          = "kyc_limit_exceeded"
	FlagAIAnomaly         = "ai_anomaly"
	FlagCustomRule        = "custom_rule"
)

// FraudFlag records a single rule hit against a profile.
type FraudFlag struct {
	Type        string    `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// ScoreDelta sums the severity weights of a set of flags.
func ScoreDelta(flags []FraudFlag) uint32 {
	var delta uint32
	for _, f := range flags {
		delta = satAdd32(delta, f.Severity.Weight())
	}
	return delta
}
