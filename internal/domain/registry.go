package domain

import "time"

// RiskCategory classifies a high-risk address.
type RiskCategory string

const (
	CategorySanctions RiskCategory = "sanctions"
	CategoryFraud     RiskCategory = "fraud"
	CategoryMixer     RiskCategory = "mixer"
	CategoryScam      RiskCategory = "scam"
	CategoryDarknet   RiskCategory = "darknet"
	CategoryOther     RiskCategory = "other"
)

// RiskRegistryEntry marks an address as high risk. Only active entries
// participate in recipient screening.
type RiskRegistryEntry struct {
	TenantID    string       `json:"tenantId"`
	Address     string       `json:"address"`
	Category    RiskCategory `json:"category"`
	Level       Severity     `json:"level"`
	Description string       `json:"description,omitempty"`
	Active      bool         `json:"active"`
	AddedAt     time.Time    `json:"addedAt"`
}

// WhitelistEntry exempts an address from recipient screening. The whitelist
// takes precedence over the risk registry.
type WhitelistEntry struct {
	TenantID string    `json:"tenantId"`
	Address  string    `json:"address"`
	Active   bool      `json:"active"`
	AddedAt  time.Time `json:"addedAt"`
}

// RegistryStatus is the resolved screening status of an address.
type RegistryStatus struct {
	HighRisk    bool `json:"highRisk"`
	Whitelisted bool `json:"whitelisted"`
}
