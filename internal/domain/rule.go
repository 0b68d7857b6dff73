package domain

import "time"

// CustomRule is an admin-defined CEL expression evaluated against every
// candidate transaction after the builtin rules. A rule that evaluates to
// true raises an advisory flag with the configured severity; custom rules
// never force a block.
type CustomRule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Expression is a CEL expression returning bool.
	Expression string `json:"expression"`

	// Severity of the flag raised when the expression is true.
	Severity Severity `json:"severity"`

	// Whether rule is active
	Enabled bool `json:"enabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
