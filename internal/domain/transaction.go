package domain

import (
	"fmt"
	"time"
)

// TransactionType categorizes a monitored transaction.
type TransactionType string

const (
	TxTransfer   TransactionType = "transfer"
	TxPayment    TransactionType = "payment"
	TxWithdrawal TransactionType = "withdrawal"
	TxDeposit    TransactionType = "deposit"
)

// Verdict is the outcome of a monitoring pass.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictFlagged  Verdict = "flagged"
	VerdictBlocked  Verdict = "blocked"
)

// MonitorRequest is a candidate transaction submitted for evaluation.
// Amount is in native base units; the oracle converts to USD.
type MonitorRequest struct {
	User      string          `json:"user"`
	Recipient string          `json:"recipient"`
	Amount    uint64          `json:"amount"`
	Type      TransactionType `json:"type"`
}

// Validate checks the request shape before evaluation.
func (r *MonitorRequest) Validate() error {
	if r.User == "" {
		return fmt.Errorf("user is required")
	}
	if r.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}
	if r.Amount == 0 {
		return fmt.Errorf("amount must be positive")
	}
	if r.Type == "" {
		r.Type = TxTransfer
	}
	return nil
}

// TransactionRecord is the immutable audit record of one evaluation.
// Records are written once and never updated.
type TransactionRecord struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	User      string          `json:"user"`
	Recipient string          `json:"recipient"`
	Amount    uint64          `json:"amount"`
	AmountUSD uint64          `json:"amountUsd"`
	Type      TransactionType `json:"type"`
	Verdict   Verdict         `json:"verdict"`

	// Flags raised by this evaluation only.
	Flags []FraudFlag `json:"flags,omitempty"`

	ProcessedAt time.Time `json:"processedAt"`
}

// MonitorResult is returned to the caller of an evaluation.
// Record is nil when a blocked profile short-circuits the pipeline.
type MonitorResult struct {
	Verdict   Verdict            `json:"verdict"`
	RiskScore uint32             `json:"riskScore"`
	AmountUSD uint64             `json:"amountUsd"`
	Flags     []FraudFlag        `json:"flags,omitempty"`
	Record    *TransactionRecord `json:"record,omitempty"`
}
