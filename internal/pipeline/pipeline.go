// Package pipeline holds the external collaborators the underwriting worker
// orchestrates: statement parsing, collateral valuation, memo generation and
// the rule evaluator. Each collaborator sits behind a single-method interface
// so deployments can swap sandbox and remote implementations.
package pipeline

import "context"

// Decision strings are fixed wire values.
const (
	DecisionApprove = "APPROVE"
	DecisionReview  = "REVIEW"
	DecisionDecline = "DECLINE"
)

// ParseResult is the bank statement parser output. Rows follow the fixed
// column layout [date, type, ref, debit, credit, balance, description,
// tx_account].
type ParseResult struct {
	BankCode      string         `json:"bank_code"`
	CustomerName  string         `json:"customer_name"`
	AccountNumber string         `json:"account_number"`
	Rows          [][]any        `json:"rows"`
	Stats         map[string]any `json:"stats,omitempty"`
}

// Valuation is the collateral enrichment output. Source is one of ml_model,
// web_search, declared_fallback, not_provided, unavailable.
type Valuation struct {
	Value      float64        `json:"value"`
	Currency   string         `json:"currency"`
	Confidence float64        `json:"confidence"`
	Source     string         `json:"source"`
	RiskScore  float64        `json:"risk_score"`
	Market     map[string]any `json:"market,omitempty"`
}

// Meta is the structured trailer of a generated memo. Zero Decision means
// the provider declined to decide and the caller falls back to the rules.
type Meta struct {
	Decision               string   `json:"decision,omitempty"`
	InterestRateSuggestion float64  `json:"interest_rate_suggestion,omitempty"`
	RiskScore              *float64 `json:"risk_score,omitempty"`
	RawResponse            string   `json:"raw_response,omitempty"`
}

// RuleOutcome is the deterministic decision produced by Evaluate.
type RuleOutcome struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons"`
}

// Parser turns a downloaded statement PDF into structured rows.
type Parser interface {
	Parse(ctx context.Context, pdfPath string) (ParseResult, error)
}

// Collateral valuates the collateral block of a canonical payload.
type Collateral interface {
	Valuate(ctx context.Context, payload map[string]any) (Valuation, error)
}

// LLM generates the credit memo for a fused features object.
type LLM interface {
	GenerateMemo(ctx context.Context, features map[string]any) (string, Meta, error)
}
