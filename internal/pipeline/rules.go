package pipeline

import "encoding/json"

// Feature keys read by the rule evaluator and the sandbox memo. The fused
// object carries Mongolian section names from the upstream data providers.
const (
	featRiskScore         = "Risk_Score"
	featBankStatement     = "дансны_хуулга_өгөгдөл"
	featExpensePattern    = "зардлын_хэв_маяг"
	featFixedBizExpenses  = "тогтмол_бизнесийн_зардлууд"
	featAvgMonthlyIncome  = "дундаж_сарын_орлого"
	featCollateralSection = "барьцаа_хөрөнгийн_үнэлгээний_өгөгдөл"
	featRequestedAmount   = "хүссэн_зээлийн_хэмжээ"
)

const defaultRiskScore = 0.43

// Evaluate applies the deterministic credit policy to a features object.
// The default outcome is REVIEW with no reasons.
func Evaluate(features map[string]any) RuleOutcome {
	out := RuleOutcome{Decision: DecisionReview, Reasons: []string{}}

	risk := featureFloat(features, defaultRiskScore, featRiskScore)
	switch {
	case risk >= 0.6:
		out.Decision = DecisionDecline
		out.Reasons = append(out.Reasons, "Risk score too high")
	case risk <= 0.35:
		out.Decision = DecisionApprove
	}

	expenses := featureFloat(features, 0, featBankStatement, featExpensePattern, featFixedBizExpenses)
	income := featureFloat(features, 1, featBankStatement, featAvgMonthlyIncome)
	if income != 0 && expenses/income > 0.8 {
		out.Decision = DecisionReview
		out.Reasons = append(out.Reasons, "High expense to income ratio")
	}

	return out
}

// featureFloat walks a key path through nested maps, returning fallback when
// any hop is missing or non-numeric.
func featureFloat(features map[string]any, fallback float64, path ...string) float64 {
	current := any(features)
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return fallback
		}
		current, ok = node[key]
		if !ok {
			return fallback
		}
	}
	switch v := current.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}
