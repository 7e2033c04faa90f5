package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// SandboxLLM writes a deterministic Mongolian credit memo from the fused
// features, with the structured decision embedded in an HTML comment trailer
// so downstream consumers can strip it from the rendered markdown.
type SandboxLLM struct{}

func (SandboxLLM) GenerateMemo(ctx context.Context, features map[string]any) (string, Meta, error) {
	risk := featureFloat(features, defaultRiskScore, featRiskScore)
	income := featureValue(features, featBankStatement, featAvgMonthlyIncome)
	requested := featureValue(features, featRequestedAmount)

	collateral, _ := featureValue(features, featCollateralSection).(map[string]any)
	marketPrice := featureValue(collateral, "зах_зээлийн_үнэд_суурилсан_үнэлгээ", "статистик", "median_price_mnt")
	if marketPrice == nil {
		marketPrice = collateral["үнэлгээ"]
	}
	marketSource := collateral["эх_сурвалж"]

	decision := DecisionApprove
	if risk > 0.4 {
		decision = DecisionReview
	}
	const interest = 18.4

	meta := Meta{Decision: decision, InterestRateSuggestion: interest}
	trailer, err := json.Marshal(meta)
	if err != nil {
		return "", Meta{}, err
	}

	lines := []string{
		"## Кредит Мемо (Sandbox)",
		"",
		"### Applicant",
		fmt.Sprintf("- Зээлийн хүсэлт: %s", orNA(requested)),
		"",
		"### Income & Stability",
		fmt.Sprintf("- Дундаж сарын орлого: %s₮", orNA(income)),
		"",
		"### Risk Score",
		fmt.Sprintf("- Risk Score: %v", risk),
		"",
		"### Collateral Insights",
		fmt.Sprintf("- Зах зээлийн жишиг үнэ: %s₮", orNA(marketPrice)),
		fmt.Sprintf("- Зах зээлийн эх сурвалж: %s", orNA(marketSource)),
		"",
		"### Recommendation",
		"- " + decision,
		"",
		fmt.Sprintf("<!--META %s -->", trailer),
	}
	return strings.Join(lines, "\n"), meta, nil
}

// featureValue walks a key path through nested maps, returning nil when any
// hop is missing.
func featureValue(features map[string]any, path ...string) any {
	current := any(features)
	for _, key := range path {
		node, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = node[key]
		if !ok {
			return nil
		}
	}
	return current
}

func orNA(v any) string {
	if v == nil {
		return "N/A"
	}
	return fmt.Sprintf("%v", v)
}
