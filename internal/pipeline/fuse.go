package pipeline

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Fuse assembles the LLM input from the canonical payload and the upstream
// stage outputs. Sections with no data are omitted entirely.
func Fuse(payload map[string]any, parse ParseResult, valuation Valuation) map[string]any {
	thirdParty, _ := payload["third_party_data"].(map[string]any)

	credit := thirdParty["mongolbank_credit"]
	if credit == nil {
		credit = payload["credit_bureau_data"]
	}

	social := socialInsurance(thirdParty, payload)
	documents, _ := payload["documents"].(map[string]any)
	bankSummary := bankStatementSummary(parse, documents)

	collateralSrc := payload["collateral"]
	if collateralSrc == nil {
		collateralSrc = payload["collateral_offered"]
	}
	collateralOut := collateralSection(collateralSrc, valuation)

	loanSrc := payload["loan"]
	if loanSrc == nil {
		loanSrc = payload["loan_request"]
	}
	loanOut := loanRequest(loanSrc)

	features := map[string]any{}
	if credit != nil {
		features["credit_bureau_data"] = safeCopy(credit)
	}
	if loanOut != nil {
		features["loan_request"] = loanOut
	}
	if social != nil {
		features["social_insurance_data"] = safeCopy(social)
	}
	if bankSummary != nil {
		features["bank_statement"] = bankSummary
	}
	if collateralOut != nil {
		features["collateral"] = collateralOut
	}
	return features
}

func socialInsurance(thirdParty, payload map[string]any) any {
	if block, ok := thirdParty["social_security"].(map[string]any); ok {
		for _, key := range []string{"response", "data"} {
			if candidate, ok := block[key].(map[string]any); ok {
				return candidate
			}
		}
		return block
	}
	return payload["social_insurance_data"]
}

func loanRequest(source any) map[string]any {
	loan, ok := source.(map[string]any)
	if !ok {
		return nil
	}
	out := map[string]any{}
	put := func(dst string, keys ...string) {
		for _, key := range keys {
			if v, ok := loan[key]; ok && v != nil {
				out[dst] = v
				return
			}
		}
	}
	put("amountMNT", "amount", "amountMNT")
	put("termMonths", "term_months", "termMonths")
	put("aprPct", "aprPct", "apr_pct")
	put("estimatedMonthlyInstallmentMNT", "estimatedMonthlyInstallmentMNT")
	put("purpose", "purpose")
	put("type", "type")
	if len(out) == 0 {
		return nil
	}
	return out
}

func collateralSection(declared any, valuation Valuation) map[string]any {
	var original any
	switch v := declared.(type) {
	case []any:
		if len(v) > 0 {
			original = safeCopy(v[0])
		}
	case map[string]any:
		original = safeCopy(v)
	}

	// risk_score stays out of the LLM input
	valuationCopy := toMap(valuation)
	delete(valuationCopy, "risk_score")

	if original == nil && valuationCopy == nil {
		return nil
	}

	section := map[string]any{}
	if original != nil {
		section["original_payload"] = original
	}
	if valuationCopy != nil {
		section["valuation"] = valuationCopy
		if v, ok := valuationCopy["value"]; ok {
			section["predicted_value_mnt"] = v
		}
		if v, ok := valuationCopy["estimatedValue"]; ok {
			section["predicted_value_mnt"] = v
		}
		if market, ok := valuationCopy["market"].(map[string]any); ok {
			section["market_insights"] = market
		}
	}
	return section
}

func bankStatementSummary(parse ParseResult, documents map[string]any) map[string]any {
	monthly := map[string]float64{}
	var first, last time.Time

	for _, row := range parse.Rows {
		if len(row) == 0 {
			continue
		}
		ts, ok := parseTimestamp(row[0])
		if ok {
			if first.IsZero() || ts.Before(first) {
				first = ts
			}
			if last.IsZero() || ts.After(last) {
				last = ts
			}
		}
		if !ok || len(row) <= 4 {
			continue
		}
		if credit, haveCredit := toFloatOK(row[4]); haveCredit && credit > 0 {
			monthly[ts.Format("2006-01")] += credit
		}
	}

	summary := map[string]any{}
	if len(monthly) > 0 {
		total := 0.0
		for _, v := range monthly {
			total += v
		}
		avg := total / float64(len(monthly))
		summary["average_monthly_income_mnt"] = math.Round(avg*100) / 100
	}
	if period := statementPeriod(parse.Stats, documents, first, last); period != "" {
		summary["statement_period"] = period
	}
	if len(summary) == 0 {
		return nil
	}
	return summary
}

func statementPeriod(stats, documents map[string]any, first, last time.Time) string {
	start, _ := parseTimestamp(stats["period_from"])
	end, _ := parseTimestamp(stats["period_to"])

	if period, ok := documents["bank_statement_period"].(map[string]any); ok {
		if start.IsZero() {
			start, _ = parseTimestamp(period["from"])
		}
		if end.IsZero() {
			end, _ = parseTimestamp(period["to"])
		}
	}
	if start.IsZero() {
		start = first
	}
	if end.IsZero() {
		end = last
	}
	if start.IsZero() || end.IsZero() {
		return ""
	}
	return start.Format("2006-01") + " to " + end.Format("2006-01")
}

func parseTimestamp(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		candidate := s
		if len(candidate) > len(layout) && layout != time.RFC3339 {
			candidate = candidate[:len(layout)]
		}
		if t, err := time.Parse(layout, candidate); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func toFloat(v any) float64 {
	f, _ := toFloatOK(v)
	return f
}

func toFloatOK(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case json.Number:
		f, err := value.Float64()
		return f, err == nil
	case string:
		normalized := strings.TrimSpace(strings.ReplaceAll(value, ",", ""))
		if normalized == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(normalized, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// safeCopy detaches a JSON-shaped value from the caller's payload.
func safeCopy(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
