package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Valuation sources.
const (
	SourceMLModel          = "ml_model"
	SourceWebSearch        = "web_search"
	SourceDeclaredFallback = "declared_fallback"
	SourceNotProvided      = "not_provided"
	SourceUnavailable      = "unavailable"
)

// SandboxCollateral composes a valuation from the declared value alone.
type SandboxCollateral struct{}

func (SandboxCollateral) Valuate(ctx context.Context, payload map[string]any) (Valuation, error) {
	return composeValuation(payload), nil
}

// CollateralClient composes a declared-value baseline and, when the baseline
// has no better source, asks the remote price model to refine it. Remote
// failures are swallowed: the enrichment contract guarantees a well-typed
// response even without data.
type CollateralClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewCollateralClient(baseURL, apiKey string, timeout time.Duration) *CollateralClient {
	return &CollateralClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (c *CollateralClient) Valuate(ctx context.Context, payload map[string]any) (Valuation, error) {
	out := composeValuation(payload)
	if out.Source != SourceDeclaredFallback || c.APIKey == "" || c.BaseURL == "" {
		return out, nil
	}

	collateral, _ := payload["collateral"].(map[string]any)
	if len(collateral) == 0 {
		return out, nil
	}

	remote, err := c.predictPrice(ctx, collateral)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("collateral api error")
		return out, nil
	}
	if v, ok := remote["value"].(float64); ok {
		out.Value = v
	}
	if v, ok := remote["confidence"].(float64); ok {
		out.Confidence = v
	}
	if v, ok := remote["risk_score"].(float64); ok {
		out.RiskScore = v
	}
	out.Source = SourceMLModel
	return out, nil
}

func (c *CollateralClient) predictPrice(ctx context.Context, collateral map[string]any) (map[string]any, error) {
	body, err := json.Marshal(collateral)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/predict-price/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-KEY", c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predict-price returned status %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func composeValuation(payload map[string]any) Valuation {
	collateral, _ := payload["collateral"].(map[string]any)
	if len(collateral) == 0 {
		return Valuation{Currency: "MNT", Source: SourceNotProvided, RiskScore: 0.5}
	}

	declared := toFloat(collateral["declared_value"])
	confidence := 0.0
	if declared > 0 {
		confidence = 0.35
	}
	return Valuation{
		Value:      declared,
		Currency:   "MNT",
		Confidence: round2(confidence),
		Source:     SourceDeclaredFallback,
		RiskScore:  riskFromValues(declared, declared, 0),
	}
}

// riskFromValues scores the distance between the declared and estimated
// values, with a penalty when the market sample is thin.
func riskFromValues(declared, estimated float64, samples int) float64 {
	if estimated == 0 {
		return 0.5
	}
	if declared == 0 {
		declared = estimated
	}
	distance := math.Abs(1 - declared/estimated)
	penalty := 0.05
	if samples > 0 && samples < 5 {
		penalty = 0.15
	}
	return round2(math.Min(0.95, math.Max(0.05, distance+penalty)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
