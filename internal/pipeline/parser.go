package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// SandboxParser emits a small fixed statement so the rest of the pipeline
// can run without a parser service.
type SandboxParser struct{}

func (SandboxParser) Parse(ctx context.Context, pdfPath string) (ParseResult, error) {
	rows := [][]any{
		{"2025-01-06", "TXN", "ref-1", 0, 2400000.0, 2400000.0, "Цалин", "5041xxxx"},
		{"2025-01-21", "TXN", "ref-2", 150000.0, 0, 2250000.0, "Түрээс", "5041xxxx"},
		{"2025-02-05", "TXN", "ref-3", 0, 2400000.0, 4650000.0, "Цалин", "5041xxxx"},
		{"2025-02-18", "TXN", "ref-4", 0, 350000.0, 5000000.0, "Шилжүүлэг", "5041xxxx"},
	}
	return ParseResult{
		BankCode:      "SANDBOX",
		CustomerName:  "Бат-Эрдэнэ",
		AccountNumber: "5041000000",
		Rows:          rows,
		Stats: map[string]any{
			"row_count":   len(rows),
			"period_from": "2025-01-06",
			"period_to":   "2025-02-18",
		},
	}, nil
}

// HTTPParser is a narrow client for an out-of-process parser service. The
// service shares the scratch volume, so the request carries the local path.
type HTTPParser struct {
	URL    string
	Client *http.Client
}

func NewHTTPParser(url string, timeout time.Duration) *HTTPParser {
	return &HTTPParser{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPParser) Parse(ctx context.Context, pdfPath string) (ParseResult, error) {
	body, err := json.Marshal(map[string]string{"path": pdfPath})
	if err != nil {
		return ParseResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return ParseResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return ParseResult{}, fmt.Errorf("parser request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ParseResult{}, fmt.Errorf("parser returned status %d", resp.StatusCode)
	}

	var out ParseResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ParseResult{}, fmt.Errorf("parser response: %w", err)
	}
	return out, nil
}
