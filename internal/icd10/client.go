// Package icd10 resolves ICD-10-CM codes against the NLM clinical tables
// lookup service.
package icd10

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// lookupTimeout is the fixed per-call budget for the lookup endpoint.
const lookupTimeout = 5 * time.Second

// Diagnosis is one resolved code with its display label.
type Diagnosis struct {
	Code  string
	Label string
}

// NotFoundError reports that a code did not resolve to any known diagnosis.
type NotFoundError struct {
	Code string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("icd10: code %q not found", e.Code)
}

// Client queries the lookup endpoint.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a lookup client for the given endpoint.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: lookupTimeout},
	}
}

// Resolve looks up a user-entered code and returns the first result whose
// code starts with the normalized input (case-insensitive). The endpoint
// answers with a 4-element array: [count, codes, extra, names] where each
// names entry is itself a one-element array holding the display string.
func (c *Client) Resolve(ctx context.Context, code string) (*Diagnosis, error) {
	norm := strings.ToUpper(strings.TrimSpace(code))
	if norm == "" {
		return nil, fmt.Errorf("icd10: empty code")
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("icd10: parse base URL: %w", err)
	}
	q := u.Query()
	q.Set("terms", norm)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("icd10: build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("icd10: lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("icd10: lookup returned HTTP %d", resp.StatusCode)
	}

	var payload []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("icd10: decode response: %w", err)
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("icd10: response has %d elements, want 4", len(payload))
	}

	var count int
	if err := json.Unmarshal(payload[0], &count); err != nil {
		return nil, fmt.Errorf("icd10: decode count: %w", err)
	}
	if count == 0 {
		return nil, &NotFoundError{Code: norm}
	}

	var codes []string
	if err := json.Unmarshal(payload[1], &codes); err != nil {
		return nil, fmt.Errorf("icd10: decode codes: %w", err)
	}
	var names [][]string
	if err := json.Unmarshal(payload[3], &names); err != nil {
		return nil, fmt.Errorf("icd10: decode names: %w", err)
	}

	for i, candidate := range codes {
		if !strings.HasPrefix(strings.ToUpper(candidate), norm) {
			continue
		}
		if i >= len(names) || len(names[i]) == 0 {
			return nil, fmt.Errorf("icd10: no display name for code %q", candidate)
		}
		return &Diagnosis{Code: strings.ToUpper(candidate), Label: names[i][0]}, nil
	}

	return nil, &NotFoundError{Code: norm}
}
