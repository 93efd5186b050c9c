// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extract turns invoice file bytes into structured candidate fields
// by calling the Gemini generateContent API. Model output is validated
// against a strict JSON schema before it is trusted; unparseable output is
// the invoker's error, never a silently empty result.
package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ledgerbird/ingestion/internal/models"
)

// DefaultBaseURL is the Gemini API endpoint; tests point this at a local server.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

const basePrompt = `You are an expert at understanding invoices and billing documents.
Extract the following fields if present and return ONLY valid JSON (no prose):

IMPORTANT: Use these EXACT field names (snake_case):
{
  "invoice_id": string|null,
  "vendor_name": string|null,
  "amount_due": number|null,
  "due_date": string (YYYY-MM-DD format)|null,
  "invoice_date": string (YYYY-MM-DD format)|null,
  "currency_code": string (ISO 4217: USD, INR, EUR, GBP, etc.)|null,
  "confidence_score": number (0.0 to 1.0)
}

Rules:
- If a field is not found, set it to null
- Return dates in ISO 8601 format (YYYY-MM-DD)
- Return currency as 3-letter uppercase ISO code
- Extract amount as number without currency symbols
- Return ONLY the JSON object, no additional text`

// Client calls the Gemini generateContent endpoint over plain HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewClient creates a Gemini extraction client. A nil httpClient gets a
// bounded default; the model call is expensive and must not hang a poll
// cycle forever.
func NewClient(httpClient *http.Client, baseURL, apiKey, model string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

// FromText extracts invoice fields from plain document text.
func (c *Client) FromText(ctx context.Context, text string) (models.ExtractedFields, error) {
	prompt := basePrompt + "\n\nHere is the invoice text:\n---\n" + text + "\n---\n"
	return c.generate(ctx, []map[string]any{
		{"text": prompt},
	})
}

// FromDocument extracts invoice fields from raw file bytes (scanned PDF or
// image) via the model's vision path.
func (c *Client) FromDocument(ctx context.Context, data []byte, mimeType string) (models.ExtractedFields, error) {
	prompt := basePrompt + "\n\nHere is the invoice document. Extract the data from it."
	return c.generate(ctx, []map[string]any{
		{"text": prompt},
		{"inlineData": map[string]any{
			"mimeType": mimeType,
			"data":     base64.StdEncoding.EncodeToString(data),
		}},
	})
}

func (c *Client) generate(ctx context.Context, parts []map[string]any) (models.ExtractedFields, error) {
	var fields models.ExtractedFields

	body := map[string]any{
		"contents": []map[string]any{
			{"parts": parts},
		},
		"generationConfig": map[string]any{
			"temperature":      0.0,
			"responseMimeType": "application/json",
		},
	}

	bs, err := json.Marshal(body)
	if err != nil {
		return fields, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(c.baseURL, "/"), c.model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return fields, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fields, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fields, fmt.Errorf("model API returned HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	var out struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fields, fmt.Errorf("decode model response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return fields, fmt.Errorf("model returned no candidates")
	}

	content := cleanModelJSON(out.Candidates[0].Content.Parts[0].Text)
	if content == "" {
		return fields, fmt.Errorf("model returned an empty response")
	}

	if err := validateExtraction([]byte(content)); err != nil {
		return fields, fmt.Errorf("model output rejected: %w", err)
	}

	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		return fields, fmt.Errorf("unmarshal fields: %w", err)
	}

	slog.Debug("extraction complete",
		"model", c.model,
		"confidence", fields.Confidence,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return fields, nil
}

// cleanModelJSON strips the wrappers the model occasionally adds around its
// JSON: markdown code fences and doubled outer braces.
func cleanModelJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}

	if strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
