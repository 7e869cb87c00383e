// Package openai implements models.Extractor against the OpenAI
// chat/completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dfarias/inspectflow/internal/config"
	"github.com/dfarias/inspectflow/pkg/models"
)

const systemPrompt = "You are a food safety inspection report parser. " +
	"Return ONLY JSON that matches the JSON Schema provided. " +
	"Preserve area and overall scores exactly as they appear in the document; never recompute them. " +
	"Keep item status wording as written in the report. " +
	"Never output null. If a field is not present, omit it."

// Provider implements models.Extractor using OpenAI.
type Provider struct {
	cfg     config.OpenAIConfig
	timeout time.Duration
	schema  map[string]any
	client  *http.Client
}

// NewProvider creates an OpenAI-backed extractor. The schema is sent with
// every request as a structured output constraint.
func NewProvider(cfg config.OpenAIConfig, timeout time.Duration, schema map[string]any) *Provider {
	return &Provider{
		cfg:     cfg,
		timeout: timeout,
		schema:  schema,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) Extract(ctx context.Context, text string) (*models.Extraction, error) {
	start := time.Now()

	body := map[string]any{
		"model":           p.cfg.Model,
		"temperature":     0,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "system", "content": "JSON Schema:\n" + mustJSON(p.schema)},
			{"role": "user", "content": "Inspection report text:\n\n" + text},
		},
	}

	endpoint := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := p.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		return nil, fmt.Errorf("no choices in openai response")
	}

	content := []byte(strings.TrimSpace(cc.Choices[0].Message.Content))

	var report models.Report
	if err := json.Unmarshal(content, &report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}

	slog.Debug("openai extraction complete",
		"model", p.cfg.Model,
		"prompt_tokens", cc.Usage.PromptTokens,
		"completion_tokens", cc.Usage.CompletionTokens,
		"elapsed_ms", time.Since(start).Milliseconds())

	return &models.Extraction{
		Report:  report,
		RawJSON: content,
		Usage: models.Usage{
			PromptTokens:     cc.Usage.PromptTokens,
			CompletionTokens: cc.Usage.CompletionTokens,
		},
	}, nil
}

func (p *Provider) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai http error: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read openai response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openai status %d: %s", resp.StatusCode, raw)
	}
	return raw, nil
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

// Compile-time check that Provider implements Extractor.
var _ models.Extractor = (*Provider)(nil)
