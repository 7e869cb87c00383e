package models

import "context"

// Usage is the token accounting reported by an extraction provider for one
// call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Extraction is the full result of one extraction call: the parsed report,
// the provider's raw JSON verbatim, and token usage.
type Extraction struct {
	Report  Report
	RawJSON []byte
	Usage   Usage
}

// Extractor is the core interface all extraction integrations must
// implement. Never call specific providers directly — always inject this
// interface.
type Extractor interface {
	// Extract parses the plain text of an inspection report document into
	// a structured Report.
	Extract(ctx context.Context, text string) (*Extraction, error)
	// Name returns the provider identifier (e.g., "openai", "mock").
	Name() string
}
