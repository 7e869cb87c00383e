// Package mock provides a models.Extractor for tests and local development.
package mock

import (
	"context"
	"encoding/json"

	"github.com/dfarias/inspectflow/pkg/models"
)

// MockProvider satisfies models.Extractor for testing.
type MockProvider struct {
	Name_       string
	ExtractFunc func(ctx context.Context, text string) (*models.Extraction, error)
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Extract(ctx context.Context, text string) (*models.Extraction, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, text)
	}
	return &models.Extraction{}, nil
}

// NewProvider returns a MockProvider that produces a small but
// schema-complete inspection report.
func NewProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ExtractFunc: func(_ context.Context, _ string) (*models.Extraction, error) {
			report := models.Report{
				EstablishmentName: "Mock Establishment",
				InspectionDate:    "2026-01-15",
				OverallSummary:    "Simulated inspection summary for testing",
				Strengths:         "Clean storage area",
				OverallScore:      7.5,
				OverallMaxScore:   10,
				OverallPercentage: 75,
				Areas: []models.ReportArea{
					{
						Name:     "Kitchen",
						Score:    3.5,
						MaxScore: 5,
						Items: []models.ReportItem{
							{
								CheckedItem:       "Food stored at safe temperature",
								Status:            "Compliant",
								Score:             1,
							},
							{
								CheckedItem:       "Expired products removed from stock",
								Status:            "Non-Compliant",
								Observation:       "Two expired items found on shelf",
								CorrectiveAction:  "Remove expired stock and review rotation",
								SuggestedDeadline: "7 days",
								Score:             0,
							},
						},
					},
				},
			}
			raw, _ := json.Marshal(report)
			return &models.Extraction{
				Report:  report,
				RawJSON: raw,
				Usage:   models.Usage{PromptTokens: 1000, CompletionTokens: 400},
			}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		ExtractFunc: func(_ context.Context, _ string) (*models.Extraction, error) {
			return nil, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		ExtractFunc: func(ctx context.Context, _ string) (*models.Extraction, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// Compile-time check that MockProvider implements Extractor.
var _ models.Extractor = (*MockProvider)(nil)
