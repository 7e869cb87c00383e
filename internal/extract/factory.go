package extract

import (
	"fmt"

	"github.com/dfarias/inspectflow/internal/config"
	"github.com/dfarias/inspectflow/internal/extract/mock"
	"github.com/dfarias/inspectflow/internal/extract/openai"
	"github.com/dfarias/inspectflow/pkg/models"
)

// NewExtractor constructs the appropriate extraction provider based on
// config and wraps it with schema validation. Called once at server startup.
func NewExtractor(cfg config.ExtractConfig) (models.Extractor, error) {
	schema := BuildReportJSONSchema()
	switch cfg.Provider {
	case "openai":
		return &validated{inner: openai.NewProvider(cfg.OpenAI, cfg.Timeout, schema), schema: schema}, nil
	case "mock":
		return &validated{inner: mock.NewProvider(), schema: schema}, nil
	default:
		return nil, fmt.Errorf("unknown extraction provider %q: must be one of openai, mock", cfg.Provider)
	}
}
