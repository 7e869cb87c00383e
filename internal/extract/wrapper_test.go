package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfarias/inspectflow/internal/extract/mock"
	"github.com/dfarias/inspectflow/pkg/models"
)

func TestValidated_TimeoutClassified(t *testing.T) {
	v := &validated{inner: mock.NewTimeoutProvider(), schema: BuildReportJSONSchema()}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := v.Extract(ctx, "text")
	assert.ErrorIs(t, err, ErrExtractionTimeout)
}

func TestValidated_ProviderErrorPassesThrough(t *testing.T) {
	boom := errors.New("quota exhausted")
	v := &validated{inner: mock.NewFailingProvider(boom), schema: BuildReportJSONSchema()}

	_, err := v.Extract(context.Background(), "text")
	assert.ErrorIs(t, err, boom)
}

func TestValidated_RejectsOffSchemaResponse(t *testing.T) {
	bad := &mock.MockProvider{
		Name_: "mock-bad",
		ExtractFunc: func(_ context.Context, _ string) (*models.Extraction, error) {
			return &models.Extraction{RawJSON: []byte(`{"wrong": "shape"}`)}, nil
		},
	}
	v := &validated{inner: bad, schema: BuildReportJSONSchema()}

	_, err := v.Extract(context.Background(), "text")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}
