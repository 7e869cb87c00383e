// Package extract turns inspection report documents into structured data
// using a pluggable AI provider.
package extract

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dfarias/inspectflow/pkg/models"
)

var (
	ErrProviderUnavailable = errors.New("extraction provider unavailable")
	ErrExtractionTimeout   = errors.New("extraction timeout")
	ErrInvalidResponse     = errors.New("extraction provider returned invalid response")
)

// validated wraps a raw provider with transport error classification and
// schema validation, so callers only ever see sentinel errors and responses
// that already passed the schema gate.
type validated struct {
	inner  models.Extractor
	schema map[string]any
}

func (v *validated) Name() string { return v.inner.Name() }

func (v *validated) Extract(ctx context.Context, text string) (*models.Extraction, error) {
	ext, err := v.inner.Extract(ctx, text)
	if err != nil {
		return nil, classifyError(err)
	}
	if err := ValidateJSONAgainstSchema(v.schema, ext.RawJSON); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return ext, nil
}

// classifyError maps transport-level errors to sentinel errors. Anything
// the provider already shaped passes through unchanged.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrExtractionTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return err
}
