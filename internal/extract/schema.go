package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuildReportJSONSchema returns the JSON-Schema the provider output must
// satisfy. It is sent to the provider as a structured output constraint and
// used locally to validate the response before anything touches the database.
func BuildReportJSONSchema() map[string]any {
	itemSchema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"checked_item":       map[string]any{"type": "string", "minLength": 1},
			"status":             map[string]any{"type": "string", "minLength": 1},
			"observation":        map[string]any{"type": "string"},
			"legal_basis":        map[string]any{"type": "string"},
			"corrective_action":  map[string]any{"type": "string"},
			"suggested_deadline": map[string]any{"type": "string"},
			"score":              map[string]any{"type": "number", "minimum": 0},
		},
		"required": []string{"checked_item", "status", "score"},
	}

	areaSchema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"area_name":    map[string]any{"type": "string", "minLength": 1},
			"area_summary": map[string]any{"type": "string"},
			"score":        map[string]any{"type": "number", "minimum": 0},
			"max_score":    map[string]any{"type": "number", "minimum": 0},
			"percentage":   map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			"items":        map[string]any{"type": "array", "items": itemSchema},
		},
		"required": []string{"area_name", "score", "max_score", "items"},
	}

	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"establishment_name": map[string]any{"type": "string", "minLength": 1},
			"company_name":       map[string]any{"type": "string"},
			"inspection_date":    map[string]any{"type": "string"},
			"overall_summary":    map[string]any{"type": "string"},
			"strengths":          map[string]any{"type": "string"},
			"overall_score":      map[string]any{"type": "number", "minimum": 0},
			"overall_max_score":  map[string]any{"type": "number", "minimum": 0},
			"overall_percentage": map[string]any{"type": "number", "minimum": 0, "maximum": 100},
			"areas":              map[string]any{"type": "array", "items": areaSchema},
		},
		"required": []string{"establishment_name", "overall_summary", "overall_score", "areas"},
	}
}

// ValidateJSONAgainstSchema validates data against schemaMap.
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
