package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"canopy/internal/domain"
)

const submissionSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["project_id", "ecosystem_type", "standard", "area_hectares", "latitude", "longitude", "declared_trees", "declared_carbon_tonnes"],
  "properties": {
    "project_id": {"type": "string", "minLength": 1},
    "ecosystem_type": {"type": "string", "enum": ["reforestation", "mangrove", "wetland", "agroforestry"]},
    "standard": {"type": "string", "minLength": 1},
    "area_hectares": {"type": "number", "exclusiveMinimum": 0},
    "latitude": {"type": "number", "minimum": -90, "maximum": 90},
    "longitude": {"type": "number", "minimum": -180, "maximum": 180},
    "declared_trees": {"type": "integer", "minimum": 1},
    "declared_carbon_tonnes": {"type": "number", "minimum": 0},
    "species": {"type": "array", "items": {"type": "string"}},
    "documents": {"type": "array", "items": {"type": "string"}},
    "evidence": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("submission.json", strings.NewReader(submissionSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("submission.json")
	})
	return schema, schemaErr
}

// validateSubmission checks the declaration against the submission schema
// before any workflow state exists. Malformed submissions never create a
// workflow.
func validateSubmission(sub *domain.Submission) error {
	if sub == nil {
		return domain.ErrInvalidSubmission
	}
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile submission schema: %w", err)
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubmission, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubmission, err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSubmission, err)
	}
	return nil
}
