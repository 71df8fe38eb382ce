// internal/schema/validator.go
// Package schema provides JSON schema validation for persisted report records
// and incoming submissions.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Document kinds that can be validated.
const (
	ReportRecord = "report.record"     // One element of the persisted record sequence
	Submission   = "report.submission" // Narrative and contact fields of a submission
)

// SchemaVersions maps document kinds to their schema versions.
var SchemaVersions = map[string]string{
	ReportRecord: "1.1.0", // 1.1 accepts the legacy pending/processed statuses and numeric ids
	Submission:   "1.0.0",
}

const recordSchema = `{
  "type": "object",
  "required": ["id", "filename", "uploadDate", "uploadTime", "size", "status", "location", "description"],
  "properties": {
    "id": {"type": ["string", "number"]},
    "filename": {"type": "string"},
    "uploadDate": {"type": "string"},
    "uploadTime": {"type": "string"},
    "size": {"type": "string"},
    "status": {"type": "string", "enum": ["new", "processing", "completed", "pending", "processed"]},
    "blurType": {"type": "string"},
    "location": {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "email": {"type": "string"},
    "phone": {"type": "string"},
    "videoUrl": {"type": "string"}
  }
}`

const submissionSchema = `{
  "type": "object",
  "required": ["location", "description"],
  "properties": {
    "location": {"type": "string", "minLength": 1, "maxLength": 256},
    "description": {"type": "string", "minLength": 1, "maxLength": 4096},
    "email": {"type": "string", "format": "email", "maxLength": 254},
    "phone": {"type": "string", "pattern": "^[+0-9][0-9 ()-]{5,31}$"}
  }
}`

// ValidationError lists every schema violation of one document.
type ValidationError struct {
	Kind   string
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %v", e.Kind, e.Errors)
}

// Validator validates documents against compiled JSON schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema // Map of document kind to JSON schema
}

// NewValidator creates a validator with every schema compiled.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any error that occurred during initialization
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	if err := v.loadSchema(ReportRecord, recordSchema); err != nil {
		return nil, err
	}
	if err := v.loadSchema(Submission, submissionSchema); err != nil {
		return nil, err
	}
	return v, nil
}

// MustNewValidator is NewValidator for the built-in schemas, which always compile.
func MustNewValidator() *Validator {
	v, err := NewValidator()
	if err != nil {
		panic(err)
	}
	return v
}

// loadSchema parses and compiles one schema.
func (v *Validator) loadSchema(kind, schemaJSON string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("invalid schema for %s: %w", kind, err)
	}
	v.schemas[kind] = schema
	return nil
}

// ValidateJSON validates a raw JSON document.
// A schema violation is returned as *ValidationError.
func (v *Validator) ValidateJSON(kind string, doc []byte) error {
	schema, ok := v.schemas[kind]
	if !ok {
		return fmt.Errorf("schema not found for %s", kind)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}

	if !result.Valid() {
		verr := &ValidationError{Kind: kind}
		for _, desc := range result.Errors() {
			verr.Errors = append(verr.Errors, desc.String())
		}
		return verr
	}
	return nil
}

// Validate marshals value to JSON and validates it.
func (v *Validator) Validate(kind string, value interface{}) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return v.ValidateJSON(kind, doc)
}

// Version returns the schema version for kind.
func (v *Validator) Version(kind string) string {
	if ver, ok := SchemaVersions[kind]; ok {
		return ver
	}
	return "1.0.0"
}
