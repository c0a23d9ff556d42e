package validator

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// BlankResponseMessage is reported when an institution returns no body.
const BlankResponseMessage = "Response validation failed: response was blank."

// Report is the outcome of validating one institution response.
type Report struct {
	FailedValidation bool     `json:"failedValidation"`
	StatusCode       int      `json:"statusCode,omitempty"`
	Message          string   `json:"message,omitempty"`
	Errors           []string `json:"errors,omitempty"`
}

// Validator checks response bodies against a JSON schema per scope.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// New compiles the schema files in paths, keyed by scope. Scopes with an
// empty path are not validated.
func New(paths map[string]string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for scope, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", scope, err)
		}
		if err := v.AddSchema(scope, raw); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// AddSchema compiles schema for scope, replacing any previous one.
func (v *Validator) AddSchema(scope string, schema []byte) error {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema))
	if err != nil {
		return fmt.Errorf("invalid JSON Schema for %s: %w", scope, err)
	}
	v.schemas[scope] = compiled
	return nil
}

// HasSchema reports whether responses for scope are validated.
func (v *Validator) HasSchema(scope string) bool {
	if v == nil {
		return false
	}
	_, ok := v.schemas[scope]
	return ok
}

// Validate checks a response body for scope. Error responses and scopes
// without a schema pass.
func (v *Validator) Validate(scope string, status int, body []byte) Report {
	if len(bytes.TrimSpace(body)) == 0 {
		return Report{FailedValidation: true, StatusCode: http.StatusBadRequest, Message: BlankResponseMessage}
	}
	if v == nil || status >= 300 {
		return Report{StatusCode: status}
	}
	schema, ok := v.schemas[scope]
	if !ok {
		return Report{StatusCode: status}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Report{
			FailedValidation: true,
			StatusCode:       http.StatusBadRequest,
			Message:          fmt.Sprintf("Response validation failed: %v", err),
		}
	}
	if result.Valid() {
		return Report{StatusCode: status}
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		errs = append(errs, re.String())
	}
	return Report{
		FailedValidation: true,
		StatusCode:       http.StatusBadRequest,
		Message:          "Response validation failed: failed schema validation",
		Errors:           errs,
	}
}
