package domain

import (
	"encoding/json"
	"fmt"
)

// RuleNotValidJSON is the violation rule reported when a candidate cannot be parsed.
const RuleNotValidJSON = "notValidJSON"

// Violation is one failed schema rule at a JSON pointer location.
type Violation struct {
	Path    string `json:"path"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	path := v.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s: %s: %s", path, v.Rule, v.Message)
}

// ValidationOutcome is Valid or Invalid with the list of violations.
type ValidationOutcome struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// SchemaValidator checks candidate values against JSON Schema documents.
// Validation never coerces or repairs the value.
type SchemaValidator interface {
	// Compile checks that schema is a usable document.
	Compile(schema json.RawMessage) error
	// Validate checks value (a decoded JSON value) against schema.
	Validate(value any, schema json.RawMessage) (ValidationOutcome, error)
	// ParseCandidate decodes model output into a JSON value, reporting a
	// RuleNotValidJSON violation when it does not parse.
	ParseCandidate(text string) (any, *Violation)
}
