package schema

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentrun/internal/domain"
)

// Validator implements domain.SchemaValidator with draft-07 defaults.
// Documents that declare "$schema" are compiled with that draft instead.
// Compiled schemas are cached by content hash.
type Validator struct {
	mu     sync.RWMutex
	cache  map[string]*jsonschema.Schema
	draft  *jsonschema.Draft
	logger *slog.Logger
}

// NewValidator creates a Validator with an empty compile cache.
func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{
		cache:  make(map[string]*jsonschema.Schema),
		draft:  jsonschema.Draft7,
		logger: logger,
	}
}

// Compile implements domain.SchemaValidator.
func (v *Validator) Compile(doc json.RawMessage) error {
	_, err := v.compiled(doc)
	return err
}

// Validate implements domain.SchemaValidator. A non-nil error means the
// schema itself is unusable; violations of the value are reported in the outcome.
func (v *Validator) Validate(value any, doc json.RawMessage) (domain.ValidationOutcome, error) {
	compiled, err := v.compiled(doc)
	if err != nil {
		return domain.ValidationOutcome{}, err
	}

	instance, err := toJSONValue(value)
	if err != nil {
		return domain.ValidationOutcome{
			Violations: []domain.Violation{{Rule: domain.RuleNotValidJSON, Message: err.Error()}},
		}, nil
	}

	verr := compiled.Validate(instance)
	if verr == nil {
		return domain.ValidationOutcome{Valid: true}, nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(verr, &ve) {
		return domain.ValidationOutcome{}, fmt.Errorf("validate: %w", verr)
	}

	violations := flattenViolations(ve)
	v.logger.Debug("schema validation failed", "violations", len(violations))
	return domain.ValidationOutcome{Violations: violations}, nil
}

// ParseCandidate implements domain.SchemaValidator.
func (v *Validator) ParseCandidate(text string) (any, *domain.Violation) {
	return ParseCandidate(text)
}

// CacheSize returns the number of compiled schemas held.
func (v *Validator) CacheSize() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cache)
}

func (v *Validator) compiled(doc json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, fmt.Errorf("%w: empty document", domain.ErrInvalidSchema)
	}

	sum := sha256.Sum256(doc)
	key := hex.EncodeToString(sum[:])

	v.mu.RLock()
	s, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	url := "mem://schemas/" + key + ".json"
	compiler := jsonschema.NewCompiler()
	compiler.Draft = v.draft
	compiler.AssertFormat = true
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSchema, err)
	}

	v.mu.Lock()
	v.cache[key] = s
	v.mu.Unlock()
	return s, nil
}

// flattenViolations collects the leaf causes of a validation error, which
// name the keywords that actually failed.
func flattenViolations(root *jsonschema.ValidationError) []domain.Violation {
	var out []domain.Violation
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			out = append(out, domain.Violation{
				Path:    e.InstanceLocation,
				Rule:    ruleOf(e.KeywordLocation),
				Message: e.Message,
			})
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(root)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// ruleOf returns the failing keyword, the last segment of a keyword location.
func ruleOf(keywordLocation string) string {
	loc := strings.TrimRight(keywordLocation, "/")
	if i := strings.LastIndex(loc, "/"); i >= 0 {
		loc = loc[i+1:]
	}
	if loc == "" {
		return "schema"
	}
	return loc
}

// toJSONValue converts v into the generic JSON value model the library
// validates (nil, bool, float64/json.Number, string, []any, map[string]any).
func toJSONValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, float64, json.Number, string:
		return v, nil
	}
	// Containers are round-tripped so nested Go values become JSON values too.
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
