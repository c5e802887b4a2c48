package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"agentrun/internal/domain"
)

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// StripCodeFences removes markdown code fences if the model wrapped its output.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// ParseCandidate decodes a model's final text into a generic JSON value.
// Numbers are kept as json.Number so large integers survive unchanged.
// On failure it returns a NotValidJSON violation instead of an error, since
// unparseable output is repaired like any other violation.
func ParseCandidate(text string) (any, *domain.Violation) {
	body := StripCodeFences(text)
	if body == "" {
		return nil, &domain.Violation{Rule: domain.RuleNotValidJSON, Message: "output is empty"}
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &domain.Violation{Rule: domain.RuleNotValidJSON, Message: err.Error()}
	}
	// The body must hold exactly one value: a second decode has to hit EOF.
	offset := dec.InputOffset()
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, &domain.Violation{
			Rule:    domain.RuleNotValidJSON,
			Message: fmt.Sprintf("unexpected data after JSON value at offset %d", offset),
		}
	}
	return v, nil
}
