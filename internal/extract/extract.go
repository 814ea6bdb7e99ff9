// Package extract recovers a structured object from free-form model output.
//
// Model text frequently arrives wrapped in markdown fences, decorated with
// comments, or truncated mid-object. Extractor runs an ordered list of named
// repair passes and attempts a parse after each one, so the pass that made
// the text parseable is always known.
package extract

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
)

// snippetLimit bounds the raw text carried by an extraction error.
const snippetLimit = 1000

// Pass is one named, pure repair step.
type Pass struct {
	Name  string
	Apply func(string) string
}

// DefaultPasses returns the repair passes in the order they are applied.
func DefaultPasses() []Pass {
	return []Pass{
		{Name: "strip-fences", Apply: StripFences},
		{Name: "strip-comments", Apply: StripComments},
		{Name: "trailing-commas", Apply: RemoveTrailingCommas},
		{Name: "control-chars", Apply: EscapeControlChars},
		{Name: "isolate-object", Apply: IsolateObject},
		{Name: "quote-keys", Apply: QuoteKeys},
		{Name: "quote-values", Apply: QuoteValues},
	}
}

// Extractor applies repair passes until the text parses as an object.
type Extractor struct {
	passes []Pass
	logger *zap.Logger
}

// New creates an Extractor. With no passes given, DefaultPasses is used.
func New(logger *zap.Logger, passes ...Pass) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(passes) == 0 {
		passes = DefaultPasses()
	}
	return &Extractor{passes: passes, logger: logger}
}

// PassNames lists the configured passes in order.
func (e *Extractor) PassNames() []string {
	names := make([]string, len(e.passes))
	for i, p := range e.passes {
		names[i] = p.Name
	}
	return names
}

// Extract returns the first top-level object recoverable from raw.
// Valid JSON objects are returned unchanged.
func (e *Extractor) Extract(raw string) (map[string]any, error) {
	obj, _, err := e.ExtractWithPass(raw)
	return obj, err
}

// ExtractWithPass is Extract that also reports which pass produced a
// parseable text. The pass name is empty when raw parsed as-is.
func (e *Extractor) ExtractWithPass(raw string) (map[string]any, string, error) {
	if obj, ok := parseObject(raw); ok {
		return obj, "", nil
	}

	text := raw
	for _, p := range e.passes {
		text = p.Apply(text)
		if obj, ok := parseObject(text); ok {
			e.logger.Debug("model output repaired", zap.String("pass", p.Name))
			return obj, p.Name, nil
		}
	}

	e.logger.Warn("model output could not be repaired",
		zap.Int("length", len(raw)),
		zap.Strings("passes", e.PassNames()),
	)
	return nil, "", &domain.ErrExtraction{Snippet: truncate(raw, snippetLimit)}
}

func parseObject(s string) (map[string]any, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !gjson.Valid(s) {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// truncate keeps the first n characters of s. An invalid byte counts as one
// character.
func truncate(s string, n int) string {
	i := 0
	for count := 0; count < n; count++ {
		if i >= len(s) {
			return s
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}

// RequireKeys reports the top-level keys absent from obj.
func RequireKeys(obj map[string]any, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return &domain.ErrStructuralIncompleteness{Missing: missing}
	}
	return nil
}
