package providers

import (
	"fmt"
	"strings"
)

// Request is a fully built provider HTTP exchange. Descriptors produce
// these; the dispatch caller executes them without knowing which
// provider is behind the URL.
type Request struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    any
}

// Descriptor describes one supported LLM provider: how to build a
// request for it and how to dig the answer text out of its response.
//
// ParseResponse never fails; when the expected path is missing it
// returns a human-readable fallback string instead. Provider quirks
// stay inside the descriptor so the rest of the system sees a uniform
// query-in, text-out shape.
type Descriptor struct {
	ID           string
	Name         string
	DocsLink     string
	DefaultModel string

	BuildRequest  func(query, apiKey, model, context string) Request
	ParseResponse func(body any) string
}

// foldContext prepends gathered context to a query so second-stage
// calls stay stateless: providers never see a chat history, only one
// composed prompt.
func foldContext(query, context string) string {
	if context == "" {
		return query
	}
	return fmt.Sprintf("%s\n\nBased on the above, please respond to: %s", context, query)
}

// dig walks a decoded JSON value by alternating map keys (string) and
// array indices (int). It returns false on the first missing step.
func dig(data any, path ...any) (any, bool) {
	cur := data
	for _, step := range path {
		switch key := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[key]
			if !ok {
				return nil, false
			}
		case int:
			arr, ok := cur.([]any)
			if !ok || key < 0 || key >= len(arr) {
				return nil, false
			}
			cur = arr[key]
		default:
			return nil, false
		}
	}
	return cur, true
}

func digString(data any, path ...any) (string, bool) {
	v, ok := dig(data, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}
