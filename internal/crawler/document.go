package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeDocument parses a JSON object body.
func DecodeDocument(body []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: expected JSON object", ErrMalformedResponse)
	}
	return doc, nil
}

// DecodeDocuments parses a batched body. RCSB returns an array for
// comma-joined ids and a bare object when only one id matched.
func DecodeDocuments(body []byte) ([]Document, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		doc, err := DecodeDocument(trimmed)
		if err != nil {
			return nil, err
		}
		return []Document{doc}, nil
	}
	var docs []Document
	if err := json.Unmarshal(trimmed, &docs); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return docs, nil
}

// Lookup walks a dotted path through nested objects.
func Lookup(doc Document, path string) (any, bool) {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// LookupString returns the string at path, or "" when absent or not a string.
func LookupString(doc Document, path string) string {
	v, ok := Lookup(doc, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// LookupStrings returns a string list at path. A bare string is a list of one.
func LookupStrings(doc Document, path string) []string {
	v, ok := Lookup(doc, path)
	if !ok {
		return nil
	}
	return asStrings(v)
}

func asStrings(v any) []string {
	switch typed := v.(type) {
	case string:
		if typed == "" {
			return nil
		}
		return []string{typed}
	case []string:
		return typed
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// Objects returns the list of objects at key, tolerating a single object.
func Objects(doc Document, key string) []Document {
	switch typed := doc[key].(type) {
	case map[string]any:
		return []Document{typed}
	case []any:
		out := make([]Document, 0, len(typed))
		for _, item := range typed {
			if obj, ok := item.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	default:
		return nil
	}
}
