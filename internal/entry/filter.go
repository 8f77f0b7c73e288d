package entry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// FilterMode selects how sections without an explicit field list behave.
type FilterMode string

const (
	// FilterWhitelist keeps only include_fields when include_all is false.
	FilterWhitelist FilterMode = "whitelist"
	// FilterBlacklist keeps every field except exclude_fields.
	FilterBlacklist FilterMode = "blacklist"
)

// FieldRule trims the subfields of one nested object or list of objects.
type FieldRule struct {
	IncludeAll       *bool    `json:"include_all" yaml:"include_all"`
	IncludeSubfields []string `json:"include_subfields" yaml:"include_subfields"`
	ExcludeSubfields []string `json:"exclude_subfields" yaml:"exclude_subfields"`
}

// SectionRule configures filtering for one resource kind.
type SectionRule struct {
	IncludeAll    *bool                `json:"include_all" yaml:"include_all"`
	IncludeFields []string             `json:"include_fields" yaml:"include_fields"`
	ExcludeFields []string             `json:"exclude_fields" yaml:"exclude_fields"`
	FieldRules    map[string]FieldRule `json:"field_rules" yaml:"field_rules"`
}

// Filter prunes upstream documents before they enter a record. A nil Filter
// passes every document through unchanged.
type Filter struct {
	mode     FilterMode
	sections map[crawler.ResourceKind]SectionRule
}

// LoadFilter reads a filter from a JSON or YAML file. An empty path returns a
// nil Filter.
func LoadFilter(path string) (*Filter, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read field filter: %w", err)
	}
	return ParseFilter(data, filepath.Ext(path))
}

// ParseFilter decodes filter config. ext selects YAML for ".yaml" and ".yml";
// anything else is decoded as JSON.
func ParseFilter(data []byte, ext string) (*Filter, error) {
	raw := map[string]any{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode yaml field filter: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode json field filter: %w", err)
		}
	}

	f := &Filter{mode: FilterWhitelist, sections: make(map[crawler.ResourceKind]SectionRule)}
	for key, value := range raw {
		if key == "mode" {
			mode, _ := value.(string)
			switch FilterMode(mode) {
			case FilterWhitelist, FilterBlacklist:
				f.mode = FilterMode(mode)
			default:
				return nil, fmt.Errorf("field filter mode must be whitelist or blacklist, got %q", mode)
			}
			continue
		}
		// Sections are re-encoded through JSON so YAML and JSON share one set of tags.
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode section %q: %w", key, err)
		}
		var rule SectionRule
		if err := json.Unmarshal(encoded, &rule); err != nil {
			return nil, fmt.Errorf("decode section %q: %w", key, err)
		}
		f.sections[crawler.ResourceKind(key)] = rule
	}
	return f, nil
}

// Mode reports the filter's global mode.
func (f *Filter) Mode() FilterMode {
	if f == nil {
		return FilterWhitelist
	}
	return f.mode
}

// Apply returns a filtered copy of doc for the given section. doc itself is
// left untouched.
func (f *Filter) Apply(kind crawler.ResourceKind, doc crawler.Document) crawler.Document {
	if f == nil || doc == nil {
		return doc
	}
	rule, ok := f.sections[kind]
	if !ok {
		return doc
	}

	var out crawler.Document
	if f.mode == FilterWhitelist && !boolOr(rule.IncludeAll, true) {
		out = make(crawler.Document, len(rule.IncludeFields))
		for _, field := range rule.IncludeFields {
			if v, ok := doc[field]; ok {
				out[field] = v
			}
		}
	} else {
		out = make(crawler.Document, len(doc))
		for k, v := range doc {
			out[k] = v
		}
	}

	for _, field := range rule.ExcludeFields {
		delete(out, field)
	}
	for path, fr := range rule.FieldRules {
		applyRule(out, strings.Split(path, "."), fr)
	}
	return out
}

// applyRule rewrites the value at parts inside obj. Intermediate objects are
// copied before they are modified.
func applyRule(obj map[string]any, parts []string, rule FieldRule) {
	head := parts[0]
	value, ok := obj[head]
	if !ok {
		return
	}
	if len(parts) > 1 {
		child, ok := value.(map[string]any)
		if !ok {
			return
		}
		copied := make(map[string]any, len(child))
		for k, v := range child {
			copied[k] = v
		}
		applyRule(copied, parts[1:], rule)
		obj[head] = copied
		return
	}

	switch typed := value.(type) {
	case map[string]any:
		obj[head] = filterItem(typed, rule)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			if m, ok := item.(map[string]any); ok {
				items[i] = filterItem(m, rule)
				continue
			}
			items[i] = item
		}
		obj[head] = items
	}
}

func filterItem(item map[string]any, rule FieldRule) map[string]any {
	if boolOr(rule.IncludeAll, true) {
		out := make(map[string]any, len(item))
		for k, v := range item {
			out[k] = v
		}
		for _, sub := range rule.ExcludeSubfields {
			delete(out, sub)
		}
		return out
	}
	out := make(map[string]any, len(rule.IncludeSubfields))
	for _, sub := range rule.IncludeSubfields {
		if v, ok := item[sub]; ok {
			out[sub] = v
		}
	}
	return out
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
