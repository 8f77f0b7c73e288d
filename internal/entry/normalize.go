package entry

import "github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"

// fieldSchemas lists subfields that every object under a top-level key must
// carry. Missing subfields are filled with nil so downstream consumers see a
// stable shape.
var fieldSchemas = map[string][]string{
	"exptl": {
		"crystals_number", "details", "method", "method_details",
	},
	"audit_author": {
		"identifier_ORCID", "name", "pdbx_ordinal",
	},
	"citation": {
		"book_id_ISBN", "book_publisher", "book_publisher_city", "book_title",
		"coordinate_linkage", "country", "id", "journal_abbrev", "journal_full",
		"journal_id_ASTM", "journal_id_CSD", "journal_id_ISSN", "journal_issue",
		"journal_volume", "language", "page_first", "page_last",
		"pdbx_database_id_DOI", "pdbx_database_id_PubMed", "title", "year",
	},
	"cell": {
		"Z_PDB", "angle_alpha", "angle_beta", "angle_gamma", "formula_units_Z",
		"length_a", "length_b", "length_c", "pdbx_unique_axis", "volume",
	},
}

// SchemaFields returns the subfields normalized under key, or nil.
func SchemaFields(key string) []string {
	fields := fieldSchemas[key]
	if fields == nil {
		return nil
	}
	return append([]string(nil), fields...)
}

// Normalize returns a copy of doc where every schema-covered object has all
// of its subfields present. The input is never modified. Values that are
// neither objects nor lists of objects are passed through.
func Normalize(doc crawler.Document) crawler.Document {
	if doc == nil {
		return nil
	}
	out := make(crawler.Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for key, fields := range fieldSchemas {
		switch typed := out[key].(type) {
		case map[string]any:
			out[key] = fillFields(typed, fields)
		case []any:
			items := make([]any, len(typed))
			for i, item := range typed {
				if obj, ok := item.(map[string]any); ok {
					items[i] = fillFields(obj, fields)
					continue
				}
				items[i] = item
			}
			out[key] = items
		}
	}
	return out
}

func fillFields(obj map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(obj)+len(fields))
	for k, v := range obj {
		out[k] = v
	}
	for _, f := range fields {
		if _, ok := out[f]; !ok {
			out[f] = nil
		}
	}
	return out
}
