// Package asset probes and downloads the files published alongside an RCSB entry.
package asset

import (
	"strings"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// URL templates. The leading segment names the root the template resolves
// against; {ID} is the upper-case identifier and {id_lower} its lower-case form.
const (
	StructureTemplate       = "download/{ID}.{ext}"
	AssemblyImageTemplate   = "preview/{id_lower}_assembly-1.{img}"
	ModelImageTemplate      = "preview/{id_lower}_model-1.{img}"
	ValidationImageTemplate = "validation/{id_lower}_multipercentile_validation.{img}"
	ValidationPDFTemplate   = "validation/{id_lower}_full_validation.pdf"
)

// Roots maps template prefixes to absolute base URLs.
type Roots struct {
	Download   string `mapstructure:"download"`
	Preview    string `mapstructure:"preview"`
	Validation string `mapstructure:"validation"`
}

// DefaultRoots points at the public RCSB file and image hosts.
var DefaultRoots = Roots{
	Download:   "https://files.rcsb.org/download/",
	Preview:    "https://cdn.rcsb.org/images/structures/",
	Validation: "https://files.rcsb.org/validation/view/",
}

// Extensions selects file extensions substituted into the templates.
type Extensions struct {
	Structure       string
	PreviewImage    string
	ValidationImage string
}

// DefaultExtensions matches what RCSB publishes.
var DefaultExtensions = Extensions{
	Structure:       "cif",
	PreviewImage:    "jpeg",
	ValidationImage: "png",
}

// Candidates is the full set of asset URLs for one identifier.
type Candidates struct {
	Structure       string
	Previews        []string
	ValidationImage string
	ValidationPDF   string
}

// Expand renders a template for id, substituting img with imgExt.
func Expand(template, id string, roots Roots, ext Extensions, imgExt string) string {
	upper := crawler.NormalizeID(id)
	lower := strings.ToLower(upper)
	resolved := strings.NewReplacer(
		"{ID}", upper,
		"{id_lower}", lower,
		"{ext}", ext.Structure,
		"{img}", imgExt,
	).Replace(template)

	prefix, rest, ok := strings.Cut(resolved, "/")
	if !ok {
		return resolved
	}
	base := ""
	switch prefix {
	case "download":
		base = roots.Download
	case "preview":
		base = roots.Preview
	case "validation":
		base = roots.Validation
	}
	if base == "" {
		return resolved
	}
	return strings.TrimRight(base, "/") + "/" + rest
}

// BuildCandidates renders every asset template for id. Preview images are
// ordered alternatives: assembly first, model as the fallback.
func BuildCandidates(id string, roots Roots, ext Extensions) Candidates {
	return Candidates{
		Structure: Expand(StructureTemplate, id, roots, ext, ""),
		Previews: []string{
			Expand(AssemblyImageTemplate, id, roots, ext, ext.PreviewImage),
			Expand(ModelImageTemplate, id, roots, ext, ext.PreviewImage),
		},
		ValidationImage: Expand(ValidationImageTemplate, id, roots, ext, ext.ValidationImage),
		ValidationPDF:   Expand(ValidationPDFTemplate, id, roots, ext, ""),
	}
}
