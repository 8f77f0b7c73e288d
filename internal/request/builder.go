// Package request builds outbound request descriptors for the RCSB search and data APIs.
package request

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

const (
	// DefaultSearchURL is the RCSB search API endpoint.
	DefaultSearchURL = "https://search.rcsb.org/rcsbsearch/v2/query"
	// DefaultAPIBase is the RCSB data API root.
	DefaultAPIBase = "https://data.rcsb.org/rest/v1/core"

	revisionAttribute = "rcsb_accession_info.revision_date"
)

// Descriptor is a fully formed outbound request.
type Descriptor struct {
	Method string
	URL    string
	Body   []byte
}

// Config holds the API roots.
type Config struct {
	SearchURL string
	APIBase   string
}

type resourceShape struct {
	// segments is the number of path parts after the endpoint; zero means
	// the ids are comma-joined into a single batched segment.
	segments int
}

var resources = map[crawler.ResourceKind]resourceShape{
	crawler.ResourceEntry:            {segments: 1},
	crawler.ResourcePolymerEntity:    {segments: 2},
	crawler.ResourceNonpolymerEntity: {segments: 2},
	crawler.ResourceBranchedEntity:   {segments: 2},
	crawler.ResourceAssembly:         {segments: 2},
	crawler.ResourceChemComp:         {segments: 0},
	crawler.ResourceDrugBank:         {segments: 0},
}

// Batched reports whether kind accepts comma-joined ids in one request.
func Batched(kind crawler.ResourceKind) bool {
	shape, ok := resources[kind]
	return ok && shape.segments == 0
}

// Builder maps resource kinds and search parameters to descriptors. It has no mutable state.
type Builder struct {
	searchURL string
	apiBase   string
}

// New returns a Builder, defaulting empty roots to the public RCSB endpoints.
func New(cfg Config) *Builder {
	search := strings.TrimSpace(cfg.SearchURL)
	if search == "" {
		search = DefaultSearchURL
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	return &Builder{searchURL: search, apiBase: base}
}

type queryNode struct {
	Type            string      `json:"type"`
	Service         string      `json:"service,omitempty"`
	LogicalOperator string      `json:"logical_operator,omitempty"`
	Nodes           []queryNode `json:"nodes,omitempty"`
	Parameters      *nodeParams `json:"parameters,omitempty"`
}

type nodeParams struct {
	Attribute string `json:"attribute"`
	Operator  string `json:"operator"`
	Value     string `json:"value,omitempty"`
}

type searchBody struct {
	Query          queryNode      `json:"query"`
	ReturnType     string         `json:"return_type"`
	RequestOptions requestOptions `json:"request_options"`
}

type requestOptions struct {
	Paginate        paginate    `json:"paginate"`
	ScoringStrategy string      `json:"scoring_strategy"`
	Sort            []sortOrder `json:"sort"`
}

type paginate struct {
	Start int `json:"start"`
	Rows  int `json:"rows"`
}

type sortOrder struct {
	SortBy    string `json:"sort_by"`
	Direction string `json:"direction"`
}

// ListRequest builds one search page sorted ascending by revision date. In
// incremental mode with a non-empty incrementStart the query is narrowed to
// revisions at or after it.
func (b *Builder) ListRequest(offset, pageSize int, mode crawler.Mode, incrementStart string) Descriptor {
	query := queryNode{
		Type:       "terminal",
		Service:    "text",
		Parameters: &nodeParams{Attribute: "rcsb_id", Operator: "exists"},
	}
	if mode == crawler.ModeIncremental && incrementStart != "" {
		query = queryNode{
			Type:            "group",
			LogicalOperator: "and",
			Nodes: []queryNode{
				query,
				{
					Type:    "terminal",
					Service: "text",
					Parameters: &nodeParams{
						Attribute: revisionAttribute,
						Operator:  "greater_or_equal",
						Value:     incrementStart,
					},
				},
			},
		}
	}
	body := searchBody{
		Query:      query,
		ReturnType: "entry",
		RequestOptions: requestOptions{
			Paginate:        paginate{Start: offset, Rows: pageSize},
			ScoringStrategy: "combined",
			Sort:            []sortOrder{{SortBy: revisionAttribute, Direction: "asc"}},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		panic(fmt.Sprintf("request: marshal search body: %v", err))
	}
	return Descriptor{Method: http.MethodPost, URL: b.searchURL, Body: payload}
}

// ResourceRequest builds a data API GET. Path kinds take their path parts in
// order (entry id, then entity or assembly id); batched kinds join every id
// with commas. An unknown kind or wrong part count panics.
func (b *Builder) ResourceRequest(kind crawler.ResourceKind, ids ...string) Descriptor {
	shape, ok := resources[kind]
	if !ok {
		panic(fmt.Sprintf("request: unknown resource kind %q", kind))
	}
	if len(ids) == 0 {
		panic(fmt.Sprintf("request: %s requires at least one id", kind))
	}
	var path string
	if shape.segments == 0 {
		path = strings.Join(ids, ",")
	} else {
		if len(ids) != shape.segments {
			panic(fmt.Sprintf("request: %s takes %d path parts, got %d", kind, shape.segments, len(ids)))
		}
		path = strings.Join(ids, "/")
	}
	return Descriptor{
		Method: http.MethodGet,
		URL:    b.apiBase + "/" + string(kind) + "/" + path,
	}
}
