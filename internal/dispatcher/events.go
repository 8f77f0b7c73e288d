package dispatcher

import (
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/asset"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

// event is the outcome of one task, posted back to the coordinator.
type event interface {
	entryID() string
}

type primaryEvent struct {
	id        string
	doc       crawler.Document
	revision  string
	duplicate bool
	err       error
}

type entityEvent struct {
	id       string
	kind     crawler.ResourceKind
	entityID string
	doc      crawler.Document
	err      error
}

type secondaryEvent struct {
	id     string
	branch crawler.Branch
	docs   []crawler.Document
	err    error
}

type assemblyEvent struct {
	id  string
	doc crawler.Document
	err error
}

type assetEvent struct {
	id       string
	deferred bool
	report   asset.Report
}

type emittedEvent struct {
	id     string
	record crawler.Record
	err    error
}

func (e primaryEvent) entryID() string   { return e.id }
func (e entityEvent) entryID() string    { return e.id }
func (e secondaryEvent) entryID() string { return e.id }
func (e assemblyEvent) entryID() string  { return e.id }
func (e assetEvent) entryID() string     { return e.id }
func (e emittedEvent) entryID() string   { return e.id }
