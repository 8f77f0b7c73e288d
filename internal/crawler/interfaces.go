package crawler

import (
	"context"
	"io"
	"time"
)

// ResourceClient issues HTTP requests against the RCSB APIs.
type ResourceClient interface {
	Get(ctx context.Context, url string) (Response, error)
	Post(ctx context.Context, url string, body []byte) (Response, error)
}

// CandidateSource pages through candidate identifiers.
type CandidateSource interface {
	NextPage(ctx context.Context, offset, pageSize int) (SearchPage, error)
}

// CursorStore persists the run watermark document.
type CursorStore interface {
	LoadCursor(ctx context.Context, docID string) (string, error)
	SaveCursor(ctx context.Context, docID string, revision string) error
}

// RevisionStore records the last revision seen per identifier.
type RevisionStore interface {
	GetRevision(ctx context.Context, id string) (string, bool, error)
	PutRevision(ctx context.Context, id string, revision string, ttl time.Duration) error
}

// RecordSink accepts finalized records. Writes must be idempotent on PDBID.
type RecordSink interface {
	WriteRecord(ctx context.Context, record Record) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter paces outbound requests per host.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes digests for blob paths and checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
