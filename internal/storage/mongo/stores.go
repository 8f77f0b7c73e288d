// Package mongo provides MongoDB-backed cursor and record storage.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

const (
	// DefaultCursorCollection holds cursor documents.
	DefaultCursorCollection = "rcsb_increment_state"
	// DefaultRecordCollection holds finalized structures.
	DefaultRecordCollection = "rcsb_pdb_structures_all"
)

// Config selects the deployment and database.
type Config struct {
	URI      string
	Database string
}

// Connect dials a client and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo.uri is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

type cursorDoc struct {
	ID           string    `bson:"_id"`
	LastRevision string    `bson:"last_revision"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// CursorStore keeps one document per cursor id.
type CursorStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewCursorStore wraps coll.
func NewCursorStore(coll *mongo.Collection) *CursorStore {
	return &CursorStore{coll: coll, now: func() time.Time { return time.Now().UTC() }}
}

// LoadCursor returns last_revision or crawler.ErrNotFound.
func (s *CursorStore) LoadCursor(ctx context.Context, docID string) (string, error) {
	var doc cursorDoc
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: docID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", crawler.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find cursor: %w", err)
	}
	return doc.LastRevision, nil
}

// SaveCursor upserts last_revision.
func (s *CursorStore) SaveCursor(ctx context.Context, docID string, revision string) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "last_revision", Value: revision},
		{Key: "updated_at", Value: s.now()},
	}}}
	_, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: docID}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// RecordSink replaces the structure document keyed by pdb_id.
type RecordSink struct {
	coll *mongo.Collection
}

// NewRecordSink wraps coll.
func NewRecordSink(coll *mongo.Collection) *RecordSink {
	return &RecordSink{coll: coll}
}

// WriteRecord upserts rec.
func (s *RecordSink) WriteRecord(ctx context.Context, rec crawler.Record) error {
	if rec.PDBID == "" {
		return fmt.Errorf("record pdb_id is required")
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{Key: "pdb_id", Value: rec.PDBID}},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("replace record %s: %w", rec.PDBID, err)
	}
	return nil
}

// EnsureIndexes creates the unique pdb_id index on the record collection.
func EnsureIndexes(ctx context.Context, records *mongo.Collection) error {
	_, err := records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "pdb_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create pdb_id index: %w", err)
	}
	return nil
}
