// Package dynamo stores the run watermark in a DynamoDB table.
package dynamo

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/crawler"
)

const (
	// AttrDocID is the table's hash key.
	AttrDocID = "doc_id"
	// AttrLastRevision holds the watermark.
	AttrLastRevision = "last_revision"
	// DefaultTable is used when no table is configured.
	DefaultTable = "rcsb_increment_state"
)

// API is the subset of *dynamodb.Client the store calls.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// CursorStore implements crawler.CursorStore.
type CursorStore struct {
	client API
	table  string
}

// NewCursorStore constructs a CursorStore.
func NewCursorStore(client API, table string) (*CursorStore, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if table == "" {
		table = DefaultTable
	}
	return &CursorStore{client: client, table: table}, nil
}

// LoadCursor reads the item for docID with a consistent read.
func (s *CursorStore) LoadCursor(ctx context.Context, docID string) (string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			AttrDocID: &types.AttributeValueMemberS{Value: docID},
		},
	})
	if err != nil {
		return "", fmt.Errorf("get cursor item: %w", err)
	}
	if len(out.Item) == 0 {
		return "", crawler.ErrNotFound
	}
	attr, ok := out.Item[AttrLastRevision].(*types.AttributeValueMemberS)
	if !ok {
		return "", crawler.ErrNotFound
	}
	return attr.Value, nil
}

// SaveCursor overwrites the item for docID.
func (s *CursorStore) SaveCursor(ctx context.Context, docID string, revision string) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			AttrDocID:        &types.AttributeValueMemberS{Value: docID},
			AttrLastRevision: &types.AttributeValueMemberS{Value: revision},
		},
	})
	if err != nil {
		return fmt.Errorf("put cursor item: %w", err)
	}
	return nil
}
