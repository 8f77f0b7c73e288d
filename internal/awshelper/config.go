// Package awshelper builds AWS SDK configuration for the DynamoDB and S3 stores.
package awshelper

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const defaultRegion = "us-east-1"

// Options selects the region and an optional endpoint override (localstack,
// minio, dynamodb-local).
type Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// Build loads the default credential chain with the configured region.
func Build(ctx context.Context, opts Options) (aws.Config, error) {
	region := opts.Region
	if region == "" {
		region = defaultRegion
	}
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithAppID("rcsb-pdb-crawler"),
		config.WithRegion(region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}

// BuildDynamoDBClient creates a DynamoDB client.
func BuildDynamoDBClient(ctx context.Context, opts Options) (*dynamodb.Client, error) {
	cfg, err := Build(ctx, opts)
	if err != nil {
		return nil, err
	}
	if opts.Endpoint == "" {
		return dynamodb.NewFromConfig(cfg), nil
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(opts.Endpoint)
	}), nil
}

// BuildS3Client creates an S3 client.
func BuildS3Client(ctx context.Context, opts Options) (*s3.Client, error) {
	cfg, err := Build(ctx, opts)
	if err != nil {
		return nil, err
	}
	customFN := make([]func(*s3.Options), 0, 2)
	if opts.Endpoint != "" {
		customFN = append(customFN, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	if opts.UsePathStyle {
		customFN = append(customFN, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	return s3.NewFromConfig(cfg, customFN...), nil
}
