package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ObjectStore answers existence and link queries for stored objects
type ObjectStore interface {
	Exists(ctx context.Context, bucket, key string) (bool, error)
	GetPresignedURL(ctx context.Context, bucket, key string, expiration time.Duration) (string, error)
}

// S3Client is an ObjectStore backed by Amazon S3
type S3Client struct {
	client  *s3.Client
	presign *s3.PresignClient
}

// NewS3Client loads the default AWS configuration for region
func NewS3Client(ctx context.Context, region string) (*S3Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Client{client: client, presign: s3.NewPresignClient(client)}, nil
}

func (c *S3Client) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, fmt.Errorf("failed to head s3://%s/%s: %w", bucket, key, err)
}

func (c *S3Client) GetPresignedURL(ctx context.Context, bucket, key string, expiration time.Duration) (string, error) {
	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiration))
	if err != nil {
		return "", fmt.Errorf("failed to presign s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// MemoryStore is an ObjectStore holding a fixed set of objects
type MemoryStore struct {
	objects map[string]bool
}

// NewMemoryStore creates a store containing the given bucket/key pairs
func NewMemoryStore(objects ...string) *MemoryStore {
	m := &MemoryStore{objects: make(map[string]bool)}
	for _, o := range objects {
		m.objects[o] = true
	}
	return m
}

func (m *MemoryStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return m.objects[bucket+"/"+key], nil
}

func (m *MemoryStore) GetPresignedURL(ctx context.Context, bucket, key string, expiration time.Duration) (string, error) {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", bucket, key), nil
}
