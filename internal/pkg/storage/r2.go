package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
)

const (
	// S3 DeleteObjects caps a single request at 1000 keys.
	deleteBatchSize = 1000

	// Concurrent delete batches during a prefix sweep.
	deleteWorkers = 4
)

// R2Storage implements ObjectStorage for Cloudflare R2
type R2Storage struct {
	client    *s3.Client
	bucket    string
	publicURL string // CDN URL for public access
}

// R2Config holds R2 connection configuration
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	BucketName      string
	PublicURL       string // e.g., https://cdn.manzanillo.mx
}

// NewR2Storage creates a new Cloudflare R2 storage instance
func NewR2Storage(cfg R2Config) (*R2Storage, error) {
	// R2 endpoint format: https://<account_id>.r2.cloudflarestorage.com
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	r2Resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: endpoint,
		}, nil
	})

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithEndpointResolverWithOptions(r2Resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.AccessKeySecret,
			"",
		)),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	return &R2Storage{
		client:    client,
		bucket:    cfg.BucketName,
		publicURL: cfg.PublicURL,
	}, nil
}

// Put stores a file in R2
func (s *R2Storage) Put(ctx context.Context, key string, reader io.Reader, contentType string) error {
	// Read all data since the S3 SDK needs content length
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to R2: %w", err)
	}

	return nil
}

// Delete removes a single file from R2
func (s *R2Storage) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("failed to delete from R2: %w", err)
	}

	return nil
}

// DeleteByPrefix lists every object under prefix and deletes them in
// bounded-size parallel batches. Returns counts of deleted and failed keys.
func (s *R2Storage) DeleteByPrefix(ctx context.Context, prefix string) (BatchResult, error) {
	var result BatchResult

	keys, err := s.listKeys(ctx, prefix)
	if err != nil {
		return result, err
	}
	if len(keys) == 0 {
		return result, nil
	}

	batches := make(chan []types.ObjectIdentifier)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < deleteWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				deleted, failed := s.deleteBatch(ctx, batch)
				mu.Lock()
				result.Deleted += deleted
				result.Failed += failed
				mu.Unlock()
			}
		}()
	}

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batches <- keys[start:end]
	}
	close(batches)
	wg.Wait()

	return result, nil
}

func (s *R2Storage) listKeys(ctx context.Context, prefix string) ([]types.ObjectIdentifier, error) {
	var keys []types.ObjectIdentifier

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list R2 prefix %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	return keys, nil
}

func (s *R2Storage) deleteBatch(ctx context.Context, batch []types.ObjectIdentifier) (deleted, failed int) {
	out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.bucket),
		Delete: &types.Delete{
			Objects: batch,
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		log.Error().Err(err).Int("keys", len(batch)).Msg("R2 batch delete failed")
		return 0, len(batch)
	}

	failed = len(out.Errors)
	for _, e := range out.Errors {
		log.Warn().
			Str("key", aws.ToString(e.Key)).
			Str("code", aws.ToString(e.Code)).
			Msg("R2 object delete failed")
	}

	return len(batch) - failed, failed
}

// GetURL returns the public URL for an R2 file
func (s *R2Storage) GetURL(key string) string {
	if s.publicURL != "" {
		return fmt.Sprintf("%s/%s", s.publicURL, key)
	}
	// Fallback to direct R2 URL (requires public bucket)
	return fmt.Sprintf("https://%s.r2.dev/%s", s.bucket, key)
}
