package storage

import (
	"context"
	"io"
)

// ObjectStorage is the narrow object-store surface this service consumes.
type ObjectStorage interface {
	Put(ctx context.Context, key string, reader io.Reader, contentType string) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) (BatchResult, error)
	GetURL(key string) string
}

// BatchResult reports the outcome of a prefix delete.
type BatchResult struct {
	Deleted int
	Failed  int
}
