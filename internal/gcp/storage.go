package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/bucketvision/internal/objectstore"
	"google.golang.org/api/iterator"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GCSStore implements objectstore.Store on top of a Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
}

// NewGCSStore creates a Cloud Storage client for the named bucket.
// STORAGE_EMULATOR_HOST is honoured by the client library for local runs.
func NewGCSStore(ctx context.Context, bucketName string) (*GCSStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("bucket name must be provided to create a GCS store")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: client.Bucket(bucketName), name: bucketName}, nil
}

func (s *GCSStore) List(ctx context.Context, opts objectstore.ListOptions) (*objectstore.Page, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = objectstore.DefaultPageSize
	}
	query := &storage.Query{Prefix: opts.Prefix}
	if err := query.SetAttrSelection([]string{"Name", "Size"}); err != nil {
		return nil, fmt.Errorf("failed to build GCS query: %w", err)
	}

	var attrs []*storage.ObjectAttrs
	pager := iterator.NewPager(s.bucket.Objects(ctx, query), pageSize, opts.Token)
	nextToken, err := pager.NextPage(&attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects in gs://%s: %w", s.name, err)
	}

	page := &objectstore.Page{Objects: make([]objectstore.ObjectInfo, 0, len(attrs)), NextToken: nextToken}
	for _, a := range attrs {
		page.Objects = append(page.Objects, objectstore.ObjectInfo{Key: a.Name, Size: a.Size})
	}
	return page, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, objectstore.ErrNotExist
		}
		return nil, fmt.Errorf("failed to get GCS object reader for gs://%s/%s: %w", s.name, key, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", s.name, key, err)
	}
	return data, nil
}

// Put overwrites the object, retrying with exponential backoff. Unconditional
// writes are not retried by the client library itself.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	const maxRetries = 3
	backoff := 500 * time.Millisecond
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		err := s.write(ctx, key, data, contentType)
		if err == nil {
			return nil
		}

		lastErr = err
		slog.Warn(
			"GCS write failed, will retry.",
			"gcsObject", key,
			"attempt", i+1,
			"maxRetries", maxRetries,
			"backoff", backoff.String(),
			"error", err,
		)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("write for gs://%s/%s failed after all retries: %w", s.name, key, lastErr)
}

func (s *GCSStore) write(ctx context.Context, key string, data []byte, contentType string) error {
	writer := s.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
