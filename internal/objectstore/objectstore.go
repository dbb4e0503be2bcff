// Package objectstore abstracts the bucket holding images and their analyses.
//
// Listing is paginated: a Store returns one page at a time together with an
// opaque continuation token, and Walk drives the sequence to the end so that
// buckets larger than a single page are fully visited.
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotExist is returned by Get when no object is stored under the key.
var ErrNotExist = errors.New("object does not exist")

// DefaultPageSize matches the largest page the hosted stores return.
const DefaultPageSize = 1000

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ListOptions selects one page of a listing.
type ListOptions struct {
	Prefix   string
	PageSize int
	// Token continues a previous listing. Empty starts from the beginning.
	Token string
}

// Page is one page of a listing. NextToken is empty on the last page.
type Page struct {
	Objects   []ObjectInfo
	NextToken string
}

// Store is the minimal object store contract used by the analysis service.
type Store interface {
	List(ctx context.Context, opts ListOptions) (*Page, error)
	// Get returns the full object contents, or ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put creates or overwrites the object under key.
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Walk calls fn for every object under prefix, following continuation tokens
// until the listing is exhausted. A non-nil error from fn stops the walk.
func Walk(ctx context.Context, s Store, prefix string, pageSize int, fn func(ObjectInfo) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	opts := ListOptions{Prefix: prefix, PageSize: pageSize}
	for {
		page, err := s.List(ctx, opts)
		if err != nil {
			return fmt.Errorf("list objects (prefix %q): %w", prefix, err)
		}
		for _, obj := range page.Objects {
			if err := fn(obj); err != nil {
				return err
			}
		}
		if page.NextToken == "" {
			return nil
		}
		if page.NextToken == opts.Token {
			return fmt.Errorf("list objects (prefix %q): continuation token did not advance", prefix)
		}
		opts.Token = page.NextToken
	}
}

// Keys collects every key under prefix that passes keep. A nil keep keeps all.
func Keys(ctx context.Context, s Store, prefix string, pageSize int, keep func(string) bool) ([]string, error) {
	keys := []string{}
	err := Walk(ctx, s, prefix, pageSize, func(obj ObjectInfo) error {
		if keep == nil || keep(obj.Key) {
			keys = append(keys, obj.Key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
