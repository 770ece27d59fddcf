package storage

import (
	"context"
	"io"
)

// Store defines the interface for a blob storage backend keyed by path.
type Store interface {
	Save(ctx context.Context, path string, reader io.Reader) (int64, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, dir, ext string) ([]string, error)
}
