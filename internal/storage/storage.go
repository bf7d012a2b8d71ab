package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrFileNotFound is returned when a requested blob does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidPath is returned when a path is empty or escapes the store.
	ErrInvalidPath = errors.New("invalid path")
)

// BlobStorage stores opaque asset payloads under slash-separated paths.
type BlobStorage interface {
	Upload(ctx context.Context, path string, r io.Reader) error
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	URL(ctx context.Context, path string) (string, error)
}
