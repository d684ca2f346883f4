// Package objectstore keeps exported reports in an S3 compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"io"
)

var ErrObjectNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key  string
	Size int64
	ETag string
}

type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}
