// Package objectstore defines the durable key/value surface the run
// ledger, the artifact sync and the cost governor are built on, and
// provides an S3-compatible implementation backed by minio-go.
//
// Keys are slash-separated and relative to the configured bucket.  The
// store is assumed to be strongly consistent for put and list.
package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the minimal object-store contract.
type Store interface {
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Get opens the object stored under key.  The caller closes the
	// returned reader.  A missing key yields ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object whose key starts with prefix, in
	// lexical key order.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
