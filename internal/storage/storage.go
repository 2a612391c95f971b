// Package storage provides object storage abstractions for the enriched
// batch writer and the raw-event archiver.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts cloud object storage operations.
// Implementations include S3 and the local filesystem for testing.
type ObjectStorage interface {
	// Put writes body as a single object at objectPath.
	// contentType is recorded where the backend supports it.
	Put(ctx context.Context, objectPath string, body []byte, contentType string) error

	// Get reads the object at objectPath.
	// Returns ErrObjectNotFound if the object does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object from storage.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
