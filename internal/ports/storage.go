// Package ports holds the interfaces the orchestrator's external
// collaborators implement.
package ports

import (
	"context"
	"io"
)

type PutObjectInput struct {
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	// For localfs this echoes the requested key; for gdrive it is the
	// Drive fileId, which later Get/Delete calls must use.
	ObjectKey string
	Size      int64
}

// StorageProvider stores rendered videos. Implementations: localfs, gdrive.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	DeleteObject(ctx context.Context, objectKey string) error
}
