// Package storage publishes built bundles to object storage.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by Stat for missing objects
var ErrObjectNotFound = errors.New("object not found")

// Object represents a stored file
type Object struct {
	Key          string    `json:"key"`
	Bucket       string    `json:"bucket"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	CacheControl string    `json:"cache_control,omitempty"`
	LastModified time.Time `json:"last_modified"`
	ETag         string    `json:"etag,omitempty"`
}

// UploadOptions contains options for uploading files
type UploadOptions struct {
	ContentType  string
	CacheControl string
}

// Storage defines the object operations publishing needs
type Storage interface {
	// Upload uploads a file to storage
	Upload(ctx context.Context, bucket, key string, data io.Reader, size int64, opts *UploadOptions) (*Object, error)

	// Stat returns object metadata without downloading the file, ErrObjectNotFound when missing
	Stat(ctx context.Context, bucket, key string) (*Object, error)

	// EnsureBucket creates the bucket when it does not exist yet
	EnsureBucket(ctx context.Context, bucket string) error
}

// Provider is the interface that storage providers must implement
type Provider interface {
	Storage
	Name() string
	Health(ctx context.Context) error
}
