// Package core defines the blob storage contract shared by the backends in
// internal/infra/blob and re-exported from internal/blob.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete blob storage backend implementation.
type Driver string

const (
	// DriverFilesystem stores blobs under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 stores blobs in an S3 / MinIO compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps blobs in process memory (tests, ephemeral runs).
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // small, flat key-value pairs
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a minimal write-once object store. Put never overwrites: archived
// documents are immutable once written.
type Store interface {
	// Put stores a new blob at key and fails with ErrExists if key is taken.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get returns the blob contents; ErrNotFound when missing.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Head returns metadata only; ErrNotFound when missing.
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes a blob and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns blobs whose key has prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

var (
	// ErrExists is returned by Put when the key is already taken.
	ErrExists = errors.New("blob: key already exists")
	// ErrNotFound is returned when a key has no blob.
	ErrNotFound = errors.New("blob: not found")
)
