// Package core defines the snapshot archive abstraction implemented by the
// infra/archive backends.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies an archive backend.
type Driver string

const (
	// DriverFilesystem writes snapshots under a local directory.
	DriverFilesystem Driver = "fs"
	// DriverS3 writes snapshots to an S3 / MinIO compatible bucket.
	DriverS3 Driver = "s3"
	// DriverMemory keeps snapshots in process memory (tests).
	DriverMemory Driver = "memory"
	// DriverNone disables the archive.
	DriverNone Driver = "none"
)

// PutOptions carries optional object attributes.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored snapshot.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a write-once object store. Put fails when the key exists.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	Driver() Driver
}

var (
	// ErrExists is returned by Put for an existing key.
	ErrExists = errors.New("archive: object exists")
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("archive: object not found")
)

// CloneMetadata copies a metadata map.
func CloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
