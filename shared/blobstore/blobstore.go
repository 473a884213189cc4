// Package blobstore provides the narrow artifact-store contract the
// pipeline depends on: content-addressed put/get/exists on named
// containers. Deployments back it with an object store; development and
// tests use the filesystem and in-memory implementations.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBlobNotFound is returned when a blob does not exist in the store
var ErrBlobNotFound = errors.New("blob not found")

// BlobRef locates a blob by container and key
type BlobRef struct {
	Container string `json:"container"`
	Key       string `json:"blob_name"`
}

func (r BlobRef) String() string {
	return r.Container + "/" + r.Key
}

// Metadata holds store-level descriptive tags attached to a blob
type Metadata map[string]string

// Store is the artifact-store contract consumed by the gateway and worker
type Store interface {
	// EnsureContainer creates the container if it does not exist. Idempotent.
	EnsureContainer(ctx context.Context, container string) error

	// Upload writes blob content, overwriting any existing blob at ref.
	Upload(ctx context.Context, ref BlobRef, data []byte, contentType string, metadata Metadata) error

	// Download reads blob content. Returns ErrBlobNotFound for missing blobs.
	Download(ctx context.Context, ref BlobRef) ([]byte, error)

	// Exists reports whether a blob is present at ref.
	Exists(ctx context.Context, ref BlobRef) (bool, error)
}

// validateRef rejects refs that could escape a container namespace
func validateRef(ref BlobRef) error {
	if ref.Container == "" || ref.Key == "" {
		return fmt.Errorf("invalid blob ref %q: container and key are required", ref)
	}
	if strings.ContainsAny(ref.Container, "/\\") || strings.ContainsAny(ref.Key, "/\\") {
		return fmt.Errorf("invalid blob ref %q: path separators are not allowed", ref)
	}
	if strings.Contains(ref.Key, "..") || strings.Contains(ref.Container, "..") {
		return fmt.Errorf("invalid blob ref %q: parent traversal is not allowed", ref)
	}
	return nil
}
