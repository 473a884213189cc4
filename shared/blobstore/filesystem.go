package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FilesystemStore stores blobs as files under a root directory, one
// subdirectory per container. Content type and tags live in a sidecar
// JSON file next to each blob.
type FilesystemStore struct {
	root   string
	logger *slog.Logger
}

type sidecar struct {
	ContentType string   `json:"content_type"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// NewFilesystemStore creates a filesystem-backed store rooted at root
func NewFilesystemStore(root string, logger *slog.Logger) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blobstore root %q: %w", root, err)
	}

	return &FilesystemStore{root: root, logger: logger}, nil
}

func (s *FilesystemStore) EnsureContainer(ctx context.Context, container string) error {
	if err := validateRef(BlobRef{Container: container, Key: "-"}); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(s.root, container), 0o755); err != nil {
		return fmt.Errorf("failed to create container %q: %w", container, err)
	}
	return nil
}

func (s *FilesystemStore) Upload(ctx context.Context, ref BlobRef, data []byte, contentType string, metadata Metadata) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	path := filepath.Join(s.root, ref.Container, ref.Key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write blob %q: %w", ref, err)
	}

	side, err := json.Marshal(sidecar{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("failed to marshal blob metadata for %q: %w", ref, err)
	}
	if err := os.WriteFile(path+".meta", side, 0o644); err != nil {
		return fmt.Errorf("failed to write blob metadata for %q: %w", ref, err)
	}

	s.logger.Debug("Blob uploaded",
		slog.String("blob", ref.String()),
		slog.Int("size", len(data)),
		slog.String("content_type", contentType),
	)

	return nil
}

func (s *FilesystemStore) Download(ctx context.Context, ref BlobRef) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.root, ref.Container, ref.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
		}
		return nil, fmt.Errorf("failed to read blob %q: %w", ref, err)
	}

	return data, nil
}

func (s *FilesystemStore) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	if err := validateRef(ref); err != nil {
		return false, err
	}

	_, err := os.Stat(filepath.Join(s.root, ref.Container, ref.Key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %q: %w", ref, err)
	}

	return true, nil
}
