package blobstore

import (
	"context"
	"fmt"
	"sync"
)

type memoryBlob struct {
	data        []byte
	contentType string
	metadata    Metadata
}

// MemoryStore is an in-memory Store used by tests and local experiments
type MemoryStore struct {
	mu         sync.Mutex
	containers map[string]map[string]memoryBlob
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{containers: make(map[string]map[string]memoryBlob)}
}

func (s *MemoryStore) EnsureContainer(ctx context.Context, container string) error {
	if err := validateRef(BlobRef{Container: container, Key: "-"}); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[container]; !ok {
		s.containers[container] = make(map[string]memoryBlob)
	}
	return nil
}

func (s *MemoryStore) Upload(ctx context.Context, ref BlobRef, data []byte, contentType string, metadata Metadata) error {
	if err := validateRef(ref); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blobs, ok := s.containers[ref.Container]
	if !ok {
		blobs = make(map[string]memoryBlob)
		s.containers[ref.Container] = blobs
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	blobs[ref.Key] = memoryBlob{data: stored, contentType: contentType, metadata: metadata}
	return nil
}

func (s *MemoryStore) Download(ctx context.Context, ref BlobRef) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.containers[ref.Container][ref.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}

	data := make([]byte, len(blob.data))
	copy(data, blob.data)
	return data, nil
}

func (s *MemoryStore) Exists(ctx context.Context, ref BlobRef) (bool, error) {
	if err := validateRef(ref); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.containers[ref.Container][ref.Key]
	return ok, nil
}

// FirstKey returns an arbitrary key from a container, for test assertions
func (s *MemoryStore) FirstKey(container string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.containers[container] {
		return key
	}
	return ""
}

// ContentType returns the stored content type for a blob, for test assertions
func (s *MemoryStore) ContentType(ref BlobRef) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[ref.Container][ref.Key].contentType
}

// BlobMetadata returns the stored tags for a blob, for test assertions
func (s *MemoryStore) BlobMetadata(ref BlobRef) Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[ref.Container][ref.Key].metadata
}
