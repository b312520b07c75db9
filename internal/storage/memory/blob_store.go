package memory

import (
	"context"
	"sync"
)

// BlobStore keeps archived payloads in memory for inspection by tests.
type BlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	lastPath string
}

// NewBlobStore returns an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

// PutObject records the payload and returns a memory:// URI.
func (b *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	b.lastPath = path
	return "memory://" + path, nil
}

// Object returns a stored payload by path.
func (b *BlobStore) Object(path string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[path]
	return data, ok
}

// LastPath returns the most recently written path.
func (b *BlobStore) LastPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPath
}
