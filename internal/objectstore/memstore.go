package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// MemStore is an in-memory BlobStore for tests exercising the migration,
// read, and unlink engines without a real S3-compatible endpoint.
type MemStore struct {
	mu      sync.Mutex
	buckets map[string]bool
	objects map[string][]byte
}

// NewMemStore returns an empty in-memory blob store.
func NewMemStore() *MemStore {
	return &MemStore{buckets: make(map[string]bool), objects: make(map[string][]byte)}
}

func (m *MemStore) EnsureBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket] = true
	return nil
}

func (m *MemStore) Put(ctx context.Context, bucket, key string, length int64, r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = buf
	return nil
}

func (m *MemStore) Get(ctx context.Context, bucket, key string, w io.Writer) error {
	m.mu.Lock()
	buf, ok := m.objects[bucket+"/"+key]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("memstore: object %s/%s not found", bucket, key)
	}
	_, err := io.Copy(w, bytes.NewReader(buf))
	return err
}

func (m *MemStore) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, bucket+"/"+key)
	return nil
}

// Has reports whether bucket/key currently has an object, for test
// assertions about dedup and unlink behaviour.
func (m *MemStore) Has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[bucket+"/"+key]
	return ok
}

var _ BlobStore = (*MemStore)(nil)
