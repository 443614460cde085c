// Package memory holds in-process backends used by the testing preset and
// by tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// BlobStore stores objects in memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	failPut int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// URI returns the store root.
func (s *BlobStore) URI() string { return "memory://" }

// PutObject persists the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPut != 0 {
		if s.failPut > 0 {
			s.failPut--
		}
		return "", fmt.Errorf("put %s: %w", path, ErrInjected)
	}
	s.data[path] = byteData
	return fmt.Sprintf("memory://%s", path), nil
}

// ListObjects returns stored paths with the given prefix in lexical order.
func (s *BlobStore) ListObjects(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for p := range s.data {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetObject returns a copy of the object at path.
func (s *BlobStore) GetObject(_ context.Context, path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return append([]byte(nil), data...), nil
}

// FailPuts makes the next n writes fail; a negative n fails all writes
// until FailPuts(0).
func (s *BlobStore) FailPuts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = n
}
