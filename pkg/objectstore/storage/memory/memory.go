// Package memory provides an in-memory blob store.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Backend is an in-memory implementation of objectstore.BlobStore.
type Backend struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ objectstore.BlobStore = (*Backend)(nil)

// New creates an empty in-memory blob store.
func New() *Backend {
	return &Backend{blobs: make(map[string][]byte)}
}

// Put stores a new blob.
func (b *Backend) Put(ctx context.Context, token string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return objectstore.DeviceError("memory", "put", token, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.blobs[token]; exists {
		return objectstore.ErrBlobExists
	}
	b.blobs[token] = data
	return nil
}

// Get opens a blob.
func (b *Backend) Get(ctx context.Context, token string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, exists := b.blobs[token]
	if !exists {
		return nil, objectstore.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Replace overwrites an existing blob.
func (b *Backend) Replace(ctx context.Context, token string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return objectstore.DeviceError("memory", "replace", token, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.blobs[token]; !exists {
		return objectstore.ErrBlobNotFound
	}
	b.blobs[token] = data
	return nil
}

// Remove deletes a blob.
func (b *Backend) Remove(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.blobs[token]; !exists {
		return objectstore.ErrBlobNotFound
	}
	delete(b.blobs, token)
	return nil
}

// Tokens lists the stored tokens, sorted.
func (b *Backend) Tokens() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.blobs))
	for token := range b.blobs {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
