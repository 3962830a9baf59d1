// Package fs provides a blob store on the local filesystem.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Backend is a filesystem implementation of objectstore.BlobStore. Blobs
// are grouped in one directory per namespace.
type Backend struct {
	mu      sync.Mutex
	baseDir string
}

var _ objectstore.BlobStore = (*Backend)(nil)

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Base directory for storing files
}

// New creates a filesystem blob store rooted at config.BaseDir.
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if err := os.MkdirAll(config.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Backend{baseDir: config.BaseDir}, nil
}

// path maps a token to its file. Tokens are escaped so that every byte
// sequence maps to a distinct plain file name.
func (b *Backend) path(token string) string {
	ns := "_"
	if i := strings.IndexByte(token, ':'); i > 0 {
		ns = url.QueryEscape(token[:i])
	}
	return filepath.Join(b.baseDir, ns, url.QueryEscape(token))
}

// Put stores a new blob.
func (b *Backend) Put(ctx context.Context, token string, r io.Reader) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(token)
	if _, err := os.Stat(path); err == nil {
		return objectstore.ErrBlobExists
	} else if !os.IsNotExist(err) {
		return objectstore.DeviceError("fs", "put", token, err)
	}
	return b.write(token, path, r)
}

// Get opens a blob.
func (b *Backend) Get(ctx context.Context, token string) (io.ReadCloser, error) {
	file, err := os.Open(b.path(token))
	if os.IsNotExist(err) {
		return nil, objectstore.ErrBlobNotFound
	} else if err != nil {
		return nil, objectstore.DeviceError("fs", "get", token, err)
	}
	return file, nil
}

// Replace overwrites an existing blob.
func (b *Backend) Replace(ctx context.Context, token string, r io.Reader) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(token)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return objectstore.ErrBlobNotFound
	} else if err != nil {
		return objectstore.DeviceError("fs", "replace", token, err)
	}
	return b.write(token, path, r)
}

// write stores r under path through a temporary file, so readers never see
// partial content.
func (b *Backend) write(token, path string, r io.Reader) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return objectstore.DeviceError("fs", "mkdir", token, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return objectstore.DeviceError("fs", "create", token, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return objectstore.DeviceError("fs", "write", token, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return objectstore.DeviceError("fs", "close", token, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return objectstore.DeviceError("fs", "rename", token, err)
	}
	return nil
}

// Remove deletes a blob.
func (b *Backend) Remove(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path(token)
	if err := os.Remove(path); os.IsNotExist(err) {
		return objectstore.ErrBlobNotFound
	} else if err != nil {
		return objectstore.DeviceError("fs", "remove", token, err)
	}
	b.cleanupEmptyDirectories(filepath.Dir(path))
	return nil
}

// cleanupEmptyDirectories removes empty directories up to baseDir
func (b *Backend) cleanupEmptyDirectories(dir string) {
	if dir == b.baseDir {
		return
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) == 0 {
		if os.Remove(dir) == nil {
			b.cleanupEmptyDirectories(filepath.Dir(dir))
		}
	}
}
