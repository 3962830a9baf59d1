// Package storagetest checks objectstore.BlobStore implementations against
// the common contract.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// BlobStore exercises put, get, replace and remove on an empty store.
func BlobStore(ctx context.Context, t *testing.T, store objectstore.BlobStore) {
	t.Helper()

	tokens := []string{"demo:1", "demo:1+IMG+IMG.0", "other:a%2Fb+DS+DS.3"}
	for _, token := range tokens {
		_, err := store.Get(ctx, token)
		assert.True(t, errors.Is(err, objectstore.ErrNotFound), "get %s before put: %v", token, err)

		require.NoError(t, store.Put(ctx, token, strings.NewReader("first "+token)))
	}

	for _, token := range tokens {
		assert.Equal(t, "first "+token, read(ctx, t, store, token))
	}

	err := store.Put(ctx, tokens[0], strings.NewReader("again"))
	assert.True(t, errors.Is(err, objectstore.ErrAlreadyExists), "put existing: %v", err)
	assert.Equal(t, "first "+tokens[0], read(ctx, t, store, tokens[0]))

	require.NoError(t, store.Replace(ctx, tokens[0], strings.NewReader("second")))
	assert.Equal(t, "second", read(ctx, t, store, tokens[0]))

	err = store.Replace(ctx, "demo:missing", strings.NewReader("x"))
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "replace missing: %v", err)

	require.NoError(t, store.Remove(ctx, tokens[1]))
	_, err = store.Get(ctx, tokens[1])
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "get removed: %v", err)
	err = store.Remove(ctx, tokens[1])
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "remove twice: %v", err)

	assert.Equal(t, "first "+tokens[2], read(ctx, t, store, tokens[2]))
}

// Binary writes data larger than typical buffers and reads it back.
func Binary(ctx context.Context, t *testing.T, store objectstore.BlobStore) {
	t.Helper()

	data := make([]byte, 3<<20)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, store.Put(ctx, "demo:big+DS+DS.0", bytes.NewReader(data)))

	rc, err := store.Get(ctx, "demo:big+DS+DS.0")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got), "content mismatch, got %d bytes", len(got))
}

func read(ctx context.Context, t *testing.T, store objectstore.BlobStore, token string) string {
	t.Helper()
	rc, err := store.Get(ctx, token)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}
