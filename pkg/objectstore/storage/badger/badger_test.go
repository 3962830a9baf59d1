package badger_test

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore/storage/badger"
	"github.com/tendant/simple-objectstore/pkg/objectstore/storage/storagetest"
)

func openMemory(t *testing.T) *badger.Backend {
	b, err := badger.Open(badger.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBackend(t *testing.T) {
	storagetest.BlobStore(context.Background(), t, openMemory(t))
}

func TestBackend_Binary(t *testing.T) {
	storagetest.Binary(context.Background(), t, openMemory(t))
}

func TestBackend_Tokens(t *testing.T) {
	b := openMemory(t)
	ctx := context.Background()
	for _, tok := range []string{"demo:2", "demo:1", "demo:1+DS+DS.0"} {
		require.NoError(t, b.Put(ctx, tok, bytes.NewReader([]byte(tok))))
	}
	tokens, err := b.Tokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo:1", "demo:1+DS+DS.0", "demo:2"}, tokens)
}

func TestBackend_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := badger.Open(badger.Config{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, b.Put(ctx, "demo:1", bytes.NewReader([]byte("kept"))))
	require.NoError(t, b.Close())

	b, err = badger.Open(badger.Config{Dir: dir})
	require.NoError(t, err)
	defer b.Close()
	rc, err := b.Get(ctx, "demo:1")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := badger.Open(badger.Config{})
	assert.Error(t, err)
}
