package fs_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore/storage/fs"
	"github.com/tendant/simple-objectstore/pkg/objectstore/storage/storagetest"
)

func newBackend(t *testing.T) (*fs.Backend, string) {
	dir := t.TempDir()
	b, err := fs.New(fs.Config{BaseDir: dir})
	require.NoError(t, err)
	return b, dir
}

func TestBackend(t *testing.T) {
	b, _ := newBackend(t)
	storagetest.BlobStore(context.Background(), t, b)
}

func TestBackend_Binary(t *testing.T) {
	b, _ := newBackend(t)
	storagetest.Binary(context.Background(), t, b)
}

func TestBackend_RequiresBaseDir(t *testing.T) {
	_, err := fs.New(fs.Config{})
	assert.Error(t, err)
}

func TestBackend_RemoveCleansNamespaceDir(t *testing.T) {
	b, dir := newBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "demo:7", bytes.NewReader([]byte("x"))))
	_, err := os.Stat(filepath.Join(dir, "demo"))
	require.NoError(t, err)

	require.NoError(t, b.Remove(ctx, "demo:7"))
	_, err = os.Stat(filepath.Join(dir, "demo"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(dir)
	assert.NoError(t, err)
}
