package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tendant/simple-objectstore/pkg/objectstore/storage/memory"
	"github.com/tendant/simple-objectstore/pkg/objectstore/storage/storagetest"
)

func TestBackend(t *testing.T) {
	storagetest.BlobStore(context.Background(), t, memory.New())
}

func TestBackend_Binary(t *testing.T) {
	storagetest.Binary(context.Background(), t, memory.New())
}

func TestBackend_Tokens(t *testing.T) {
	b := memory.New()
	storagetest.BlobStore(context.Background(), t, b)
	assert.Equal(t, []string{"demo:1", "other:a%2Fb+DS+DS.3"}, b.Tokens())
}
