package memory_test

import (
	"context"
	"testing"

	"github.com/tendant/simple-objectstore/pkg/objectstore/registry/memory"
	"github.com/tendant/simple-objectstore/pkg/objectstore/registry/registrytest"
)

func TestRegistry_Entries(t *testing.T) {
	registrytest.Entries(context.Background(), t, memory.New())
}

func TestRegistry_Bindings(t *testing.T) {
	registrytest.Bindings(context.Background(), t, memory.New())
}

func TestRegistry_Counters(t *testing.T) {
	registrytest.Counters(context.Background(), t, memory.New())
}
