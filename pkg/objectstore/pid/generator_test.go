package pid_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/pid"
	"github.com/tendant/simple-objectstore/pkg/objectstore/registry/memory"
)

type failingStore struct {
	*memory.Registry
	fail bool
}

func (f *failingStore) SaveCounter(ctx context.Context, ns string, high int64) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Registry.SaveCounter(ctx, ns, high)
}

func TestGenerate_Sequence(t *testing.T) {
	ctx := context.Background()
	g, err := pid.New(ctx, memory.New())
	require.NoError(t, err)

	_, ok := g.LastIssued()
	assert.False(t, ok)

	for _, want := range []string{"demo:1", "demo:2", "demo:3"} {
		got, err := g.Generate(ctx, "demo")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	last, ok := g.LastIssued()
	require.True(t, ok)
	assert.Equal(t, "demo:3", last)

	other, err := g.Generate(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, "other:1", other)
}

func TestGenerate_ResumesFromStore(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.SaveCounter(ctx, "demo", 41))

	g, err := pid.New(ctx, store)
	require.NoError(t, err)
	got, err := g.Generate(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo:42", got)

	marks, err := store.LoadCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), marks["demo"])
}

func TestGenerate_Concurrent(t *testing.T) {
	ctx := context.Background()
	g, err := pid.New(ctx, memory.New())
	require.NoError(t, err)

	const n = 200
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := g.Generate(ctx, "demo")
			assert.NoError(t, err)
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), g.Mark("demo"))
}

func TestGenerate_InvalidNamespace(t *testing.T) {
	g, err := pid.New(context.Background(), memory.New())
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "bad ns")
	assert.True(t, errors.Is(err, objectstore.ErrInvalidState))
}

func TestGenerate_PersistFailureKeepsMark(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Registry: memory.New()}
	g, err := pid.New(ctx, store)
	require.NoError(t, err)

	_, err = g.Generate(ctx, "demo")
	require.NoError(t, err)

	store.fail = true
	_, err = g.Generate(ctx, "demo")
	assert.True(t, errors.Is(err, objectstore.ErrStorageDevice))
	assert.Equal(t, int64(1), g.Mark("demo"))

	store.fail = false
	got, err := g.Generate(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo:2", got)
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	g, err := pid.New(ctx, memory.New())
	require.NoError(t, err)

	tests := []struct {
		name     string
		pid      string
		wantMark int64
		wantErr  error
	}{
		{name: "raises mark", pid: "demo:10", wantMark: 10},
		{name: "lower suffix is a no-op", pid: "demo:3", wantMark: 10},
		{name: "non-numeric suffix is a no-op", pid: "demo:abc", wantMark: 10},
		{name: "malformed", pid: "no-colon", wantMark: 10, wantErr: objectstore.ErrInvalidState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Reserve(ctx, tt.pid)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantMark, g.Mark("demo"))
		})
	}

	next, err := g.Generate(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo:11", next)
}
