package objectstore_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/codec"
	"github.com/tendant/simple-objectstore/pkg/objectstore/readercache"
	registrymemory "github.com/tendant/simple-objectstore/pkg/objectstore/registry/memory"
	storagememory "github.com/tendant/simple-objectstore/pkg/objectstore/storage/memory"
)

func TestNew_RequiresCollaborators(t *testing.T) {
	reg := registrymemory.New()
	store := storagememory.New()

	_, err := objectstore.New(objectstore.WithBlobStore(store), objectstore.WithTranslator(codec.New(), codec.FormatJSON))
	assert.Error(t, err)
	_, err = objectstore.New(objectstore.WithRegistry(reg), objectstore.WithTranslator(codec.New(), codec.FormatJSON))
	assert.Error(t, err)
	_, err = objectstore.New(objectstore.WithRegistry(reg), objectstore.WithBlobStore(store))
	assert.Error(t, err)
	_, err = objectstore.New(
		objectstore.WithRegistry(reg),
		objectstore.WithBlobStore(store),
		objectstore.WithTranslator(codec.New(), codec.FormatJSON),
		objectstore.WithNamespace("bad ns"),
	)
	assert.Error(t, err)

	c, err := objectstore.New(objectstore.WithRegistry(reg), objectstore.WithBlobStore(store), objectstore.WithTranslator(codec.New(), codec.FormatJSON))
	require.NoError(t, err)
	assert.Equal(t, objectstore.DefaultNamespace, c.Namespace())
}

func TestOpenWriter_Exclusive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	assert.True(t, f.coord.Locked(pid))

	_, err = f.coord.OpenWriter(ctx, pid)
	assert.True(t, errors.Is(err, objectstore.ErrLocked))
	assert.Equal(t, objectstore.KindLocked, objectstore.KindOf(err))

	// Readers are not blocked by a writer.
	r, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "Original", r.Label())

	require.NoError(t, f.coord.Release(ctx, w))
	require.NoError(t, f.coord.Release(ctx, w))
	assert.False(t, f.coord.Locked(pid))

	w, err = f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, f.coord.Release(ctx, w))
}

func TestOpenWriter_ConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		locked  atomic.Int32
		mu      sync.Mutex
		held    []*objectstore.Writer
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := f.coord.OpenWriter(ctx, pid)
			if err != nil {
				if errors.Is(err, objectstore.ErrLocked) {
					locked.Add(1)
				}
				return
			}
			winners.Add(1)
			mu.Lock()
			held = append(held, w)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(7), locked.Load())
	for _, w := range held {
		require.NoError(t, f.coord.Release(ctx, w))
	}
}

func TestOpenWriter_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.OpenWriter(ctx, "demo:404")
	assert.Equal(t, objectstore.KindNotFound, objectstore.KindOf(err))
	assert.False(t, f.coord.Locked("demo:404"), "a failed open keeps no lock")

	_, err = f.coord.OpenWriter(ctx, "no-colon")
	assert.Equal(t, objectstore.KindInvalidState, objectstore.KindOf(err))

	_, err = f.coord.OpenReader(ctx, "demo:")
	assert.Equal(t, objectstore.KindInvalidState, objectstore.KindOf(err))
}

func TestOpenReader_CacheTracksCommits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	r1, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	r2, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, f.cache.Len())

	f.modify(t, pid, func(w *objectstore.Writer) {
		require.NoError(t, w.SetLabel("Changed"))
	})

	r3, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	assert.NotSame(t, r1, r3)
	assert.Equal(t, "Changed", r3.Label())
	assert.Equal(t, "Original", r1.Label(), "existing readers keep their snapshot")
}

// racingCache runs commit once, between the load of a reader and its
// insertion into the cache.
type racingCache struct {
	*readercache.Cache
	commit func()
}

func (c *racingCache) PutIfCurrent(pid string, r *objectstore.Reader, gen uint64) bool {
	if c.commit != nil {
		commit := c.commit
		c.commit = nil
		commit()
	}
	return c.Cache.PutIfCurrent(pid, r, gen)
}

func TestOpenReader_CommitDuringLoadIsNotCached(t *testing.T) {
	ctx := context.Background()
	inner, err := readercache.New(readercache.Config{Size: 16, MaxAge: time.Hour, SweepInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	cache := &racingCache{Cache: inner}
	f := newFixture(t, objectstore.WithReaderCache(cache))
	pid := f.ingest(t, sampleObject())

	cache.commit = func() {
		f.modify(t, pid, func(w *objectstore.Writer) {
			require.NoError(t, w.SetLabel("Changed"))
		})
	}
	stale, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "Original", stale.Label())
	assert.Equal(t, 0, inner.Len(), "a reader loaded before the commit is not cached")

	r, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, "Changed", r.Label())
	assert.Equal(t, 1, inner.Len())
}

func TestOpenReader_Integrity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.objects.Put(ctx, "demo:9", strings.NewReader("{")))
	_, err := f.coord.OpenReader(ctx, "demo:9")
	assert.True(t, errors.Is(err, objectstore.ErrIntegrity), "got %v", err)
	assert.Equal(t, objectstore.KindIntegrity, objectstore.KindOf(err))

	other := objectstore.NewDigitalObject("demo:8")
	other.State = objectstore.StateActive
	require.NoError(t, f.objects.Put(ctx, "demo:7", encode(t, other, codec.FormatJSON)))
	_, err = f.coord.OpenReader(ctx, "demo:7")
	assert.True(t, errors.Is(err, objectstore.ErrIntegrity), "got %v", err)
}

func TestRelease_UnregistersUncommittedIngest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w, err := f.coord.OpenIngestWriter(ctx, encode(t, sampleObject(), codec.FormatJSON), codec.FormatJSON, false)
	require.NoError(t, err)
	pid := w.PID()

	exists, err := f.reg.Exists(ctx, pid)
	require.NoError(t, err)
	assert.True(t, exists, "ingest registers the identifier up front")

	_, err = f.coord.OpenIngestWriter(ctx, encode(t, sampleObject(), codec.FormatJSON), codec.FormatJSON, false)
	assert.Equal(t, objectstore.KindLocked, objectstore.KindOf(err))

	require.NoError(t, f.coord.Release(ctx, w))
	exists, err = f.reg.Exists(ctx, pid)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.False(t, f.coord.Locked(pid))
	assert.Empty(t, f.objects.Tokens())
	assert.Empty(t, f.content.Tokens())
}

func TestWriter_ClosedAfterCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	defer f.coord.Release(ctx, w)
	require.NoError(t, w.SetLabel("Once"))
	_, err = f.coord.Commit(ctx, w, "", false)
	require.NoError(t, err)
	assert.False(t, w.IsOpen())

	err = w.SetLabel("Twice")
	assert.True(t, errors.Is(err, objectstore.ErrSessionClosed))
	_, err = f.coord.Commit(ctx, w, "", false)
	assert.Equal(t, objectstore.KindInvalidState, objectstore.KindOf(err))
}

func TestLockTable(t *testing.T) {
	lt := objectstore.NewLockTable()
	assert.True(t, lt.Acquire("demo:1"))
	assert.False(t, lt.Acquire("demo:1"))
	assert.True(t, lt.Acquire("demo:2"))
	assert.True(t, lt.Held("demo:1"))
	assert.Equal(t, 2, lt.Len())

	lt.Release("demo:1")
	lt.Release("demo:1")
	assert.False(t, lt.Held("demo:1"))
	assert.Equal(t, 1, lt.Len())
}

func TestLockTable_Shared(t *testing.T) {
	ctx := context.Background()
	locks := objectstore.NewLockTable()
	f := newFixture(t, objectstore.WithLockTable(locks))
	pid := f.ingest(t, sampleObject())

	require.True(t, locks.Acquire(pid))
	_, err := f.coord.OpenWriter(ctx, pid)
	assert.True(t, errors.Is(err, objectstore.ErrLocked))
	locks.Release(pid)
}
