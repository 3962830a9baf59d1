package objectstore_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/codec"
	"github.com/tendant/simple-objectstore/pkg/objectstore/deployment"
	"github.com/tendant/simple-objectstore/pkg/objectstore/pid"
	"github.com/tendant/simple-objectstore/pkg/objectstore/readercache"
	registrymemory "github.com/tendant/simple-objectstore/pkg/objectstore/registry/memory"
	storagememory "github.com/tendant/simple-objectstore/pkg/objectstore/storage/memory"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type fixture struct {
	coord   *objectstore.Coordinator
	reg     *registrymemory.Registry
	objects *storagememory.Backend
	content *storagememory.Backend
	index   *deployment.Index
	cache   *readercache.Cache
	ids     *pid.Generator
	clock   *testClock
}

// newFixture builds a coordinator on in-memory backends with namespace demo.
// Extra options are applied last.
func newFixture(t *testing.T, extra ...objectstore.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		reg:     registrymemory.New(),
		objects: storagememory.New(),
		content: storagememory.New(),
		index:   deployment.New(nil),
		clock:   &testClock{now: t0},
	}
	var err error
	f.ids, err = pid.New(ctx, f.reg)
	require.NoError(t, err)
	f.cache, err = readercache.New(readercache.Config{Size: 16, MaxAge: time.Hour, SweepInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { f.cache.Close() })

	options := []objectstore.Option{
		objectstore.WithRegistry(f.reg),
		objectstore.WithBlobStore(f.objects),
		objectstore.WithContentStore(f.content),
		objectstore.WithTranslator(codec.New(), codec.FormatJSON),
		objectstore.WithIdentifierGenerator(f.ids),
		objectstore.WithDeploymentIndex(f.index),
		objectstore.WithReaderCache(f.cache),
		objectstore.WithNamespace("demo"),
		objectstore.WithClock(f.clock.Now),
	}
	f.coord, err = objectstore.New(append(options, extra...)...)
	require.NoError(t, err)
	return f
}

func encode(t *testing.T, obj *objectstore.DigitalObject, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, codec.New().Serialize(context.Background(), &buf, obj, format, objectstore.ContextMigrate))
	return &buf
}

// ingest commits obj as a new object and returns its identifier.
func (f *fixture) ingest(t *testing.T, obj *objectstore.DigitalObject) string {
	t.Helper()
	ctx := context.Background()
	w, err := f.coord.OpenIngestWriter(ctx, encode(t, obj, codec.FormatJSON), codec.FormatJSON, false)
	require.NoError(t, err)
	defer f.coord.Release(ctx, w)
	_, err = f.coord.Commit(ctx, w, "ingest", false)
	require.NoError(t, err)
	return w.PID()
}

// modify opens a writer on pid, applies fn and commits.
func (f *fixture) modify(t *testing.T, pid string, fn func(w *objectstore.Writer)) time.Time {
	t.Helper()
	ctx := context.Background()
	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	defer f.coord.Release(ctx, w)
	fn(w)
	at, err := f.coord.Commit(ctx, w, "modify", false)
	require.NoError(t, err)
	return at
}

func managed(id, content string) *objectstore.DatastreamVersion {
	return &objectstore.DatastreamVersion{
		DatastreamID: id,
		MIMEType:     "text/plain",
		ControlGroup: objectstore.ControlGroupManaged,
		Versionable:  true,
		Content:      []byte(content),
	}
}

// sampleObject returns demo:1 with one managed datastream.
func sampleObject() *objectstore.DigitalObject {
	obj := objectstore.NewDigitalObject("demo:1")
	obj.Label = "Original"
	txt := managed("TXT", "v0")
	txt.VersionID = "TXT.0"
	txt.ChecksumType = objectstore.ChecksumSHA256
	obj.Datastreams["TXT"] = []*objectstore.DatastreamVersion{txt}
	return obj
}

type failingSearch struct {
	err error
}

func (s *failingSearch) Update(ctx context.Context, r *objectstore.Reader) error {
	return s.err
}

func (s *failingSearch) Delete(ctx context.Context, pid string) error {
	return nil
}
