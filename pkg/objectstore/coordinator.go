package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore/metrics"
)

// DefaultNamespace is the namespace generated identifiers use unless
// configured otherwise.
const DefaultNamespace = "changeme"

// Coordinator mediates every access to stored objects. It hands out reader
// and writer sessions, owns the lock table and runs the commit pipeline.
type Coordinator struct {
	registry   Registry
	objects    BlobStore
	content    BlobStore
	translator Translator
	format     string
	ids        IdentifierGenerator
	index      DeploymentIndex
	cache      ReaderCache
	search     SearchIndex
	fetcher    ContentFetcher
	spool      ContentSpool
	namespace  string
	retain     map[string]bool
	logger     *slog.Logger
	now        func() time.Time

	locks *LockTable
	env   *sessionEnv
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRegistry sets the object registry.
func WithRegistry(r Registry) Option {
	return func(c *Coordinator) {
		c.registry = r
	}
}

// WithBlobStore sets the store for serialized objects. It also holds managed
// content unless WithContentStore is given.
func WithBlobStore(store BlobStore) Option {
	return func(c *Coordinator) {
		c.objects = store
	}
}

// WithContentStore sets a separate store for managed datastream content.
func WithContentStore(store BlobStore) Option {
	return func(c *Coordinator) {
		c.content = store
	}
}

// WithTranslator sets the translator and the format objects are stored in.
func WithTranslator(t Translator, storageFormat string) Option {
	return func(c *Coordinator) {
		c.translator = t
		c.format = storageFormat
	}
}

// WithIdentifierGenerator sets the identifier generator.
func WithIdentifierGenerator(g IdentifierGenerator) Option {
	return func(c *Coordinator) {
		c.ids = g
	}
}

// WithDeploymentIndex sets the content-model deployment index.
func WithDeploymentIndex(idx DeploymentIndex) Option {
	return func(c *Coordinator) {
		c.index = idx
	}
}

// WithReaderCache sets the reader cache.
func WithReaderCache(cache ReaderCache) Option {
	return func(c *Coordinator) {
		c.cache = cache
	}
}

// WithSearchIndex sets the search index notified after commits.
func WithSearchIndex(idx SearchIndex) Option {
	return func(c *Coordinator) {
		c.search = idx
	}
}

// WithContentFetcher sets the fetcher for URL content.
func WithContentFetcher(f ContentFetcher) Option {
	return func(c *Coordinator) {
		c.fetcher = f
	}
}

// WithContentSpool sets the spool for uploaded and temporary content.
func WithContentSpool(s ContentSpool) Option {
	return func(c *Coordinator) {
		c.spool = s
	}
}

// WithNamespace sets the namespace of generated identifiers.
func WithNamespace(ns string) Option {
	return func(c *Coordinator) {
		c.namespace = ns
	}
}

// WithRetainedNamespaces limits which supplied identifiers are kept on
// ingest. Objects submitted with an identifier in any other namespace get a
// generated one. The pattern "*" retains every namespace.
func WithRetainedNamespaces(namespaces ...string) Option {
	return func(c *Coordinator) {
		c.retain = make(map[string]bool, len(namespaces))
		for _, ns := range namespaces {
			c.retain[ns] = true
		}
	}
}

// WithLockTable sets the lock table shared by writer sessions.
func WithLockTable(t *LockTable) Option {
	return func(c *Coordinator) {
		c.locks = t
	}
}

// WithBaseURL sets the URL prefix of public content references.
func WithBaseURL(u string) Option {
	return func(c *Coordinator) {
		c.env.baseURL = u
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a Coordinator with the given options.
func New(options ...Option) (*Coordinator, error) {
	c := &Coordinator{
		namespace: DefaultNamespace,
		now:       time.Now,
		env:       &sessionEnv{},
	}

	for _, option := range options {
		option(c)
	}

	if c.registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if c.objects == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if c.translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if err := ValidateNamespace(c.namespace); err != nil {
		return nil, fmt.Errorf("namespace: %w", err)
	}
	if c.locks == nil {
		c.locks = NewLockTable()
	}
	if c.content == nil {
		c.content = c.objects
	}
	if c.search == nil {
		c.search = NewNoopSearchIndex()
	}
	if c.spool == nil {
		c.spool = NewMemorySpool()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	c.env.content = c.content
	c.env.fetcher = c.fetcher
	c.env.spool = c.spool
	c.env.translator = c.translator
	return c, nil
}

// Namespace returns the namespace of generated identifiers.
func (c *Coordinator) Namespace() string {
	return c.namespace
}

// Locked reports whether a writer currently holds pid.
func (c *Coordinator) Locked(pid string) bool {
	return c.locks.Held(pid)
}

// OpenReader returns a read-only session over the committed state of pid.
func (c *Coordinator) OpenReader(ctx context.Context, pid string) (*Reader, error) {
	if err := ValidatePID(pid); err != nil {
		return nil, err
	}
	if c.cache != nil {
		if r, ok := c.cache.Get(pid); ok {
			return r, nil
		}
	}

	var gen uint64
	if c.cache != nil {
		gen = c.cache.Generation()
	}
	obj, err := c.load(ctx, pid)
	if err != nil {
		return nil, err
	}
	r := newReader(obj, c.env)
	if c.cache != nil && !c.cache.PutIfCurrent(pid, r, gen) {
		c.logger.Debug("reader not cached, object changed during load", "pid", pid)
	}
	return r, nil
}

// OpenWriter checks out pid for modification. It fails with ErrLocked if
// another writer holds it. The caller must Release the writer.
func (c *Coordinator) OpenWriter(ctx context.Context, pid string) (*Writer, error) {
	if err := ValidatePID(pid); err != nil {
		return nil, err
	}
	if !c.locks.Acquire(pid) {
		return nil, &ObjectError{PID: pid, Op: "open_writer", Err: ErrLocked}
	}

	obj, err := c.load(ctx, pid)
	if err != nil {
		c.locks.Release(pid)
		return nil, err
	}
	c.logger.Debug("writer opened", "pid", pid)
	return newWriter(obj, c.env, PrincipalFrom(ctx), c.now), nil
}

// Release ends a writer session and frees its lock. Releasing an ingest
// session that never committed unregisters the identifier it claimed.
// Releasing twice is a no-op.
func (c *Coordinator) Release(ctx context.Context, w *Writer) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return nil
	}
	w.released = true
	unregister := w.registered && w.state != writerCommitted
	w.registered = false
	w.mu.Unlock()

	pid := w.obj.PID
	defer c.locks.Release(pid)
	w.invalidate(false)

	if unregister {
		if err := c.registry.Unregister(ctx, pid); err != nil && !errors.Is(err, ErrNotFound) {
			c.logger.Error("failed to unregister uncommitted object", "pid", pid, "err", err)
			return &ObjectError{PID: pid, Op: "release", Err: err}
		}
	}
	c.logger.Debug("writer released", "pid", pid)
	return nil
}

// Resolve returns the deployment bound to a content model and service
// definition.
func (c *Coordinator) Resolve(contentModel, serviceDefinition string) (string, bool) {
	if c.index == nil {
		return "", false
	}
	return c.index.Resolve(contentModel, serviceDefinition)
}

// load reads and validates the committed state of pid.
func (c *Coordinator) load(ctx context.Context, pid string) (*DigitalObject, error) {
	rc, err := c.objects.Get(ctx, pid)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, &ObjectError{PID: pid, Op: "load", Err: ErrObjectNotFound}
		}
		return nil, &ObjectError{PID: pid, Op: "load", Err: DeviceError("objects", "get", pid, err)}
	}
	defer rc.Close()

	obj, err := c.translator.Deserialize(ctx, rc, c.format, ContextStorage)
	if err != nil {
		return nil, &ObjectError{PID: pid, Op: "load", Err: fmt.Errorf("%w: %v", ErrIntegrity, err)}
	}
	if obj.PID != pid {
		return nil, &ObjectError{PID: pid, Op: "load", Err: integrityf("stored object carries identifier %q", obj.PID)}
	}
	if err := checkIntegrity(obj); err != nil {
		return nil, &ObjectError{PID: pid, Op: "load", Err: err}
	}
	obj.New = false
	return obj, nil
}

// checkIntegrity verifies that a stored object is structurally sound.
func checkIntegrity(obj *DigitalObject) error {
	if !obj.State.Valid() {
		return integrityf("object state %q", obj.State)
	}
	for id, versions := range obj.Datastreams {
		if len(versions) == 0 {
			continue
		}
		if err := ValidateDatastreamID(id); err != nil {
			return integrityf("datastream id %q", id)
		}
		seen := make(map[string]bool, len(versions))
		for _, v := range versions {
			if v.DatastreamID != id {
				return integrityf("version %s filed under datastream %s", v.VersionID, id)
			}
			if v.VersionID == "" || seen[v.VersionID] {
				return integrityf("datastream %s has a missing or repeated version id %q", id, v.VersionID)
			}
			seen[v.VersionID] = true
			if !v.ControlGroup.Valid() {
				return integrityf("datastream %s control group %q", id, v.ControlGroup)
			}
		}
	}
	return nil
}

// invalidate drops every cached reader for pid.
func (c *Coordinator) invalidate(pid string) {
	if c.cache != nil {
		c.cache.Remove(pid)
	}
}

// commitTime returns a millisecond timestamp strictly after obj's last
// modification.
func (c *Coordinator) commitTime(obj *DigitalObject) time.Time {
	now := c.now().UTC().Truncate(time.Millisecond)
	if !obj.ModifiedAt.IsZero() && !now.After(obj.ModifiedAt) {
		now = obj.ModifiedAt.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return now
}

// serialize renders obj in the storage format.
func (c *Coordinator) serialize(ctx context.Context, obj *DigitalObject) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.translator.Serialize(ctx, &buf, obj, c.format, ContextStorage); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func observe(kind, outcome string, started time.Time) {
	metrics.Commits.WithLabelValues(kind, outcome).Inc()
	metrics.CommitDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
