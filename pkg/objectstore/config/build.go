package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/codec"
	"github.com/tendant/simple-objectstore/pkg/objectstore/deployment"
	"github.com/tendant/simple-objectstore/pkg/objectstore/fetch"
	"github.com/tendant/simple-objectstore/pkg/objectstore/pid"
	"github.com/tendant/simple-objectstore/pkg/objectstore/readercache"
	"github.com/tendant/simple-objectstore/pkg/objectstore/registry/memory"
	"github.com/tendant/simple-objectstore/pkg/objectstore/registry/postgres"
	"github.com/tendant/simple-objectstore/pkg/objectstore/registry/sqlite"
	badgerstorage "github.com/tendant/simple-objectstore/pkg/objectstore/storage/badger"
	fsstorage "github.com/tendant/simple-objectstore/pkg/objectstore/storage/fs"
	memorystorage "github.com/tendant/simple-objectstore/pkg/objectstore/storage/memory"
	s3storage "github.com/tendant/simple-objectstore/pkg/objectstore/storage/s3"
)

// Store is a registry that also keeps identifier counters and deployment
// bindings. Every registry backend implements it.
type Store interface {
	objectstore.Registry
	objectstore.CounterStore
	objectstore.BindingSource
}

// Runtime is a running Coordinator with the collaborators it was built from.
type Runtime struct {
	Coordinator *objectstore.Coordinator
	Registry    Store
	Cache       *readercache.Cache
	Index       *deployment.Index
	Generator   *pid.Generator

	closers []func() error
}

// Close stops the cache sweep and closes backends, last opened first.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Runtime) onClose(fn func() error) {
	r.closers = append(r.closers, fn)
}

// Build opens every backend named by the configuration and assembles a
// Coordinator. The deployment index is rebuilt from the registry before
// Build returns.
func (c *ServerConfig) Build(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{}
	if err := c.build(ctx, logger, rt); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (c *ServerConfig) build(ctx context.Context, logger *slog.Logger, rt *Runtime) error {
	store, err := c.buildRegistry(ctx, rt)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	rt.Registry = store

	objects, err := c.buildBlobStore(ctx, c.StorageURL, rt)
	if err != nil {
		return fmt.Errorf("failed to build storage backend: %w", err)
	}
	content := objects
	if c.ContentStorageURL != "" && c.ContentStorageURL != c.StorageURL {
		if content, err = c.buildBlobStore(ctx, c.ContentStorageURL, rt); err != nil {
			return fmt.Errorf("failed to build content storage backend: %w", err)
		}
	}

	rt.Generator, err = pid.New(ctx, store, pid.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to load pid counters: %w", err)
	}

	rt.Index = deployment.New(logger)
	if err := rt.Index.Load(ctx, store); err != nil {
		return fmt.Errorf("failed to load deployment bindings: %w", err)
	}

	rt.Cache, err = readercache.New(readercache.Config{
		Size:          c.CacheSize,
		MaxAge:        c.CacheMaxAge,
		SweepInterval: c.CacheSweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build reader cache: %w", err)
	}
	rt.onClose(rt.Cache.Close)

	var search objectstore.SearchIndex = objectstore.NewNoopSearchIndex()
	if c.SearchLogging {
		search = &objectstore.LoggingSearchIndex{Logger: logger}
	}

	options := []objectstore.Option{
		objectstore.WithRegistry(store),
		objectstore.WithBlobStore(objects),
		objectstore.WithContentStore(content),
		objectstore.WithTranslator(codec.New(), c.StorageFormat),
		objectstore.WithIdentifierGenerator(rt.Generator),
		objectstore.WithDeploymentIndex(rt.Index),
		objectstore.WithReaderCache(rt.Cache),
		objectstore.WithSearchIndex(search),
		objectstore.WithContentFetcher(fetch.New(fetch.WithFileAccess(c.AllowFileFetch), fetch.WithLogger(logger))),
		objectstore.WithNamespace(c.Namespace),
		objectstore.WithBaseURL(c.BaseURL),
		objectstore.WithLogger(logger),
	}
	if len(c.RetainedNamespaces) > 0 {
		options = append(options, objectstore.WithRetainedNamespaces(c.RetainedNamespaces...))
	}

	rt.Coordinator, err = objectstore.New(options...)
	return err
}

func (c *ServerConfig) buildRegistry(ctx context.Context, rt *Runtime) (Store, error) {
	kind, err := registryKind(c.RegistryURL)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "memory":
		return memory.New(), nil

	case "sqlite":
		r, err := sqlite.Open(ctx, c.RegistryURL[len("sqlite://"):])
		if err != nil {
			return nil, err
		}
		rt.onClose(r.Close)
		return r, nil

	case "postgres":
		cfg, err := pgxpool.ParseConfig(c.RegistryURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse registry url: %w", err)
		}
		if schema := c.DBSchema; schema != "" {
			cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
				_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
				return err
			}
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		rt.onClose(func() error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		r := postgres.NewWithPool(pool)
		if err := r.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
	return nil, fmt.Errorf("unsupported registry type: %s", kind)
}

func (c *ServerConfig) buildBlobStore(ctx context.Context, raw string, rt *Runtime) (objectstore.BlobStore, error) {
	loc, err := parseStorageURL(raw)
	if err != nil {
		return nil, err
	}
	switch loc.kind {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		return fsstorage.New(fsstorage.Config{BaseDir: loc.path})

	case "badger":
		b, err := badgerstorage.Open(badgerstorage.Config{Dir: loc.path, InMemory: loc.path == ""})
		if err != nil {
			return nil, err
		}
		rt.onClose(b.Close)
		return b, nil

	case "s3":
		q := loc.query
		return s3storage.New(ctx, s3storage.Config{
			Bucket:                 loc.path,
			Region:                 q.Get("region"),
			Prefix:                 q.Get("prefix"),
			Endpoint:               q.Get("endpoint"),
			UsePathStyle:           queryBool(q.Get("path_style")),
			AccessKeyID:            c.S3AccessKeyID,
			SecretAccessKey:        c.S3SecretAccessKey,
			EnableSSE:              q.Get("sse") != "",
			SSEAlgorithm:           q.Get("sse"),
			SSEKMSKeyID:            q.Get("kms_key_id"),
			CreateBucketIfNotExist: queryBool(q.Get("create_bucket")),
		})
	}
	return nil, fmt.Errorf("unsupported storage backend type: %s", loc.kind)
}

func queryBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
