package config

import (
	"fmt"
	"time"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithEnvironment sets the environment (development, production, testing)
func WithEnvironment(env string) Option {
	return func(c *ServerConfig) error {
		if env == "" {
			return fmt.Errorf("environment cannot be empty")
		}
		c.Environment = env
		return nil
	}
}

// WithRegistry sets the registry url.
func WithRegistry(url string) Option {
	return func(c *ServerConfig) error {
		if _, err := registryKind(url); err != nil {
			return err
		}
		c.RegistryURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

// WithStorage sets the blob store url for serialized objects.
func WithStorage(url string) Option {
	return func(c *ServerConfig) error {
		if _, err := parseStorageURL(url); err != nil {
			return err
		}
		c.StorageURL = url
		return nil
	}
}

// WithContentStorage keeps managed content in a separate blob store.
func WithContentStorage(url string) Option {
	return func(c *ServerConfig) error {
		if _, err := parseStorageURL(url); err != nil {
			return err
		}
		c.ContentStorageURL = url
		return nil
	}
}

// WithStorageFormat sets the codec format for stored objects.
func WithStorageFormat(format string) Option {
	return func(c *ServerConfig) error {
		c.StorageFormat = format
		return nil
	}
}

// WithNamespace sets the namespace for generated PIDs.
func WithNamespace(ns string) Option {
	return func(c *ServerConfig) error {
		if ns == "" {
			return fmt.Errorf("pid namespace cannot be empty")
		}
		c.Namespace = ns
		return nil
	}
}

// WithRetainedNamespaces sets the namespaces whose supplied PIDs ingest keeps.
func WithRetainedNamespaces(namespaces ...string) Option {
	return func(c *ServerConfig) error {
		c.RetainedNamespaces = append([]string(nil), namespaces...)
		return nil
	}
}

// WithReaderCache configures the reader cache.
func WithReaderCache(size int, maxAge, sweep time.Duration) Option {
	return func(c *ServerConfig) error {
		if size <= 0 {
			return fmt.Errorf("reader cache size must be positive, got: %d", size)
		}
		c.CacheSize = size
		if maxAge > 0 {
			c.CacheMaxAge = maxAge
		}
		if sweep > 0 {
			c.CacheSweepInterval = sweep
		}
		return nil
	}
}

// WithBaseURL sets the public URL prefix used by public exports.
func WithBaseURL(u string) Option {
	return func(c *ServerConfig) error {
		c.BaseURL = u
		return nil
	}
}

// WithSearchLogging enables logging of search index changes.
func WithSearchLogging(enabled bool) Option {
	return func(c *ServerConfig) error {
		c.SearchLogging = enabled
		return nil
	}
}

// WithFileFetch permits file:// content locations.
func WithFileFetch(allowed bool) Option {
	return func(c *ServerConfig) error {
		c.AllowFileFetch = allowed
		return nil
	}
}
