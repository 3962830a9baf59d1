// Package config builds a Coordinator and its collaborators from server
// configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/codec"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	return ServerConfig{
		Port:               "8080",
		Environment:        "development",
		RegistryURL:        "memory",
		DBSchema:           "",
		StorageURL:         "memory://",
		StorageFormat:      codec.FormatJSON,
		Namespace:          objectstore.DefaultNamespace,
		CacheSize:          1000,
		CacheMaxAge:        10 * time.Second,
		CacheSweepInterval: time.Second,
	}
}

// ServerConfig represents server configuration for the object store
type ServerConfig struct {
	Port        string
	Environment string // development, production, testing

	// RegistryURL selects the registry: "memory", "postgres://..." or
	// "sqlite://path" ("sqlite://:memory:" for a private in-memory database).
	RegistryURL string
	DBSchema    string // Postgres schema to use; empty keeps the server default

	// StorageURL selects the blob store holding serialized objects:
	// "memory://", "file:///path", "s3://bucket?region=&endpoint=" or
	// "badger:///path" ("badger://memory" for in-memory).
	StorageURL string

	// ContentStorageURL optionally keeps managed content apart from
	// serialized objects. Empty shares StorageURL.
	ContentStorageURL string

	StorageFormat string // codec format used for stored objects

	// Static S3 credentials; empty uses the SDK's default chain.
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Identifier settings
	Namespace          string
	RetainedNamespaces []string // ingest keeps supplied PIDs in these; empty keeps all

	// Reader cache
	CacheSize          int
	CacheMaxAge        time.Duration
	CacheSweepInterval time.Duration

	BaseURL        string // public URL prefix used by public exports
	SearchLogging  bool   // log search index updates
	AllowFileFetch bool   // permit file:// content locations
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if _, err := registryKind(c.RegistryURL); err != nil {
		return err
	}
	if _, err := parseStorageURL(c.StorageURL); err != nil {
		return err
	}
	if c.ContentStorageURL != "" {
		if _, err := parseStorageURL(c.ContentStorageURL); err != nil {
			return fmt.Errorf("content storage: %w", err)
		}
	}
	if c.StorageFormat != codec.FormatJSON && c.StorageFormat != codec.FormatXML {
		return fmt.Errorf("storage_format must be %q or %q", codec.FormatJSON, codec.FormatXML)
	}
	if err := objectstore.ValidateNamespace(c.Namespace); err != nil {
		return fmt.Errorf("pid namespace: %w", err)
	}
	for _, ns := range c.RetainedNamespaces {
		if ns == "*" {
			continue
		}
		if err := objectstore.ValidateNamespace(ns); err != nil {
			return fmt.Errorf("retained pid namespace: %w", err)
		}
	}
	if c.CacheSize <= 0 {
		return errors.New("reader cache size must be positive")
	}
	if c.CacheMaxAge <= 0 || c.CacheSweepInterval <= 0 {
		return errors.New("reader cache max age and sweep interval must be positive")
	}
	if c.BaseURL != "" {
		if _, err := url.Parse(c.BaseURL); err != nil {
			return fmt.Errorf("invalid base url: %w", err)
		}
	}
	return nil
}

func registryKind(raw string) (string, error) {
	switch {
	case raw == "" || raw == "memory":
		return "memory", nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", nil
	case strings.HasPrefix(raw, "sqlite://"):
		if strings.TrimPrefix(raw, "sqlite://") == "" {
			return "", errors.New("sqlite path cannot be empty in registry url")
		}
		return "sqlite", nil
	}
	return "", fmt.Errorf("unsupported registry url: %s (use 'memory', 'postgres://...' or 'sqlite://...')", raw)
}

// storageLocation is a parsed storage URL.
type storageLocation struct {
	kind  string // memory, fs, s3, badger
	path  string
	query url.Values
}

func parseStorageURL(raw string) (storageLocation, error) {
	if raw == "" || raw == "memory" || raw == "memory://" {
		return storageLocation{kind: "memory"}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return storageLocation{}, fmt.Errorf("invalid storage url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "file":
		path := strings.TrimPrefix(raw, "file://")
		if path == "" {
			return storageLocation{}, errors.New("filesystem path cannot be empty in storage url")
		}
		return storageLocation{kind: "fs", path: path}, nil
	case "s3":
		if u.Host == "" {
			return storageLocation{}, errors.New("S3 bucket name cannot be empty in storage url")
		}
		return storageLocation{kind: "s3", path: u.Host, query: u.Query()}, nil
	case "badger":
		path := strings.TrimPrefix(raw, "badger://")
		if path == "memory" {
			return storageLocation{kind: "badger"}, nil
		}
		if path == "" {
			return storageLocation{}, errors.New("badger path cannot be empty in storage url")
		}
		return storageLocation{kind: "badger", path: path}, nil
	}
	return storageLocation{}, fmt.Errorf("unsupported storage url: %s (use 'memory://', 'file://...', 's3://...' or 'badger://...')", raw)
}
