package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Environment variable mapping:
//
//	PORT, ENVIRONMENT         - server settings
//	REGISTRY_URL              - "memory", "postgres://..." or "sqlite://path"
//	DB_SCHEMA                 - Postgres search_path
//	STORAGE_URL               - "memory://", "file:///path", "s3://bucket?region=...", "badger:///path"
//	CONTENT_STORAGE_URL       - separate store for managed content
//	STORAGE_FORMAT            - "json" or "xml"
//	PID_NAMESPACE             - namespace for generated PIDs
//	RETAIN_PID_NAMESPACES     - comma separated; "*" keeps every supplied PID
//	READER_CACHE_SIZE         - maximum cached readers
//	READER_CACHE_MAX_AGE      - idle age before eviction, e.g. "10s"
//	READER_CACHE_SWEEP        - sweep interval, e.g. "1s"
//	BASE_URL                  - public URL prefix for exports
//	SEARCH_LOGGING            - log search index changes
//	ALLOW_FILE_FETCH          - permit file:// content locations
//
// S3 credentials come from AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY.
func WithEnv(prefix string) Option {
	return func(c *ServerConfig) error {
		setString(prefix, "PORT", &c.Port)
		setString(prefix, "ENVIRONMENT", &c.Environment)
		setString(prefix, "REGISTRY_URL", &c.RegistryURL)
		setString(prefix, "DB_SCHEMA", &c.DBSchema)
		setString(prefix, "STORAGE_URL", &c.StorageURL)
		setString(prefix, "CONTENT_STORAGE_URL", &c.ContentStorageURL)
		setString(prefix, "STORAGE_FORMAT", &c.StorageFormat)
		setString(prefix, "PID_NAMESPACE", &c.Namespace)
		setString(prefix, "BASE_URL", &c.BaseURL)

		if v, ok := lookupEnv(prefix, "RETAIN_PID_NAMESPACES"); ok && v != "" {
			c.RetainedNamespaces = nil
			for _, ns := range strings.Split(v, ",") {
				if ns = strings.TrimSpace(ns); ns != "" {
					c.RetainedNamespaces = append(c.RetainedNamespaces, ns)
				}
			}
		}

		if n, ok, err := parseIntEnv(prefix, "READER_CACHE_SIZE"); err != nil {
			return err
		} else if ok {
			c.CacheSize = n
		}
		if d, ok, err := parseDurationEnv(prefix, "READER_CACHE_MAX_AGE"); err != nil {
			return err
		} else if ok {
			c.CacheMaxAge = d
		}
		if d, ok, err := parseDurationEnv(prefix, "READER_CACHE_SWEEP"); err != nil {
			return err
		} else if ok {
			c.CacheSweepInterval = d
		}
		if b, ok, err := parseBoolEnv(prefix, "SEARCH_LOGGING"); err != nil {
			return err
		} else if ok {
			c.SearchLogging = b
		}
		if b, ok, err := parseBoolEnv(prefix, "ALLOW_FILE_FETCH"); err != nil {
			return err
		} else if ok {
			c.AllowFileFetch = b
		}

		if v, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && v != "" {
			c.S3AccessKeyID = v
		}
		if v, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && v != "" {
			c.S3SecretAccessKey = v
		}
		return nil
	}
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func setString(prefix, key string, dst *string) {
	if v, ok := lookupEnv(prefix, key); ok && v != "" {
		*dst = v
	}
}

func parseBoolEnv(prefix, key string) (bool, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("invalid boolean for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func parseIntEnv(prefix, key string) (int, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func parseDurationEnv(prefix, key string) (time.Duration, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid duration for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}
