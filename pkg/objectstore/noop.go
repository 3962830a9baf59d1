package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// NoopSearchIndex is a no-operation implementation of SearchIndex
type NoopSearchIndex struct{}

// NewNoopSearchIndex creates a new no-operation search index
func NewNoopSearchIndex() SearchIndex {
	return &NoopSearchIndex{}
}

// Update does nothing and returns nil
func (n *NoopSearchIndex) Update(ctx context.Context, r *Reader) error {
	return nil
}

// Delete does nothing and returns nil
func (n *NoopSearchIndex) Delete(ctx context.Context, pid string) error {
	return nil
}

// LoggingSearchIndex logs every change it receives at debug level.
type LoggingSearchIndex struct {
	Logger *slog.Logger
}

// Update logs the updated object
func (l *LoggingSearchIndex) Update(ctx context.Context, r *Reader) error {
	l.logger().DebugContext(ctx, "search index update", "pid", r.PID(), "modified", r.ModifiedAt())
	return nil
}

// Delete logs the removed object
func (l *LoggingSearchIndex) Delete(ctx context.Context, pid string) error {
	l.logger().DebugContext(ctx, "search index delete", "pid", pid)
	return nil
}

func (l *LoggingSearchIndex) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

// Spool location schemes.
const (
	UploadedScheme = "uploaded://"
	TempScheme     = "temp://"
	CopyScheme     = "copy://"
)

// MemorySpool is an in-memory ContentSpool for uploads staged before commit.
type MemorySpool struct {
	mu      sync.Mutex
	content map[string][]byte
}

// NewMemorySpool creates an empty spool.
func NewMemorySpool() *MemorySpool {
	return &MemorySpool{content: make(map[string][]byte)}
}

// Upload stages r and returns the uploaded:// location to reference it by.
func (s *MemorySpool) Upload(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	location := UploadedScheme + uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.content[location] = data
	return location, nil
}

// Open returns spooled content.
func (s *MemorySpool) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, UploadedScheme) && !strings.HasPrefix(location, TempScheme) {
		return nil, validationf("%q is not a spool location", location)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.content[location]
	if !ok {
		return nil, fmt.Errorf("spooled content %s: %w", location, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Discard forgets spooled content.
func (s *MemorySpool) Discard(ctx context.Context, location string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.content, location)
	return nil
}

type principalKey struct{}

// DefaultPrincipal is used when a context carries no principal.
const DefaultPrincipal = "system"

// WithPrincipal returns a context carrying the acting principal.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the principal carried by ctx.
func PrincipalFrom(ctx context.Context) string {
	if p, ok := ctx.Value(principalKey{}).(string); ok && p != "" {
		return p
	}
	return DefaultPrincipal
}
