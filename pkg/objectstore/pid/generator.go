// Package pid issues object identifiers of the form namespace:N.
package pid

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/metrics"
)

// Generator keeps the highest numeric suffix issued or reserved per
// namespace. Marks are persisted before they are used, so a failed save
// leaves the in-memory mark unchanged.
type Generator struct {
	mu     sync.Mutex
	store  objectstore.CounterStore
	marks  map[string]int64
	last   string
	logger *slog.Logger
}

var _ objectstore.IdentifierGenerator = (*Generator)(nil)

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = l
	}
}

// New loads the persisted marks from store.
func New(ctx context.Context, store objectstore.CounterStore, options ...Option) (*Generator, error) {
	g := &Generator{store: store, logger: slog.Default()}
	for _, option := range options {
		option(g)
	}

	marks, err := store.LoadCounters(ctx)
	if err != nil {
		return nil, objectstore.DeviceError("counters", "load", "", err)
	}
	if marks == nil {
		marks = make(map[string]int64)
	}
	g.marks = marks
	g.logger.Info("identifier marks loaded", "namespaces", len(marks))
	return g, nil
}

// Generate returns the next identifier in namespace.
func (g *Generator) Generate(ctx context.Context, namespace string) (string, error) {
	if err := objectstore.ValidateNamespace(namespace); err != nil {
		return "", err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.marks[namespace] + 1
	if err := g.store.SaveCounter(ctx, namespace, next); err != nil {
		g.logger.Error("failed to persist identifier mark", "namespace", namespace, "mark", next, "err", err)
		return "", objectstore.DeviceError("counters", "save", namespace, err)
	}
	g.marks[namespace] = next
	g.last = fmt.Sprintf("%s:%d", namespace, next)
	metrics.IdentifiersIssued.WithLabelValues(namespace).Inc()
	g.logger.Debug("identifier issued", "pid", g.last)
	return g.last, nil
}

// Reserve raises the mark of pid's namespace to pid's numeric suffix so that
// it is never generated. Non-numeric suffixes are ignored.
func (g *Generator) Reserve(ctx context.Context, pid string) error {
	namespace, id, err := objectstore.SplitPID(pid)
	if err != nil {
		return err
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if n <= g.marks[namespace] {
		return nil
	}
	if err := g.store.SaveCounter(ctx, namespace, n); err != nil {
		return objectstore.DeviceError("counters", "save", namespace, err)
	}
	g.marks[namespace] = n
	g.logger.Debug("identifier reserved", "pid", pid)
	return nil
}

// LastIssued returns the most recently generated identifier since the
// generator was created.
func (g *Generator) LastIssued() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last, g.last != ""
}

// Mark returns the current high-water mark of namespace.
func (g *Generator) Mark(namespace string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.marks[namespace]
}
