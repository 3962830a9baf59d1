// Package deployment keeps the in-memory index from (content model, service
// definition) pairs to the service deployments bound to them.
package deployment

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/metrics"
)

type binding struct {
	deploymentID string
	modifiedAt   time.Time
	seq          int64
}

// Index implements objectstore.DeploymentIndex. The index mirrors the
// registry binding table; only apply functions returned by Rebind change it
// after Load.
type Index struct {
	mu           sync.RWMutex
	contexts     map[objectstore.ServiceContext][]*binding
	byDeployment map[string]map[objectstore.ServiceContext]*binding
	seq          int64
	logger       *slog.Logger
}

var _ objectstore.DeploymentIndex = (*Index)(nil)

// New creates an empty index.
func New(logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		contexts:     make(map[objectstore.ServiceContext][]*binding),
		byDeployment: make(map[string]map[objectstore.ServiceContext]*binding),
		logger:       logger,
	}
}

// Load replaces the index content with every binding in src.
func (idx *Index) Load(ctx context.Context, src objectstore.BindingSource) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.contexts = make(map[objectstore.ServiceContext][]*binding)
	idx.byDeployment = make(map[string]map[objectstore.ServiceContext]*binding)
	err := src.ListBindings(ctx, func(b objectstore.DeploymentBinding) error {
		idx.put(b.DeploymentID, b.Context, b.ModifiedAt)
		return nil
	})
	if err != nil {
		return objectstore.DeviceError("registry", "list_bindings", "", err)
	}
	idx.updateGauge()
	idx.logger.Info("deployment index loaded", "contexts", len(idx.contexts), "deployments", len(idx.byDeployment))
	return nil
}

// Resolve returns the deployment bound to the pair with the earliest
// modification time. Ties go to the binding seen first.
func (idx *Index) Resolve(contentModel, serviceDefinition string) (string, bool) {
	sc := objectstore.ServiceContext{ContentModel: contentModel, ServiceDefinition: serviceDefinition}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	list := idx.contexts[sc]
	if len(list) == 0 {
		return "", false
	}
	best := list[0]
	for _, b := range list[1:] {
		if b.modifiedAt.Before(best.modifiedAt) || (b.modifiedAt.Equal(best.modifiedAt) && b.seq < best.seq) {
			best = b
		}
	}
	if len(list) > 1 {
		ids := make([]string, len(list))
		for i, b := range list {
			ids[i] = b.deploymentID
		}
		idx.logger.Warn("multiple deployments bound to one context",
			"content_model", contentModel,
			"service_definition", serviceDefinition,
			"deployments", ids,
			"chosen", best.deploymentID)
	}
	return best.deploymentID, true
}

// Bindings returns the contexts deploymentID is bound to, sorted.
func (idx *Index) Bindings(deploymentID string) []objectstore.ServiceContext {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]objectstore.ServiceContext, 0, len(idx.byDeployment[deploymentID]))
	for sc := range idx.byDeployment[deploymentID] {
		out = append(out, sc)
	}
	sortContexts(out)
	return out
}

// Rebind writes the difference between the recorded bindings of deploymentID
// and contexts to tx. The returned function applies the same change to the
// index and must be called only once tx has committed.
func (idx *Index) Rebind(ctx context.Context, tx objectstore.RegistryTx, deploymentID string, modifiedAt time.Time, contexts []objectstore.ServiceContext) (func(), error) {
	want := make(map[objectstore.ServiceContext]bool, len(contexts))
	for _, sc := range contexts {
		want[sc] = true
	}

	idx.mu.RLock()
	var stale []objectstore.ServiceContext
	for sc := range idx.byDeployment[deploymentID] {
		if !want[sc] {
			stale = append(stale, sc)
		}
	}
	idx.mu.RUnlock()
	if len(stale) == 0 && len(want) == 0 {
		return nil, nil
	}

	sortContexts(stale)
	current := make([]objectstore.ServiceContext, 0, len(want))
	for sc := range want {
		current = append(current, sc)
	}
	sortContexts(current)

	for _, sc := range stale {
		if err := tx.DeleteBinding(ctx, deploymentID, sc); err != nil {
			return nil, err
		}
	}
	for _, sc := range current {
		err := tx.PutBinding(ctx, objectstore.DeploymentBinding{Context: sc, DeploymentID: deploymentID, ModifiedAt: modifiedAt})
		if err != nil {
			return nil, err
		}
	}

	return func() {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		for _, sc := range stale {
			idx.remove(deploymentID, sc)
		}
		for _, sc := range current {
			idx.put(deploymentID, sc, modifiedAt)
		}
		idx.updateGauge()
		idx.logger.Debug("deployment rebound", "deployment", deploymentID, "contexts", len(current), "removed", len(stale))
	}, nil
}

// put adds or refreshes a binding. idx.mu must be held.
func (idx *Index) put(deploymentID string, sc objectstore.ServiceContext, modifiedAt time.Time) {
	byCtx := idx.byDeployment[deploymentID]
	if byCtx == nil {
		byCtx = make(map[objectstore.ServiceContext]*binding)
		idx.byDeployment[deploymentID] = byCtx
	}
	if b, ok := byCtx[sc]; ok {
		b.modifiedAt = modifiedAt
		return
	}
	idx.seq++
	b := &binding{deploymentID: deploymentID, modifiedAt: modifiedAt, seq: idx.seq}
	byCtx[sc] = b
	idx.contexts[sc] = append(idx.contexts[sc], b)
}

// remove drops a binding. idx.mu must be held.
func (idx *Index) remove(deploymentID string, sc objectstore.ServiceContext) {
	byCtx := idx.byDeployment[deploymentID]
	b, ok := byCtx[sc]
	if !ok {
		return
	}
	delete(byCtx, sc)
	if len(byCtx) == 0 {
		delete(idx.byDeployment, deploymentID)
	}

	list := idx.contexts[sc]
	for i, other := range list {
		if other == b {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(idx.contexts, sc)
	} else {
		idx.contexts[sc] = list
	}
}

func (idx *Index) updateGauge() {
	n := 0
	for _, list := range idx.contexts {
		n += len(list)
	}
	metrics.DeploymentBindings.Set(float64(n))
}

func sortContexts(list []objectstore.ServiceContext) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ContentModel != list[j].ContentModel {
			return list[i].ContentModel < list[j].ContentModel
		}
		return list[i].ServiceDefinition < list[j].ServiceDefinition
	})
}
