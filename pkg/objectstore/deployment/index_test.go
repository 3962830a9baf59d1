package deployment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/deployment"
	"github.com/tendant/simple-objectstore/pkg/objectstore/registry/memory"
)

var (
	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sc = objectstore.ServiceContext{ContentModel: "demo:cm", ServiceDefinition: "demo:sdef"}
)

func rebind(t *testing.T, reg *memory.Registry, idx *deployment.Index, id string, at time.Time, contexts ...objectstore.ServiceContext) {
	t.Helper()
	var apply func()
	err := reg.Update(context.Background(), func(tx objectstore.RegistryTx) error {
		var err error
		apply, err = idx.Rebind(context.Background(), tx, id, at, contexts)
		return err
	})
	require.NoError(t, err)
	if apply != nil {
		apply()
	}
}

func TestResolve_EarliestWins(t *testing.T) {
	reg := memory.New()
	idx := deployment.New(nil)

	_, ok := idx.Resolve(sc.ContentModel, sc.ServiceDefinition)
	assert.False(t, ok)

	rebind(t, reg, idx, "demo:late", t0.Add(time.Hour), sc)
	rebind(t, reg, idx, "demo:early", t0, sc)

	got, ok := idx.Resolve(sc.ContentModel, sc.ServiceDefinition)
	require.True(t, ok)
	assert.Equal(t, "demo:early", got)
}

func TestResolve_TieGoesToFirstSeen(t *testing.T) {
	reg := memory.New()
	idx := deployment.New(nil)

	rebind(t, reg, idx, "demo:first", t0, sc)
	rebind(t, reg, idx, "demo:second", t0, sc)

	got, ok := idx.Resolve(sc.ContentModel, sc.ServiceDefinition)
	require.True(t, ok)
	assert.Equal(t, "demo:first", got)
}

func TestRebind_RemovesStalePairs(t *testing.T) {
	reg := memory.New()
	idx := deployment.New(nil)
	other := objectstore.ServiceContext{ContentModel: "demo:cm2", ServiceDefinition: "demo:sdef"}

	rebind(t, reg, idx, "demo:dep", t0, sc, other)
	assert.Equal(t, []objectstore.ServiceContext{sc, other}, idx.Bindings("demo:dep"))

	rebind(t, reg, idx, "demo:dep", t0.Add(time.Minute), other)
	assert.Equal(t, []objectstore.ServiceContext{other}, idx.Bindings("demo:dep"))
	_, ok := idx.Resolve(sc.ContentModel, sc.ServiceDefinition)
	assert.False(t, ok)

	var stored []objectstore.DeploymentBinding
	require.NoError(t, reg.ListBindings(context.Background(), func(b objectstore.DeploymentBinding) error {
		stored = append(stored, b)
		return nil
	}))
	require.Len(t, stored, 1)
	assert.Equal(t, other, stored[0].Context)
	assert.True(t, stored[0].ModifiedAt.Equal(t0.Add(time.Minute)))

	rebind(t, reg, idx, "demo:dep", t0.Add(2*time.Minute))
	assert.Empty(t, idx.Bindings("demo:dep"))
}

func TestRebind_FailedTransactionLeavesIndex(t *testing.T) {
	reg := memory.New()
	idx := deployment.New(nil)
	rebind(t, reg, idx, "demo:dep", t0, sc)

	boom := errors.New("boom")
	var apply func()
	err := reg.Update(context.Background(), func(tx objectstore.RegistryTx) error {
		var err error
		apply, err = idx.Rebind(context.Background(), tx, "demo:dep", t0, nil)
		if err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NotNil(t, apply)

	got, ok := idx.Resolve(sc.ContentModel, sc.ServiceDefinition)
	require.True(t, ok)
	assert.Equal(t, "demo:dep", got)
}

func TestLoad_RebuildsFromRegistry(t *testing.T) {
	reg := memory.New()
	rebind(t, reg, deployment.New(nil), "demo:b", t0.Add(time.Second), sc)
	rebind(t, reg, deployment.New(nil), "demo:a", t0, sc)

	idx := deployment.New(nil)
	require.NoError(t, idx.Load(context.Background(), reg))

	got, ok := idx.Resolve(sc.ContentModel, sc.ServiceDefinition)
	require.True(t, ok)
	assert.Equal(t, "demo:a", got)
	assert.Equal(t, []objectstore.ServiceContext{sc}, idx.Bindings("demo:b"))
}
