// Package registrytest checks registry implementations against the common
// contract.
package registrytest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Store is a registry that also keeps identifier counters and deployment
// bindings.
type Store interface {
	objectstore.Registry
	objectstore.CounterStore
	objectstore.BindingSource
}

var errAbort = errors.New("abort")

// Entries exercises registration, lookup and versioning on an empty store.
func Entries(ctx context.Context, t *testing.T, store Store) {
	t.Helper()

	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	entry := objectstore.RegistryEntry{
		PID:       "demo:1",
		OwnerID:   "alice",
		Label:     "first",
		State:     objectstore.StateActive,
		Version:   7,
		CreatedAt: created,
	}

	ok, err := store.Exists(ctx, entry.PID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, entry.PID)
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "get before register: %v", err)

	require.NoError(t, store.Register(ctx, entry))
	err = store.Register(ctx, entry)
	assert.True(t, errors.Is(err, objectstore.ErrAlreadyExists), "register twice: %v", err)

	ok, err = store.Exists(ctx, entry.PID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, entry.PID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
	assert.Equal(t, "alice", got.OwnerID)
	assert.True(t, created.Equal(got.CreatedAt))

	err = store.Update(ctx, func(tx objectstore.RegistryTx) error {
		v, err := tx.IncrementVersion(ctx, entry.PID, "bob", "second", objectstore.StateInactive)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), v)
		v, err = tx.IncrementVersion(ctx, entry.PID, "bob", "second", objectstore.StateInactive)
		assert.Equal(t, int64(2), v)
		return err
	})
	require.NoError(t, err)

	got, err = store.Get(ctx, entry.PID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "bob", got.OwnerID)
	assert.Equal(t, "second", got.Label)
	assert.Equal(t, objectstore.StateInactive, got.State)

	err = store.Update(ctx, func(tx objectstore.RegistryTx) error {
		if _, err := tx.IncrementVersion(ctx, entry.PID, "carol", "third", objectstore.StateActive); err != nil {
			return err
		}
		return errAbort
	})
	assert.True(t, errors.Is(err, errAbort), "aborted update: %v", err)

	got, err = store.Get(ctx, entry.PID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version, "aborted update must not be kept")
	assert.Equal(t, "bob", got.OwnerID)

	err = store.Update(ctx, func(tx objectstore.RegistryTx) error {
		_, err := tx.IncrementVersion(ctx, "demo:404", "", "", objectstore.StateActive)
		return err
	})
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "increment unknown: %v", err)

	require.NoError(t, store.Unregister(ctx, entry.PID))
	err = store.Unregister(ctx, entry.PID)
	assert.True(t, errors.Is(err, objectstore.ErrNotFound), "unregister twice: %v", err)
}

// Bindings exercises the deployment binding table on an empty store.
func Bindings(ctx context.Context, t *testing.T, store Store) {
	t.Helper()

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	sc1 := objectstore.ServiceContext{ContentModel: "demo:CM", ServiceDefinition: "demo:SDef"}
	sc2 := objectstore.ServiceContext{ContentModel: "demo:CM2", ServiceDefinition: "demo:SDef"}

	err := store.Update(ctx, func(tx objectstore.RegistryTx) error {
		if err := tx.PutBinding(ctx, objectstore.DeploymentBinding{Context: sc1, DeploymentID: "demo:B", ModifiedAt: t0}); err != nil {
			return err
		}
		return tx.PutBinding(ctx, objectstore.DeploymentBinding{Context: sc1, DeploymentID: "demo:A", ModifiedAt: t0})
	})
	require.NoError(t, err)

	err = store.Update(ctx, func(tx objectstore.RegistryTx) error {
		if err := tx.PutBinding(ctx, objectstore.DeploymentBinding{Context: sc2, DeploymentID: "demo:A", ModifiedAt: t0}); err != nil {
			return err
		}
		return errAbort
	})
	require.Error(t, err)

	// Updating a binding keeps its place in the listing.
	err = store.Update(ctx, func(tx objectstore.RegistryTx) error {
		return tx.PutBinding(ctx, objectstore.DeploymentBinding{Context: sc1, DeploymentID: "demo:B", ModifiedAt: t0.Add(time.Hour)})
	})
	require.NoError(t, err)

	got := list(ctx, t, store)
	require.Len(t, got, 2)
	assert.Equal(t, "demo:B", got[0].DeploymentID)
	assert.True(t, t0.Add(time.Hour).Equal(got[0].ModifiedAt))
	assert.Equal(t, sc1, got[0].Context)
	assert.Equal(t, "demo:A", got[1].DeploymentID)

	err = store.Update(ctx, func(tx objectstore.RegistryTx) error {
		if err := tx.DeleteBinding(ctx, "demo:B", sc1); err != nil {
			return err
		}
		return tx.DeleteBinding(ctx, "demo:missing", sc2)
	})
	require.NoError(t, err)

	got = list(ctx, t, store)
	require.Len(t, got, 1)
	assert.Equal(t, "demo:A", got[0].DeploymentID)

	err = store.ListBindings(ctx, func(objectstore.DeploymentBinding) error { return errAbort })
	assert.True(t, errors.Is(err, errAbort))
}

// Counters exercises identifier counter persistence on an empty store.
func Counters(ctx context.Context, t *testing.T, store Store) {
	t.Helper()

	marks, err := store.LoadCounters(ctx)
	require.NoError(t, err)
	assert.Empty(t, marks)

	require.NoError(t, store.SaveCounter(ctx, "demo", 3))
	require.NoError(t, store.SaveCounter(ctx, "other", 1))
	require.NoError(t, store.SaveCounter(ctx, "demo", 9))

	marks, err = store.LoadCounters(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"demo": 9, "other": 1}, marks)
}

func list(ctx context.Context, t *testing.T, store Store) []objectstore.DeploymentBinding {
	t.Helper()
	var out []objectstore.DeploymentBinding
	require.NoError(t, store.ListBindings(ctx, func(b objectstore.DeploymentBinding) error {
		out = append(out, b)
		return nil
	}))
	return out
}
