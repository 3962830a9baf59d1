package objectstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/metrics"
)

func TestCommit_TimestampsIncrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	// The clock stands still; every commit still lands strictly later.
	r, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	last := r.ModifiedAt()
	assert.True(t, last.After(t0))

	for i := 0; i < 3; i++ {
		at := f.modify(t, pid, func(w *objectstore.Writer) {
			require.NoError(t, w.SetOwnerID("bob"))
		})
		assert.True(t, at.After(last), "commit %d at %s not after %s", i, at, last)
		last = at
	}

	entry, err := f.reg.Get(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, int64(4), entry.Version)
	assert.Equal(t, "bob", entry.OwnerID)
}

func TestCommit_AuditTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	ctx = objectstore.WithPrincipal(ctx, "alice")
	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, w.SetState(objectstore.StateInactive))
	require.NoError(t, w.AddDatastream(managed("TXT", "v1"), true))
	require.NoError(t, w.AddDatastream(managed("NOTES", "n0"), true))
	at, err := f.coord.Commit(ctx, w, "review", false)
	require.NoError(t, err)
	require.NoError(t, f.coord.Release(ctx, w))

	r, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, objectstore.StateInactive, r.State())

	audit := r.AuditRecords()
	require.Len(t, audit, 4)
	assert.Equal(t, objectstore.ActionIngest, audit[0].Action)
	assert.Equal(t, objectstore.ActionModifyObject, audit[1].Action)
	assert.Equal(t, objectstore.ActionModifyDatastream, audit[2].Action)
	assert.Equal(t, "TXT", audit[2].ComponentID)
	assert.Equal(t, objectstore.ActionAddDatastream, audit[3].Action)
	assert.Equal(t, "NOTES", audit[3].ComponentID)
	for i, rec := range audit[1:] {
		assert.Equal(t, "AUDIT"+string(rune('2'+i)), rec.ID)
		assert.Equal(t, "alice", rec.Principal)
		assert.Equal(t, "review", rec.Justification)
		assert.True(t, at.Equal(rec.Date))
	}

	history, err := r.VersionHistory("TXT")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "TXT.1", history[0].VersionID)
	assert.True(t, at.Equal(history[0].CreatedAt), "new versions carry the commit time")
	assert.ElementsMatch(t, []string{"demo:1+NOTES+NOTES.0", "demo:1+TXT+TXT.0", "demo:1+TXT+TXT.1"}, f.content.Tokens())
}

func TestCommit_OneVersionPerSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	f.modify(t, pid, func(w *objectstore.Writer) {
		require.NoError(t, w.AddDatastream(managed("TXT", "draft"), true))
		require.NoError(t, w.AddDatastream(managed("TXT", "final"), true))
	})

	r, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	history, err := r.VersionHistory("TXT")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "TXT.1", history[0].VersionID)

	rc, err := r.DatastreamContent(ctx, "TXT", time.Time{})
	require.NoError(t, err)
	defer rc.Close()
	buf := make([]byte, 16)
	n, _ := rc.Read(buf)
	assert.Equal(t, "final", string(buf[:n]))
	assert.ElementsMatch(t, []string{"demo:1+TXT+TXT.0", "demo:1+TXT+TXT.1"}, f.content.Tokens())
}

func TestCommit_ReplaceHistoryDropsOldContent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	f.modify(t, pid, func(w *objectstore.Writer) {
		require.NoError(t, w.AddDatastream(managed("TXT", "only"), false))
	})

	r, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	history, err := r.VersionHistory("TXT")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []string{"demo:1+TXT+TXT.1"}, f.content.Tokens())
}

func TestCommit_PurgeVersionRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	var stamps []time.Time
	for i := 1; i <= 3; i++ {
		f.clock.Advance(time.Hour)
		stamps = append(stamps, f.modify(t, pid, func(w *objectstore.Writer) {
			require.NoError(t, w.AddDatastream(managed("TXT", "v"), true))
		}))
	}

	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	_, err = w.RemoveDatastreamVersions("TXT", stamps[1], stamps[0])
	assert.Equal(t, objectstore.KindValidation, objectstore.KindOf(err))
	_, err = w.RemoveDatastreamVersions("NOPE", time.Time{}, time.Time{})
	assert.True(t, errors.Is(err, objectstore.ErrDatastreamNotFound))

	removed, err := w.RemoveDatastreamVersions("TXT", stamps[0], stamps[1])
	require.NoError(t, err)
	require.Len(t, removed, 2)
	assert.True(t, stamps[0].Equal(removed[0]))
	assert.True(t, stamps[1].Equal(removed[1]))

	removed, err = w.RemoveDatastreamVersions("TXT", stamps[0], stamps[1])
	require.NoError(t, err)
	assert.Empty(t, removed, "nothing left in range")

	_, err = f.coord.Commit(ctx, w, "trim", false)
	require.NoError(t, err)
	require.NoError(t, f.coord.Release(ctx, w))

	r, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	history, err := r.VersionHistory("TXT")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "TXT.3", history[0].VersionID)
	assert.Equal(t, "TXT.0", history[1].VersionID)
	assert.Equal(t, []string{"demo:1+TXT+TXT.0", "demo:1+TXT+TXT.3"}, f.content.Tokens())

	// The version in effect between the purged stamps is now the original.
	v, err := r.Datastream("TXT", stamps[1])
	require.NoError(t, err)
	assert.Equal(t, "TXT.0", v.VersionID)

	audit := r.AuditRecords()
	last := audit[len(audit)-1]
	assert.Equal(t, objectstore.ActionPurgeDatastream, last.Action)
	assert.Equal(t, "TXT", last.ComponentID)
	assert.Equal(t, "trim", last.Justification)

	f.modify(t, pid, func(w *objectstore.Writer) {
		removed, err := w.RemoveDatastreamVersions("TXT", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Len(t, removed, 2)
	})
	r, err = f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	_, err = r.Datastream("TXT", time.Time{})
	assert.Equal(t, objectstore.KindNotFound, objectstore.KindOf(err))
	assert.Empty(t, f.content.Tokens())
}

func TestCommit_Remove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())
	f.modify(t, pid, func(w *objectstore.Writer) {
		require.NoError(t, w.AddDatastream(managed("TXT", "v1"), true))
	})
	_, err := f.coord.OpenReader(ctx, pid)
	require.NoError(t, err)
	require.Len(t, f.content.Tokens(), 2)

	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, w.Remove())
	assert.True(t, w.IsRemoved())
	assert.Error(t, w.SetLabel("late"))

	_, err = f.coord.Commit(ctx, w, "gone", false)
	require.NoError(t, err)
	require.NoError(t, f.coord.Release(ctx, w))

	assert.Empty(t, f.content.Tokens())
	assert.Empty(t, f.objects.Tokens())
	exists, err := f.reg.Exists(ctx, pid)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, f.cache.Len())

	_, err = f.coord.OpenReader(ctx, pid)
	assert.Equal(t, objectstore.KindNotFound, objectstore.KindOf(err))

	// The identifier can be ingested again.
	assert.Equal(t, pid, f.ingest(t, sampleObject()))
}

func TestCommit_RemoveFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	defer f.coord.Release(ctx, w)
	_, err = f.coord.Commit(ctx, w, "", true)
	require.NoError(t, err)
	assert.False(t, w.IsOpen())

	exists, err := f.reg.Exists(ctx, pid)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCommit_SearchFailureOnModifyClosesSession(t *testing.T) {
	ctx := context.Background()
	search := &failingSearch{}
	f := newFixture(t, objectstore.WithSearchIndex(search))
	pid := f.ingest(t, sampleObject())

	search.err = errors.New("index down")
	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	require.NoError(t, w.SetLabel("Changed"))
	_, err = f.coord.Commit(ctx, w, "", false)
	require.Error(t, err)
	assert.Equal(t, objectstore.KindStorageDevice, objectstore.KindOf(err))
	assert.False(t, w.IsOpen())
	require.NoError(t, f.coord.Release(ctx, w))

	// The object itself survives; only the index lags.
	exists, err := f.reg.Exists(ctx, pid)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.False(t, f.coord.Locked(pid))
}

func TestCommit_InlineChecksum(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())

	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	defer f.coord.Release(ctx, w)
	require.NoError(t, w.AddDatastream(&objectstore.DatastreamVersion{
		DatastreamID: "META",
		ControlGroup: objectstore.ControlGroupInline,
		ChecksumType: objectstore.ChecksumMD5,
		Checksum:     "ffffffffffffffffffffffffffffffff",
		Content:      []byte("<meta/>"),
	}, true))
	_, err = f.coord.Commit(ctx, w, "", false)
	assert.True(t, errors.Is(err, objectstore.ErrChecksumMismatch), "got %v", err)
	assert.True(t, w.IsOpen())
}

func TestCommit_Metrics(t *testing.T) {
	ingested := testutil.ToFloat64(metrics.Commits.WithLabelValues("ingest", "ok"))
	removed := testutil.ToFloat64(metrics.Commits.WithLabelValues("remove", "ok"))

	ctx := context.Background()
	f := newFixture(t)
	pid := f.ingest(t, sampleObject())
	w, err := f.coord.OpenWriter(ctx, pid)
	require.NoError(t, err)
	_, err = f.coord.Commit(ctx, w, "", true)
	require.NoError(t, err)
	require.NoError(t, f.coord.Release(ctx, w))

	assert.Equal(t, ingested+1, testutil.ToFloat64(metrics.Commits.WithLabelValues("ingest", "ok")))
	assert.Equal(t, removed+1, testutil.ToFloat64(metrics.Commits.WithLabelValues("remove", "ok")))
}
