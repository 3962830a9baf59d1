package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// purgeConcurrency bounds parallel content removals.
const purgeConcurrency = 4

// Commit makes the writer's changes durable and returns the commit
// timestamp. With remove set, or after Writer.Remove, the object is purged
// instead. A successful commit ends the session; the caller still has to
// Release it.
func (c *Coordinator) Commit(ctx context.Context, w *Writer, message string, remove bool) (time.Time, error) {
	if err := w.checkCommittable(); err != nil {
		return time.Time{}, &ObjectError{PID: w.obj.PID, Op: "commit", Err: err}
	}
	if remove || w.IsRemoved() {
		return c.commitRemoval(ctx, w)
	}
	return c.commitChanges(ctx, w, message)
}

// stagedContent is managed content copied into the content store but not yet
// referenced by its version.
type stagedContent struct {
	version  *DatastreamVersion
	token    string
	size     int64
	checksum string
	mimeType string
	spooled  string
}

func (c *Coordinator) commitChanges(ctx context.Context, w *Writer, message string) (time.Time, error) {
	started := time.Now()
	obj := w.obj
	pid := obj.PID
	kind := "modify"
	if obj.New {
		kind = "ingest"
	}

	// Failures before stamp leave the session open.
	contexts, err := deploymentContexts(w.Reader)
	if err != nil {
		observe(kind, "failed", started)
		return time.Time{}, &ObjectError{PID: pid, Op: "commit", Err: err}
	}
	staged, err := c.stageContent(ctx, w)
	if err != nil {
		observe(kind, "failed", started)
		return time.Time{}, &ObjectError{PID: pid, Op: "store_content", Err: err}
	}
	if err := c.purgeDropped(ctx, w); err != nil {
		c.discardStaged(ctx, staged)
		observe(kind, "failed", started)
		return time.Time{}, &ObjectError{PID: pid, Op: "purge_content", Err: err}
	}
	for _, s := range staged {
		s.apply()
	}

	now := c.commitTime(obj)
	w.stamp(now, message)
	if obj.New {
		w.appendAudit(ActionIngest, now, message)
	}

	payload, err := c.serialize(ctx, obj)
	if err != nil {
		return time.Time{}, c.abortCommit(ctx, w, kind, started, "serialize", nil, err)
	}
	if err := c.writeObject(ctx, pid, obj.New, payload); err != nil {
		return time.Time{}, c.abortCommit(ctx, w, kind, started, "write_object", payload, err)
	}

	c.invalidate(pid)

	var apply func()
	err = c.registry.Update(ctx, func(tx RegistryTx) error {
		if _, err := tx.IncrementVersion(ctx, pid, obj.OwnerID, obj.Label, obj.State); err != nil {
			return err
		}
		if c.index == nil {
			return nil
		}
		var err error
		apply, err = c.index.Rebind(ctx, tx, pid, now, contexts)
		return err
	})
	if err != nil {
		return time.Time{}, c.abortCommit(ctx, w, kind, started, "update_registry", payload, DeviceError("registry", "update", pid, err))
	}
	if apply != nil {
		apply()
	}

	committed := obj.Copy()
	committed.New = false
	if err := c.search.Update(ctx, newReader(committed, c.env)); err != nil {
		return time.Time{}, c.abortCommit(ctx, w, kind, started, "update_search", payload, DeviceError("search", "update", pid, err))
	}

	for _, s := range staged {
		if s.spooled != "" {
			if err := c.spool.Discard(ctx, s.spooled); err != nil {
				c.logger.Warn("failed to discard spooled content", "pid", pid, "location", s.spooled, "err", err)
			}
		}
	}
	obj.New = false
	w.invalidate(true)
	observe(kind, "ok", started)
	c.logger.Info("object committed", "pid", pid, "kind", kind, "modified", now)
	return now, nil
}

func (c *Coordinator) writeObject(ctx context.Context, pid string, isNew bool, payload []byte) error {
	if !isNew {
		return DeviceError("objects", "replace", pid, c.objects.Replace(ctx, pid, bytes.NewReader(payload)))
	}
	err := c.objects.Put(ctx, pid, bytes.NewReader(payload))
	if errors.Is(err, ErrAlreadyExists) {
		c.logger.Warn("overwriting orphaned object payload", "pid", pid)
		err = c.objects.Replace(ctx, pid, bytes.NewReader(payload))
	}
	return DeviceError("objects", "put", pid, err)
}

// abortCommit handles a failure after the session was stamped. A new object
// is removed again; for an existing one the possible mismatch between stored
// payload and registry is logged for repair.
func (c *Coordinator) abortCommit(ctx context.Context, w *Writer, kind string, started time.Time, step string, payload []byte, cause error) error {
	pid := w.obj.PID
	if w.obj.New {
		if err := c.removeObject(ctx, w); err != nil {
			c.logger.Error("rollback of new object failed", "pid", pid, "step", step, "err", err)
		} else {
			w.mu.Lock()
			w.registered = false
			w.mu.Unlock()
			c.logger.Warn("rolled back new object after failed commit", "pid", pid, "step", step, "err", cause)
		}
		observe(kind, "rolled_back", started)
	} else {
		c.logInconsistency(ctx, pid, step, payload, cause)
		observe(kind, "failed", started)
	}
	w.invalidate(false)
	return &ObjectError{PID: pid, Op: step, Err: cause}
}

func (c *Coordinator) logInconsistency(ctx context.Context, pid, step string, payload []byte, cause error) {
	version := int64(-1)
	if entry, err := c.registry.Get(ctx, pid); err == nil {
		version = entry.Version
	}
	digest := "none"
	if payload != nil {
		sum := sha256.Sum256(payload)
		digest = hex.EncodeToString(sum[:])
	}
	c.logger.Error("object store and registry may disagree",
		"pid", pid,
		"step", step,
		"registry_version", version,
		"payload_sha256", digest,
		"err", cause)
}

func (c *Coordinator) commitRemoval(ctx context.Context, w *Writer) (time.Time, error) {
	started := time.Now()
	pid := w.obj.PID
	now := c.commitTime(w.obj)
	if err := c.removeObject(ctx, w); err != nil {
		observe("remove", "failed", started)
		return time.Time{}, &ObjectError{PID: pid, Op: "remove", Err: err}
	}
	w.mu.Lock()
	w.registered = false
	w.mu.Unlock()
	w.invalidate(true)
	observe("remove", "ok", started)
	c.logger.Info("object removed", "pid", pid)
	return now, nil
}

// removeObject purges an object's content, payload, bindings and registry
// entry. Missing pieces are skipped so that it can finish a partial removal.
func (c *Coordinator) removeObject(ctx context.Context, w *Writer) error {
	pid := w.obj.PID
	tokens := storedTokens(w.obj)
	for token := range w.stored {
		tokens[token] = true
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeConcurrency)
	for token := range tokens {
		token := token
		g.Go(func() error {
			if err := c.content.Remove(gctx, token); err != nil && !errors.Is(err, ErrNotFound) {
				return DeviceError("content", "remove", token, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.objects.Remove(ctx, pid); err != nil && !errors.Is(err, ErrNotFound) {
		return DeviceError("objects", "remove", pid, err)
	}
	c.invalidate(pid)

	if c.index != nil {
		var apply func()
		err := c.registry.Update(ctx, func(tx RegistryTx) error {
			var err error
			apply, err = c.index.Rebind(ctx, tx, pid, time.Time{}, nil)
			return err
		})
		if err != nil {
			return DeviceError("registry", "unbind", pid, err)
		}
		if apply != nil {
			apply()
		}
	}
	if err := c.registry.Unregister(ctx, pid); err != nil && !errors.Is(err, ErrNotFound) {
		return DeviceError("registry", "unregister", pid, err)
	}

	if err := c.search.Delete(ctx, pid); err != nil {
		c.logger.Warn("search index delete failed", "pid", pid, "err", err)
	}
	return nil
}

// deploymentContexts returns the service contexts r binds, or nil if it is
// not a service deployment.
func deploymentContexts(r *Reader) ([]ServiceContext, error) {
	info, ok, err := r.ServiceDeployment()
	if err != nil || !ok {
		return nil, err
	}
	return info.Contexts(), nil
}

// contentCandidates returns the versions whose content has to be resolved on
// this commit: every version of a new object, or the versions added in this
// session otherwise.
func (w *Writer) contentCandidates() []*DatastreamVersion {
	var out []*DatastreamVersion
	if w.obj.New {
		for _, id := range w.obj.DatastreamIDs() {
			out = append(out, w.obj.Datastreams[id]...)
		}
		return out
	}
	for _, v := range w.pending {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatastreamID < out[j].DatastreamID })
	return out
}

// stageContent copies managed content into the content store under stable
// tokens and verifies checksums. On failure nothing stays stored.
func (c *Coordinator) stageContent(ctx context.Context, w *Writer) ([]stagedContent, error) {
	pid := w.obj.PID
	var staged []stagedContent
	for _, v := range w.contentCandidates() {
		switch v.ControlGroup {
		case ControlGroupManaged:
			s, err := c.storeManaged(ctx, pid, v)
			if err != nil {
				c.discardStaged(ctx, staged)
				return nil, err
			}
			if s != nil {
				staged = append(staged, *s)
			}
		case ControlGroupInline:
			if err := checkInline(pid, v); err != nil {
				c.discardStaged(ctx, staged)
				return nil, err
			}
		}
	}
	return staged, nil
}

func checkInline(pid string, v *DatastreamVersion) error {
	h, err := newDigest(v.ChecksumType)
	if err != nil {
		return &DatastreamError{PID: pid, DatastreamID: v.DatastreamID, Op: "checksum", Err: err}
	}
	if h == nil {
		return nil
	}
	h.Write(v.Content)
	sum, err := checkDigest(v, h)
	if err != nil {
		return err
	}
	v.Checksum = sum
	return nil
}

func (c *Coordinator) storeManaged(ctx context.Context, pid string, v *DatastreamVersion) (*stagedContent, error) {
	token := ContentToken(pid, v.DatastreamID, v.VersionID)
	if v.Content == nil && v.Location == token {
		// Already stored under its own token, e.g. a migrate export; the
		// blob has to exist in this repository.
		if err := c.contentPresent(ctx, token); err != nil {
			return nil, &DatastreamError{PID: pid, DatastreamID: v.DatastreamID, Op: "resolve_content", Err: err}
		}
		return nil, nil
	}
	h, err := newDigest(v.ChecksumType)
	if err != nil {
		return nil, &DatastreamError{PID: pid, DatastreamID: v.DatastreamID, Op: "checksum", Err: err}
	}

	s := &stagedContent{version: v, token: token}
	put := func(store func(context.Context, string, io.Reader) error) error {
		src, mimeType, spooled, err := c.openSource(ctx, pid, v)
		if err != nil {
			return &DatastreamError{PID: pid, DatastreamID: v.DatastreamID, Op: "resolve_content", Err: err}
		}
		defer src.Close()
		if h != nil {
			h.Reset()
		}
		cr := &countingReader{r: src, h: h}
		if err := store(ctx, token, cr); err != nil {
			return err
		}
		s.size = cr.n
		s.mimeType = mimeType
		s.spooled = spooled
		return nil
	}

	err = put(c.content.Put)
	if errors.Is(err, ErrBlobExists) {
		err = put(c.content.Replace)
	}
	if err != nil {
		var dsErr *DatastreamError
		if errors.As(err, &dsErr) {
			return nil, err
		}
		return nil, DeviceError("content", "put", token, err)
	}

	if h != nil {
		sum, err := checkDigest(v, h)
		if err != nil {
			c.removeToken(ctx, token)
			return nil, err
		}
		s.checksum = sum
	}
	return s, nil
}

func (c *Coordinator) contentPresent(ctx context.Context, token string) error {
	rc, err := c.content.Get(ctx, token)
	if err != nil {
		return DeviceError("content", "get", token, err)
	}
	return rc.Close()
}

// openSource opens the bytes a managed version refers to.
func (c *Coordinator) openSource(ctx context.Context, pid string, v *DatastreamVersion) (io.ReadCloser, string, string, error) {
	loc := v.Location
	switch {
	case v.Content != nil:
		return io.NopCloser(bytes.NewReader(v.Content)), "", "", nil
	case strings.HasPrefix(loc, CopyScheme):
		rc, err := c.content.Get(ctx, strings.TrimPrefix(loc, CopyScheme))
		return rc, "", "", err
	case IsContentToken(loc):
		rc, err := c.content.Get(ctx, loc)
		return rc, "", "", err
	case strings.HasPrefix(loc, UploadedScheme), strings.HasPrefix(loc, TempScheme):
		rc, err := c.spool.Open(ctx, loc)
		return rc, "", loc, err
	}
	if c.fetcher == nil {
		return nil, "", "", invalidStatef("no content fetcher configured for %s", loc)
	}
	fc, err := c.fetcher.Fetch(ctx, FetchRequest{Location: loc, ContextToken: pid})
	if err != nil {
		return nil, "", "", err
	}
	return fc.Body, fc.MIMEType, "", nil
}

func (s *stagedContent) apply() {
	v := s.version
	v.Location = s.token
	v.Content = nil
	v.Size = s.size
	if s.checksum != "" {
		v.Checksum = s.checksum
	}
	if v.MIMEType == "" && s.mimeType != "" {
		v.MIMEType = s.mimeType
	}
}

func (c *Coordinator) discardStaged(ctx context.Context, staged []stagedContent) {
	for _, s := range staged {
		c.removeToken(ctx, s.token)
	}
}

func (c *Coordinator) removeToken(ctx context.Context, token string) {
	if err := c.content.Remove(ctx, token); err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("failed to remove staged content", "token", token, "err", err)
	}
}

// purgeDropped removes the content of versions purged during the session.
func (c *Coordinator) purgeDropped(ctx context.Context, w *Writer) error {
	if w.obj.New {
		return nil
	}
	current := storedTokens(w.obj)
	for token := range w.stored {
		if current[token] {
			continue
		}
		if err := c.content.Remove(ctx, token); err != nil && !errors.Is(err, ErrNotFound) {
			return DeviceError("content", "remove", token, err)
		}
	}
	return nil
}

type countingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.h != nil && n > 0 {
		c.h.Write(p[:n])
	}
	return n, err
}
