package objectstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// OpenIngestWriter deserializes a new object from r and checks it out for its
// first commit. A fresh identifier is generated when generatePID is set, when
// the payload carries none, or when its namespace is not retained. The
// identifier is registered immediately; releasing the writer without a
// commit unregisters it.
func (c *Coordinator) OpenIngestWriter(ctx context.Context, r io.Reader, format string, generatePID bool) (*Writer, error) {
	obj, err := c.translator.Deserialize(ctx, r, format, ContextStorage)
	if err != nil {
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState) {
			return nil, &ObjectError{Op: "ingest", Err: err}
		}
		return nil, &ObjectError{Op: "ingest", Err: validationf("%v", err)}
	}

	pid, err := c.ingestPID(ctx, obj.PID, generatePID)
	if err != nil {
		return nil, err
	}
	obj.PID = pid

	if !c.locks.Acquire(pid) {
		return nil, &ObjectError{PID: pid, Op: "ingest", Err: ErrLocked}
	}
	w, err := c.prepareIngest(ctx, obj)
	if err != nil {
		c.locks.Release(pid)
		return nil, err
	}
	c.logger.Debug("ingest writer opened", "pid", pid)
	return w, nil
}

func (c *Coordinator) ingestPID(ctx context.Context, supplied string, generate bool) (string, error) {
	if !generate && supplied != "" {
		ns, _, err := SplitPID(supplied)
		if err != nil {
			return "", &ObjectError{PID: supplied, Op: "ingest", Err: err}
		}
		if c.retains(ns) {
			if c.ids != nil {
				if err := c.ids.Reserve(ctx, supplied); err != nil {
					return "", &ObjectError{PID: supplied, Op: "reserve_pid", Err: err}
				}
			}
			return supplied, nil
		}
		c.logger.Info("namespace not retained, generating identifier", "pid", supplied)
	}
	if c.ids == nil {
		return "", &ObjectError{Op: "ingest", Err: invalidStatef("no identifier generator configured")}
	}
	pid, err := c.ids.Generate(ctx, c.namespace)
	if err != nil {
		return "", &ObjectError{Op: "generate_pid", Err: err}
	}
	return pid, nil
}

func (c *Coordinator) retains(ns string) bool {
	return c.retain == nil || c.retain["*"] || c.retain[ns]
}

// prepareIngest fills in defaults, validates the payload and registers it.
// The caller holds the lock on obj.PID.
func (c *Coordinator) prepareIngest(ctx context.Context, obj *DigitalObject) (*Writer, error) {
	pid := obj.PID
	exists, err := c.registry.Exists(ctx, pid)
	if err != nil {
		return nil, &ObjectError{PID: pid, Op: "ingest", Err: DeviceError("registry", "exists", pid, err)}
	}
	if exists {
		return nil, &ObjectError{PID: pid, Op: "ingest", Err: ErrObjectExists}
	}

	principal := PrincipalFrom(ctx)
	if err := c.applyIngestDefaults(obj, principal); err != nil {
		return nil, &ObjectError{PID: pid, Op: "ingest", Err: err}
	}

	err = c.registry.Register(ctx, RegistryEntry{
		PID:       pid,
		OwnerID:   obj.OwnerID,
		Label:     obj.Label,
		State:     obj.State,
		CreatedAt: obj.CreatedAt,
	})
	if err != nil {
		return nil, &ObjectError{PID: pid, Op: "register", Err: DeviceError("registry", "register", pid, err)}
	}

	w := newWriter(obj, c.env, principal, c.now)
	w.registered = true
	return w, nil
}

func (c *Coordinator) applyIngestDefaults(obj *DigitalObject, principal string) error {
	now := c.now().UTC().Truncate(time.Millisecond)
	obj.New = true
	if obj.State == "" {
		obj.State = StateActive
	}
	if !obj.State.Valid() {
		return invalidStatef("unknown object state %q", obj.State)
	}
	if len(obj.Label) > MaxLabelLength {
		return validationf("label is longer than %d characters", MaxLabelLength)
	}
	if obj.OwnerID == "" {
		obj.OwnerID = principal
	}
	if obj.CreatedAt.IsZero() {
		obj.CreatedAt = now
	}
	if obj.Datastreams == nil {
		obj.Datastreams = make(map[string][]*DatastreamVersion)
	}

	for id, versions := range obj.Datastreams {
		if len(versions) == 0 {
			delete(obj.Datastreams, id)
			continue
		}
		if err := ValidateDatastreamID(id); err != nil {
			return err
		}
		for _, v := range versions {
			v.DatastreamID = id
			if v.VersionID == "" {
				v.VersionID = nextVersionID(id, versions)
			}
			if v.State == "" {
				v.State = StateActive
			}
			if v.CreatedAt.IsZero() {
				v.CreatedAt = now
			}
			if err := validateVersion(v); err != nil {
				return &DatastreamError{PID: obj.PID, DatastreamID: id, Op: "ingest", Err: err}
			}
		}
	}
	if err := checkIntegrity(obj); err != nil {
		return validationf("%v", err)
	}

	if dc := latestVersion(obj.Datastreams[DCID]); dc != nil {
		content, changed, err := ensureDCIdentifier(dc.Content, obj.PID)
		if err != nil {
			return err
		}
		if changed {
			dc.Content = content
			dc.Size = int64(len(content))
			dc.Checksum = ""
		}
	} else {
		dc := defaultDCVersion(obj.PID, obj.Label)
		dc.VersionID = DCID + ".0"
		dc.CreatedAt = now
		obj.Datastreams[DCID] = []*DatastreamVersion{dc}
	}

	if obj.ModifiedAt.Before(obj.CreatedAt) {
		obj.ModifiedAt = obj.CreatedAt
	}
	return nil
}
