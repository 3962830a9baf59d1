package objectstore

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore/rels"
)

// MaxLabelLength bounds object and datastream labels.
const MaxLabelLength = 255

type writerState int

const (
	writerOpen writerState = iota
	writerRemoved
	writerCommitted
	writerInvalidated
)

func (s writerState) String() string {
	switch s {
	case writerOpen:
		return "open"
	case writerRemoved:
		return "removed"
	case writerCommitted:
		return "committed"
	}
	return "invalidated"
}

// Writer is a mutable session over one object. Changes are staged in memory
// and become durable on Coordinator.Commit. A Writer is owned by one caller
// and is not safe for concurrent mutation.
type Writer struct {
	*Reader

	mu        sync.Mutex
	state     writerState
	principal string
	clock     func() time.Time

	// pending holds the version each datastream gained in this session.
	pending map[string]*DatastreamVersion
	audit   []AuditRecord

	// stored is the set of content tokens the object owned when the
	// session opened.
	stored map[string]bool

	registered bool
	released   bool
}

func newWriter(obj *DigitalObject, env *sessionEnv, principal string, clock func() time.Time) *Writer {
	return &Writer{
		Reader:    newReader(obj, env),
		principal: principal,
		clock:     clock,
		pending:   make(map[string]*DatastreamVersion),
		stored:    storedTokens(obj),
	}
}

// storedTokens returns the content tokens owned by obj's managed versions.
func storedTokens(obj *DigitalObject) map[string]bool {
	tokens := make(map[string]bool)
	for id, versions := range obj.Datastreams {
		for _, v := range versions {
			if v.ControlGroup == ControlGroupManaged && v.Content == nil && v.Location == ContentToken(obj.PID, id, v.VersionID) {
				tokens[v.Location] = true
			}
		}
	}
	return tokens
}

func (w *Writer) checkOpen() error {
	if w.state != writerOpen {
		return fmt.Errorf("%w (%s)", ErrSessionClosed, w.state)
	}
	return nil
}

// IsRemoved reports whether the object has been marked for removal.
func (w *Writer) IsRemoved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == writerRemoved
}

// IsOpen reports whether the writer still accepts changes.
func (w *Writer) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == writerOpen
}

func (w *Writer) queueAudit(action, component string) {
	if w.obj.New {
		return
	}
	w.audit = append(w.audit, AuditRecord{Action: action, ComponentID: component, Principal: w.principal})
}

// SetState changes the object state.
func (w *Writer) SetState(s State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	if !s.Valid() {
		return invalidStatef("unknown object state %q", s)
	}
	w.obj.State = s
	w.queueAudit(ActionModifyObject, "")
	return nil
}

// SetLabel changes the object label.
func (w *Writer) SetLabel(label string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	if len(label) > MaxLabelLength {
		return validationf("label is longer than %d characters", MaxLabelLength)
	}
	w.obj.Label = label
	w.queueAudit(ActionModifyObject, "")
	return nil
}

// SetOwnerID changes the object owner.
func (w *Writer) SetOwnerID(owner string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.obj.OwnerID = owner
	w.queueAudit(ActionModifyObject, "")
	return nil
}

// Remove marks the whole object for removal. The removal happens on commit.
func (w *Writer) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	w.state = writerRemoved
	return nil
}

// AddDatastream adds a version to the datastream v.DatastreamID. When
// addNewVersion is true the version is appended to the history; otherwise it
// replaces the history. A datastream gains at most one version per session:
// adding again replaces the version added earlier in the same session.
func (w *Writer) AddDatastream(v *DatastreamVersion, addNewVersion bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return err
	}
	action := ActionAddDatastream
	if len(w.obj.Datastreams[v.DatastreamID]) > 0 {
		action = ActionModifyDatastream
	}
	return w.addVersion(v.Copy(), addNewVersion, action)
}

func (w *Writer) addVersion(v *DatastreamVersion, addNewVersion bool, action string) error {
	if err := validateVersion(v); err != nil {
		return &DatastreamError{PID: w.obj.PID, DatastreamID: v.DatastreamID, Op: "add", Err: err}
	}

	id := v.DatastreamID
	versions := w.obj.Datastreams[id]
	if prior, ok := w.pending[id]; ok {
		versions = without(versions, prior)
		if v.VersionID == "" {
			v.VersionID = prior.VersionID
		}
	}
	if v.VersionID == "" {
		v.VersionID = nextVersionID(id, versions)
	}
	for _, existing := range versions {
		if existing.VersionID == v.VersionID {
			return &DatastreamError{PID: w.obj.PID, DatastreamID: id, Op: "add", Err: validationf("version id %s already exists", v.VersionID)}
		}
	}
	if v.State == "" {
		v.State = StateActive
	}
	// Staged versions must sort after the history they extend; commit
	// times can run ahead of the clock.
	v.CreatedAt = w.clock()
	if prev := latestVersion(versions); prev != nil && !v.CreatedAt.After(prev.CreatedAt) {
		v.CreatedAt = prev.CreatedAt.Add(time.Millisecond)
	}

	if addNewVersion {
		w.obj.Datastreams[id] = append(versions, v)
	} else {
		w.obj.Datastreams[id] = []*DatastreamVersion{v}
	}
	w.pending[id] = v
	w.queueAudit(action, id)
	if id == RelsExtID || id == RelsIntID {
		w.resetRelationships()
	}
	return nil
}

func validateVersion(v *DatastreamVersion) error {
	if err := ValidateDatastreamID(v.DatastreamID); err != nil {
		return err
	}
	if !v.ControlGroup.Valid() {
		return validationf("unknown control group %q", v.ControlGroup)
	}
	if v.State != "" && !v.State.Valid() {
		return invalidStatef("unknown datastream state %q", v.State)
	}
	if len(v.Label) > MaxLabelLength {
		return validationf("label is longer than %d characters", MaxLabelLength)
	}
	switch v.DatastreamID {
	case DCID, RelsExtID, RelsIntID:
		if v.ControlGroup != ControlGroupInline {
			return validationf("%s must be inline XML", v.DatastreamID)
		}
	}
	switch v.ControlGroup {
	case ControlGroupInline:
		if err := wellFormed(v.Content); err != nil {
			return validationf("inline content is not well-formed XML: %v", err)
		}
	case ControlGroupManaged:
		if v.Content == nil && v.Location == "" {
			return validationf("managed content needs content or a location")
		}
	default:
		if v.Location == "" {
			return validationf("external content needs a location")
		}
	}
	return nil
}

func wellFormed(data []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(data))
	seen := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if !seen {
				return fmt.Errorf("no root element")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			seen = true
		}
	}
}

func without(versions []*DatastreamVersion, drop *DatastreamVersion) []*DatastreamVersion {
	out := make([]*DatastreamVersion, 0, len(versions))
	for _, v := range versions {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}

// nextVersionID returns id.N where N is one past the largest suffix in use.
func nextVersionID(id string, versions []*DatastreamVersion) string {
	next := 0
	for _, v := range versions {
		suffix := strings.TrimPrefix(v.VersionID, id+".")
		if suffix == v.VersionID {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= next {
			next = n + 1
		}
	}
	return id + "." + strconv.Itoa(next)
}

// RemoveDatastreamVersions removes every version of dsID created within
// [start, end]. A zero start or end leaves that side of the range open. It
// returns the creation timestamps of the removed versions.
func (w *Writer) RemoveDatastreamVersions(dsID string, start, end time.Time) ([]time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return nil, err
	}
	versions := w.obj.Datastreams[dsID]
	if len(versions) == 0 {
		return nil, &DatastreamError{PID: w.obj.PID, DatastreamID: dsID, Op: "purge", Err: ErrDatastreamNotFound}
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return nil, &DatastreamError{PID: w.obj.PID, DatastreamID: dsID, Op: "purge", Err: validationf("end precedes start")}
	}

	var (
		kept    []*DatastreamVersion
		removed []time.Time
	)
	for _, v := range versions {
		if (start.IsZero() || !v.CreatedAt.Before(start)) && (end.IsZero() || !v.CreatedAt.After(end)) {
			removed = append(removed, v.CreatedAt)
			if w.pending[dsID] == v {
				delete(w.pending, dsID)
			}
			continue
		}
		kept = append(kept, v)
	}
	if len(removed) == 0 {
		return nil, nil
	}
	if len(kept) == 0 {
		delete(w.obj.Datastreams, dsID)
	} else {
		w.obj.Datastreams[dsID] = kept
	}
	w.queueAudit(ActionPurgeDatastream, dsID)
	if dsID == RelsExtID || dsID == RelsIntID {
		w.resetRelationships()
	}
	return removed, nil
}

// AddRelationship adds a triple to the object's relationship datastreams. The
// subject is the object itself (an empty subject, the pid, or its URI) or one
// of its datastreams. It reports false if the triple was already present.
func (w *Writer) AddRelationship(subject, predicate, object string, literal bool, datatype string) (bool, error) {
	return w.changeRelationship(subject, predicate, object, literal, datatype, true)
}

// PurgeRelationship removes a triple. It reports false if the triple was not
// present, in which case no new version is created.
func (w *Writer) PurgeRelationship(subject, predicate, object string, literal bool, datatype string) (bool, error) {
	return w.changeRelationship(subject, predicate, object, literal, datatype, false)
}

func (w *Writer) changeRelationship(subject, predicate, object string, literal bool, datatype string, add bool) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkOpen(); err != nil {
		return false, err
	}

	subjectURI, dsID, err := w.relationshipSubject(subject)
	if err != nil {
		return false, err
	}
	if predicate == "" {
		return false, validationf("relationship predicate is required")
	}
	if !literal {
		if object == "" {
			return false, validationf("relationship object is required")
		}
		datatype = ""
	}
	triple := rels.Triple{Subject: subjectURI, Predicate: predicate, Object: object, Literal: literal, Datatype: datatype}

	latest, err := w.datastream(dsID, time.Time{})
	var current []rels.Triple
	if err == nil {
		if current, err = rels.Parse(latest.Content); err != nil {
			return false, &DatastreamError{PID: w.obj.PID, DatastreamID: dsID, Op: "parse_relationships", Err: fmt.Errorf("%w: %v", ErrIntegrity, err)}
		}
	}

	idx := -1
	for i, t := range current {
		if t == triple {
			idx = i
			break
		}
	}
	switch {
	case add && idx >= 0, !add && idx < 0:
		return false, nil
	case add:
		current = append(current, triple)
	default:
		current = append(current[:idx:idx], current[idx+1:]...)
	}

	content, err := rels.Render(current)
	if err != nil {
		return false, validationf("%v", err)
	}

	v := &DatastreamVersion{
		DatastreamID: dsID,
		Label:        "Relationships",
		MIMEType:     "application/rdf+xml",
		FormatURI:    relsFormat(dsID),
		ControlGroup: ControlGroupInline,
		State:        StateActive,
		Versionable:  true,
	}
	if latest != nil {
		v = latest.Copy()
		v.VersionID = ""
		v.Checksum = ""
	}
	v.Content = content
	v.Size = int64(len(content))

	action := ActionPurgeRelationship
	if add {
		action = ActionAddRelationship
	}
	if err := w.addVersion(v, true, action); err != nil {
		return false, err
	}
	return true, nil
}

func relsFormat(dsID string) string {
	if dsID == RelsIntID {
		return "info:fedora/fedora-system:FedoraRELSInt-1.0"
	}
	return "info:fedora/fedora-system:FedoraRELSExt-1.0"
}

// relationshipSubject resolves a subject to its URI and the datastream that
// holds statements about it.
func (w *Writer) relationshipSubject(subject string) (string, string, error) {
	pid := w.obj.PID
	switch subject {
	case "", pid, rels.ObjectURI(pid):
		return rels.ObjectURI(pid), RelsExtID, nil
	}
	s := rels.StripURI(subject)
	if ds := strings.TrimPrefix(s, pid+"/"); ds != s && ValidateDatastreamID(ds) == nil {
		return rels.DatastreamURI(pid, ds), RelsIntID, nil
	}
	return "", "", validationf("subject %q is neither %s nor one of its datastreams", subject, pid)
}

// stamp applies the commit timestamp to everything staged in this session.
func (w *Writer) stamp(now time.Time, message string) {
	for _, v := range w.pending {
		v.CreatedAt = now
	}
	next := nextAuditNumber(w.obj.AuditRecords)
	for _, rec := range w.audit {
		rec.ID = "AUDIT" + strconv.Itoa(next)
		rec.Date = now
		rec.Justification = message
		w.obj.AuditRecords = append(w.obj.AuditRecords, rec)
		next++
	}
	w.audit = nil
	w.obj.ModifiedAt = now
}

func (w *Writer) appendAudit(action string, now time.Time, message string) {
	w.obj.AuditRecords = append(w.obj.AuditRecords, AuditRecord{
		ID:            "AUDIT" + strconv.Itoa(nextAuditNumber(w.obj.AuditRecords)),
		Action:        action,
		Principal:     w.principal,
		Date:          now,
		Justification: message,
	})
}

func nextAuditNumber(records []AuditRecord) int {
	next := 1
	for _, rec := range records {
		if n, err := strconv.Atoi(strings.TrimPrefix(rec.ID, "AUDIT")); err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

// invalidate ends the session.
func (w *Writer) invalidate(committed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if committed {
		w.state = writerCommitted
		return
	}
	if w.state != writerCommitted {
		w.state = writerInvalidated
	}
}

// checkCommittable allows open sessions and sessions marked for removal.
func (w *Writer) checkCommittable() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != writerOpen && w.state != writerRemoved {
		return fmt.Errorf("%w (%s)", ErrSessionClosed, w.state)
	}
	return nil
}
