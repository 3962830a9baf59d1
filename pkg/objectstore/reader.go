package objectstore

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore/rels"
)

// ObjectKind is the capability variant of an object, derived from the content
// models it declares.
type ObjectKind int

// Object kinds.
const (
	PlainObject ObjectKind = iota
	ServiceDefinitionObject
	ServiceDeploymentObject
)

func (k ObjectKind) String() string {
	switch k {
	case ServiceDefinitionObject:
		return "service-definition"
	case ServiceDeploymentObject:
		return "service-deployment"
	}
	return "object"
}

// ServiceDefinitionInfo is the accessor group of a service definition.
type ServiceDefinitionInfo struct {
	Methods []string
}

// ServiceDeploymentInfo is the accessor group of a service deployment.
type ServiceDeploymentInfo struct {
	DeploymentOf []string
	ContractorOf []string
	Methods      []string
}

// Contexts returns every (content model, service definition) pair the
// deployment declares.
func (d *ServiceDeploymentInfo) Contexts() []ServiceContext {
	var out []ServiceContext
	for _, cm := range d.ContractorOf {
		for _, sdef := range d.DeploymentOf {
			out = append(out, ServiceContext{ContentModel: cm, ServiceDefinition: sdef})
		}
	}
	return out
}

// sessionEnv carries what a session needs to reach content.
type sessionEnv struct {
	content    BlobStore
	fetcher    ContentFetcher
	spool      ContentSpool
	translator Translator
	baseURL    string
}

// Reader is a read-only view of one object. Readers are safe for concurrent
// use; every accessor returns copies.
type Reader struct {
	obj *DigitalObject
	env *sessionEnv

	mu      sync.Mutex
	triples []rels.Triple
	relsErr error
	loaded  bool
}

func newReader(obj *DigitalObject, env *sessionEnv) *Reader {
	return &Reader{obj: obj, env: env}
}

// NewReader wraps obj in a Reader that can only reach inline content.
func NewReader(obj *DigitalObject) *Reader {
	return newReader(obj, &sessionEnv{})
}

// PID returns the object identifier.
func (r *Reader) PID() string { return r.obj.PID }

// Label returns the object label.
func (r *Reader) Label() string { return r.obj.Label }

// State returns the object state.
func (r *Reader) State() State { return r.obj.State }

// OwnerID returns the object owner.
func (r *Reader) OwnerID() string { return r.obj.OwnerID }

// CreatedAt returns the creation timestamp.
func (r *Reader) CreatedAt() time.Time { return r.obj.CreatedAt }

// ModifiedAt returns the last-modified timestamp.
func (r *Reader) ModifiedAt() time.Time { return r.obj.ModifiedAt }

// IsNew reports whether the object has never been committed.
func (r *Reader) IsNew() bool { return r.obj.New }

// Object returns a deep copy of the object state.
func (r *Reader) Object() *DigitalObject { return r.obj.Copy() }

// AuditRecords returns the audit trail, oldest first.
func (r *Reader) AuditRecords() []AuditRecord {
	return append([]AuditRecord(nil), r.obj.AuditRecords...)
}

// DatastreamIDs lists datastreams whose latest version is in state. An empty
// state lists every datastream.
func (r *Reader) DatastreamIDs(state State) []string {
	var out []string
	for _, id := range r.obj.DatastreamIDs() {
		latest := latestVersion(r.obj.Datastreams[id])
		if state == "" || latest.State == state {
			out = append(out, id)
		}
	}
	return out
}

// Datastream returns the version of dsID in effect at asOf: the latest version
// created at or before it. A zero asOf selects the latest version.
func (r *Reader) Datastream(dsID string, asOf time.Time) (*DatastreamVersion, error) {
	v, err := r.datastream(dsID, asOf)
	if err != nil {
		return nil, err
	}
	return v.Copy(), nil
}

func (r *Reader) datastream(dsID string, asOf time.Time) (*DatastreamVersion, error) {
	var found *DatastreamVersion
	for _, v := range r.visible(dsID) {
		if !asOf.IsZero() && v.CreatedAt.After(asOf) {
			continue
		}
		if found == nil || v.CreatedAt.After(found.CreatedAt) {
			found = v
		}
	}
	if found == nil {
		return nil, &DatastreamError{PID: r.obj.PID, DatastreamID: dsID, Op: "get", Err: ErrDatastreamNotFound}
	}
	return found, nil
}

// DatastreamVersion returns a version by its version id.
func (r *Reader) DatastreamVersion(dsID, versionID string) (*DatastreamVersion, error) {
	for _, v := range r.visible(dsID) {
		if v.VersionID == versionID {
			return v.Copy(), nil
		}
	}
	return nil, &DatastreamError{PID: r.obj.PID, DatastreamID: dsID, Op: "get_version", Err: ErrDatastreamNotFound}
}

// VersionHistory returns the visible versions of dsID, newest first.
func (r *Reader) VersionHistory(dsID string) ([]*DatastreamVersion, error) {
	visible := r.visible(dsID)
	if len(visible) == 0 {
		return nil, &DatastreamError{PID: r.obj.PID, DatastreamID: dsID, Op: "history", Err: ErrDatastreamNotFound}
	}
	out := make([]*DatastreamVersion, len(visible))
	for i, v := range visible {
		out[i] = v.Copy()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// visible returns the versions a reader may see. A datastream whose latest
// version is not versionable shows only that version.
func (r *Reader) visible(dsID string) []*DatastreamVersion {
	versions := r.obj.Datastreams[dsID]
	if len(versions) == 0 {
		return nil
	}
	latest := latestVersion(versions)
	if !latest.Versionable {
		return []*DatastreamVersion{latest}
	}
	return versions
}

func latestVersion(versions []*DatastreamVersion) *DatastreamVersion {
	var latest *DatastreamVersion
	for _, v := range versions {
		if latest == nil || !v.CreatedAt.Before(latest.CreatedAt) {
			latest = v
		}
	}
	return latest
}

// Relationships returns every triple from the relationship datastreams that
// matches the pattern. Empty pattern components match anything.
func (r *Reader) Relationships(subject, predicate, object string) ([]rels.Triple, error) {
	all, err := r.relationships()
	if err != nil {
		return nil, err
	}
	var out []rels.Triple
	for _, t := range all {
		if t.Matches(subject, predicate, object) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *Reader) relationships() ([]rels.Triple, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.triples, r.relsErr
	}

	var all []rels.Triple
	for _, id := range []string{RelsExtID, RelsIntID} {
		triples, err := r.datastreamTriples(id)
		if err != nil {
			r.relsErr = err
			break
		}
		all = append(all, triples...)
	}
	r.triples, r.loaded = all, true
	return r.triples, r.relsErr
}

func (r *Reader) datastreamTriples(dsID string) ([]rels.Triple, error) {
	v, err := r.datastream(dsID, time.Time{})
	if err != nil {
		return nil, nil
	}
	if v.State == StateDeleted {
		return nil, nil
	}
	triples, err := rels.Parse(v.Content)
	if err != nil {
		return nil, &DatastreamError{PID: r.obj.PID, DatastreamID: dsID, Op: "parse_relationships", Err: fmt.Errorf("%w: %v", ErrIntegrity, err)}
	}
	return triples, nil
}

func (r *Reader) resetRelationships() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triples, r.relsErr, r.loaded = nil, nil, false
}

func (r *Reader) objectTargets(predicate string) ([]string, error) {
	triples, err := r.Relationships(rels.ObjectURI(r.obj.PID), predicate, "")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range triples {
		if !t.Literal {
			out = append(out, rels.StripURI(t.Object))
		}
	}
	return out, nil
}

// ContentModels returns the identifiers of the content models the object
// declares.
func (r *Reader) ContentModels() ([]string, error) {
	return r.objectTargets(rels.HasModel)
}

// Kind returns the capability variant of the object.
func (r *Reader) Kind() (ObjectKind, error) {
	models, err := r.objectTargets(rels.HasModel)
	if err != nil {
		return PlainObject, err
	}
	for _, m := range models {
		switch rels.URIPrefix + m {
		case rels.ServiceDeploymentModel:
			return ServiceDeploymentObject, nil
		case rels.ServiceDefinitionModel:
			return ServiceDefinitionObject, nil
		}
	}
	return PlainObject, nil
}

// ServiceDefinition returns the service definition accessors, or false if the
// object is not a service definition.
func (r *Reader) ServiceDefinition() (*ServiceDefinitionInfo, bool, error) {
	kind, err := r.Kind()
	if err != nil || kind != ServiceDefinitionObject {
		return nil, false, err
	}
	methods, err := r.methods()
	if err != nil {
		return nil, false, err
	}
	return &ServiceDefinitionInfo{Methods: methods}, true, nil
}

// ServiceDeployment returns the service deployment accessors, or false if the
// object is not a service deployment.
func (r *Reader) ServiceDeployment() (*ServiceDeploymentInfo, bool, error) {
	kind, err := r.Kind()
	if err != nil || kind != ServiceDeploymentObject {
		return nil, false, err
	}
	info := &ServiceDeploymentInfo{}
	if info.DeploymentOf, err = r.objectTargets(rels.IsDeploymentOf); err != nil {
		return nil, false, err
	}
	if info.ContractorOf, err = r.objectTargets(rels.IsContractorOf); err != nil {
		return nil, false, err
	}
	if info.Methods, err = r.methods(); err != nil {
		return nil, false, err
	}
	return info, true, nil
}

// methods reads operation names from the METHODMAP datastream.
func (r *Reader) methods() ([]string, error) {
	v, err := r.datastream(MethodMapID, time.Time{})
	if err != nil {
		return nil, nil
	}
	dec := xml.NewDecoder(bytes.NewReader(v.Content))
	var out []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, &DatastreamError{PID: r.obj.PID, DatastreamID: MethodMapID, Op: "parse_methods", Err: fmt.Errorf("%w: %v", ErrIntegrity, err)}
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "Method" {
			continue
		}
		for _, a := range se.Attr {
			if a.Name.Local == "operationName" {
				out = append(out, a.Value)
			}
		}
	}
}

// DatastreamContent opens the content of the version of dsID in effect at
// asOf.
func (r *Reader) DatastreamContent(ctx context.Context, dsID string, asOf time.Time) (io.ReadCloser, error) {
	v, err := r.datastream(dsID, asOf)
	if err != nil {
		return nil, err
	}
	return r.env.open(ctx, r.obj.PID, v)
}

func (e *sessionEnv) open(ctx context.Context, pid string, v *DatastreamVersion) (io.ReadCloser, error) {
	switch v.ControlGroup {
	case ControlGroupInline:
		return io.NopCloser(bytes.NewReader(v.Content)), nil
	case ControlGroupManaged:
		if v.Content != nil {
			return io.NopCloser(bytes.NewReader(v.Content)), nil
		}
		if e.content == nil {
			return nil, invalidStatef("no content store configured")
		}
		rc, err := e.content.Get(ctx, v.Location)
		if err != nil {
			return nil, &DatastreamError{PID: pid, DatastreamID: v.DatastreamID, Op: "open", Err: err}
		}
		return rc, nil
	default:
		if e.fetcher == nil {
			return nil, invalidStatef("no content fetcher configured")
		}
		fc, err := e.fetcher.Fetch(ctx, FetchRequest{Location: v.Location, ContextToken: pid})
		if err != nil {
			return nil, &DatastreamError{PID: pid, DatastreamID: v.DatastreamID, Op: "fetch", Err: err}
		}
		return fc.Body, nil
	}
}

// Export serializes the object in format for the given export context.
func (r *Reader) Export(ctx context.Context, w io.Writer, format string, tc TranslationContext) error {
	if r.env.translator == nil {
		return invalidStatef("no translator configured")
	}
	obj := r.obj.Copy()
	for _, id := range obj.DatastreamIDs() {
		for _, v := range obj.Datastreams[id] {
			if v.ControlGroup != ControlGroupManaged {
				continue
			}
			switch tc {
			case ContextPublic:
				v.Location = publicContentURL(r.env.baseURL, obj.PID, id, v.CreatedAt)
			case ContextArchive:
				if v.Content != nil {
					continue
				}
				rc, err := r.env.open(ctx, obj.PID, v)
				if err != nil {
					return err
				}
				data, err := io.ReadAll(rc)
				rc.Close()
				if err != nil {
					return DeviceError("content", "export", v.Location, err)
				}
				v.Content = data
			}
		}
	}
	return r.env.translator.Serialize(ctx, w, obj, format, tc)
}

func publicContentURL(baseURL, pid, dsID string, at time.Time) string {
	return fmt.Sprintf("%s/objects/%s/datastreams/%s/content?asOfDateTime=%s",
		strings.TrimRight(baseURL, "/"), url.PathEscape(pid), url.PathEscape(dsID),
		url.QueryEscape(at.UTC().Format(time.RFC3339Nano)))
}

// ContentToken returns the blob store token for a managed datastream version.
func ContentToken(pid, dsID, versionID string) string {
	return pid + "+" + dsID + "+" + versionID
}

// IsContentToken reports whether location is an internal content token.
func IsContentToken(location string) bool {
	if strings.Contains(location, "://") {
		return false
	}
	parts := strings.Split(location, "+")
	return len(parts) == 3 && ValidatePID(parts[0]) == nil && parts[1] != "" && parts[2] != ""
}
