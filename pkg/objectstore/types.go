package objectstore

import (
	"sort"
	"time"
)

// State is the lifecycle state of an object or datastream.
type State string

// State constants.
const (
	StateActive   State = "A"
	StateInactive State = "I"
	StateDeleted  State = "D"
)

// ParseState accepts either the short code or the full name of a state.
func ParseState(s string) (State, error) {
	switch s {
	case "A", "Active", "active":
		return StateActive, nil
	case "I", "Inactive", "inactive":
		return StateInactive, nil
	case "D", "Deleted", "deleted":
		return StateDeleted, nil
	}
	return "", invalidStatef("unknown state %q", s)
}

// Valid reports whether s is one of the three lifecycle states.
func (s State) Valid() bool {
	return s == StateActive || s == StateInactive || s == StateDeleted
}

// ControlGroup tells how a datastream version's content is held.
type ControlGroup string

// Control group constants.
const (
	// ControlGroupInline content is XML carried inside the object record.
	ControlGroupInline ControlGroup = "X"
	// ControlGroupManaged content is copied into the repository's blob store.
	ControlGroupManaged ControlGroup = "M"
	// ControlGroupReferenced content stays at an external location and is
	// fetched on access.
	ControlGroupReferenced ControlGroup = "E"
	// ControlGroupRedirect content stays at an external location and clients
	// are redirected to it.
	ControlGroupRedirect ControlGroup = "R"
)

// Valid reports whether c is a known control group.
func (c ControlGroup) Valid() bool {
	switch c {
	case ControlGroupInline, ControlGroupManaged, ControlGroupReferenced, ControlGroupRedirect:
		return true
	}
	return false
}

// Reserved datastream ids.
const (
	DCID        = "DC"
	RelsExtID   = "RELS-EXT"
	RelsIntID   = "RELS-INT"
	MethodMapID = "METHODMAP"
)

// DigitalObject is the full in-memory state of one object.
type DigitalObject struct {
	PID        string
	Label      string
	State      State
	OwnerID    string
	CreatedAt  time.Time
	ModifiedAt time.Time

	// New is true until the object's first successful commit.
	New bool

	// Datastreams maps a datastream id to its versions in the order they
	// were added.
	Datastreams map[string][]*DatastreamVersion

	// AuditRecords is append-only.
	AuditRecords []AuditRecord
}

// NewDigitalObject returns an empty object with the given identifier.
func NewDigitalObject(pid string) *DigitalObject {
	return &DigitalObject{
		PID:         pid,
		Datastreams: make(map[string][]*DatastreamVersion),
	}
}

// DatastreamIDs returns the ids of all datastreams, sorted.
func (o *DigitalObject) DatastreamIDs() []string {
	ids := make([]string, 0, len(o.Datastreams))
	for id, versions := range o.Datastreams {
		if len(versions) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Copy returns a deep copy of o.
func (o *DigitalObject) Copy() *DigitalObject {
	out := *o
	out.Datastreams = make(map[string][]*DatastreamVersion, len(o.Datastreams))
	for id, versions := range o.Datastreams {
		cp := make([]*DatastreamVersion, len(versions))
		for i, v := range versions {
			cp[i] = v.Copy()
		}
		out.Datastreams[id] = cp
	}
	out.AuditRecords = append([]AuditRecord(nil), o.AuditRecords...)
	return &out
}

// DatastreamVersion is one version of one datastream.
type DatastreamVersion struct {
	DatastreamID string
	VersionID    string
	Label        string
	MIMEType     string
	FormatURI    string
	AltIDs       []string
	ControlGroup ControlGroup
	State        State
	Versionable  bool
	CreatedAt    time.Time

	// Content holds inline XML for ControlGroupInline, or content bytes
	// supplied with a managed version that have not been stored yet.
	Content []byte

	// Location is a storage token or URL, depending on the control group.
	Location string

	ChecksumType string
	Checksum     string
	Size         int64
}

// Copy returns a deep copy of v.
func (v *DatastreamVersion) Copy() *DatastreamVersion {
	out := *v
	out.AltIDs = append([]string(nil), v.AltIDs...)
	if v.Content != nil {
		out.Content = make([]byte, len(v.Content))
		copy(out.Content, v.Content)
	}
	return &out
}

// AuditRecord records one action taken on an object.
type AuditRecord struct {
	ID            string
	Action        string
	ComponentID   string
	Principal     string
	Date          time.Time
	Justification string
}

// Audit action names.
const (
	ActionIngest            = "ingest"
	ActionModifyObject      = "modifyObject"
	ActionAddDatastream     = "addDatastream"
	ActionModifyDatastream  = "modifyDatastream"
	ActionPurgeDatastream   = "purgeDatastream"
	ActionAddRelationship   = "addRelationship"
	ActionPurgeRelationship = "purgeRelationship"
)

// ServiceContext identifies a (content model, service definition) pair that a
// service deployment implements.
type ServiceContext struct {
	ContentModel      string
	ServiceDefinition string
}

// DeploymentBinding is one row of the deployment binding table.
type DeploymentBinding struct {
	Context      ServiceContext
	DeploymentID string
	ModifiedAt   time.Time
}

// RegistryEntry is the registry's record of an object.
type RegistryEntry struct {
	PID       string
	OwnerID   string
	Label     string
	State     State
	Version   int64
	CreatedAt time.Time
}
