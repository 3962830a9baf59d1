package codec

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

type jsonObject struct {
	PID          string           `json:"pid"`
	Label        string           `json:"label,omitempty"`
	State        string           `json:"state"`
	OwnerID      string           `json:"owner_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	ModifiedAt   time.Time        `json:"modified_at"`
	Datastreams  []jsonDatastream `json:"datastreams"`
	AuditRecords []jsonAudit      `json:"audit,omitempty"`
}

type jsonDatastream struct {
	ID       string        `json:"id"`
	Versions []jsonVersion `json:"versions"`
}

type jsonVersion struct {
	ID           string    `json:"id"`
	Label        string    `json:"label,omitempty"`
	MIMEType     string    `json:"mime_type,omitempty"`
	FormatURI    string    `json:"format_uri,omitempty"`
	AltIDs       []string  `json:"alt_ids,omitempty"`
	ControlGroup string    `json:"control_group"`
	State        string    `json:"state"`
	Versionable  bool      `json:"versionable"`
	CreatedAt    time.Time `json:"created_at"`
	Content      []byte    `json:"content,omitempty"`
	Location     string    `json:"location,omitempty"`
	ChecksumType string    `json:"checksum_type,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
	Size         int64     `json:"size"`
}

type jsonAudit struct {
	ID            string    `json:"id"`
	Action        string    `json:"action"`
	ComponentID   string    `json:"component_id,omitempty"`
	Principal     string    `json:"principal"`
	Date          time.Time `json:"date"`
	Justification string    `json:"justification,omitempty"`
}

func writeJSON(w io.Writer, obj *objectstore.DigitalObject) error {
	doc := jsonObject{
		PID:         obj.PID,
		Label:       obj.Label,
		State:       string(obj.State),
		OwnerID:     obj.OwnerID,
		CreatedAt:   obj.CreatedAt,
		ModifiedAt:  obj.ModifiedAt,
		Datastreams: []jsonDatastream{},
	}
	for _, id := range obj.DatastreamIDs() {
		ds := jsonDatastream{ID: id}
		for _, v := range obj.Datastreams[id] {
			ds.Versions = append(ds.Versions, jsonVersion{
				ID:           v.VersionID,
				Label:        v.Label,
				MIMEType:     v.MIMEType,
				FormatURI:    v.FormatURI,
				AltIDs:       v.AltIDs,
				ControlGroup: string(v.ControlGroup),
				State:        string(v.State),
				Versionable:  v.Versionable,
				CreatedAt:    v.CreatedAt,
				Content:      v.Content,
				Location:     v.Location,
				ChecksumType: v.ChecksumType,
				Checksum:     v.Checksum,
				Size:         v.Size,
			})
		}
		doc.Datastreams = append(doc.Datastreams, ds)
	}
	for _, rec := range obj.AuditRecords {
		doc.AuditRecords = append(doc.AuditRecords, jsonAudit(rec))
	}
	return json.NewEncoder(w).Encode(&doc)
}

func readJSON(r io.Reader) (*objectstore.DigitalObject, error) {
	var doc jsonObject
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}
	obj := objectstore.NewDigitalObject(doc.PID)
	obj.Label = doc.Label
	obj.State = objectstore.State(doc.State)
	obj.OwnerID = doc.OwnerID
	obj.CreatedAt = doc.CreatedAt
	obj.ModifiedAt = doc.ModifiedAt
	for _, ds := range doc.Datastreams {
		if _, dup := obj.Datastreams[ds.ID]; dup {
			return nil, fmt.Errorf("datastream %s appears twice", ds.ID)
		}
		versions := make([]*objectstore.DatastreamVersion, 0, len(ds.Versions))
		for _, v := range ds.Versions {
			versions = append(versions, &objectstore.DatastreamVersion{
				DatastreamID: ds.ID,
				VersionID:    v.ID,
				Label:        v.Label,
				MIMEType:     v.MIMEType,
				FormatURI:    v.FormatURI,
				AltIDs:       v.AltIDs,
				ControlGroup: objectstore.ControlGroup(v.ControlGroup),
				State:        objectstore.State(v.State),
				Versionable:  v.Versionable,
				CreatedAt:    v.CreatedAt,
				Content:      v.Content,
				Location:     v.Location,
				ChecksumType: v.ChecksumType,
				Checksum:     v.Checksum,
				Size:         v.Size,
			})
		}
		obj.Datastreams[ds.ID] = versions
	}
	for _, rec := range doc.AuditRecords {
		obj.AuditRecords = append(obj.AuditRecords, objectstore.AuditRecord(rec))
	}
	return obj, nil
}
