package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// XMLNamespace is the namespace of the XML object format.
const XMLNamespace = "info:objectstore/xml/1.0"

// Content location types in the XML format.
const (
	locationInternal = "INTERNAL_ID"
	locationURL      = "URL"
)

type xmlObject struct {
	XMLName     xml.Name        `xml:"info:objectstore/xml/1.0 digitalObject"`
	PID         string          `xml:"pid,attr"`
	Context     string          `xml:"context,attr,omitempty"`
	Properties  xmlProperties   `xml:"properties"`
	Datastreams []xmlDatastream `xml:"datastream"`
	Audit       []xmlAudit      `xml:"audit>record"`
}

type xmlProperties struct {
	Label    string `xml:"label,attr"`
	State    string `xml:"state,attr"`
	Owner    string `xml:"ownerId,attr,omitempty"`
	Created  string `xml:"created,attr,omitempty"`
	Modified string `xml:"lastModified,attr,omitempty"`
}

type xmlDatastream struct {
	ID       string       `xml:"id,attr"`
	Versions []xmlVersion `xml:"version"`
}

type xmlVersion struct {
	ID           string       `xml:"id,attr"`
	Label        string       `xml:"label,attr,omitempty"`
	MIMEType     string       `xml:"mimeType,attr,omitempty"`
	FormatURI    string       `xml:"formatURI,attr,omitempty"`
	ControlGroup string       `xml:"controlGroup,attr"`
	State        string       `xml:"state,attr,omitempty"`
	Versionable  bool         `xml:"versionable,attr"`
	Created      string       `xml:"created,attr,omitempty"`
	Size         int64        `xml:"size,attr,omitempty"`
	AltIDs       []string     `xml:"altId"`
	Checksum     *xmlChecksum `xml:"checksum"`
	XMLContent   *xmlInner    `xml:"xmlContent"`
	Binary       string       `xml:"binaryContent,omitempty"`
	Location     *xmlLocation `xml:"contentLocation"`
}

type xmlChecksum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:"digest,attr,omitempty"`
}

type xmlInner struct {
	Inner []byte `xml:",innerxml"`
}

type xmlLocation struct {
	Type string `xml:"type,attr"`
	Ref  string `xml:"ref,attr"`
}

type xmlAudit struct {
	ID            string `xml:"id,attr"`
	Action        string `xml:"action"`
	ComponentID   string `xml:"componentId,omitempty"`
	Principal     string `xml:"principal"`
	Date          string `xml:"date"`
	Justification string `xml:"justification,omitempty"`
}

func writeXML(w io.Writer, obj *objectstore.DigitalObject, tc objectstore.TranslationContext) error {
	doc := xmlObject{
		PID:     obj.PID,
		Context: tc.String(),
		Properties: xmlProperties{
			Label:    obj.Label,
			State:    string(obj.State),
			Owner:    obj.OwnerID,
			Created:  formatTime(obj.CreatedAt),
			Modified: formatTime(obj.ModifiedAt),
		},
	}
	for _, id := range obj.DatastreamIDs() {
		ds := xmlDatastream{ID: id}
		for _, v := range obj.Datastreams[id] {
			ds.Versions = append(ds.Versions, toXMLVersion(v))
		}
		doc.Datastreams = append(doc.Datastreams, ds)
	}
	for _, rec := range obj.AuditRecords {
		doc.Audit = append(doc.Audit, xmlAudit{
			ID:            rec.ID,
			Action:        rec.Action,
			ComponentID:   rec.ComponentID,
			Principal:     rec.Principal,
			Date:          formatTime(rec.Date),
			Justification: rec.Justification,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if err := xml.NewEncoder(w).Encode(&doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func toXMLVersion(v *objectstore.DatastreamVersion) xmlVersion {
	out := xmlVersion{
		ID:           v.VersionID,
		Label:        v.Label,
		MIMEType:     v.MIMEType,
		FormatURI:    v.FormatURI,
		ControlGroup: string(v.ControlGroup),
		State:        string(v.State),
		Versionable:  v.Versionable,
		Created:      formatTime(v.CreatedAt),
		Size:         v.Size,
		AltIDs:       v.AltIDs,
	}
	if v.ChecksumType != "" {
		out.Checksum = &xmlChecksum{Type: v.ChecksumType, Value: v.Checksum}
	}
	switch {
	case v.ControlGroup == objectstore.ControlGroupInline:
		out.XMLContent = &xmlInner{Inner: stripDeclaration(v.Content)}
	case v.Content != nil:
		out.Binary = base64.StdEncoding.EncodeToString(v.Content)
	case v.Location != "":
		kind := locationURL
		if objectstore.IsContentToken(v.Location) {
			kind = locationInternal
		}
		out.Location = &xmlLocation{Type: kind, Ref: v.Location}
	}
	return out
}

func readXML(r io.Reader) (*objectstore.DigitalObject, error) {
	var doc xmlObject
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, err
	}

	obj := objectstore.NewDigitalObject(doc.PID)
	obj.Label = doc.Properties.Label
	obj.State = objectstore.State(doc.Properties.State)
	obj.OwnerID = doc.Properties.Owner
	var err error
	if obj.CreatedAt, err = parseTime(doc.Properties.Created); err != nil {
		return nil, fmt.Errorf("created: %w", err)
	}
	if obj.ModifiedAt, err = parseTime(doc.Properties.Modified); err != nil {
		return nil, fmt.Errorf("lastModified: %w", err)
	}

	for _, ds := range doc.Datastreams {
		if _, dup := obj.Datastreams[ds.ID]; dup {
			return nil, fmt.Errorf("datastream %s appears twice", ds.ID)
		}
		versions := make([]*objectstore.DatastreamVersion, 0, len(ds.Versions))
		for _, xv := range ds.Versions {
			v, err := fromXMLVersion(ds.ID, xv)
			if err != nil {
				return nil, fmt.Errorf("datastream %s: %w", ds.ID, err)
			}
			versions = append(versions, v)
		}
		obj.Datastreams[ds.ID] = versions
	}

	for _, rec := range doc.Audit {
		date, err := parseTime(rec.Date)
		if err != nil {
			return nil, fmt.Errorf("audit %s: %w", rec.ID, err)
		}
		obj.AuditRecords = append(obj.AuditRecords, objectstore.AuditRecord{
			ID:            rec.ID,
			Action:        rec.Action,
			ComponentID:   rec.ComponentID,
			Principal:     rec.Principal,
			Date:          date,
			Justification: rec.Justification,
		})
	}
	return obj, nil
}

func fromXMLVersion(dsID string, xv xmlVersion) (*objectstore.DatastreamVersion, error) {
	created, err := parseTime(xv.Created)
	if err != nil {
		return nil, fmt.Errorf("version %s: %w", xv.ID, err)
	}
	v := &objectstore.DatastreamVersion{
		DatastreamID: dsID,
		VersionID:    xv.ID,
		Label:        xv.Label,
		MIMEType:     xv.MIMEType,
		FormatURI:    xv.FormatURI,
		AltIDs:       xv.AltIDs,
		ControlGroup: objectstore.ControlGroup(xv.ControlGroup),
		State:        objectstore.State(xv.State),
		Versionable:  xv.Versionable,
		CreatedAt:    created,
		Size:         xv.Size,
	}
	if xv.Checksum != nil {
		v.ChecksumType = xv.Checksum.Type
		v.Checksum = xv.Checksum.Value
	}
	switch {
	case xv.XMLContent != nil:
		v.Content = xv.XMLContent.Inner
		if v.ControlGroup == objectstore.ControlGroupInline {
			v.Size = int64(len(v.Content))
		}
	case xv.Binary != "":
		data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(xv.Binary), ""))
		if err != nil {
			return nil, fmt.Errorf("version %s binary content: %w", xv.ID, err)
		}
		v.Content = data
	case xv.Location != nil:
		v.Location = xv.Location.Ref
	}
	return v, nil
}

// stripDeclaration drops a leading <?xml ...?> so inline content can be
// embedded.
func stripDeclaration(content []byte) []byte {
	trimmed := bytes.TrimSpace(content)
	if !bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return content
	}
	end := bytes.Index(trimmed, []byte("?>"))
	if end < 0 {
		return content
	}
	return bytes.TrimSpace(trimmed[end+2:])
}
