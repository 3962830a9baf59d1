package codec_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/codec"
)

func sampleObject() *objectstore.DigitalObject {
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	obj := objectstore.NewDigitalObject("demo:1")
	obj.Label = "Sample & <co>"
	obj.State = objectstore.StateActive
	obj.OwnerID = "alice"
	obj.CreatedAt = created
	obj.ModifiedAt = created.Add(time.Minute)
	obj.Datastreams[objectstore.DCID] = []*objectstore.DatastreamVersion{{
		DatastreamID: objectstore.DCID,
		VersionID:    "DC.0",
		Label:        "Dublin Core",
		MIMEType:     "text/xml",
		ControlGroup: objectstore.ControlGroupInline,
		State:        objectstore.StateActive,
		Versionable:  true,
		CreatedAt:    created,
		Content:      []byte(`<oai_dc:dc xmlns:oai_dc="http://www.openarchives.org/OAI/2.0/oai_dc/" xmlns:dc="http://purl.org/dc/elements/1.1/"><dc:identifier>demo:1</dc:identifier></oai_dc:dc>`),
	}}
	obj.Datastreams["IMG"] = []*objectstore.DatastreamVersion{
		{
			DatastreamID: "IMG",
			VersionID:    "IMG.0",
			MIMEType:     "image/png",
			ControlGroup: objectstore.ControlGroupManaged,
			State:        objectstore.StateActive,
			Versionable:  true,
			CreatedAt:    created,
			Location:     "demo:1+IMG+IMG.0",
			ChecksumType: "SHA-256",
			Checksum:     "abc",
			Size:         3,
			AltIDs:       []string{"thumb"},
		},
		{
			DatastreamID: "IMG",
			VersionID:    "IMG.1",
			MIMEType:     "image/png",
			ControlGroup: objectstore.ControlGroupManaged,
			State:        objectstore.StateInactive,
			Versionable:  true,
			CreatedAt:    created.Add(time.Minute),
			Location:     "demo:1+IMG+IMG.1",
			Size:         4,
		},
	}
	obj.Datastreams["LINK"] = []*objectstore.DatastreamVersion{{
		DatastreamID: "LINK",
		VersionID:    "LINK.0",
		ControlGroup: objectstore.ControlGroupRedirect,
		State:        objectstore.StateActive,
		CreatedAt:    created,
		Location:     "https://example.org/a?b=c&d=e",
	}}
	obj.AuditRecords = []objectstore.AuditRecord{{
		ID:            "AUDIT1",
		Action:        objectstore.ActionIngest,
		Principal:     "alice",
		Date:          created.Add(time.Minute),
		Justification: "initial load",
	}}
	return obj
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []string{codec.FormatJSON, codec.FormatXML} {
		t.Run(format, func(t *testing.T) {
			c := codec.New()
			obj := sampleObject()

			var buf bytes.Buffer
			require.NoError(t, c.Serialize(context.Background(), &buf, obj, format, objectstore.ContextMigrate))

			got, err := c.Deserialize(context.Background(), &buf, format, objectstore.ContextStorage)
			require.NoError(t, err)

			assert.Equal(t, obj.PID, got.PID)
			assert.Equal(t, obj.Label, got.Label)
			assert.Equal(t, obj.State, got.State)
			assert.Equal(t, obj.OwnerID, got.OwnerID)
			assert.True(t, obj.CreatedAt.Equal(got.CreatedAt))
			assert.True(t, obj.ModifiedAt.Equal(got.ModifiedAt))
			assert.Equal(t, obj.DatastreamIDs(), got.DatastreamIDs())

			for _, id := range obj.DatastreamIDs() {
				want := obj.Datastreams[id]
				have := got.Datastreams[id]
				require.Len(t, have, len(want), id)
				for i := range want {
					assert.Equal(t, want[i].VersionID, have[i].VersionID)
					assert.Equal(t, want[i].DatastreamID, have[i].DatastreamID)
					assert.Equal(t, want[i].ControlGroup, have[i].ControlGroup)
					assert.Equal(t, want[i].State, have[i].State)
					assert.Equal(t, want[i].Location, have[i].Location)
					assert.Equal(t, want[i].Checksum, have[i].Checksum)
					assert.Equal(t, want[i].ChecksumType, have[i].ChecksumType)
					assert.Equal(t, want[i].Content, have[i].Content)
					assert.Equal(t, want[i].Versionable, have[i].Versionable)
					assert.True(t, want[i].CreatedAt.Equal(have[i].CreatedAt))
				}
			}
			assert.Equal(t, []string{"thumb"}, got.Datastreams["IMG"][0].AltIDs)

			require.Len(t, got.AuditRecords, 1)
			assert.Equal(t, "AUDIT1", got.AuditRecords[0].ID)
			assert.Equal(t, "initial load", got.AuditRecords[0].Justification)
		})
	}
}

func TestXML_EmbeddedBinaryContent(t *testing.T) {
	c := codec.New()
	obj := sampleObject()
	obj.Datastreams["IMG"][0].Location = ""
	obj.Datastreams["IMG"][0].Content = []byte{0x89, 'P', 'N', 'G'}

	var buf bytes.Buffer
	require.NoError(t, c.Serialize(context.Background(), &buf, obj, codec.FormatXML, objectstore.ContextArchive))
	assert.Contains(t, buf.String(), "<binaryContent>")
	assert.Contains(t, buf.String(), `context="archive"`)

	got, err := c.Deserialize(context.Background(), &buf, codec.FormatXML, objectstore.ContextStorage)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, got.Datastreams["IMG"][0].Content)
	assert.Empty(t, got.Datastreams["IMG"][0].Location)
}

func TestXML_ContentLocationTypes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, codec.New().Serialize(context.Background(), &buf, sampleObject(), codec.FormatXML, objectstore.ContextMigrate))
	out := buf.String()
	assert.Contains(t, out, `type="INTERNAL_ID" ref="demo:1+IMG+IMG.0"`)
	assert.Contains(t, out, `type="URL" ref="https://example.org/a?b=c&amp;d=e"`)
}

func TestDeserialize_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		input  string
	}{
		{name: "bad json", format: codec.FormatJSON, input: "{"},
		{name: "bad xml", format: codec.FormatXML, input: "<digitalObject"},
		{name: "duplicate datastream", format: codec.FormatJSON, input: `{"pid":"demo:1","state":"A","datastreams":[{"id":"A","versions":[]},{"id":"A","versions":[]}]}`},
		{name: "bad time", format: codec.FormatXML, input: `<digitalObject xmlns="info:objectstore/xml/1.0" pid="demo:1"><properties state="A" created="yesterday"/></digitalObject>`},
		{name: "unknown format", format: "foxml", input: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.New().Deserialize(context.Background(), strings.NewReader(tt.input), tt.format, objectstore.ContextStorage)
			require.Error(t, err)
			assert.True(t, errors.Is(err, objectstore.ErrValidation), "got %v", err)
		})
	}
}

func TestSerialize_UnknownFormat(t *testing.T) {
	err := codec.New().Serialize(context.Background(), &bytes.Buffer{}, sampleObject(), "foxml", objectstore.ContextPublic)
	assert.True(t, errors.Is(err, objectstore.ErrValidation))
}
