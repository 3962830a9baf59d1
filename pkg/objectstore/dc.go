package objectstore

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"
)

const (
	dcNamespace    = "http://purl.org/dc/elements/1.1/"
	oaiDCNamespace = "http://www.openarchives.org/OAI/2.0/oai_dc/"

	// DCFormatURI is the format of the descriptive record.
	DCFormatURI = "http://www.openarchives.org/OAI/2.0/oai_dc/"
)

type dcElement struct {
	name  string
	value string
}

// defaultDCVersion builds the minimal descriptive record for an object.
func defaultDCVersion(pid, label string) *DatastreamVersion {
	var elems []dcElement
	if label != "" {
		elems = append(elems, dcElement{"title", label})
	}
	elems = append(elems, dcElement{"identifier", pid})
	content := renderDC(elems)
	return &DatastreamVersion{
		DatastreamID: DCID,
		Label:        "Dublin Core Record for this object",
		MIMEType:     "text/xml",
		FormatURI:    DCFormatURI,
		ControlGroup: ControlGroupInline,
		State:        StateActive,
		Versionable:  true,
		Content:      content,
		Size:         int64(len(content)),
	}
}

// ensureDCIdentifier returns content with a dc:identifier equal to pid. A
// missing identifier is inserted as the last child of the record; the rest
// of the document is left byte for byte.
func ensureDCIdentifier(content []byte, pid string) ([]byte, bool, error) {
	elems, err := parseDC(content)
	if err != nil {
		return nil, false, err
	}
	for _, e := range elems {
		if e.name == "identifier" && strings.TrimSpace(e.value) == pid {
			return content, false, nil
		}
	}
	out, err := insertDCIdentifier(content, pid)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// insertDCIdentifier splices a dc:identifier element in front of the
// closing tag of the root element.
func insertDCIdentifier(content []byte, pid string) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		depth     int
		prefix    string
		rootStart int64
		rootEnd   int64
	)
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err != nil {
			return nil, validationf("DC record is not well-formed: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				rootStart, rootEnd = offset, dec.InputOffset()
				for _, a := range t.Attr {
					if a.Name.Space == "xmlns" && a.Value == dcNamespace {
						prefix = a.Name.Local
					}
				}
			}
		case xml.EndElement:
			depth--
			if depth > 0 {
				continue
			}
			var elem bytes.Buffer
			if prefix != "" {
				elem.WriteString("<" + prefix + ":identifier>")
			} else {
				elem.WriteString(`<dc:identifier xmlns:dc="` + dcNamespace + `">`)
				prefix = "dc"
			}
			xml.EscapeText(&elem, []byte(pid))
			elem.WriteString("</" + prefix + ":identifier>")

			var out bytes.Buffer
			if closed := content[rootStart:rootEnd]; bytes.HasSuffix(closed, []byte("/>")) {
				// <oai_dc:dc .../> has no closing tag to insert before.
				name := strings.Fields(strings.TrimSuffix(string(closed[1:]), "/>"))[0]
				out.Write(content[:rootEnd-2])
				out.WriteString(">")
				out.Write(elem.Bytes())
				out.WriteString("</" + name + ">")
				out.Write(content[rootEnd:])
				return out.Bytes(), nil
			}
			out.Write(content[:offset])
			out.WriteString("  ")
			out.Write(elem.Bytes())
			out.WriteString("\n")
			out.Write(content[offset:])
			return out.Bytes(), nil
		}
	}
}

func parseDC(content []byte) ([]dcElement, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		out   []dcElement
		depth int
		cur   *dcElement
		text  strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, validationf("DC record is not well-formed: %v", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 && t.Name.Local != "dc" {
				return nil, validationf("DC record root is %s, not dc", t.Name.Local)
			}
			if depth == 2 && t.Name.Space == dcNamespace {
				cur = &dcElement{name: t.Name.Local}
				text.Reset()
			}
		case xml.CharData:
			if cur != nil {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 2 && cur != nil {
				cur.value = text.String()
				out = append(out, *cur)
				cur = nil
			}
			depth--
		}
	}
}

func renderDC(elems []dcElement) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<oai_dc:dc xmlns:oai_dc="` + oaiDCNamespace + `" xmlns:dc="` + dcNamespace + `">` + "\n")
	for _, e := range elems {
		buf.WriteString("  <dc:" + e.name + ">")
		xml.EscapeText(&buf, []byte(e.value))
		buf.WriteString("</dc:" + e.name + ">\n")
	}
	buf.WriteString("</oai_dc:dc>\n")
	return buf.Bytes()
}
