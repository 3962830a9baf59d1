// Package rels reads and writes the RDF/XML documents held in an object's
// relationship datastreams.
//
// Only the flat subset used by relationship datastreams is supported: an
// rdf:RDF root holding rdf:Description elements, each with an rdf:about
// subject and one child element per predicate. A predicate element carries
// either an rdf:resource attribute or literal character data with an optional
// rdf:datatype.
package rels

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// RDFNamespace is the RDF syntax namespace.
const RDFNamespace = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"

// URIPrefix prefixes object and datastream identifiers when used as RDF nodes.
const URIPrefix = "info:fedora/"

// Model vocabulary.
const (
	ModelNamespace = "info:fedora/fedora-system:def/model#"

	HasModel       = ModelNamespace + "hasModel"
	IsDeploymentOf = ModelNamespace + "isDeploymentOf"
	IsContractorOf = ModelNamespace + "isContractorOf"

	ServiceDefinitionModel = URIPrefix + "fedora-system:ServiceDefinition-3.0"
	ServiceDeploymentModel = URIPrefix + "fedora-system:ServiceDeployment-3.0"
)

// ErrMalformed is returned when a document is not a relationship document.
var ErrMalformed = errors.New("malformed relationship document")

// Triple is a single subject/predicate/object statement.
type Triple struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Literal   bool   `json:"literal,omitempty"`
	Datatype  string `json:"datatype,omitempty"`
}

// Matches reports whether t matches the pattern. An empty pattern
// component matches anything.
func (t Triple) Matches(subject, predicate, object string) bool {
	return (subject == "" || subject == t.Subject) &&
		(predicate == "" || predicate == t.Predicate) &&
		(object == "" || object == t.Object)
}

// ObjectURI returns the RDF node for an object identifier.
func ObjectURI(pid string) string {
	return URIPrefix + pid
}

// DatastreamURI returns the RDF node for a datastream of an object.
func DatastreamURI(pid, dsID string) string {
	return URIPrefix + pid + "/" + dsID
}

// StripURI removes the info:fedora/ prefix, if present.
func StripURI(uri string) string {
	return strings.TrimPrefix(uri, URIPrefix)
}

// Empty returns a valid relationship document with no statements.
func Empty() []byte {
	return []byte(`<rdf:RDF xmlns:rdf="` + RDFNamespace + `"></rdf:RDF>`)
}

// Parse reads every statement in data. An empty document yields no triples.
func Parse(data []byte) ([]Triple, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	dec := xml.NewDecoder(bytes.NewReader(data))
	var (
		out     []Triple
		depth   int
		subject string
		cur     *Triple
		text    strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 1:
				if t.Name.Space != RDFNamespace || t.Name.Local != "RDF" {
					return nil, fmt.Errorf("%w: root element %s is not rdf:RDF", ErrMalformed, t.Name.Local)
				}
			case 2:
				if t.Name.Space != RDFNamespace || t.Name.Local != "Description" {
					return nil, fmt.Errorf("%w: unexpected element %s", ErrMalformed, t.Name.Local)
				}
				subject = attr(t, "about")
				if subject == "" {
					return nil, fmt.Errorf("%w: rdf:Description without rdf:about", ErrMalformed)
				}
			case 3:
				cur = &Triple{Subject: subject, Predicate: t.Name.Space + t.Name.Local}
				if res := attr(t, "resource"); res != "" {
					cur.Object = res
				} else {
					cur.Literal = true
					cur.Datatype = attr(t, "datatype")
				}
				text.Reset()
			default:
				return nil, fmt.Errorf("%w: nested element %s", ErrMalformed, t.Name.Local)
			}
		case xml.CharData:
			if depth == 3 && cur != nil && cur.Literal {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 3 && cur != nil {
				if cur.Literal {
					cur.Object = text.String()
				}
				out = append(out, *cur)
				cur = nil
			}
			depth--
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unexpected end of document", ErrMalformed)
	}
	return out, nil
}

// Render writes triples as a relationship document. Subjects appear in the
// order they are first seen.
func Render(triples []Triple) ([]byte, error) {
	var (
		subjects []string
		grouped  = make(map[string][]Triple)
	)
	for _, t := range triples {
		if _, ok := grouped[t.Subject]; !ok {
			subjects = append(subjects, t.Subject)
		}
		grouped[t.Subject] = append(grouped[t.Subject], t)
	}

	var buf bytes.Buffer
	buf.WriteString(`<rdf:RDF xmlns:rdf="` + RDFNamespace + `">` + "\n")
	for _, s := range subjects {
		buf.WriteString(`  <rdf:Description rdf:about="`)
		if err := xml.EscapeText(&buf, []byte(s)); err != nil {
			return nil, err
		}
		buf.WriteString(`">` + "\n")
		for _, t := range grouped[s] {
			ns, local, err := splitPredicate(t.Predicate)
			if err != nil {
				return nil, err
			}
			buf.WriteString(`    <p:` + local + ` xmlns:p="`)
			if err := xml.EscapeText(&buf, []byte(ns)); err != nil {
				return nil, err
			}
			buf.WriteString(`"`)
			if !t.Literal {
				buf.WriteString(` rdf:resource="`)
				if err := xml.EscapeText(&buf, []byte(t.Object)); err != nil {
					return nil, err
				}
				buf.WriteString(`"/>` + "\n")
				continue
			}
			if t.Datatype != "" {
				buf.WriteString(` rdf:datatype="`)
				if err := xml.EscapeText(&buf, []byte(t.Datatype)); err != nil {
					return nil, err
				}
				buf.WriteString(`"`)
			}
			buf.WriteString(`>`)
			if err := xml.EscapeText(&buf, []byte(t.Object)); err != nil {
				return nil, err
			}
			buf.WriteString(`</p:` + local + `>` + "\n")
		}
		buf.WriteString("  </rdf:Description>\n")
	}
	buf.WriteString("</rdf:RDF>\n")
	return buf.Bytes(), nil
}

func attr(t xml.StartElement, local string) string {
	for _, a := range t.Attr {
		if a.Name.Space == RDFNamespace && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func splitPredicate(p string) (string, string, error) {
	i := strings.LastIndexAny(p, "#/")
	if i < 0 || i == len(p)-1 {
		return "", "", fmt.Errorf("predicate %q has no local name", p)
	}
	local := p[i+1:]
	for j, r := range local {
		ok := r == '_' || r == '-' || r == '.' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9')
		if !ok || (j == 0 && (r == '-' || r == '.' || ('0' <= r && r <= '9'))) {
			return "", "", fmt.Errorf("predicate %q has an invalid local name", p)
		}
	}
	return p[:i+1], local, nil
}
