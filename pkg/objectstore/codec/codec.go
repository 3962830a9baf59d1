// Package codec serializes digital objects. The JSON format is the storage
// format; the XML format is used for export and ingest.
package codec

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
)

// Format identifiers.
const (
	FormatJSON = "json"
	FormatXML  = "xml"
)

// Codec implements objectstore.Translator for the JSON and XML formats.
type Codec struct{}

var _ objectstore.Translator = Codec{}

// New returns a Codec.
func New() Codec {
	return Codec{}
}

// Serialize writes obj to w in format.
func (Codec) Serialize(ctx context.Context, w io.Writer, obj *objectstore.DigitalObject, format string, tc objectstore.TranslationContext) error {
	switch format {
	case FormatJSON, "":
		return writeJSON(w, obj)
	case FormatXML:
		return writeXML(w, obj, tc)
	}
	return unsupported(format)
}

// Deserialize reads an object in format from r.
func (Codec) Deserialize(ctx context.Context, r io.Reader, format string, tc objectstore.TranslationContext) (*objectstore.DigitalObject, error) {
	var (
		obj *objectstore.DigitalObject
		err error
	)
	switch format {
	case FormatJSON, "":
		obj, err = readJSON(r)
	case FormatXML:
		obj, err = readXML(r)
	default:
		return nil, unsupported(format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", objectstore.ErrValidation, format, err)
	}
	return obj, nil
}

func unsupported(format string) error {
	return fmt.Errorf("%w: unsupported format %q", objectstore.ErrValidation, format)
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}
