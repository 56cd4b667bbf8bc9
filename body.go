package krequest

import (
	"net/url"
	"strings"

	"github.com/Val-istar-Guo/krequest/formdata"
)

// BodyKind identifies the active body representation.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyText
	BodyData
	BodyForm
	BodyBinary
)

func (k BodyKind) String() string {
	switch k {
	case BodyNone:
		return "none"
	case BodyText:
		return "text"
	case BodyData:
		return "data"
	case BodyForm:
		return "form"
	case BodyBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Body is the request body. Exactly one representation is active; the zero value is BodyNone.
type Body struct {
	kind BodyKind
	text string
	data any
	form *formdata.FormData
	file *formdata.File
}

// TextBody returns a text body, sent as text/plain unless a Content-Type is set.
func TextBody(s string) Body {
	return Body{kind: BodyText, text: s}
}

// DataBody returns a structured body, encoded as JSON or as a urlencoded form depending on
// the request Content-Type.
func DataBody(v any) Body {
	return Body{kind: BodyData, data: v}
}

// FormBody returns a multipart body.
func FormBody(fd *formdata.FormData) Body {
	return Body{kind: BodyForm, form: fd}
}

// BinaryBody returns a raw body read from f.
func BinaryBody(f *formdata.File) Body {
	return Body{kind: BodyBinary, file: f}
}

// Kind reports the active representation.
func (b Body) Kind() BodyKind { return b.kind }

// Text returns the text of a BodyText body.
func (b Body) Text() string { return b.text }

// Data returns the value of a BodyData body.
func (b Body) Data() any { return b.data }

// Form returns the form of a BodyForm body.
func (b Body) Form() *formdata.FormData { return b.form }

// File returns the source of a BodyBinary body.
func (b Body) File() *formdata.File { return b.file }

// mergeData merges fields into a map body and replaces anything else.
func mergeData(current Body, value any) Body {
	incoming, ok := toStringMap(value)
	if !ok || current.kind != BodyData {
		return DataBody(value)
	}
	existing, ok := toStringMap(current.data)
	if !ok {
		return DataBody(value)
	}
	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return DataBody(merged)
}

func toStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	case url.Values:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}

var shorthandTypes = map[string]string{
	"json":      "application/json",
	"form":      "application/x-www-form-urlencoded",
	"form-data": "multipart/form-data",
	"text":      "text/plain",
	"html":      "text/html",
	"xml":       "application/xml",
}

// fixContentType expands shorthand content types.
func fixContentType(contentType string) string {
	if full, ok := shorthandTypes[strings.ToLower(strings.TrimSpace(contentType))]; ok {
		return full
	}
	return contentType
}
