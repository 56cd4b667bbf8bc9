// Package formdata builds multipart/form-data bodies that are encoded lazily.
//
// A FormData is a table of named fields; a name maps to an ordered list of values.
// Values are narrowed once, when assigned, into text, file (binary with known size)
// or stream (reader with unknown size). The body is produced chunk by chunk by an
// Encoder, so readers are forwarded without being buffered in memory.
//
//	fd := formdata.New()
//	_ = fd.Append("name", "hello")
//	_ = fd.Append("file", data, formdata.WithFilename("a.bin"))
//	n, ok := fd.ComputedLength() // ok is false when a stream has no declared size
//	body := fd.Encoder(ctx)
//	defer body.Close()
package formdata

import (
	"mime"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	boundaryPrefix     = "GoFormDataStreamBoundary"
	carriage           = "\r\n"
	dashes             = "--"
	defaultContentType = "application/octet-stream"
)

type field struct {
	append bool
	values []Value
}

// FormData is an ordered multipart field table. It is safe for concurrent use, but an
// Encoder works on the entries present when it was created.
type FormData struct {
	boundary string

	mu     sync.RWMutex
	names  []string
	fields map[string]*field
}

// New creates an empty FormData with a freshly generated boundary.
func New() *FormData {
	return &FormData{
		boundary: boundaryPrefix + strings.ReplaceAll(uuid.NewString(), "-", ""),
		fields:   make(map[string]*field),
	}
}

// Boundary returns the boundary token. It never changes after construction.
func (fd *FormData) Boundary() string {
	return fd.boundary
}

// ContentType returns the Content-Type header value announcing the boundary.
func (fd *FormData) ContentType() string {
	return "multipart/form-data; boundary=" + fd.boundary
}

// Headers returns the headers to send along with the encoded body.
func (fd *FormData) Headers() map[string]string {
	return map[string]string{"Content-Type": fd.ContentType()}
}

// Append adds a value to name, or creates the field when it does not exist.
//
// Appending to a field that was created by Set is a no-op: replace semantics stick
// until the field is deleted.
func (fd *FormData) Append(name string, value any, opts ...FieldOption) error {
	return fd.setField(name, value, opts, true)
}

// Set replaces every value of name with value.
func (fd *FormData) Set(name string, value any, opts ...FieldOption) error {
	return fd.setField(name, value, opts, false)
}

func (fd *FormData) setField(name string, value any, opts []FieldOption, appendValue bool) error {
	if name == "" {
		return ErrInvalidArguments
	}
	v, err := newValue(name, value, opts)
	if err != nil {
		return err
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()

	f, exists := fd.fields[name]
	switch {
	case !exists:
		fd.names = append(fd.names, name)
		fd.fields[name] = &field{append: appendValue, values: []Value{v}}
	case !appendValue:
		fd.fields[name] = &field{append: false, values: []Value{v}}
	case !f.append:
		// created by Set
	default:
		f.values = append(f.values, v)
	}
	return nil
}

// Has reports whether a field with the given name exists.
func (fd *FormData) Has(name string) bool {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	_, ok := fd.fields[name]
	return ok
}

// Get returns the first value of name.
func (fd *FormData) Get(name string) (Value, bool) {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	f, ok := fd.fields[name]
	if !ok {
		return Value{}, false
	}
	return f.values[0], true
}

// GetAll returns every value of name in insertion order.
func (fd *FormData) GetAll(name string) []Value {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	f, ok := fd.fields[name]
	if !ok {
		return nil
	}
	out := make([]Value, len(f.values))
	copy(out, f.values)
	return out
}

// Delete removes name and all its values.
func (fd *FormData) Delete(name string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if _, ok := fd.fields[name]; !ok {
		return
	}
	delete(fd.fields, name)
	for i, n := range fd.names {
		if n == name {
			fd.names = append(fd.names[:i:i], fd.names[i+1:]...)
			break
		}
	}
}

// Keys returns field names in table order.
func (fd *FormData) Keys() []string {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	out := make([]string, len(fd.names))
	copy(out, fd.names)
	return out
}

// Len returns the number of distinct field names.
func (fd *FormData) Len() int {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	return len(fd.names)
}

// Entry is one name/value pair of the table.
type Entry struct {
	Name  string
	Value Value
}

// Entries flattens the table: every value of every name, in encoding order.
func (fd *FormData) Entries() []Entry {
	fd.mu.RLock()
	defer fd.mu.RUnlock()
	var out []Entry
	for _, name := range fd.names {
		for _, v := range fd.fields[name].values {
			out = append(out, Entry{Name: name, Value: v})
		}
	}
	return out
}

// ComputedLength returns the exact byte length of the encoded body.
//
// ok is false when any value is a stream without a declared size; the body must then
// be sent with chunked transfer encoding instead of a Content-Length.
func (fd *FormData) ComputedLength() (n int64, ok bool) {
	for _, e := range fd.Entries() {
		size, known := e.Value.size()
		if !known {
			return 0, false
		}
		n += int64(len(fd.partHeader(e.Name, e.Value.filename))) + size + int64(len(carriage))
	}
	return n + int64(len(fd.footer())), true
}

func (fd *FormData) partHeader(name, filename string) string {
	var b strings.Builder
	b.WriteString(dashes)
	b.WriteString(fd.boundary)
	b.WriteString(carriage)
	b.WriteString(`Content-Disposition: form-data; name="`)
	b.WriteString(escapeQuotes(name))
	b.WriteByte('"')
	if filename != "" {
		b.WriteString(`; filename="`)
		b.WriteString(escapeQuotes(filename))
		b.WriteByte('"')
		b.WriteString(carriage)
		b.WriteString("Content-Type: ")
		b.WriteString(MimeType(filename))
	}
	b.WriteString(carriage)
	b.WriteString(carriage)
	return b.String()
}

func (fd *FormData) footer() string {
	return dashes + fd.boundary + dashes + carriage + carriage
}

var quoteEscaper = strings.NewReplacer(`"`, "%22", "\r", "%0D", "\n", "%0A")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// MimeType resolves a media type from the filename extension, defaulting to
// application/octet-stream. Parameters such as charset are dropped.
func MimeType(filename string) string {
	ext := filepath.Ext(filename)
	if ext == "" {
		return defaultContentType
	}
	t := mime.TypeByExtension(ext)
	if t == "" {
		return defaultContentType
	}
	if mediaType, _, err := mime.ParseMediaType(t); err == nil {
		return mediaType
	}
	return t
}
