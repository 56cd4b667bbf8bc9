package formdata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrInvalidArguments is returned when a field is assigned without a name.
	ErrInvalidArguments = errors.New("formdata: field name is required")

	// ErrInvalidFileValue is returned when a filename is given for a value that is not
	// binary data (*File, []byte) or a reader.
	ErrInvalidFileValue = errors.New("formdata: a filename requires a *File, []byte or io.Reader value")

	// ErrSourceConsumed is returned when a single-use reader is read a second time,
	// typically by a retried request.
	ErrSourceConsumed = errors.New("formdata: stream source already consumed")
)

// Kind identifies the representation chosen for a field value.
type Kind int

const (
	// KindText is a value coerced to its textual representation.
	KindText Kind = iota
	// KindFile is binary data with known size and metadata.
	KindFile
	// KindStream is a reader without a declared size. Its length is unknown until read.
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindFile:
		return "file"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Value is a single field value. The kind is decided once, when the field is assigned.
type Value struct {
	kind     Kind
	text     string
	file     *File
	stream   func() (io.ReadCloser, error)
	filename string
}

// Kind reports the value representation.
func (v Value) Kind() Kind { return v.kind }

// Filename returns the filename sent in the part header, or "" when none.
func (v Value) Filename() string { return v.filename }

// File returns the file for KindFile values and nil otherwise.
func (v Value) File() *File { return v.file }

// String returns the text of a KindText value, or the file name for file values.
func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.text
	case KindFile:
		return v.file.Name
	default:
		return v.filename
	}
}

// size returns the byte length of the value and whether it is known.
func (v Value) size() (int64, bool) {
	switch v.kind {
	case KindText:
		return int64(len(v.text)), true
	case KindFile:
		if v.file.Size < 0 {
			return 0, false
		}
		return v.file.Size, true
	default:
		return 0, false
	}
}

// FieldOption customizes a field assignment.
type FieldOption func(*fieldOptions)

type fieldOptions struct {
	filename     string
	size         int64
	contentType  string
	lastModified time.Time
}

// WithFilename sets the filename of the part. Only valid for binary and reader values.
func WithFilename(name string) FieldOption {
	return func(o *fieldOptions) { o.filename = name }
}

// WithSize declares the byte size of a reader value, making its length computable.
func WithSize(n int64) FieldOption {
	return func(o *fieldOptions) { o.size = n }
}

// WithType records the media type on the resulting *File.
func WithType(contentType string) FieldOption {
	return func(o *fieldOptions) { o.contentType = contentType }
}

// WithLastModified records the modification time on the resulting *File.
func WithLastModified(t time.Time) FieldOption {
	return func(o *fieldOptions) { o.lastModified = t }
}

func newValue(name string, value any, opts []FieldOption) (Value, error) {
	o := fieldOptions{size: -1}
	for _, opt := range opts {
		opt(&o)
	}

	switch val := value.(type) {
	case *File:
		filename := val.Name
		if filename == "" {
			filename = o.filename
		}
		if filename == "" {
			filename = "blob"
		}
		return Value{kind: KindFile, file: withMeta(val, o), filename: filepath.Base(filename)}, nil

	case []byte:
		filename := ""
		if o.filename != "" {
			filename = filepath.Base(o.filename)
		}
		f := NewFile(val, firstNonEmpty(filename, name))
		return Value{kind: KindFile, file: withMeta(f, o), filename: filename}, nil

	case io.Reader:
		filename := o.filename
		if osf, ok := val.(*os.File); ok && osf.Name() != "" {
			filename = osf.Name()
		}
		if filename != "" {
			filename = filepath.Base(filename)
		}
		if o.size >= 0 {
			f := NewReaderFile(val, firstNonEmpty(filename, name), o.size)
			return Value{kind: KindFile, file: withMeta(f, o), filename: filename}, nil
		}
		return Value{kind: KindStream, stream: readerOpener(val), filename: filename}, nil
	}

	if o.filename != "" {
		return Value{}, ErrInvalidFileValue
	}

	switch val := value.(type) {
	case string:
		return Value{kind: KindText, text: val}, nil
	case nil:
		return Value{kind: KindText, text: "<nil>"}, nil
	default:
		return Value{kind: KindText, text: fmt.Sprint(val)}, nil
	}
}

// withMeta returns a copy of f carrying the declared metadata. Fields already known
// from the source win over declared ones, except the media type which is always overridable.
func withMeta(f *File, o fieldOptions) *File {
	cp := *f
	if o.contentType != "" {
		cp.Type = o.contentType
	}
	if !o.lastModified.IsZero() {
		cp.LastModified = o.lastModified
	}
	if cp.Size < 0 && o.size >= 0 {
		cp.Size = o.size
	}
	return &cp
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (v Value) open() (io.ReadCloser, error) {
	switch v.kind {
	case KindFile:
		return v.file.Open()
	case KindStream:
		return v.stream()
	default:
		return nil, fmt.Errorf("formdata: %s value has no reader", v.kind)
	}
}
