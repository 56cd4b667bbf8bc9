package formdata

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File is a named binary value with known metadata. Size is -1 when unknown.
type File struct {
	Name         string
	Type         string
	Size         int64
	LastModified time.Time

	open func() (io.ReadCloser, error)
}

// NewFile wraps an in-memory blob. The returned file can be read any number of times.
func NewFile(data []byte, name string) *File {
	return &File{
		Name:         name,
		Size:         int64(len(data)),
		LastModified: time.Now(),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// NewReaderFile wraps r as a file of the given declared size.
//
// Seekable readers are rewound on every open; any other reader can be opened once.
func NewReaderFile(r io.Reader, name string, size int64) *File {
	return &File{
		Name:         name,
		Size:         size,
		LastModified: time.Now(),
		open:         readerOpener(r),
	}
}

// OpenFile creates a File backed by the file at path. Size and modification time come
// from os.Stat; the file is opened lazily every time the encoder reaches it.
func OpenFile(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &File{
		Name:         filepath.Base(path),
		Size:         info.Size(),
		LastModified: info.ModTime(),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Open returns a reader over the file content.
func (f *File) Open() (io.ReadCloser, error) {
	if f.open == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return f.open()
}

func readerOpener(r io.Reader) func() (io.ReadCloser, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		return func() (io.ReadCloser, error) {
			if _, err := rs.Seek(0, io.SeekStart); err != nil {
				return nil, err
			}
			// the caller keeps ownership of seekable sources so they survive a replay
			return io.NopCloser(rs), nil
		}
	}

	var once sync.Once
	return func() (io.ReadCloser, error) {
		opened := false
		once.Do(func() { opened = true })
		if !opened {
			return nil, ErrSourceConsumed
		}
		return readCloser(r), nil
	}
}

// readCloser keeps the Closer of a single-use source reachable so the encoder can release it.
func readCloser(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(r)
}
