package formdata

import (
	"context"
	"errors"
	"io"
	"sync"
)

const chunkSize = 32 * 1024

// ErrEncoderClosed is returned by reads that follow, or race with, Encoder.Close.
var ErrEncoderClosed = errors.New("formdata: encoder closed")

type encoderState int

const (
	stateHeader encoderState = iota
	stateValue
	stateTrailer
	stateFooter
	stateDone
)

// Encoder produces the multipart body of a FormData chunk by chunk.
//
// Next returns one chunk per call and io.EOF once the closing boundary has been emitted.
// Encoder also implements io.ReadCloser so it can be used directly as a request body.
// The context is checked at every chunk boundary; once it is done, any open source is
// closed and the context cause is returned.
//
// Close may be called from another goroutine while a Read is in progress, as HTTP
// transports do when a request is cancelled. The pending Read then fails with
// ErrEncoderClosed. Next and Read themselves must not be called concurrently.
type Encoder struct {
	ctx     context.Context
	fd      *FormData
	entries []Entry
	buf     []byte
	pending []byte

	mu     sync.Mutex
	index  int
	state  encoderState
	source io.ReadCloser
	closed bool
	err    error
}

// Encoder returns a new pull-based encoder over the current entries of fd.
func (fd *FormData) Encoder(ctx context.Context) *Encoder {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Encoder{
		ctx:     ctx,
		fd:      fd,
		entries: fd.Entries(),
	}
}

// Next returns the next chunk of the body. The returned slice is only valid until the
// following call.
func (e *Encoder) Next() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return nil, e.err
	}
	if err := e.ctx.Err(); err != nil {
		return nil, e.fail(context.Cause(e.ctx))
	}

	for {
		switch e.state {
		case stateHeader:
			if e.index >= len(e.entries) {
				e.state = stateFooter
				continue
			}
			entry := e.entries[e.index]
			e.state = stateValue
			return []byte(e.fd.partHeader(entry.Name, entry.Value.filename)), nil

		case stateValue:
			chunk, done, err := e.readValue(e.entries[e.index].Value)
			if err != nil {
				return nil, e.fail(err)
			}
			if done {
				e.state = stateTrailer
			}
			if len(chunk) > 0 {
				return chunk, nil
			}

		case stateTrailer:
			e.index++
			e.state = stateHeader
			return []byte(carriage), nil

		case stateFooter:
			e.state = stateDone
			return []byte(e.fd.footer()), nil

		default:
			e.err = io.EOF
			return nil, io.EOF
		}
	}
}

// readValue is called with e.mu held. The lock is released around the source read so
// Close can interrupt it.
func (e *Encoder) readValue(v Value) ([]byte, bool, error) {
	if v.kind == KindText {
		return []byte(v.text), true, nil
	}

	if e.source == nil {
		src, err := v.open()
		if err != nil {
			return nil, false, err
		}
		e.source = src
		if e.buf == nil {
			e.buf = make([]byte, chunkSize)
		}
	}

	src := e.source
	e.mu.Unlock()
	n, err := src.Read(e.buf)
	e.mu.Lock()

	if e.closed {
		return nil, false, ErrEncoderClosed
	}
	if err == io.EOF {
		closeErr := e.closeSource()
		return e.buf[:n], true, closeErr
	}
	if err != nil {
		return nil, false, err
	}
	return e.buf[:n], false, nil
}

// Read implements io.Reader on top of Next.
func (e *Encoder) Read(p []byte) (int, error) {
	for len(e.pending) == 0 {
		chunk, err := e.Next()
		if err != nil {
			return 0, err
		}
		e.pending = chunk
	}
	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}

// Close terminates the encoding early and closes any open source. The source is closed
// without holding the lock so a Read blocked on it can return.
func (e *Encoder) Close() error {
	e.mu.Lock()
	src := e.source
	e.source = nil
	e.closed = true
	if e.err == nil {
		e.err = ErrEncoderClosed
	}
	e.state = stateDone
	e.mu.Unlock()

	if src == nil {
		return nil
	}
	return src.Close()
}

func (e *Encoder) fail(err error) error {
	_ = e.closeSource()
	e.err = err
	return err
}

func (e *Encoder) closeSource() error {
	if e.source == nil {
		return nil
	}
	err := e.source.Close()
	e.source = nil
	return err
}

// Bytes encodes the whole body into memory. Intended for small forms and tests.
func (fd *FormData) Bytes(ctx context.Context) ([]byte, error) {
	enc := fd.Encoder(ctx)
	defer enc.Close()
	return io.ReadAll(enc)
}
