package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// Reader turns a source of frames into a byte stream.
//
// Methods MUST NOT be called concurrently, except Terminate which
// may be called from any goroutine to release a blocked reader once
// the source itself is closed.
type Reader struct {
	src     io.Reader
	handler ControlHandler
	maxSize int

	// payload of the current frame not yet handed out.
	pending   []byte
	offset    int
	remaining int

	hdr        [HeaderSize]byte
	terminated atomic.Bool
}

// NewReader returns a Reader pulling frames from src.
// The handler may be nil, control commands are then ignored.
func NewReader(src io.Reader, handler ControlHandler) *Reader {
	return &Reader{
		src:     src,
		handler: handler,
		maxSize: MaxFrameSize,
	}
}

// SetMaxFrameSize changes the largest payload accepted.
func (r *Reader) SetMaxFrameSize(size int) {
	if size <= 0 {
		size = MaxFrameSize
	}
	r.maxSize = size
}

// Read copies the next bytes of the stream into p.
//
// Control frames consume no payload, Read keeps going until some
// payload is available, the stream terminates or an error occurs.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		if r.terminated.Load() {
			return 0, io.EOF
		}
		return 0, nil
	}
	for {
		n, err := r.Next(p)
		if err != nil || n > 0 {
			return n, err
		}
	}
}

// Next performs at most one receive on the source.
//
// It returns 0 bytes for control frames and empty frames, the caller
// is expected to call it again.
func (r *Reader) Next(p []byte) (int, error) {
	if r.terminated.Load() {
		return 0, io.EOF
	}

	if r.remaining == 0 {
		if _, err := io.ReadFull(r.src, r.hdr[:]); err != nil {
			return 0, r.fail(err)
		}
		size := int32(binary.BigEndian.Uint32(r.hdr[:]))
		if size < 0 {
			return 0, r.control(Command(size))
		}
		if int(size) > r.maxSize {
			return 0, r.fail(fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrFraming, size, r.maxSize))
		}

		// zero-copy when the frame fits the destination exactly.
		if int(size) == len(p) {
			if _, err := io.ReadFull(r.src, p); err != nil {
				return 0, r.fail(err)
			}
			return len(p), nil
		}

		if cap(r.pending) < int(size) {
			r.pending = make([]byte, size)
		} else {
			r.pending = r.pending[:size]
		}
		if _, err := io.ReadFull(r.src, r.pending); err != nil {
			return 0, r.fail(err)
		}
		r.offset = 0
		r.remaining = int(size)
	}

	n := copy(p, r.pending[r.offset:r.offset+r.remaining])
	r.offset += n
	r.remaining -= n
	return n, nil
}

// Buffered returns how many payload bytes of the current frame are
// waiting to be read.
func (r *Reader) Buffered() int {
	return r.remaining
}

// Reset drops any buffered payload.
func (r *Reader) Reset() {
	r.pending = r.pending[:0]
	r.offset = 0
	r.remaining = 0
}

// Terminate marks the reader closed, every subsequent read returns
// io.EOF.
func (r *Reader) Terminate() {
	r.terminated.Store(true)
}

// Terminated reports whether the reader reached its terminal state.
func (r *Reader) Terminated() bool {
	return r.terminated.Load()
}

func (r *Reader) control(cmd Command) error {
	var payload []byte
	switch cmd {
	case Join:
	case Disconnect:
		if _, err := io.ReadFull(r.src, r.hdr[:]); err != nil {
			return r.fail(err)
		}
		length := int32(binary.BigEndian.Uint32(r.hdr[:]))
		if length < 0 || length > MaxIdentityLength {
			return r.fail(fmt.Errorf("%w: disconnect identity of %d bytes", ErrFraming, length))
		}
		payload = make([]byte, length)
		if _, err := io.ReadFull(r.src, payload); err != nil {
			return r.fail(err)
		}
	default:
		return r.fail(fmt.Errorf("%w: unknown control code %d", ErrFraming, int32(cmd)))
	}

	if r.handler == nil {
		return nil
	}
	terminate, err := r.handler.HandleControl(cmd, payload)
	if err != nil {
		return r.fail(err)
	}
	if terminate {
		r.terminated.Store(true)
		return io.EOF
	}
	return nil
}

// fail terminates the reader and decides what the caller sees.
// Errors observed after Terminate are the consequence of the source
// being closed underneath us, they end the stream normally.
func (r *Reader) fail(err error) error {
	if r.terminated.Swap(true) {
		return io.EOF
	}
	r.Reset()
	switch {
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: truncated frame", ErrFraming)
	}
	return err
}
