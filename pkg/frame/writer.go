package frame

import "io"

// Writer emits frames on dst, one Write call per frame so that a
// goroutine-safe destination never interleaves two frames.
//
// Methods MUST NOT be called concurrently.
type Writer struct {
	dst     io.Writer
	buf     []byte
	maxSize int
}

func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, maxSize: MaxFrameSize}
}

// SetMaxFrameSize changes the largest frame emitted, it must not exceed
// what the peer Reader accepts.
func (w *Writer) SetMaxFrameSize(size int) {
	if size <= 0 || size > MaxFrameSize {
		size = MaxFrameSize
	}
	w.maxSize = size
}

// Write sends p as one payload frame, or several when p is larger than
// the maximum frame size.
func (w *Writer) Write(p []byte) (int, error) {
	written := 0
	for {
		chunk := p[written:min(len(p), written+w.maxSize)]
		w.buf = AppendPayload(w.buf[:0], chunk, w.maxSize)
		if _, err := w.dst.Write(w.buf); err != nil {
			return written, err
		}
		written += len(chunk)
		if written == len(p) {
			return written, nil
		}
	}
}

// WriteControl sends a control command.
func (w *Writer) WriteControl(cmd Command, payload []byte) error {
	buf, err := AppendControl(w.buf[:0], cmd, payload)
	if err != nil {
		return err
	}
	w.buf = buf
	_, err = w.dst.Write(buf)
	return err
}
