// Package frame implements the length-prefixed framing shared by every
// carrier stream.
//
// A frame is an int32 big-endian size followed by size bytes of payload.
// Negative sizes are control commands and carry no payload, except
// [Disconnect] which is followed by an int32 length and that many bytes
// naming the departing route.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the length field.
const HeaderSize = 4

// MaxFrameSize is the default upper bound of a payload frame a Reader
// accepts before declaring the stream corrupted.
const MaxFrameSize = 64 << 20

// MaxIdentityLength bounds the route identity carried by a Disconnect.
const MaxIdentityLength = 4096

var (
	ErrFraming  = errors.New("frame: protocol framing error")
	ErrTooLarge = errors.New("frame: payload does not fit in a frame")
)

// Command is a control code, sent in place of a payload size.
type Command int32

const (
	// Join announces a new member on a shared group.
	Join Command = -1
	// Disconnect announces a departing route.
	Disconnect Command = -2
)

func (cmd Command) String() string {
	switch cmd {
	case Join:
		return "join"
	case Disconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("unknown(%d)", int32(cmd))
	}
}

// Valid reports whether cmd is a control code known to this protocol.
func (cmd Command) Valid() bool {
	return cmd == Join || cmd == Disconnect
}

// ControlHandler is invoked by a Reader for every control command.
//
// Returning terminate marks the Reader as terminated: the read that
// observed the command and every subsequent one return io.EOF.
// A non-nil error terminates the Reader as well and is surfaced once.
type ControlHandler interface {
	HandleControl(cmd Command, payload []byte) (terminate bool, err error)
}

// ControlHandlerFunc adapts a function to a ControlHandler.
type ControlHandlerFunc func(cmd Command, payload []byte) (bool, error)

func (fn ControlHandlerFunc) HandleControl(cmd Command, payload []byte) (bool, error) {
	return fn(cmd, payload)
}

// AppendFrame appends the payload frame for p to dst. A payload larger
// than MaxFrameSize would be rejected by readers, see AppendPayload.
func AppendFrame(dst, p []byte) ([]byte, error) {
	if len(p) > MaxFrameSize {
		return dst, ErrTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(p)))
	return append(dst, p...), nil
}

// AppendPayload appends p to dst as consecutive frames of at most
// maxSize bytes, readers concatenate them back transparently.
func AppendPayload(dst, p []byte, maxSize int) []byte {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		maxSize = MaxFrameSize
	}
	for {
		chunk := p[:min(len(p), maxSize)]
		dst = binary.BigEndian.AppendUint32(dst, uint32(len(chunk)))
		dst = append(dst, chunk...)
		p = p[len(chunk):]
		if len(p) == 0 {
			return dst
		}
	}
}

// AppendControl appends the control frame for cmd to dst.
// The payload is only written for Disconnect.
func AppendControl(dst []byte, cmd Command, payload []byte) ([]byte, error) {
	if !cmd.Valid() {
		return dst, fmt.Errorf("%w: unknown control code %d", ErrFraming, int32(cmd))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(int32(cmd)))
	if cmd != Disconnect {
		return dst, nil
	}
	if len(payload) > MaxIdentityLength {
		return dst, ErrTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}
