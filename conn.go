package carrier

import (
	"context"
	"net"
	"sync"
)

// Conn is one established connection between two ports, owning the
// carrier instance, its stream and the control channel.
type Conn struct {
	hs      *Handshake
	carrier Carrier
	stream  Stream
	control net.Conn

	onClose   func(*Conn)
	closeOnce sync.Once
	err       error
}

func newConn(hs *Handshake, c Carrier, s Stream, control net.Conn) *Conn {
	return &Conn{
		hs:      hs,
		carrier: c,
		stream:  s,
		control: control,
	}
}

func (conn *Conn) Read(p []byte) (int, error) {
	return conn.stream.Read(p)
}

func (conn *Conn) Write(p []byte) (int, error) {
	return conn.stream.Write(p)
}

func (conn *Conn) Route() Route {
	return conn.stream.Route()
}

func (conn *Conn) Capabilities() Capabilities {
	return conn.carrier.Capabilities()
}

// RemoteID is the process identifier of the initiator, it is empty on
// the initiating side and for connectionless carriers.
func (conn *Conn) RemoteID() string {
	return conn.hs.RemoteID()
}

func (conn *Conn) LocalAddr() net.Addr {
	return conn.stream.LocalAddr()
}

func (conn *Conn) RemoteAddr() net.Addr {
	return conn.stream.RemoteAddr()
}

// Stream gives access to the underlying carrier stream.
func (conn *Conn) Stream() Stream {
	return conn.stream
}

// SendAck acknowledges over the control channel. Acknowledgements are
// no-ops on carriers without replies.
func (conn *Conn) SendAck(ctx context.Context) error {
	if !conn.Capabilities().SupportsReply {
		return nil
	}
	return conn.carrier.SendAck(ctx, conn.hs)
}

func (conn *Conn) ExpectAck(ctx context.Context) error {
	if !conn.Capabilities().SupportsReply {
		return nil
	}
	return conn.carrier.ExpectAck(ctx, conn.hs)
}

// Interrupt ends the reading side, a blocked `Read` returns io.EOF.
func (conn *Conn) Interrupt() {
	conn.stream.Interrupt()
}

func (conn *Conn) Close() error {
	conn.close()
	if conn.onClose != nil {
		conn.onClose(conn)
	}
	return conn.err
}

func (conn *Conn) close() {
	conn.closeOnce.Do(func() {
		conn.err = conn.stream.Close()
		_ = conn.carrier.Close()
		_ = conn.control.Close()
	})
}
