package carrier

import "context"

var DirectHeader = MakeHeader("DIRECT__")

// Direct is connectionless: once the header and the sender name went
// through, the control channel itself carries the frames.
type Direct struct{}

var _ Carrier = Direct{}

func (Direct) Name() string {
	return "direct"
}

func (Direct) Header() Header {
	return DirectHeader
}

func (Direct) CheckHeader(header []byte) bool {
	return DirectHeader.Match(header)
}

func (Direct) Capabilities() Capabilities {
	return Capabilities{Connectionless: true}
}

func (d Direct) Create() Carrier {
	return d
}

func (Direct) CreateStream(context.Context, *Handshake, bool) error {
	return nil
}

func (Direct) Connect(_ context.Context, hs *Handshake) (Stream, error) {
	return newConnStream(hs.dataConn(), hs.Route(), hs.telemetry()), nil
}

func (Direct) Accept(_ context.Context, hs *Handshake) (Stream, error) {
	return newConnStream(hs.dataConn(), hs.Route(), hs.telemetry()), nil
}

// Direct does not support replies: acknowledgements would interleave
// with the frames sharing the control channel, so they are no-ops.
func (Direct) SendAck(context.Context, *Handshake) error {
	return nil
}

func (Direct) ExpectAck(context.Context, *Handshake) error {
	return nil
}

func (Direct) Close() error {
	return nil
}
