package carrier

import (
	"context"
	"errors"
	"sync"
)

var PointToPointHeader = MakeHeader("PTP_____")

const ackLine = "ACK"

// PointToPoint is a request/reply carrier: the initiator publishes a
// bootstrap listener, the responder connects to it, and each side ends
// up with its own end of a dedicated stream.
type PointToPoint struct {
	boot Bootstrapper

	lk sync.Mutex
	ln Listener
}

var _ Carrier = (*PointToPoint)(nil)

func NewPointToPoint(boot Bootstrapper) *PointToPoint {
	return &PointToPoint{boot: boot}
}

func (p *PointToPoint) Name() string {
	return "ptp"
}

func (p *PointToPoint) Header() Header {
	return PointToPointHeader
}

func (p *PointToPoint) CheckHeader(header []byte) bool {
	return PointToPointHeader.Match(header)
}

func (p *PointToPoint) Capabilities() Capabilities {
	return Capabilities{SupportsReply: true}
}

func (p *PointToPoint) Create() Carrier {
	return NewPointToPoint(p.boot)
}

func (p *PointToPoint) CreateStream(ctx context.Context, hs *Handshake, sender bool) error {
	if !sender {
		return nil
	}
	ln, err := p.boot.Listen(ctx)
	if err != nil {
		return bootstrapErr(err)
	}
	p.lk.Lock()
	p.ln = ln
	p.lk.Unlock()
	hs.Publish(ln.Addr())
	return nil
}

func (p *PointToPoint) Connect(ctx context.Context, hs *Handshake) (Stream, error) {
	conn, err := p.boot.Dial(ctx, hs.Address())
	if err != nil {
		return nil, bootstrapErr(err)
	}
	if err := writeHello(ctx, conn, hs.Route()); err != nil {
		conn.Close()
		return nil, bootstrapErr(err)
	}
	return newConnStream(conn, hs.Route(), hs.telemetry()), nil
}

func (p *PointToPoint) Accept(ctx context.Context, hs *Handshake) (Stream, error) {
	p.lk.Lock()
	ln := p.ln
	p.lk.Unlock()
	if ln == nil {
		return nil, bootstrapErr(errors.New("no bootstrap listener"))
	}
	// a single connection is expected.
	defer p.Close()

	conn, err := ln.Accept(ctx)
	if err != nil {
		return nil, bootstrapErr(err)
	}
	if err := expectHello(ctx, conn, hs.Route()); err != nil {
		conn.Close()
		return nil, err
	}
	return newConnStream(conn, hs.Route(), hs.telemetry()), nil
}

func (p *PointToPoint) SendAck(ctx context.Context, hs *Handshake) error {
	release := hs.withDeadline(ctx)
	defer release()
	return hs.writeLine(ackLine)
}

func (p *PointToPoint) ExpectAck(ctx context.Context, hs *Handshake) error {
	release := hs.withDeadline(ctx)
	defer release()
	line, err := hs.readLine()
	if err != nil {
		return err
	}
	if line != ackLine {
		return handshakeErr("expected acknowledgement, got %q", line)
	}
	return nil
}

func (p *PointToPoint) Close() error {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.ln == nil {
		return nil
	}
	err := p.ln.Close()
	p.ln = nil
	return err
}
