package carrier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/carrier/pkg/frame"
)

var BroadcastHeader = MakeHeader("BCAST___")

// Broadcast is a one-to-many carrier: every connection leaving the same
// source shares a single Group, whose elect sends each payload once to
// all receivers.
type Broadcast struct {
	boot      Bootstrapper
	elections *Elections

	// WriteTimeout bounds every frame written to a receiver, a receiver
	// too slow to keep up is dropped from the group. Defaults to 10s.
	WriteTimeout time.Duration

	// set on the sending side until handed over to a stream.
	participant *Participant
	group       *Group
}

var _ Carrier = (*Broadcast)(nil)

func NewBroadcast(boot Bootstrapper, elections *Elections) *Broadcast {
	return &Broadcast{boot: boot, elections: elections}
}

func (b *Broadcast) Name() string {
	return "bcast"
}

func (b *Broadcast) Header() Header {
	return BroadcastHeader
}

func (b *Broadcast) CheckHeader(header []byte) bool {
	return BroadcastHeader.Match(header)
}

func (b *Broadcast) Capabilities() Capabilities {
	return Capabilities{Broadcast: true}
}

func (b *Broadcast) Create() Carrier {
	return &Broadcast{boot: b.boot, elections: b.elections, WriteTimeout: b.WriteTimeout}
}

// CreateStream joins, on the sending side, the election of the source
// port and publishes the address of the shared Group.
func (b *Broadcast) CreateStream(ctx context.Context, hs *Handshake, sender bool) error {
	if !sender {
		return nil
	}

	route := hs.Route()
	p := NewParticipant(route)
	group, elected, err := b.elections.Join(ctx, route.From, p, func() (*Group, error) {
		ln, err := b.boot.Listen(ctx)
		if err != nil {
			return nil, err
		}
		return newGroup(route.From, ln, hs.telemetry(), groupTimeouts{write: b.WriteTimeout}), nil
	})
	if err != nil {
		return bootstrapErr(err)
	}
	b.participant, b.group = p, group
	hs.Logger().Debug("joined broadcast group", LabelGroup.L(group.Identity()), "elected", elected)
	hs.Publish(group.Addr())
	return nil
}

func (b *Broadcast) Connect(ctx context.Context, hs *Handshake) (Stream, error) {
	conn, err := b.boot.Dial(ctx, hs.Address())
	if err != nil {
		return nil, bootstrapErr(err)
	}
	if err := writeHello(ctx, conn, hs.Route()); err != nil {
		conn.Close()
		return nil, bootstrapErr(err)
	}
	return newReceiverStream(conn, hs.Route(), hs.telemetry()), nil
}

func (b *Broadcast) Accept(ctx context.Context, hs *Handshake) (Stream, error) {
	if b.group == nil {
		return nil, bootstrapErr(errors.New("not part of a broadcast group"))
	}
	if err := b.group.admit(ctx, hs.Route()); err != nil {
		return nil, bootstrapErr(err)
	}
	s := &senderStream{
		route:       hs.Route(),
		group:       b.group,
		elections:   b.elections,
		participant: b.participant,
		tel:         hs.telemetry(),
	}
	b.participant, b.group = nil, nil
	return s, nil
}

// Broadcasts are unidirectional, acknowledgements are no-ops.
func (b *Broadcast) SendAck(context.Context, *Handshake) error {
	return nil
}

func (b *Broadcast) ExpectAck(context.Context, *Handshake) error {
	return nil
}

func (b *Broadcast) Close() error {
	if b.participant == nil {
		return nil
	}
	p := b.participant
	b.participant, b.group = nil, nil
	return b.elections.Leave(p.key, p)
}

// senderStream is the view one connection has of the shared Group.
type senderStream struct {
	route       Route
	group       *Group
	elections   *Elections
	participant *Participant
	tel         streamTelemetry

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Stream = (*senderStream)(nil)

// Read returns io.EOF, nothing ever flows back to a broadcaster.
func (s *senderStream) Read([]byte) (int, error) {
	return 0, io.EOF
}

// Write is a no-op unless this connection is the elect, every
// connection of the source is expected to be given the same bytes.
func (s *senderStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrStreamClosed
	}
	if !s.elections.IsElect(s.participant) {
		return len(p), nil
	}
	if err := s.group.broadcast(p); err != nil {
		s.tel.msink.IncrCounterWithLabels(
			MetricStreamErrorCount,
			1.0,
			withLabels(s.tel.labels, LabelDirection.M("out")),
		)
		return 0, err
	}
	return len(p), nil
}

func (s *senderStream) Interrupt() {}

func (s *senderStream) Reset() {}

// Close announces the departure of this route to the whole group, then
// leaves the election.
func (s *senderStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if derr := s.group.disconnect(s.route); derr != nil {
			s.tel.logger.Warn("failed to announce disconnection", LabelError.L(derr))
		}
		err = s.elections.Leave(s.participant.key, s.participant)
	})
	return err
}

func (s *senderStream) Route() Route {
	return s.route
}

func (s *senderStream) LocalAddr() net.Addr {
	return groupAddr(s.group.Addr())
}

func (s *senderStream) RemoteAddr() net.Addr {
	return groupAddr(s.group.Identity())
}

// receiverStream follows the membership of the group it receives from
// and ends when its own route is disconnected.
type receiverStream struct {
	*connStream
	peers atomic.Int64
}

func newReceiverStream(conn net.Conn, route Route, tel streamTelemetry) *receiverStream {
	rs := &receiverStream{connStream: newConnStream(conn, route, tel)}
	rs.r = frame.NewReader(conn, frame.ControlHandlerFunc(rs.handleControl))
	return rs
}

func (rs *receiverStream) handleControl(cmd frame.Command, payload []byte) (bool, error) {
	rs.tel.msink.IncrCounterWithLabels(
		MetricControlCount,
		1.0,
		withLabels(rs.tel.labels, LabelCommand.M(cmd.String())),
	)
	switch cmd {
	case frame.Join:
		rs.peers.Add(1)
	case frame.Disconnect:
		if bytes.Equal(payload, rs.route.Identity()) {
			return true, nil
		}
		if rs.peers.Add(-1) < 0 {
			rs.peers.Store(0)
		}
	}
	return false, nil
}

// Peers approximates the number of receivers which joined after us and
// are still members. JOIN frames carry no identity, so the departure of
// a receiver which joined before us decrements it too. It never goes
// below zero and is only updated while reading.
func (rs *receiverStream) Peers() int {
	return int(rs.peers.Load())
}

func (rs *receiverStream) Write([]byte) (int, error) {
	return 0, fmt.Errorf("%w: broadcast receivers cannot write", errors.ErrUnsupported)
}
