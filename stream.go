package carrier

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/carrier/pkg/frame"
)

// Stream is the uniform byte stream every carrier produces.
//
// * `Read` MUST NOT be called concurrently.
// * `Write` MUST NOT be called concurrently.
// * ... but you can call `Read` and `Write` at the same time.
// * `Close` and `Interrupt` may be called from any goroutine, an
// in-flight `Read` then returns `io.EOF`.
type Stream interface {
	io.ReadWriteCloser

	// Interrupt terminates the reading side only.
	Interrupt()

	// Reset drops whatever was buffered from the current frame.
	Reset()

	Route() Route
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

var _ Stream = (*connStream)(nil)

type streamTelemetry struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func (hs *Handshake) telemetry() streamTelemetry {
	return streamTelemetry{
		logger: hs.Logger(),
		msink:  hs.msink,
		labels: withLabels(hs.labels, LabelCarrier.M(hs.route.Carrier)),
	}
}

func (tel streamTelemetry) readError(err error) {
	tel.msink.IncrCounterWithLabels(
		MetricStreamErrorCount,
		1.0,
		withLabels(tel.labels, LabelDirection.M("in")),
	)
	tel.logger.Warn("stream terminated on read error", LabelError.L(err))
}

// connStream frames a byte stream over a connection owned by a single
// route.
type connStream struct {
	route Route
	conn  net.Conn
	r     *frame.Reader
	w     *frame.Writer
	tel   streamTelemetry

	closed    atomic.Bool
	closeOnce sync.Once
}

func newConnStream(conn net.Conn, route Route, tel streamTelemetry) *connStream {
	s := &connStream{
		route: route,
		conn:  conn,
		w:     frame.NewWriter(conn),
		tel:   tel,
	}
	s.r = frame.NewReader(conn, frame.ControlHandlerFunc(s.handleControl))
	return s
}

// handleControl honours a peer announcing its departure, there is
// no group membership on a point-to-point stream.
func (s *connStream) handleControl(cmd frame.Command, payload []byte) (bool, error) {
	s.tel.msink.IncrCounterWithLabels(
		MetricControlCount,
		1.0,
		withLabels(s.tel.labels, LabelCommand.M(cmd.String())),
	)
	if cmd == frame.Disconnect && bytes.Equal(payload, s.route.Identity()) {
		return true, nil
	}
	return false, nil
}

func (s *connStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.tel.msink.IncrCounterWithLabels(MetricStreamInBytes, float32(n), s.tel.labels)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.tel.readError(err)
		_ = s.Close()
	}
	return n, err
}

func (s *connStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrStreamClosed
	}
	n, err := s.w.Write(p)
	if err != nil {
		if s.closed.Load() {
			return 0, ErrStreamClosed
		}
		s.tel.msink.IncrCounterWithLabels(
			MetricStreamErrorCount,
			1.0,
			withLabels(s.tel.labels, LabelDirection.M("out")),
		)
		return n, err
	}
	s.tel.msink.IncrCounterWithLabels(MetricStreamOutBytes, float32(n), s.tel.labels)
	return n, nil
}

func (s *connStream) Interrupt() {
	s.r.Terminate()
	if cr, ok := s.conn.(interface{ CloseRead() error }); ok {
		_ = cr.CloseRead()
		return
	}
	_ = s.conn.SetReadDeadline(time.Now())
}

func (s *connStream) Reset() {
	s.r.Reset()
}

func (s *connStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.r.Terminate()
		err = s.conn.Close()
	})
	return err
}

func (s *connStream) Route() Route {
	return s.route
}

func (s *connStream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *connStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
