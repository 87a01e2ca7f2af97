package carrier

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
)

// MaxLineLength bounds every CRLF-terminated line of the handshake.
const MaxLineLength = 1024

const crlf = "\r\n"

// NewProcessID returns an identifier unique to this process, used to
// reject handshakes looping back into the same process.
func NewProcessID() string {
	return uuid.NewString()
}

// HandshakeConfig carries the process-wide values a Handshake needs.
type HandshakeConfig struct {
	// ProcessID is the local process-unique identifier.
	ProcessID    string
	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
}

// Handshake is the state shared by the two sides of a connection
// establishment over a control channel which is already connected.
type Handshake struct {
	route    Route
	localID  string
	remoteID string
	address  string

	control net.Conn
	r       *bufio.Reader

	stream Stream

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewHandshake prepares a handshake over control.
//
// The initiator knows the whole route. The responder only knows its
// own name, in `Route.To`, the rest is filled by the handshake.
func NewHandshake(control net.Conn, route Route, cfg HandshakeConfig) *Handshake {
	hs := &Handshake{
		route:   route,
		localID: cfg.ProcessID,
		control: control,
		r:       bufio.NewReaderSize(control, 4096),
		logger:  cfg.Logger,
		msink:   cfg.MetricSink,
		labels:  cfg.MetricLabels,
	}
	if hs.localID == "" {
		hs.localID = NewProcessID()
	}
	if hs.logger == nil {
		hs.logger = slog.Default()
	}
	if hs.msink == nil {
		hs.msink = &metrics.BlackholeSink{}
	}
	return hs
}

func (hs *Handshake) Route() Route {
	return hs.route
}

func (hs *Handshake) LocalID() string {
	return hs.localID
}

// RemoteID is the identifier received from the initiator.
func (hs *Handshake) RemoteID() string {
	return hs.remoteID
}

// Address is the bootstrap address, published locally on the sending
// side or received on the receiving side.
func (hs *Handshake) Address() string {
	return hs.address
}

// Publish records the connectable address `SendHeader` writes out.
func (hs *Handshake) Publish(address string) {
	hs.address = address
}

// TakeStream hands the bootstrapped stream over to the owner of the
// handshake.
func (hs *Handshake) TakeStream(s Stream) {
	hs.stream = s
}

func (hs *Handshake) Stream() Stream {
	return hs.stream
}

// Logger returns the handshake logger annotated with the route.
func (hs *Handshake) Logger() *slog.Logger {
	return hs.logger.With(LabelRoute.L(hs.route))
}

// dataConn exposes the control channel as a data channel, reads go
// through the handshake buffer so no byte already pulled is lost.
func (hs *Handshake) dataConn() net.Conn {
	return &controlConn{Conn: hs.control, r: hs.r}
}

func (hs *Handshake) writeLine(line string) error {
	if strings.ContainsAny(line, crlf) {
		return handshakeErr("line %q contains a line terminator", line)
	}
	if _, err := io.WriteString(hs.control, line+crlf); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return nil
}

func (hs *Handshake) readLine() (string, error) {
	raw, err := hs.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", handshakeErr("line longer than %d bytes", MaxLineLength)
		}
		return "", fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if len(raw) > MaxLineLength+len(crlf) {
		return "", handshakeErr("line longer than %d bytes", MaxLineLength)
	}
	line, ok := strings.CutSuffix(string(raw), crlf)
	if !ok {
		return "", handshakeErr("line %q is not CRLF-terminated", raw)
	}
	return line, nil
}

// withDeadline pushes ctx onto the control channel, so a silent peer
// unblocks us once ctx is done.
func (hs *Handshake) withDeadline(ctx context.Context) (release func()) {
	if dl, ok := ctx.Deadline(); ok {
		_ = hs.control.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = hs.control.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = hs.control.SetDeadline(time.Time{})
	}
}

// SendHeader is run by the initiator: magic header, own name and, for
// carriers needing a bootstrap, the identifier and address published
// by `Carrier.CreateStream`.
func SendHeader(ctx context.Context, c Carrier, hs *Handshake) error {
	header := c.Header()
	if _, err := hs.control.Write(header[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := hs.writeLine(hs.route.From); err != nil {
		return err
	}

	if c.Capabilities().Connectionless {
		return nil
	}

	if err := c.CreateStream(ctx, hs, true); err != nil {
		return err
	}
	if hs.address == "" {
		return bootstrapErr(errors.New("carrier published no address"))
	}
	if err := hs.writeLine(hs.localID); err != nil {
		return err
	}
	return hs.writeLine(hs.address)
}

// ExpectSenderSpecifier is run by the responder once the header was
// matched to c.
func ExpectSenderSpecifier(ctx context.Context, c Carrier, hs *Handshake) error {
	name, err := hs.readLine()
	if err != nil {
		return err
	}
	if !ValidatePortName(name) {
		return handshakeErr("invalid sender name %q", name)
	}
	hs.route.From = name

	if !c.Capabilities().Connectionless {
		id, err := hs.readLine()
		if err != nil {
			return err
		}
		addr, err := hs.readLine()
		if err != nil {
			return err
		}
		if id == "" || addr == "" {
			return handshakeErr("missing bootstrap identifier or address")
		}
		if id == hs.localID {
			return handshakeErr("loopback from our own process %s is not supported", id)
		}
		hs.remoteID = id
		hs.address = addr
	}

	return c.CreateStream(ctx, hs, false)
}

// RespondToHeader is run by the responder: it actively connects the
// bootstrap transport.
func RespondToHeader(ctx context.Context, c Carrier, hs *Handshake) error {
	s, err := c.Connect(ctx, hs)
	if err != nil {
		if errors.Is(err, ErrTransportBootstrap) {
			return err
		}
		return bootstrapErr(err)
	}
	hs.TakeStream(s)
	return nil
}

// ExpectReplyToHeader is run by the initiator: it passively accepts the
// bootstrap transport.
func ExpectReplyToHeader(ctx context.Context, c Carrier, hs *Handshake) error {
	s, err := c.Accept(ctx, hs)
	if err != nil {
		if errors.Is(err, ErrTransportBootstrap) {
			return err
		}
		return bootstrapErr(err)
	}
	hs.TakeStream(s)
	return nil
}

// Initiate runs the initiator side of the handshake with c.
// On failure, no stream is returned and every resource is released.
func Initiate(ctx context.Context, c Carrier, hs *Handshake) (Stream, error) {
	hs.route.Carrier = c.Name()
	return hs.run(ctx, c, "initiator", func() error {
		if err := SendHeader(ctx, c, hs); err != nil {
			return err
		}
		return ExpectReplyToHeader(ctx, c, hs)
	})
}

// Respond runs the responder side of the handshake, detecting the
// carrier from the magic header among the templates of reg.
func Respond(ctx context.Context, reg *Registry, hs *Handshake) (Stream, Carrier, error) {
	release := hs.withDeadline(ctx)
	var header Header
	_, err := io.ReadFull(hs.r, header[:])
	release()
	if err != nil {
		hs.countFailure("responder", "", err)
		return nil, nil, fmt.Errorf("%w: reading magic header: %w", ErrHandshake, err)
	}

	c, err := reg.Detect(header[:])
	if err != nil {
		hs.countFailure("responder", "", err)
		return nil, nil, err
	}
	hs.route.Carrier = c.Name()

	s, err := hs.run(ctx, c, "responder", func() error {
		if err := ExpectSenderSpecifier(ctx, c, hs); err != nil {
			return err
		}
		return RespondToHeader(ctx, c, hs)
	})
	if err != nil {
		return nil, nil, err
	}
	return s, c, nil
}

func (hs *Handshake) run(ctx context.Context, c Carrier, direction string, phases func() error) (Stream, error) {
	start := time.Now()
	release := hs.withDeadline(ctx)
	err := phases()
	release()

	if err == nil && hs.stream == nil {
		err = bootstrapErr(errors.New("carrier handed over no stream"))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w (%w)", err, ctxErr)
		}
		if hs.stream != nil {
			_ = hs.stream.Close()
			hs.stream = nil
		}
		_ = c.Close()
		hs.countFailure(direction, c.Name(), err)
		hs.Logger().Debug("handshake failed", LabelDirection.L(direction), LabelError.L(err))
		return nil, err
	}

	labels := withLabels(hs.labels, LabelCarrier.M(c.Name()), LabelDirection.M(direction))
	hs.msink.IncrCounterWithLabels(MetricHandshakeCount, 1.0, labels)
	hs.msink.AddSampleWithLabels(
		MetricHandshakeDuration,
		float32(time.Since(start).Seconds()*1000),
		labels,
	)
	hs.Logger().Debug("handshake completed", LabelDirection.L(direction))
	return hs.stream, nil
}

func (hs *Handshake) countFailure(direction, carrierName string, err error) {
	reason := "handshake"
	if errors.Is(err, ErrTransportBootstrap) {
		reason = "bootstrap"
	}
	hs.msink.IncrCounterWithLabels(
		MetricHandshakeErrorCount,
		1.0,
		withLabels(
			hs.labels,
			LabelCarrier.M(carrierName),
			LabelDirection.M(direction),
			LabelError.M(reason),
		),
	)
}

// ValidatePortName reports whether name can travel on a handshake line.
func ValidatePortName(name string) bool {
	return name != "" && len(name) <= MaxLineLength && !strings.ContainsAny(name, crlf)
}

type controlConn struct {
	net.Conn
	r *bufio.Reader
}

func (cc *controlConn) Read(p []byte) (int, error) {
	return cc.r.Read(p)
}
