package carrier

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const defaultUDPBufferSize int = 1 << 21

// DefaultALPN is negotiated when the TLS config does not set any.
const DefaultALPN = "carrier"

// Hostname is the identity of a peer, as resolved from its certificate.
type Hostname string

// HostnameResolver can resolve an hostname from a list of
// `x509.Certificate`, those certificates are the one received from a
// remote peer.
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the bootstrap critical path.
//
// When the resolution fails, the returned string is a human-friendly
// reason sent to the remote peer so they can debug the error.
type HostnameResolver func(certs []*x509.Certificate) (Hostname, string, error)

// CommonNameResolver resolves the hostname from the x509 Subject Common
// Name of the peer certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, string, error) {
	if len(certs) == 0 {
		return "", "it seems like you haven't provided client certificate", ErrHostnameResolve
	}
	return Hostname(certs[0].Subject.CommonName), "", nil
}

// QUICBootstrap bootstraps carrier streams on QUIC: every bootstrap is a
// dedicated connection carrying a single bidirectional stream.
type QUICBootstrap struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TlsConfig *tls.Config

	// BindAddr is the IP to listen on, defaults to 127.0.0.1.
	BindAddr string

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// If that's false, we retry and divide by 2 the requested
	// `BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// HostnameResolver, when set, must identify accepted peers.
	HostnameResolver HostnameResolver

	// LingerTimeout is how long a closed stream waits for the peer
	// before tearing down its connection.
	LingerTimeout time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

var _ Bootstrapper = (*QUICBootstrap)(nil)

func (qb *QUICBootstrap) logger() *slog.Logger {
	if qb.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(qb.LogHandler)
}

func (qb *QUICBootstrap) sink() metrics.MetricSink {
	if qb.MetricSink == nil {
		return &metrics.BlackholeSink{}
	}
	return qb.MetricSink
}

func (qb *QUICBootstrap) tlsConfig() (*tls.Config, error) {
	if qb.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	conf := qb.TlsConfig.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{DefaultALPN}
	}
	return conf, nil
}

func (qb *QUICBootstrap) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:             false,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
		MaxIdleTimeout:        1 * time.Minute,
		KeepAlivePeriod:       15 * time.Second,
	}
}

func (qb *QUICBootstrap) Listen(ctx context.Context) (Listener, error) {
	tlsConf, err := qb.tlsConfig()
	if err != nil {
		return nil, err
	}

	addr := net.ParseIP(qb.BindAddr)
	if addr == nil {
		addr = net.IPv4(127, 0, 0, 1)
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("quic: failed to allocate UDP listener: %w", err)
	}

	requested := qb.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := qb.negociateBufferSize(udpLn, requested); err != nil {
		udpLn.Close()
		return nil, err
	}

	tr := &quic.Transport{Conn: udpLn}
	ln, err := tr.Listen(tlsConf, qb.quicConfig())
	if err != nil {
		tr.Close()
		udpLn.Close()
		return nil, fmt.Errorf("quic: failed to allocate QUIC listener: %w", err)
	}

	return &quicListener{
		qb:    qb,
		udpLn: udpLn,
		tr:    tr,
		ln:    ln,
	}, nil
}

func (qb *QUICBootstrap) Dial(ctx context.Context, addr string) (net.Conn, error) {
	tlsConf, err := qb.tlsConfig()
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, qb.quicConfig())
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open bootstrap stream")
		return nil, err
	}

	return &streamWrapper{
		conn:   conn,
		linger: qb.LingerTimeout,
		Stream: stream,
	}, nil
}

func (qb *QUICBootstrap) negociateBufferSize(udpLn *net.UDPConn, requested int) error {
	size := requested
	for size > 0 {
		if err := udpLn.SetReadBuffer(size); err != nil {
			if qb.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			qb.logger().Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		qb.sink().SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			qb.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

type quicListener struct {
	qb    *QUICBootstrap
	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener
}

func (ql *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := ql.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	logger := ql.qb.logger().With(LabelPeerAddr.L(conn.RemoteAddr().String()))
	if resolver := ql.qb.HostnameResolver; resolver != nil {
		hostname, reason, err := resolver(conn.ConnectionState().TLS.PeerCertificates)
		if err != nil {
			logger.Error("failed to resolve hostname", LabelError.L(err))
			if reason == "" {
				reason = "unexpected error during hostname resolution"
			}
			QErrHostname.Close(conn, reason)
			return nil, fmt.Errorf("%w: %w", ErrHostnameResolve, err)
		}
		logger = logger.With(LabelPeerName.L(string(hostname)))
	}

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		QErrInternal.Close(conn, "no bootstrap stream")
		return nil, err
	}
	logger.Debug("accepted bootstrap stream", "stream_id", stream.StreamID())

	return &streamWrapper{
		conn:   conn,
		linger: ql.qb.LingerTimeout,
		Stream: stream,
	}, nil
}

func (ql *quicListener) Addr() string {
	return ql.udpLn.LocalAddr().String()
}

func (ql *quicListener) Close() error {
	err := ql.ln.Close()
	ql.tr.Close()
	ql.udpLn.Close()
	return err
}

// streamWrapper makes a QUIC stream usable as a net.Conn.
//
// NB: quic-go states Close MUST NOT be called concurrently with Write,
// the implementation does serialize them with a mutex though, and
// Read/Write are protected against concurrent uses, so we don't add
// our own synchronisation.
type streamWrapper struct {
	conn   quic.Connection
	linger time.Duration
	quic.Stream
}

func (sw *streamWrapper) LocalAddr() net.Addr {
	return sw.conn.LocalAddr()
}

func (sw *streamWrapper) RemoteAddr() net.Addr {
	return sw.conn.RemoteAddr()
}

// Close closes both directions of the stream, the connection follows
// once the peer is gone or the linger timeout elapsed, so the frames
// still in flight get a chance to be delivered.
func (sw *streamWrapper) Close() error {
	sw.Stream.CancelRead(QErrStreamClosed)
	err := sw.Stream.Close()
	go sw.garbageCollector()
	return err
}

func (sw *streamWrapper) garbageCollector() {
	linger := sw.linger
	if linger == 0 {
		linger = 2 * time.Second
	}
	timer := time.NewTimer(linger)
	defer timer.Stop()
	select {
	case <-sw.conn.Context().Done():
		// already closed, can't clean-up.
		return
	case <-timer.C:
	}
	QErrShutdown.Close(sw.conn, "stream closed")
}
