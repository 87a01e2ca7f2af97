package carrier

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/carrier/pkg/frame"
)

var (
	ErrInvalidCfg     = errors.New("carrier: invalid options")
	ErrUnknownCarrier = errors.New("carrier: no carrier registered under that name")
	ErrNameInvalid    = errors.New("carrier: port names must be non-empty and less than 1024 chars")
	ErrNodeClosed     = errors.New("carrier: node is shut down")
	ErrEndpointClosed = errors.New("carrier: endpoint closed")

	ErrHandshake          = errors.New("handshake: rejected")
	ErrTransportBootstrap = errors.New("handshake: transport bootstrap failed")

	ErrProtocolFraming = frame.ErrFraming
	ErrStreamClosed    = errors.New("stream: closed")

	ErrNameResolution = errors.New("directory: port does not exist")
	ErrJoinCluster    = errors.New("directory: could not join cluster")
	ErrInvalidMeta    = errors.New("directory: invalid node metadata")

	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve = errors.New("transport: could not resolve hostname from certificate")
	ErrNoTLSConfig     = errors.New("transport: TlsConfig is required")
)

var (
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrStreamClosed = quic.StreamErrorCode(0xC)
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

func handshakeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrHandshake, fmt.Sprintf(format, args...))
}

func bootstrapErr(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransportBootstrap, cause)
}
