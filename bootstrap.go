package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/raskyld/carrier/pkg/frame"
)

// Bootstrapper provides the raw transport carriers bootstrap their
// data channel on.
type Bootstrapper interface {
	// Listen allocates a listener whose address can be published
	// during the handshake.
	Listen(ctx context.Context) (Listener, error)

	// Dial connects to an address published by a remote Listener.
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// Listener is the passive side of a Bootstrapper.
type Listener interface {
	Accept(ctx context.Context) (net.Conn, error)
	// Addr is connectable by the remote side.
	Addr() string
	Close() error
}

// TCPBootstrap bootstraps plain byte sockets.
type TCPBootstrap struct {
	// BindAddr is the IP to listen on, defaults to 127.0.0.1.
	BindAddr string

	// AdvertiseAddr replaces the listener IP in published addresses.
	AdvertiseAddr string
}

var _ Bootstrapper = (*TCPBootstrap)(nil)

func (tb *TCPBootstrap) Listen(ctx context.Context) (Listener, error) {
	bind := tb.BindAddr
	if bind == "" {
		bind = "127.0.0.1"
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(bind, "0"))
	if err != nil {
		return nil, fmt.Errorf("tcp: failed to allocate listener: %w", err)
	}

	addr := ln.Addr().String()
	if tb.AdvertiseAddr != "" {
		_, port, _ := net.SplitHostPort(addr)
		addr = net.JoinHostPort(tb.AdvertiseAddr, port)
	}
	return &tcpListener{ln: ln.(*net.TCPListener), addr: addr}, nil
}

func (tb *TCPBootstrap) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

type tcpListener struct {
	ln   *net.TCPListener
	addr string

	// the deadline is listener-wide, accepts are serialized.
	lk sync.Mutex
}

func (tl *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	tl.lk.Lock()
	defer tl.lk.Unlock()

	_ = tl.ln.SetDeadline(time.Time{})
	if dl, ok := ctx.Deadline(); ok {
		_ = tl.ln.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = tl.ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := tl.ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return conn, nil
}

func (tl *tcpListener) Addr() string {
	return tl.addr
}

func (tl *tcpListener) Close() error {
	return tl.ln.Close()
}

// writeHello is the first frame on a bootstrapped connection, it names
// the route the connecting side expects.
func writeHello(ctx context.Context, conn net.Conn, route Route) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err := frame.NewWriter(conn).Write(route.Identity())
	return err
}

func readHello(ctx context.Context, conn net.Conn) (Route, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}

	r := frame.NewReader(conn, frame.ControlHandlerFunc(func(cmd frame.Command, _ []byte) (bool, error) {
		return false, fmt.Errorf("%w: unexpected %s before hello", frame.ErrFraming, cmd)
	}))
	r.SetMaxFrameSize(frame.MaxIdentityLength)

	buf := make([]byte, frame.MaxIdentityLength)
	n, err := r.Next(buf)
	if err != nil {
		return Route{}, err
	}
	// a hello always fits in one read, what remains is garbage.
	if r.Buffered() > 0 {
		return Route{}, fmt.Errorf("%w: oversized hello", frame.ErrFraming)
	}
	route, ok := ParseRouteIdentity(buf[:n])
	if !ok {
		return Route{}, fmt.Errorf("%w: malformed hello %q", frame.ErrFraming, buf[:n])
	}
	return route, nil
}

// expectHello checks the connecting side is the one the handshake is
// about, a stray connection is a bootstrap failure.
func expectHello(ctx context.Context, conn net.Conn, want Route) error {
	got, err := readHello(ctx, conn)
	if err != nil {
		return bootstrapErr(err)
	}
	if got.String() != want.String() {
		return bootstrapErr(errors.New("unexpected route " + got.String() + ", wanted " + want.String()))
	}
	return nil
}
