package carrier

import (
	"context"
	"errors"
	"net"
	"sync"
)

// Endpoint is a listening port, it runs the responder side of the
// handshake for every inbound control connection and lets the owner
// `Accept` the resulting connections.
type Endpoint struct {
	name string
	ln   net.Listener
	node *Node

	// ctx ends in-flight handshakes on Close.
	ctx    context.Context
	cancel context.CancelFunc

	closed  bool
	closeCh chan struct{}
	lk      sync.Mutex
	wg      sync.WaitGroup

	connCh chan *Conn
}

func newEndpoint(name string, ln net.Listener, node *Node) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		name:    name,
		ln:      ln,
		node:    node,
		ctx:     ctx,
		cancel:  cancel,
		closeCh: make(chan struct{}),
		connCh:  make(chan *Conn),
	}
}

func (ep *Endpoint) Name() string {
	return ep.name
}

// Addr is the control address initiators dial.
func (ep *Endpoint) Addr() string {
	return ep.ln.Addr().String()
}

func (ep *Endpoint) Accept(ctx context.Context) (*Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ep.closeCh:
		return nil, ErrEndpointClosed
	case conn := <-ep.connCh:
		return conn, nil
	}
}

func (ep *Endpoint) serve() {
	defer ep.node.wg.Done()
	logger := ep.node.logger.With(LabelPortName.L(ep.name))
	for {
		control, err := ep.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Error("stop accepting", LabelError.L(err))
			}
			return
		}
		ep.wg.Add(1)
		go ep.respond(control)
	}
}

func (ep *Endpoint) respond(control net.Conn) {
	defer ep.wg.Done()
	ctx, cancel := context.WithTimeout(ep.ctx, ep.node.config.handshakeTimeout)
	defer cancel()

	hs := NewHandshake(control, Route{To: ep.name}, ep.node.handshakeConfig())
	s, c, err := Respond(ctx, ep.node.reg, hs)
	if err != nil {
		ep.node.logger.Warn(
			"rejected inbound connection",
			LabelPortName.L(ep.name),
			LabelPeerAddr.L(control.RemoteAddr().String()),
			LabelError.L(err),
		)
		control.Close()
		return
	}

	conn, err := ep.node.track(newConn(hs, c, s, control))
	if err != nil {
		return
	}
	select {
	case ep.connCh <- conn:
	case <-ep.closeCh:
		conn.Close()
	}
}

// Close stops accepting, connections already accepted stay open.
func (ep *Endpoint) Close() error {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return nil
	}
	ep.closed = true
	close(ep.closeCh)
	ep.cancel()
	ep.lk.Unlock()

	err := ep.ln.Close()
	ep.wg.Wait()
	ep.node.releaseEndpoint(ep)
	return err
}
