package carrier

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// Node is the process-wide entry point: it owns the carrier registry,
// the elections of broadcast senders and, optionally, the gossip
// directory used to resolve port names.
type Node struct {
	config config
	logger *slog.Logger

	reg       *Registry
	elections *Elections
	boot      Bootstrapper
	dir       *Directory
	resolver  Resolver

	lk        sync.Mutex
	endpoints map[string]*Endpoint
	conns     map[*Conn]struct{}

	// 2-phase close:
	// phase 1: stop accepting, close every connection.
	// phase 2: leave the cluster, all resources are freed.
	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

func New(opts ...Option) (*Node, error) {
	n := &Node{
		endpoints:  make(map[string]*Endpoint),
		conns:      make(map[*Conn]struct{}),
		shutdownCh: make(chan struct{}),
	}

	n.config.mlCfg = memberlist.DefaultLocalConfig()
	n.config.mlCfg.LogOutput = nil
	n.config.mlCfg.ProbeTimeout = 2 * time.Second
	n.config.handshakeTimeout = 30 * time.Second

	for _, opt := range opts {
		if err := opt(&n.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if n.config.processID == "" {
		n.config.processID = NewProcessID()
	}

	// Logging implementations.
	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.config.mlCfg.Logger = slog.NewLogLogger(n.logger.Handler(), slog.LevelDebug)

	// Metrics implementations.
	if n.config.msink == nil {
		n.config.msink = metrics.Default()
	}

	switch boot := n.config.boot.(type) {
	case nil:
		n.boot = &TCPBootstrap{BindAddr: n.config.bindAddr}
	case *QUICBootstrap:
		if boot.BindAddr == "" {
			boot.BindAddr = n.config.bindAddr
		}
		if boot.LogHandler == nil {
			boot.LogHandler = n.logger.Handler()
		}
		if boot.MetricSink == nil {
			boot.MetricSink = n.config.msink
			boot.MetricLabels = n.config.metricLabels
		}
		n.boot = boot
	default:
		n.boot = boot
	}

	n.elections = n.config.elections
	if n.elections == nil {
		n.elections = NewElections(n.logger, n.config.msink, n.config.metricLabels)
	}

	bcast := NewBroadcast(n.boot, n.elections)
	bcast.WriteTimeout = n.config.broadcastWriteTimeout
	carriers := []Carrier{
		NewPointToPoint(n.boot),
		bcast,
		Direct{},
	}
	reg, err := NewRegistry(append(carriers, n.config.carriers...)...)
	if err != nil {
		return nil, err
	}
	n.reg = reg

	n.resolver = n.config.resolver
	if n.config.gossip {
		dir, err := NewDirectory(n.config.mlCfg, n.logger, n.config.msink, n.config.metricLabels)
		if err != nil {
			return nil, err
		}
		n.dir = dir
		n.resolver = dir
		if _, err := dir.Join(n.config.neighbours); err != nil {
			dir.Close()
			return nil, err
		}
	}

	n.logger.Debug("node ready", "process_id", n.config.processID, "carriers", reg.Names())
	return n, nil
}

// ID is the process identifier exchanged during handshakes.
func (n *Node) ID() string {
	return n.config.processID
}

func (n *Node) Registry() *Registry {
	return n.reg
}

func (n *Node) Elections() *Elections {
	return n.elections
}

// Directory is nil unless gossip is enabled.
func (n *Node) Directory() *Directory {
	return n.dir
}

func (n *Node) handshakeConfig() HandshakeConfig {
	return HandshakeConfig{
		ProcessID:    n.config.processID,
		Logger:       n.logger,
		MetricSink:   n.config.msink,
		MetricLabels: n.config.metricLabels,
	}
}

func (n *Node) isShutdown() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.shutdown
}

// resolve splits `to` into the port name and its control address.
// `to` is either a port name, looked up with the resolver, or
// `name@host:port`.
func (n *Node) resolve(to string) (string, string, error) {
	if name, addr, ok := strings.Cut(to, "@"); ok {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", "", fmt.Errorf("%w: %w", ErrNameResolution, err)
		}
		return name, addr, nil
	}
	if n.resolver == nil {
		return "", "", fmt.Errorf("%w: %s", ErrNameResolution, to)
	}
	addr, err := n.resolver.Resolve(to)
	if err != nil {
		return "", "", err
	}
	return to, addr, nil
}

// Dial connects the port `from` to the port `to` with the named carrier.
func (n *Node) Dial(ctx context.Context, from, to, carrierName string) (*Conn, error) {
	if n.isShutdown() {
		return nil, ErrNodeClosed
	}
	to, addr, err := n.resolve(to)
	if err != nil {
		return nil, err
	}
	if !ValidatePortName(from) || !ValidatePortName(to) {
		return nil, ErrNameInvalid
	}

	c, err := n.reg.ByName(carrierName)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.config.handshakeTimeout)
		defer cancel()
	}

	var d net.Dialer
	control, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	hs := NewHandshake(control, NewRoute(from, to, carrierName), n.handshakeConfig())
	s, err := Initiate(ctx, c, hs)
	if err != nil {
		control.Close()
		return nil, err
	}
	return n.track(newConn(hs, c, s, control))
}

// Listen creates the endpoint of the port name, accepting connections
// on the control address addr.
func (n *Node) Listen(name, addr string) (*Endpoint, error) {
	if !ValidatePortName(name) {
		return nil, ErrNameInvalid
	}

	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return nil, ErrNodeClosed
	}
	if _, exists := n.endpoints[name]; exists {
		return nil, fmt.Errorf("%w: port %s already listening", ErrInvalidCfg, name)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	ep := newEndpoint(name, ln, n)

	if n.dir != nil {
		if err := n.dir.Register(name, ep.Addr()); err != nil {
			n.logger.Warn("port is not advertised yet", LabelPortName.L(name), LabelError.L(err))
		}
	}

	n.endpoints[name] = ep
	n.wg.Add(1)
	go ep.serve()
	return ep, nil
}

func (n *Node) track(conn *Conn) (*Conn, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		conn.close()
		return nil, ErrNodeClosed
	}
	n.conns[conn] = struct{}{}
	conn.onClose = n.untrack
	return conn, nil
}

func (n *Node) untrack(conn *Conn) {
	n.lk.Lock()
	defer n.lk.Unlock()
	delete(n.conns, conn)
}

func (n *Node) releaseEndpoint(ep *Endpoint) {
	n.lk.Lock()
	if n.endpoints[ep.name] == ep {
		delete(n.endpoints, ep.name)
	}
	n.lk.Unlock()

	if n.dir != nil {
		if err := n.dir.Unregister(ep.name); err != nil {
			n.logger.Warn("port is still advertised", LabelPortName.L(ep.name), LabelError.L(err))
		}
	}
	n.logger.Debug("released endpoint", LabelPortName.L(ep.name))
}

func (n *Node) Shutdown() error {
	// Phase 1: stop accepting, close connections.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		return nil
	}
	n.shutdown = true
	close(n.shutdownCh)
	endpoints := make([]*Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		endpoints = append(endpoints, ep)
	}
	conns := make([]*Conn, 0, len(n.conns))
	for conn := range n.conns {
		conns = append(conns, conn)
	}
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	n.logger.Info("shutdown: endpoints")
	for _, ep := range endpoints {
		ep.Close()
	}

	n.logger.Info("shutdown: connections")
	for _, conn := range conns {
		conn.Close()
	}

	// Phase 2: Drop all resources.
	if n.dir != nil {
		n.logger.Info("shutdown: leave cluster")
		if err := n.dir.Close(); err != nil {
			n.logger.Warn("failed to release gossip resources", LabelError.L(err))
		}
	}

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	n.wg.Wait()

	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return nil
}
