package carrier

import (
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raskyld/carrier/pkg/frame"
	"github.com/rs/xid"
)

const (
	helloTimeout       = 10 * time.Second
	memberWriteTimeout = 10 * time.Second
)

// groupTimeouts bound the blocking operations of a Group, zero values
// take the defaults.
type groupTimeouts struct {
	// write bounds every frame written to a member, a member too slow to
	// keep up is dropped.
	write time.Duration
	// park bounds how long a greeted connection waits for the handshake
	// admitting it.
	park time.Duration
}

// Group is a shared handle to one physical broadcast transport: a
// bootstrap listener every receiver of the same source connects to.
//
// Every collective operation, payload or control, goes through sendLk
// so that all members observe the same total order of frames.
type Group struct {
	identity string
	key      string
	ln       Listener
	tel      streamTelemetry
	timeouts groupTimeouts
	refCount atomic.Int32

	sendLk sync.Mutex
	buf    []byte

	// members is modified with both sendLk and membersLk held, Close
	// only takes membersLk so that a stalled write cannot hold it back.
	membersLk sync.Mutex
	members   []*groupMember

	pendingLk sync.Mutex
	pending   map[string]*waiter

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type groupMember struct {
	identity string
	conn     net.Conn
}

// waiter is the rendezvous between the greeting of a connection and
// the handshake admitting it.
type waiter struct {
	ch   chan net.Conn
	refs int
}

type groupAddr string

func (ga groupAddr) Network() string { return "group" }
func (ga groupAddr) String() string  { return string(ga) }

func newGroup(key string, ln Listener, tel streamTelemetry, timeouts groupTimeouts) *Group {
	if timeouts.write <= 0 {
		timeouts.write = memberWriteTimeout
	}
	if timeouts.park <= 0 {
		timeouts.park = helloTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		identity: xid.New().String(),
		key:      key,
		ln:       ln,
		timeouts: timeouts,
		pending:  make(map[string]*waiter),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
	}
	g.tel = streamTelemetry{
		logger: tel.logger.With(LabelGroup.L(g.identity)),
		msink:  tel.msink,
		labels: withLabels(tel.labels, LabelGroup.M(key)),
	}

	g.wg.Add(1)
	go g.acceptLoop()
	return g
}

// Identity is unique to this physical transport.
func (g *Group) Identity() string {
	return g.identity
}

// Addr is what receivers connect to.
func (g *Group) Addr() string {
	return g.ln.Addr()
}

// RefCount is the number of participants sharing the group.
func (g *Group) RefCount() int {
	return int(g.refCount.Load())
}

// Members returns the route identities of the admitted receivers in
// join order.
func (g *Group) Members() []string {
	g.membersLk.Lock()
	defer g.membersLk.Unlock()
	ids := make([]string, len(g.members))
	for i, m := range g.members {
		ids[i] = m.identity
	}
	return ids
}

func (g *Group) isClosed() bool {
	select {
	case <-g.closed:
		return true
	default:
		return false
	}
}

func (g *Group) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.ln.Accept(g.ctx)
		if err != nil {
			if !g.isClosed() {
				g.tel.logger.Warn("group listener failed", LabelError.L(err))
			}
			return
		}
		g.wg.Add(1)
		go g.greet(conn)
	}
}

// greet reads the hello of a connecting member and hands the
// connection over to the handshake admitting that route. A connection
// nobody claims within the park timeout is closed.
func (g *Group) greet(conn net.Conn) {
	defer g.wg.Done()
	ctx, cancel := context.WithTimeout(g.ctx, helloTimeout)
	defer cancel()
	stop := context.AfterFunc(g.ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	route, err := readHello(ctx, conn)
	if err != nil {
		if !g.isClosed() {
			g.tel.logger.Warn("dropping member without a valid hello", LabelError.L(err))
		}
		conn.Close()
		return
	}

	identity := route.String()
	w := g.acquire(identity)
	defer g.release(identity)

	timer := time.NewTimer(g.timeouts.park)
	defer timer.Stop()
	select {
	case w.ch <- conn:
	case <-timer.C:
		g.tel.logger.Warn("dropping member no handshake admitted", LabelRoute.L(identity))
		conn.Close()
	case <-g.closed:
		conn.Close()
	}
}

func (g *Group) acquire(identity string) *waiter {
	g.pendingLk.Lock()
	defer g.pendingLk.Unlock()
	w, ok := g.pending[identity]
	if !ok {
		w = &waiter{ch: make(chan net.Conn)}
		g.pending[identity] = w
	}
	w.refs++
	return w
}

func (g *Group) release(identity string) {
	g.pendingLk.Lock()
	defer g.pendingLk.Unlock()
	w, ok := g.pending[identity]
	if !ok {
		return
	}
	if w.refs--; w.refs <= 0 {
		delete(g.pending, identity)
	}
}

// admit waits for the receiver of route to connect, announces it to the
// existing members with a Join, then adds it to the group.
func (g *Group) admit(ctx context.Context, route Route) error {
	identity := route.String()
	w := g.acquire(identity)
	defer g.release(identity)

	var conn net.Conn
	select {
	case conn = <-w.ch:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.closed:
		return ErrStreamClosed
	}

	g.sendLk.Lock()
	defer g.sendLk.Unlock()
	if g.isClosed() {
		conn.Close()
		return ErrStreamClosed
	}

	buf, err := frame.AppendControl(g.buf[:0], frame.Join, nil)
	if err != nil {
		conn.Close()
		return err
	}
	g.buf = buf
	g.writeAllLocked(buf)

	g.membersLk.Lock()
	g.members = append(g.members, &groupMember{identity: identity, conn: conn})
	count := len(g.members)
	g.membersLk.Unlock()
	g.tel.msink.SetGaugeWithLabels(MetricGroupMembers, float32(count), g.tel.labels)
	g.tel.logger.Debug("member admitted", LabelRoute.L(identity), "members", count)
	return nil
}

// broadcast sends p to every member, split in as many payload frames
// as needed.
func (g *Group) broadcast(p []byte) error {
	g.sendLk.Lock()
	defer g.sendLk.Unlock()
	if g.isClosed() {
		return ErrStreamClosed
	}

	g.buf = frame.AppendPayload(g.buf[:0], p, frame.MaxFrameSize)
	g.writeAllLocked(g.buf)
	g.tel.msink.IncrCounterWithLabels(MetricStreamOutBytes, float32(len(p)), g.tel.labels)
	return nil
}

// disconnect announces the departure of route to every member, then
// drops its receiver.
func (g *Group) disconnect(route Route) error {
	g.sendLk.Lock()
	defer g.sendLk.Unlock()
	if g.isClosed() {
		return nil
	}

	buf, err := frame.AppendControl(g.buf[:0], frame.Disconnect, route.Identity())
	if err != nil {
		return err
	}
	g.buf = buf
	g.writeAllLocked(buf)

	identity := route.String()
	g.membersLk.Lock()
	for i, m := range g.members {
		if m.identity == identity {
			m.conn.Close()
			g.members = slices.Delete(g.members, i, i+1)
			break
		}
	}
	count := len(g.members)
	g.membersLk.Unlock()
	g.tel.msink.SetGaugeWithLabels(MetricGroupMembers, float32(count), g.tel.labels)
	return nil
}

// writeAllLocked writes buf to every member within the write timeout,
// a failing member is dropped instead of failing the whole collective
// operation.
func (g *Group) writeAllLocked(buf []byte) {
	var dropped []*groupMember
	for _, m := range g.members {
		_ = m.conn.SetWriteDeadline(time.Now().Add(g.timeouts.write))
		if _, err := m.conn.Write(buf); err != nil {
			if !g.isClosed() {
				g.tel.logger.Warn("dropping unreachable member", LabelRoute.L(m.identity), LabelError.L(err))
				g.tel.msink.IncrCounterWithLabels(MetricGroupDroppedCount, 1.0, g.tel.labels)
			}
			m.conn.Close()
			dropped = append(dropped, m)
		}
	}
	if len(dropped) == 0 {
		return
	}
	g.membersLk.Lock()
	g.members = slices.DeleteFunc(g.members, func(m *groupMember) bool {
		return slices.Contains(dropped, m)
	})
	g.membersLk.Unlock()
}

// Close tears the physical transport down, every member observes the
// end of its stream. Member connections are closed first, which
// releases a collective operation stalled on a slow member.
func (g *Group) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.closed)
		g.cancel()
		err = g.ln.Close()

		g.membersLk.Lock()
		for _, m := range g.members {
			m.conn.Close()
		}
		g.membersLk.Unlock()

		g.wg.Wait()

		g.sendLk.Lock()
		g.membersLk.Lock()
		for _, m := range g.members {
			m.conn.Close()
		}
		g.members = nil
		g.membersLk.Unlock()
		g.sendLk.Unlock()

		g.tel.logger.Debug("group torn down")
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
