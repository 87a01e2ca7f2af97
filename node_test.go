package carrier

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T, name string, opts ...Option) *Node {
	t.Helper()
	opts = append([]Option{
		WithLog(testHandler(name)),
		WithMetricSink(metrics.NewInmemSink(10*time.Second, 30*time.Second)),
		WithBindAddr("127.0.0.1"),
	}, opts...)
	n, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })
	return n
}

type accepted struct {
	conn *Conn
	err  error
}

func acceptAsync(ctx context.Context, ep *Endpoint) <-chan accepted {
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ep.Accept(ctx)
		ch <- accepted{conn: conn, err: err}
	}()
	return ch
}

func TestNode_PointToPoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n1 := testNode(t, "node1")
	n2 := testNode(t, "node2")

	ep, err := n2.Listen("/b", "127.0.0.1:0")
	require.NoError(t, err)
	acceptCh := acceptAsync(ctx, ep)

	sent, err := n1.Dial(ctx, "/a", "/b@"+ep.Addr(), "ptp")
	require.NoError(t, err)
	defer sent.Close()

	res := <-acceptCh
	require.NoError(t, res.err)
	received := res.conn
	defer received.Close()

	require.Equal(t, NewRoute("/a", "/b", "ptp"), received.Route())
	require.Equal(t, n1.ID(), received.RemoteID())
	require.True(t, received.Capabilities().SupportsReply)

	_, err = sent.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(received, buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	ackErr := make(chan error, 1)
	go func() { ackErr <- sent.ExpectAck(ctx) }()
	require.NoError(t, received.SendAck(ctx))
	require.NoError(t, <-ackErr)

	_, err = received.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(sent, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	// interrupting unblocks a pending read.
	readErr := make(chan error, 1)
	go func() {
		_, err := received.Read(buf)
		readErr <- err
	}()
	received.Interrupt()
	require.ErrorIs(t, <-readErr, io.EOF)
}

func TestNode_Direct(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n1 := testNode(t, "node1")
	n2 := testNode(t, "node2")

	ep, err := n2.Listen("/b", "127.0.0.1:0")
	require.NoError(t, err)
	n1.resolver = StaticResolver{"/b": ep.Addr()}
	acceptCh := acceptAsync(ctx, ep)

	sent, err := n1.Dial(ctx, "/a", "/b", "direct")
	require.NoError(t, err)
	defer sent.Close()
	res := <-acceptCh
	require.NoError(t, res.err)
	defer res.conn.Close()

	require.True(t, res.conn.Capabilities().Connectionless)
	require.False(t, res.conn.Capabilities().SupportsReply)
	require.Empty(t, res.conn.RemoteID())
	require.NoError(t, res.conn.SendAck(ctx))
	require.NoError(t, sent.ExpectAck(ctx), "no acknowledgement travels over the control channel")

	_, err = sent.Write([]byte("over control"))
	require.NoError(t, err)
	buf := make([]byte, len("over control"))
	_, err = io.ReadFull(res.conn, buf)
	require.NoError(t, err)
	require.Equal(t, "over control", string(buf))
}

func TestNode_Broadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n1 := testNode(t, "node1")
	n2 := testNode(t, "node2")

	var (
		senders   []*Conn
		receivers []*Conn
	)
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("/r%d", i)
		ep, err := n2.Listen(name, "127.0.0.1:0")
		require.NoError(t, err)
		acceptCh := acceptAsync(ctx, ep)

		conn, err := n1.Dial(ctx, "/src", name+"@"+ep.Addr(), "bcast")
		require.NoError(t, err)
		res := <-acceptCh
		require.NoError(t, res.err)
		require.False(t, res.conn.Capabilities().SupportsReply)
		require.NoError(t, res.conn.SendAck(ctx), "acknowledgements are no-ops without replies")
		require.NoError(t, conn.ExpectAck(ctx))

		senders = append(senders, conn)
		receivers = append(receivers, res.conn)
	}
	require.Len(t, n1.Elections().Members("/src"), 2)

	// every source connection is written to, only the elect sends.
	for _, conn := range senders {
		_, err := conn.Write([]byte("news"))
		require.NoError(t, err)
	}
	for _, conn := range receivers {
		buf := make([]byte, 4)
		_, err := io.ReadFull(conn, buf)
		require.NoError(t, err)
		require.Equal(t, "news", string(buf))
	}

	for _, conn := range senders {
		require.NoError(t, conn.Close())
	}
	for _, conn := range receivers {
		_, err := conn.Read(make([]byte, 4))
		require.ErrorIs(t, err, io.EOF)
		conn.Close()
	}
	require.Empty(t, n1.Elections().Keys())
}

func TestNode_Loopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	n := testNode(t, "node")
	ep, err := n.Listen("/b", "127.0.0.1:0")
	require.NoError(t, err)

	_, err = n.Dial(ctx, "/a", "/b@"+ep.Addr(), "ptp")
	require.Error(t, err)
}

func TestNode_Errors(t *testing.T) {
	ctx := context.Background()
	n := testNode(t, "node")

	_, err := n.Dial(ctx, "/a", "/nowhere", "ptp")
	require.ErrorIs(t, err, ErrNameResolution)

	_, err = n.Dial(ctx, "/a", "/b@not-an-address", "ptp")
	require.ErrorIs(t, err, ErrNameResolution)

	_, err = n.Dial(ctx, "", "/b@127.0.0.1:1", "ptp")
	require.ErrorIs(t, err, ErrNameInvalid)

	_, err = n.Dial(ctx, "/a", "/b@127.0.0.1:1", "carrier-pigeon")
	require.ErrorIs(t, err, ErrUnknownCarrier)

	_, err = n.Listen("", "127.0.0.1:0")
	require.ErrorIs(t, err, ErrNameInvalid)

	_, err = n.Listen("/b", "127.0.0.1:0")
	require.NoError(t, err)
	_, err = n.Listen("/b", "127.0.0.1:0")
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestNode_Shutdown(t *testing.T) {
	n := testNode(t, "node")
	ep, err := n.Listen("/b", "127.0.0.1:0")
	require.NoError(t, err)

	acceptCh := acceptAsync(context.Background(), ep)
	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown(), "shutting down twice is harmless")

	res := <-acceptCh
	require.ErrorIs(t, res.err, ErrEndpointClosed)

	_, err = n.Dial(context.Background(), "/a", "/b@"+ep.Addr(), "ptp")
	require.ErrorIs(t, err, ErrNodeClosed)
	_, err = n.Listen("/c", "127.0.0.1:0")
	require.ErrorIs(t, err, ErrNodeClosed)
}

func TestNode_Gossip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	n1 := testNode(t, "node1", WithListenOn("127.0.0.1", 6041), WithHostname("node1"))
	n2 := testNode(t, "node2",
		WithListenOn("127.0.0.1", 6042),
		WithHostname("node2"),
		WithNeighbours([]string{"127.0.0.1:6041"}),
	)
	require.NotNil(t, n1.Directory())

	ep, err := n1.Listen("/b", "127.0.0.1:0")
	require.NoError(t, err)
	acceptCh := acceptAsync(ctx, ep)

	require.Eventually(t, func() bool {
		_, err := n2.Directory().Resolve("/b")
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	sent, err := n2.Dial(ctx, "/a", "/b", "ptp")
	require.NoError(t, err)
	defer sent.Close()
	res := <-acceptCh
	require.NoError(t, res.err)
	defer res.conn.Close()
	require.Equal(t, n2.ID(), res.conn.RemoteID())

	// a closed endpoint is no longer advertised.
	require.NoError(t, ep.Close())
	require.Eventually(t, func() bool {
		_, err := n2.Directory().Resolve("/b")
		return err != nil
	}, 5*time.Second, 50*time.Millisecond)
}

func TestNode_InvalidTimeouts(t *testing.T) {
	_, err := New(WithHandshakeTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = New(WithBroadcastWriteTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)

	n := testNode(t, "node", WithHandshakeTimeout(0), WithBroadcastWriteTimeout(time.Second))
	require.Equal(t, 30*time.Second, n.config.handshakeTimeout, "zero keeps the default")
	require.Equal(t, time.Second, n.config.broadcastWriteTimeout)
}
