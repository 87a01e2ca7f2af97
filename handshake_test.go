package carrier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, boot Bootstrapper) *Registry {
	t.Helper()
	reg, err := NewRegistry(
		NewPointToPoint(boot),
		NewBroadcast(boot, NewElections(nil, nil, nil)),
		Direct{},
	)
	require.NoError(t, err)
	return reg
}

func TestHandshake_PointToPoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boot := &TCPBootstrap{}
	res := runHandshake(
		t, ctx,
		NewPointToPoint(boot),
		testRegistry(t, boot),
		NewRoute("/a", "/b", ""),
		HandshakeConfig{Logger: slog.New(testHandler("initiator"))},
		HandshakeConfig{Logger: slog.New(testHandler("responder"))},
	)
	require.NoError(t, res.initErr)
	require.NoError(t, res.respErr)

	require.Equal(t, NewRoute("/a", "/b", "ptp"), res.sent.Route())
	require.Equal(t, NewRoute("/a", "/b", "ptp"), res.received.Route())
	require.Equal(t, res.initiator.LocalID(), res.responder.RemoteID())

	_, err := res.sent.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = io.ReadFull(res.received, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf)

	// nothing else was written, the next read blocks until the sender
	// goes away.
	readDone := make(chan error, 1)
	go func() {
		_, err := res.received.Read(buf)
		readDone <- err
	}()
	require.Never(t, func() bool { return len(readDone) > 0 }, 200*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, res.sent.Close())
	select {
	case err := <-readDone:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read still blocked after the sender closed")
	}
}

func TestHandshake_Reply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boot := &TCPBootstrap{}
	ptp := NewPointToPoint(boot)
	res := runHandshake(t, ctx, ptp, testRegistry(t, boot), NewRoute("/a", "/b", ""), HandshakeConfig{}, HandshakeConfig{})
	require.NoError(t, res.initErr)
	require.NoError(t, res.respErr)

	_, err := res.received.Write([]byte("pong"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(res.sent, buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))

	ackErr := make(chan error, 1)
	go func() {
		ackErr <- ptp.ExpectAck(ctx, res.initiator)
	}()
	require.NoError(t, ptp.SendAck(ctx, res.responder))
	require.NoError(t, <-ackErr)
}

func TestHandshake_Direct(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := runHandshake(t, ctx, Direct{}, testRegistry(t, &TCPBootstrap{}), NewRoute("/a", "/b", ""), HandshakeConfig{}, HandshakeConfig{})
	require.NoError(t, res.initErr)
	require.NoError(t, res.respErr)
	require.Empty(t, res.responder.RemoteID(), "connectionless carriers exchange no identifier")
	require.False(t, Direct{}.Capabilities().SupportsReply)
	require.NoError(t, Direct{}.SendAck(ctx, res.responder))

	_, err := res.sent.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = res.received.Write([]byte("world"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(res.received, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	_, err = io.ReadFull(res.sent, buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(buf))

	require.NoError(t, res.sent.Close())
	_, err = res.received.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestHandshake_Loopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	boot := &TCPBootstrap{}
	same := HandshakeConfig{ProcessID: NewProcessID()}
	res := runHandshake(t, ctx, NewPointToPoint(boot), testRegistry(t, boot), NewRoute("/a", "/b", ""), same, same)
	require.ErrorIs(t, res.respErr, ErrHandshake)
	require.ErrorContains(t, res.respErr, "loopback")
	require.Error(t, res.initErr)
	require.Nil(t, res.sent)
	require.Nil(t, res.received)
}

func TestHandshake_Malformed(t *testing.T) {
	reg := testRegistry(t, &TCPBootstrap{})
	cases := []struct {
		name  string
		input string
	}{
		{name: "unknown header", input: "NOPE____/a\r\n"},
		{name: "short header", input: "PTP"},
		{name: "sender name too long", input: "DIRECT__" + strings.Repeat("a", 2*MaxLineLength) + "\r\n"},
		{name: "bare line feed", input: "DIRECT__/a\n"},
		{name: "empty sender", input: "DIRECT__\r\n"},
		{name: "missing bootstrap address", input: "PTP_____/a\r\nsome-id\r\n\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			initConn, respConn := controlPair(t)
			go func() {
				_, _ = io.WriteString(initConn, tc.input)
				if tc.name == "short header" {
					initConn.Close()
				}
			}()

			hs := NewHandshake(respConn, Route{To: "/b"}, HandshakeConfig{})
			s, c, err := Respond(ctx, reg, hs)
			require.ErrorIs(t, err, ErrHandshake)
			require.Nil(t, s)
			require.Nil(t, c)
		})
	}
}

func TestHandshake_BootstrapFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	ln, err := (&TCPBootstrap{}).Listen(ctx)
	require.NoError(t, err)

	initBoot := &mockBootstrap{}
	initBoot.On("Listen", mock.Anything).Return(ln, nil).Once()

	respBoot := &mockBootstrap{}
	respBoot.On("Dial", mock.Anything, ln.Addr()).Return(nil, errors.New("unreachable")).Once()

	res := runHandshake(t, ctx, NewPointToPoint(initBoot), testRegistry(t, respBoot), NewRoute("/a", "/b", ""), HandshakeConfig{}, HandshakeConfig{})
	require.ErrorIs(t, res.respErr, ErrTransportBootstrap)
	require.Error(t, res.initErr)
	require.Nil(t, res.sent)
	require.Nil(t, res.received)

	initBoot.AssertExpectations(t)
	respBoot.AssertExpectations(t)

	// the initiator released its listener.
	_, err = net.DialTimeout("tcp", ln.Addr(), 500*time.Millisecond)
	require.Error(t, err)
}

func TestHandshake_StrayBootstrap(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boot := &TCPBootstrap{}
	ptp := NewPointToPoint(boot)
	initConn, _ := controlPair(t)
	hs := NewHandshake(initConn, NewRoute("/a", "/b", "ptp"), HandshakeConfig{})
	require.NoError(t, ptp.CreateStream(ctx, hs, true))

	// someone else connects to the published address first.
	stray, err := net.Dial("tcp", hs.Address())
	require.NoError(t, err)
	defer stray.Close()
	require.NoError(t, writeHello(ctx, stray, NewRoute("/z", "/b", "")))

	_, err = ptp.Accept(ctx, hs)
	require.ErrorIs(t, err, ErrTransportBootstrap)
}

func TestValidatePortName(t *testing.T) {
	require.True(t, ValidatePortName("/a/b"))
	require.False(t, ValidatePortName(""))
	require.False(t, ValidatePortName("/a\r\n"))
	require.False(t, ValidatePortName(strings.Repeat("a", MaxLineLength+1)))
}
