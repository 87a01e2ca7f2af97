package carrier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		IsCA: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// mtlsConfigs returns one mTLS config per common name, all signed by
// the same CA.
func mtlsConfigs(t *testing.T, names ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	confs := make([]*tls.Config, 0, len(names))
	for _, name := range names {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, name)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		confs = append(confs, &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return confs
}

// controlPair returns both ends of a loopback TCP connection.
func controlPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		dialed.Close()
		conn.Close()
	})
	return dialed, conn
}

type handshakeResult struct {
	initiator *Handshake
	responder *Handshake
	sent      Stream
	received  Stream
	initErr   error
	respErr   error
}

// runHandshake runs both sides of a handshake over a fresh control
// channel, init is the initiator carrier, reg detects the responder one.
func runHandshake(t *testing.T, ctx context.Context, init Carrier, reg *Registry, route Route, initCfg, respCfg HandshakeConfig) handshakeResult {
	t.Helper()
	initConn, respConn := controlPair(t)

	var res handshakeResult
	res.initiator = NewHandshake(initConn, route, initCfg)
	res.responder = NewHandshake(respConn, Route{To: route.To}, respCfg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res.sent, res.initErr = Initiate(ctx, init, res.initiator)
	}()
	res.received, _, res.respErr = Respond(ctx, reg, res.responder)
	if res.respErr != nil {
		// an initiator waiting for a bootstrap gives up at ctx deadline.
		respConn.Close()
	}
	<-done

	t.Cleanup(func() {
		if res.sent != nil {
			res.sent.Close()
		}
		if res.received != nil {
			res.received.Close()
		}
	})
	return res
}

type mockBootstrap struct {
	mock.Mock
}

func (m *mockBootstrap) Listen(ctx context.Context) (Listener, error) {
	args := m.Called(ctx)
	ln, _ := args.Get(0).(Listener)
	return ln, args.Error(1)
}

func (m *mockBootstrap) Dial(ctx context.Context, addr string) (net.Conn, error) {
	args := m.Called(ctx, addr)
	conn, _ := args.Get(0).(net.Conn)
	return conn, args.Error(1)
}

// fakeListener never accepts anything.
type fakeListener struct {
	closed chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{closed: make(chan struct{})}
}

func (fl *fakeListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fl.closed:
		return nil, net.ErrClosed
	}
}

func (fl *fakeListener) Addr() string {
	return "fake:0"
}

func (fl *fakeListener) Close() error {
	select {
	case <-fl.closed:
	default:
		close(fl.closed)
	}
	return nil
}

func (fl *fakeListener) isClosed() bool {
	select {
	case <-fl.closed:
		return true
	default:
		return false
	}
}
