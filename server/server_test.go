package server

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mmx233/QResume/config"
	"github.com/Mmx233/QResume/handshaker"
	"github.com/Mmx233/QResume/pki"
	"github.com/Mmx233/QResume/protocol"
	"github.com/Mmx233/QResume/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/quic-go/quic-go.(*packetHandlerMap).runCloseQueue"),
	)
}

func testServerConfig(t *testing.T) (*config.Server, pki.Bundle) {
	t.Helper()
	bundle, err := pki.WriteBundle(t.TempDir(), pki.DefaultBundleOptions())
	require.NoError(t, err)

	conf := &config.Server{
		TCP:  config.ServerTCP{Enabled: true, Listen: config.Listen{IP: "127.0.0.1"}},
		Quic: config.ServerQuic{Enabled: true, Listen: config.Listen{IP: "127.0.0.1"}},
		TLS: config.ServerTLS{
			Certificates: []config.CertKeyFile{{CertFile: bundle.ServerCert, KeyFile: bundle.ServerKey}},
		},
	}
	conf.ApplyDefaults()
	return conf, bundle
}

func newClientFactory(t *testing.T, bundle pki.Bundle, cache *session.Cache) *handshaker.ClientFactory {
	t.Helper()
	caPEM, err := os.ReadFile(bundle.CACert)
	require.NoError(t, err)
	f, err := handshaker.NewClientFactory(handshaker.ClientOptions{
		PEMRootCerts:  string(caPEM),
		ALPNProtocols: []string{config.DefaultALPN},
		SessionCache:  cache,
	})
	require.NoError(t, err)
	t.Cleanup(f.Unref)
	return f
}

// serveTCP runs ServeTCP on a loopback listener until the test ends.
func serveTCP(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeTCP(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr().String()
}

func serveQUIC(t *testing.T, srv *Server) string {
	t.Helper()
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeQUIC(ctx, udpConn) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		_ = udpConn.Close()
	})
	return udpConn.LocalAddr().String()
}

func probeTCP(t *testing.T, f *handshaker.ClientFactory, addr string, seq int) (handshaker.Peer, protocol.HelloAckMsg) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hs, err := f.CreateHandshaker("localhost")
	require.NoError(t, err)
	defer hs.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	res, err := hs.Handshake(ctx, conn)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteHello(res.Conn, "test-client", seq))
	var ack protocol.HelloAckMsg
	require.NoError(t, protocol.ReadTypedMessage(res.Conn, protocol.MsgTypeHelloAck, &ack))
	return res.Peer, ack
}

func TestServer_TCPProbeResumes(t *testing.T) {
	conf, bundle := testServerConfig(t)
	srv, err := New(conf, Options{})
	require.NoError(t, err)
	defer srv.Close()
	addr := serveTCP(t, srv)

	cache := session.NewLRU(4)
	defer cache.Unref()
	f := newClientFactory(t, bundle, cache)

	peer, ack := probeTCP(t, f, addr, 1)
	assert.False(t, peer.SessionReused)
	assert.False(t, ack.Resumed)
	assert.Equal(t, 1, ack.Seq)
	assert.Equal(t, "localhost", ack.ServerName)
	assert.Equal(t, config.DefaultALPN, ack.NegotiatedProtocol)
	assert.Equal(t, 1, cache.Size())

	peer, ack = probeTCP(t, f, addr, 2)
	assert.True(t, peer.SessionReused)
	assert.True(t, ack.Resumed)
	assert.Equal(t, peer.Version, ack.TLSVersion)
	assert.Equal(t, peer.CipherSuite, ack.CipherSuite)
}

func TestServer_RejectsUnknownVersion(t *testing.T) {
	conf, bundle := testServerConfig(t)
	srv, err := New(conf, Options{})
	require.NoError(t, err)
	defer srv.Close()
	addr := serveTCP(t, srv)

	f := newClientFactory(t, bundle, nil)
	hs, err := f.CreateHandshaker("localhost")
	require.NoError(t, err)
	defer hs.Close()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	res, err := hs.Handshake(context.Background(), conn)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteMessage(res.Conn, protocol.MsgTypeHello, protocol.HelloMsg{
		ClientID: "old-client",
		Seq:      1,
		Version:  "0.1",
	}))
	var ack protocol.HelloAckMsg
	err = protocol.ReadTypedMessage(res.Conn, protocol.MsgTypeHelloAck, &ack)
	var remote *protocol.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, uint32(protocol.ErrCodeVersion), remote.Code)
}

func TestServer_QUICProbeResumes(t *testing.T) {
	conf, bundle := testServerConfig(t)
	srv, err := New(conf, Options{})
	require.NoError(t, err)
	defer srv.Close()
	addr := serveQUIC(t, srv)

	cache := session.NewLRU(4)
	defer cache.Unref()
	f := newClientFactory(t, bundle, cache)

	probe := func(seq int) (handshaker.Peer, protocol.HelloAckMsg) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		hs, err := f.CreateHandshaker("localhost")
		require.NoError(t, err)
		defer hs.Close()

		conn, peer, err := hs.DialQUIC(ctx, addr, conf.Quic.GetConfig())
		require.NoError(t, err)
		defer conn.CloseWithError(0, "")

		stream, err := conn.OpenStreamSync(ctx)
		require.NoError(t, err)
		require.NoError(t, protocol.WriteHello(stream, "test-client", seq))
		var ack protocol.HelloAckMsg
		require.NoError(t, protocol.ReadTypedMessage(stream, protocol.MsgTypeHelloAck, &ack))
		return peer, ack
	}

	_, ack := probe(1)
	assert.False(t, ack.Resumed)
	require.Eventually(t, func() bool { return cache.Size() == 1 }, 2*time.Second, 10*time.Millisecond)

	peer, ack := probe(2)
	assert.True(t, peer.SessionReused)
	assert.True(t, ack.Resumed)
}

func TestServer_RotationUsesStaticKeyFirst(t *testing.T) {
	conf, _ := testServerConfig(t)
	keyFile := filepath.Join(t.TempDir(), "ticket.key")
	require.NoError(t, os.WriteFile(keyFile, make([]byte, handshaker.SessionTicketKeySize), 0600))
	conf.TLS.SessionTicketKeyFile = keyFile
	conf.TLS.SessionTicketEncryptionKeyRotationInterval = time.Hour
	conf.ApplyDefaults()
	require.NoError(t, conf.Validate())

	srv, err := New(conf, Options{})
	require.NoError(t, err)
	defer srv.Close()

	require.NotNil(t, srv.stek)
	keys := srv.stek.Keys()
	require.Len(t, keys, int(config.DefaultTicketKeyRotationOverlap))
	assert.Equal(t, [32]byte{}, keys[0])
	assert.NotEqual(t, [32]byte{}, keys[1])
}

func TestServer_NewRejectsMissingCertificate(t *testing.T) {
	conf, _ := testServerConfig(t)
	conf.TLS.Certificates[0].CertFile = filepath.Join(t.TempDir(), "missing.pem")

	_, err := New(conf, Options{})
	assert.Error(t, err)
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	conf, _ := testServerConfig(t)
	// Port 0 lets the kernel pick free ports for both listeners.
	srv, err := New(conf, Options{})
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	srv.Close()
}
