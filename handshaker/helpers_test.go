package handshaker

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/QResume/pki"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testPKI struct {
	caPEM     string
	hostPair  KeyCertPair // host.example.com
	wildPair  KeyCertPair // *.test.google.fr
	exactPair KeyCertPair // exact.test.google.fr
	cnPair    KeyCertPair // CN only, no SANs
	client    KeyCertPair
}

var (
	sharedPKI     *testPKI
	sharedPKIErr  error
	sharedPKIOnce sync.Once
)

// newTestPKI returns certificates generated once per test binary.
func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	sharedPKIOnce.Do(func() {
		sharedPKI, sharedPKIErr = generateTestPKI()
	})
	require.NoError(t, sharedPKIErr)
	return sharedPKI
}

func generateTestPKI() (*testPKI, error) {
	caKey, caCert, err := pki.GenerateCA("Test Root CA", time.Hour)
	if err != nil {
		return nil, err
	}
	leaf := func(opts pki.LeafOptions) (KeyCertPair, error) {
		opts.ValidFor = time.Hour
		key, cert, err := pki.GenerateLeaf(caKey, caCert, opts)
		if err != nil {
			return KeyCertPair{}, err
		}
		keyPEM, err := pki.EncodePrivateKey(key)
		if err != nil {
			return KeyCertPair{}, err
		}
		return KeyCertPair{PrivateKey: string(keyPEM), CertChain: string(pki.EncodeCertificate(cert))}, nil
	}

	p := &testPKI{caPEM: string(pki.EncodeCertificate(caCert))}
	if p.hostPair, err = leaf(pki.LeafOptions{CommonName: "host", DNSNames: []string{"host.example.com"}}); err != nil {
		return nil, err
	}
	if p.wildPair, err = leaf(pki.LeafOptions{CommonName: "wildcard", DNSNames: []string{"*.test.google.fr"}}); err != nil {
		return nil, err
	}
	if p.exactPair, err = leaf(pki.LeafOptions{CommonName: "exact", DNSNames: []string{"exact.test.google.fr"}}); err != nil {
		return nil, err
	}
	if p.cnPair, err = leaf(pki.LeafOptions{CommonName: "cn.example.org"}); err != nil {
		return nil, err
	}
	if p.client, err = leaf(pki.LeafOptions{CommonName: "client", Client: true}); err != nil {
		return nil, err
	}
	return p, nil
}

type serverResult struct {
	peer Peer
	err  error
}

// serveTLS accepts connections until the test ends, handshakes each with a
// fresh server handshaker and writes "ok" before closing.
func serveTLS(t *testing.T, f *ServerFactory) (string, <-chan serverResult) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	results := make(chan serverResult, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				results <- handleServerConn(f, conn)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return ln.Addr().String(), results
}

func handleServerConn(f *ServerFactory, conn net.Conn) serverResult {
	hs, err := f.CreateHandshaker()
	if err != nil {
		return serverResult{err: err}
	}
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := hs.Handshake(ctx, conn)
	if err != nil {
		return serverResult{err: err}
	}
	if _, err := res.Conn.Write([]byte("ok")); err != nil {
		return serverResult{err: err}
	}
	_ = res.Conn.Close()
	return serverResult{peer: res.Peer}
}

type clientResult struct {
	peer   Peer
	primed bool
}

// dialTLS runs one client handshake and reads the server's reply, which is
// when TLS 1.3 session tickets get processed.
func dialTLS(t *testing.T, f *ClientFactory, addr, serverName string) (clientResult, error) {
	t.Helper()
	hs, err := f.CreateHandshaker(serverName)
	require.NoError(t, err)
	defer hs.Close()
	primed := hs.HasCachedSession()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := hs.Handshake(ctx, conn)
	if err != nil {
		return clientResult{primed: primed}, err
	}
	require.Equal(t, StateComplete, hs.State())
	require.False(t, hs.HasCachedSession(), "attached session should be released after the handshake")

	buf := make([]byte, 2)
	if _, err := io.ReadFull(res.Conn, buf); err != nil && !errors.Is(err, io.EOF) {
		return clientResult{primed: primed}, err
	}
	return clientResult{peer: res.Peer, primed: primed}, nil
}

func newServerFactory(t *testing.T, opts ServerOptions) *ServerFactory {
	t.Helper()
	f, err := NewServerFactory(opts)
	require.NoError(t, err)
	t.Cleanup(f.Unref)
	return f
}

func fakeSessionState() *tls.ClientSessionState {
	return &tls.ClientSessionState{}
}
