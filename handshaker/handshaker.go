package handshaker

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/Mmx233/QResume/session"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
)

// State is the progress of a single handshaker.
type State int32

const (
	StateNotStarted State = iota
	StateCacheChecked
	StateHandshaking
	StateComplete
	StateFailed
)

// String returns a string representation of the handshaker state
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateCacheChecked:
		return "cache-checked"
	case StateHandshaking:
		return "handshaking"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Peer holds the properties negotiated with the remote end.
type Peer struct {
	ServerName         string
	SessionReused      bool
	NegotiatedProtocol string
	Version            uint16
	CipherSuite        uint16
	CommonName         string
	SubjectAltNames    []string
}

// PeerFromConnectionState describes the peer of an established connection,
// such as one accepted by a QUIC listener using ServerFactory.TLSConfig.
func PeerFromConnectionState(cs tls.ConnectionState) Peer {
	return peerFromState(cs)
}

func peerFromState(cs tls.ConnectionState) Peer {
	p := Peer{
		ServerName:         cs.ServerName,
		SessionReused:      cs.DidResume,
		NegotiatedProtocol: cs.NegotiatedProtocol,
		Version:            cs.Version,
		CipherSuite:        cs.CipherSuite,
	}
	if len(cs.PeerCertificates) > 0 {
		leaf := cs.PeerCertificates[0]
		p.CommonName = leaf.Subject.CommonName
		p.SubjectAltNames = append(p.SubjectAltNames, leaf.DNSNames...)
		for _, ip := range leaf.IPAddresses {
			p.SubjectAltNames = append(p.SubjectAltNames, ip.String())
		}
		for _, uri := range leaf.URIs {
			p.SubjectAltNames = append(p.SubjectAltNames, uri.String())
		}
		p.SubjectAltNames = append(p.SubjectAltNames, leaf.EmailAddresses...)
	}
	return p
}

// Result is a completed TLS handshake over a stream connection.
type Result struct {
	Conn *tls.Conn
	Peer Peer
}

// Handshaker performs one TLS handshake. It keeps its factory alive until
// Close is called.
type Handshaker struct {
	id         string
	side       Side
	serverName string
	config     *tls.Config

	// attached is the cached session primed for resumption. It is released
	// exactly once, when the handshake ends or on Close.
	attached atomic.Pointer[session.Session]
	state    atomic.Int32
	closed   atomic.Bool
	unref    func()

	observer Observer
	logger   zerolog.Logger
}

// ID returns the identifier used in logs.
func (h *Handshaker) ID() string {
	return h.id
}

// ServerName returns the SNI a client handshaker sends.
func (h *Handshaker) ServerName() string {
	return h.serverName
}

// State returns the current state.
func (h *Handshaker) State() State {
	return State(h.state.Load())
}

// HasCachedSession reports whether a cached session is still attached.
func (h *Handshaker) HasCachedSession() bool {
	return h.attached.Load() != nil
}

func (h *Handshaker) begin() error {
	if h.closed.Load() {
		return fmt.Errorf("handshaker %s is closed", h.id)
	}
	if !h.state.CompareAndSwap(int32(StateCacheChecked), int32(StateHandshaking)) {
		return fmt.Errorf("handshaker %s cannot start in state %s", h.id, h.State())
	}
	return nil
}

func (h *Handshaker) finish(resumed bool, err error, start time.Time) {
	h.releaseAttached()
	d := time.Since(start)
	h.observer.Handshake(h.side, resumed, err, d)
	if err != nil {
		h.state.Store(int32(StateFailed))
		h.logger.Debug().Err(err).Dur("took", d).Msg("handshake failed")
		return
	}
	h.state.Store(int32(StateComplete))
	h.logger.Debug().Bool("resumed", resumed).Dur("took", d).Msg("handshake complete")
}

func (h *Handshaker) releaseAttached() {
	if s := h.attached.Swap(nil); s != nil {
		s.Release()
	}
}

// Handshake runs the TLS handshake over conn. The caller keeps ownership of
// conn and should close it when the handshake fails.
func (h *Handshaker) Handshake(ctx context.Context, conn net.Conn) (*Result, error) {
	if err := h.begin(); err != nil {
		return nil, err
	}
	start := time.Now()

	var tconn *tls.Conn
	if h.side == SideClient {
		tconn = tls.Client(conn, h.config)
	} else {
		tconn = tls.Server(conn, h.config)
	}
	if err := tconn.HandshakeContext(ctx); err != nil {
		h.finish(false, err, start)
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	cs := tconn.ConnectionState()
	h.finish(cs.DidResume, nil, start)
	return &Result{Conn: tconn, Peer: peerFromState(cs)}, nil
}

// DialQUIC dials addr over QUIC using the handshaker's TLS configuration.
func (h *Handshaker) DialQUIC(ctx context.Context, addr string, conf *quic.Config) (*quic.Conn, Peer, error) {
	if h.side != SideClient {
		return nil, Peer{}, invalidArgf("QUIC dial from a server handshaker")
	}
	if len(h.config.NextProtos) == 0 {
		return nil, Peer{}, invalidArgf("QUIC requires at least one ALPN protocol")
	}
	if err := h.begin(); err != nil {
		return nil, Peer{}, err
	}
	start := time.Now()

	conn, err := quic.DialAddr(ctx, addr, h.config, conf)
	if err != nil {
		h.finish(false, err, start)
		return nil, Peer{}, fmt.Errorf("quic dial %s: %w", addr, err)
	}

	cs := conn.ConnectionState().TLS
	h.finish(cs.DidResume, nil, start)
	return conn, peerFromState(cs), nil
}

// Close releases any still attached session and the factory reference.
// It is safe to call more than once.
func (h *Handshaker) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.releaseAttached()
	h.unref()
}

// connSessionStore is the per-connection tls.ClientSessionCache. crypto/tls
// asks it for a session while building the ClientHello and hands it any
// session the server issues.
type connSessionStore struct {
	h       *Handshaker
	factory *ClientFactory
}

func (s *connSessionStore) Get(key string) (*tls.ClientSessionState, bool) {
	if key != s.h.serverName {
		return nil, false
	}
	if sess := s.h.attached.Load(); sess != nil {
		return sess.State(), true
	}
	return nil, false
}

func (s *connSessionStore) Put(key string, cs *tls.ClientSessionState) {
	// crypto/tls clears the entry when a resumed handshake fails. A failed
	// handshake must leave the cache untouched.
	if cs == nil && s.h.State() != StateComplete {
		return
	}
	s.factory.storeSession(key, cs)
}
