package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Mmx233/QResume/config"
	"github.com/Mmx233/QResume/handshaker"
	"github.com/Mmx233/QResume/protocol"
	"github.com/Mmx233/QResume/server/tls/stek"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// exchangeTimeout bounds the handshake and probe exchange on one connection
const exchangeTimeout = 10 * time.Second

// Server answers resumption probes over TCP and QUIC
type Server struct {
	config  *config.Server
	factory *handshaker.ServerFactory
	stek    *stek.RotateManager
	logger  zerolog.Logger

	closeOnce sync.Once
}

// Options carries optional observers
type Options struct {
	Observer handshaker.Observer
	// OnRotate is called after every ticket key rotation
	OnRotate func(total int)
}

// New builds the server handshaker factory from conf. conf must have been
// validated.
func New(conf *config.Server, opts Options) (*Server, error) {
	logger := log.With().Str("com", "server").Logger()

	factoryOpts, err := conf.TLS.HandshakerOptions()
	if err != nil {
		return nil, fmt.Errorf("load tls options: %w", err)
	}
	factoryOpts.Observer = opts.Observer

	s := &Server{config: conf, logger: logger}

	// Initialize session ticket key rotation
	if conf.TLS.RotationEnabled() {
		var stekOpts []stek.Option
		if len(factoryOpts.SessionTicketKey) == handshaker.SessionTicketKeySize {
			var key [32]byte
			copy(key[:], factoryOpts.SessionTicketKey)
			stekOpts = append(stekOpts, stek.WithInitialKey(key))
		}
		if opts.OnRotate != nil {
			stekOpts = append(stekOpts, stek.WithRotateHook(opts.OnRotate))
		}

		s.stek, err = stek.NewRotateManager(
			conf.TLS.SessionTicketEncryptionKeyRotationInterval,
			conf.TLS.SessionTicketEncryptionKeyRotationOverlap,
			stekOpts...,
		)
		if err != nil {
			return nil, fmt.Errorf("initialize session ticket key rotation: %w", err)
		}
		factoryOpts.TicketKeys = s.stek.Keys

		logger.Info().
			Dur("rotation_interval", conf.TLS.SessionTicketEncryptionKeyRotationInterval).
			Uint8("key_overlap", conf.TLS.SessionTicketEncryptionKeyRotationOverlap).
			Msg("session ticket key rotation enabled")
	}

	s.factory, err = handshaker.NewServerFactory(factoryOpts)
	if err != nil {
		return nil, fmt.Errorf("create handshaker factory: %w", err)
	}

	for i := range conf.TLS.Certificates {
		names := s.factory.SubjectNames(i)
		logger.Info().
			Int("index", i).
			Str("common_name", names.CommonName).
			Strs("dns_names", names.DNSNames).
			Msg("serving certificate")
	}

	return s, nil
}

// Start runs a server until ctx is cancelled
func Start(ctx context.Context, conf *config.Server, opts Options) error {
	srv, err := New(conf, opts)
	if err != nil {
		return err
	}
	defer srv.Close()
	return srv.Serve(ctx)
}

// Serve opens the configured listeners and blocks until ctx is cancelled or a
// listener fails.
func (s *Server) Serve(ctx context.Context) error {
	if s.stek != nil {
		s.stek.Start(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		tcpLn   net.Listener
		udpConn *net.UDPConn
	)
	if s.config.TCP.Enabled {
		ln, err := net.Listen("tcp", s.config.TCP.Addr())
		if err != nil {
			return fmt.Errorf("listen TCP: %w", err)
		}
		tcpLn = ln
	}
	if s.config.Quic.Enabled {
		ip, err := s.config.Quic.GetIP()
		if err == nil {
			udpConn, err = net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: s.config.Quic.Port})
		}
		if err != nil {
			if tcpLn != nil {
				_ = tcpLn.Close()
			}
			return fmt.Errorf("listen UDP: %w", err)
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	run := func(name string, serve func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serve(); err != nil {
				errCh <- fmt.Errorf("%s listener: %w", name, err)
			}
		}()
	}
	if tcpLn != nil {
		run("tcp", func() error { return s.ServeTCP(ctx, tcpLn) })
	}
	if udpConn != nil {
		run("quic", func() error {
			defer udpConn.Close()
			return s.ServeQUIC(ctx, udpConn)
		})
	}

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		s.logger.Info().Msg("server shutting down")
	}
	cancel()
	wg.Wait()
	return err
}

// ServeTCP accepts TLS over TCP connections on ln until ctx is cancelled.
// It closes ln before returning.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	logger := s.logger.With().Str("tcp_addr", ln.Addr().String()).Logger()
	logger.Info().Msg("TCP listener started")

	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Error().Err(err).Msg("accept connection failed")
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleTCP(ctx, conn)
		}()
	}
}

func (s *Server) handleTCP(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hs, err := s.factory.CreateHandshaker()
	if err != nil {
		logger.Error().Err(err).Msg("create handshaker failed")
		return
	}
	defer hs.Close()

	res, err := hs.Handshake(ctx, conn)
	if err != nil {
		logger.Debug().Err(err).Msg("handshake failed")
		return
	}
	defer res.Conn.Close()

	s.answer(logger, res.Conn, res.Peer)
}

// ServeQUIC accepts QUIC connections on udpConn until ctx is cancelled.
func (s *Server) ServeQUIC(ctx context.Context, udpConn net.PacketConn) error {
	logger := s.logger.With().Str("quic_addr", udpConn.LocalAddr().String()).Logger()

	tr := quic.Transport{
		Conn: udpConn,
	}
	defer tr.Close()

	ln, err := tr.Listen(s.factory.TLSConfig(), s.config.Quic.GetConfig())
	if err != nil {
		return fmt.Errorf("listen QUIC: %w", err)
	}
	defer ln.Close()

	logger.Info().Msg("QUIC listener started")

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("accept connection failed")
			return err
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleQUIC(ctx, conn)
		}()
	}
}

func (s *Server) handleQUIC(ctx context.Context, conn *quic.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("accept stream failed")
		_ = conn.CloseWithError(1, "stream error")
		return
	}

	peer := handshaker.PeerFromConnectionState(conn.ConnectionState().TLS)
	s.answer(logger, stream, peer)
	_ = stream.Close()

	// The client closes the connection once it has read the answer.
	select {
	case <-conn.Context().Done():
	case <-ctx.Done():
		_ = conn.CloseWithError(0, "done")
	}
}

// answer reads one Hello and replies with how this side saw the handshake.
func (s *Server) answer(logger zerolog.Logger, rw io.ReadWriter, peer handshaker.Peer) {
	var hello protocol.HelloMsg
	if err := protocol.ReadTypedMessage(rw, protocol.MsgTypeHello, &hello); err != nil {
		logger.Debug().Err(err).Msg("read hello failed")
		return
	}

	logger = logger.With().
		Str("client_id", hello.ClientID).
		Int("seq", hello.Seq).
		Logger()

	if hello.Version != protocol.ProtocolVersion {
		logger.Warn().Str("version", hello.Version).Msg("unsupported protocol version")
		_ = protocol.WriteError(rw, protocol.ErrCodeVersion, "unsupported protocol version "+hello.Version)
		return
	}

	ack := protocol.HelloAckMsg{
		Seq:                hello.Seq,
		ServerName:         peer.ServerName,
		Resumed:            peer.SessionReused,
		NegotiatedProtocol: peer.NegotiatedProtocol,
		TLSVersion:         peer.Version,
		CipherSuite:        peer.CipherSuite,
	}
	if err := protocol.WriteHelloAck(rw, ack); err != nil {
		logger.Debug().Err(err).Msg("send hello ack failed")
		return
	}

	logger.Info().
		Str("server_name", peer.ServerName).
		Bool("resumed", peer.SessionReused).
		Msg("probe answered")
}

// Close stops key rotation and releases the handshaker factory. It is safe
// to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.stek != nil {
			s.stek.Stop()
		}
		s.factory.Unref()
	})
}
