package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Mmx233/QResume/config"
	"github.com/Mmx233/QResume/handshaker"
	"github.com/Mmx233/QResume/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Client probes targets for TLS session resumption
type Client struct {
	config *config.Client
	caches *SessionCacheManager
	logger zerolog.Logger
}

// Options carries optional observers
type Options struct {
	Observer handshaker.Observer
	Cache    CacheHooks
}

// New creates a new client. conf must have been validated.
func New(conf *config.Client, opts Options) (*Client, error) {
	logger := log.With().
		Str("com", "client").
		Str("client_id", conf.ClientID).
		Logger()

	factoryOpts, err := conf.TLS.HandshakerOptions()
	if err != nil {
		return nil, fmt.Errorf("load tls options: %w", err)
	}
	factoryOpts.Observer = opts.Observer

	capacity := conf.SessionCache.Capacity
	if conf.SessionCache.Disabled {
		capacity = 0
	}
	caches, err := NewSessionCacheManager(factoryOpts, capacity, conf.SessionCache.PerTarget, opts.Cache)
	if err != nil {
		return nil, err
	}

	return &Client{
		config: conf,
		caches: caches,
		logger: logger,
	}, nil
}

// Caches exposes the session cache manager
func (c *Client) Caches() *SessionCacheManager {
	return c.caches
}

// Close releases the handshaker factories and their caches
func (c *Client) Close() {
	c.caches.Close()
}

// Run probes every configured target once and logs a summary. It returns an
// error when any attempt failed.
func Run(ctx context.Context, conf *config.Client, opts Options) error {
	c, err := New(conf, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.Summarize(c.Probe(ctx))
}

// Summarize logs one line per target and returns an error when any attempt
// failed.
func (c *Client) Summarize(report *Report) error {
	for _, tr := range report.Targets {
		c.logger.Info().
			Str("address", tr.Target.Address).
			Str("server_name", tr.Target.Name()).
			Int("attempts", len(tr.Attempts)).
			Int("resumed", tr.Resumed()).
			Int("failed", tr.Failed()).
			Msg("target summary")
	}
	if report.Failed() > 0 {
		return fmt.Errorf("%d probe attempts failed", report.Failed())
	}
	return nil
}

// Probe dials every target Probe.Count times. Targets are probed in
// parallel, the attempts of one target in order so that later attempts can
// resume the sessions issued to earlier ones.
func (c *Client) Probe(ctx context.Context) *Report {
	report := &Report{Targets: make([]TargetReport, len(c.config.Targets))}

	var wg sync.WaitGroup
	for i, target := range c.config.Targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report.Targets[i] = c.probeTarget(ctx, target)
		}()
	}
	wg.Wait()
	return report
}

func (c *Client) probeTarget(ctx context.Context, target config.Target) TargetReport {
	tr := TargetReport{Target: target}
	logger := c.logger.With().
		Str("address", target.Address).
		Str("server_name", target.Name()).
		Logger()

	for seq := 1; seq <= c.config.Probe.Count; seq++ {
		if seq > 1 && c.config.Probe.Interval > 0 {
			select {
			case <-time.After(c.config.Probe.Interval):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			tr.Attempts = append(tr.Attempts, Attempt{Seq: seq, Transport: c.config.Probe.Transport, Err: ctx.Err()})
			continue
		}

		attempt := c.probeOnce(ctx, target, seq)
		tr.Attempts = append(tr.Attempts, attempt)

		if attempt.Err != nil {
			logger.Warn().Err(attempt.Err).Int("seq", seq).Msg("probe failed")
			continue
		}
		logger.Info().
			Int("seq", seq).
			Bool("primed", attempt.Primed).
			Bool("resumed", attempt.ClientResumed).
			Bool("server_resumed", attempt.ServerResumed).
			Dur("latency", attempt.Latency).
			Msg("probe completed")
	}
	return tr
}

func (c *Client) probeOnce(ctx context.Context, target config.Target, seq int) Attempt {
	attempt := Attempt{Seq: seq, Transport: c.config.Probe.Transport}

	factory, err := c.caches.Factory(target.Address)
	if err != nil {
		attempt.Err = err
		return attempt
	}
	hs, err := factory.CreateHandshaker(target.Name())
	if err != nil {
		attempt.Err = fmt.Errorf("create handshaker: %w", err)
		return attempt
	}
	defer hs.Close()
	attempt.Primed = hs.HasCachedSession()

	ctx, cancel := context.WithTimeout(ctx, c.config.Probe.Timeout)
	defer cancel()

	start := time.Now()
	var (
		rw   io.ReadWriter
		peer handshaker.Peer
	)
	switch c.config.Probe.Transport {
	case config.TransportQUIC:
		conn, p, err := hs.DialQUIC(ctx, target.Address, c.config.Quic.GetConfig())
		if err != nil {
			attempt.Err = err
			return attempt
		}
		defer conn.CloseWithError(0, "probe done")

		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			attempt.Err = fmt.Errorf("open stream: %w", err)
			return attempt
		}
		defer stream.Close()
		stop := context.AfterFunc(ctx, func() { stream.CancelRead(0) })
		defer stop()
		rw, peer = stream, p
	default:
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, "tcp", target.Address)
		if err != nil {
			attempt.Err = fmt.Errorf("dial %s: %w", target.Address, err)
			return attempt
		}
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()

		res, err := hs.Handshake(ctx, conn)
		if err != nil {
			attempt.Err = err
			return attempt
		}
		rw, peer = res.Conn, res.Peer
	}
	attempt.ClientResumed = peer.SessionReused
	attempt.TLSVersion = peer.Version
	attempt.CipherSuite = peer.CipherSuite
	attempt.NegotiatedProtocol = peer.NegotiatedProtocol

	if err := protocol.WriteHello(rw, c.config.ClientID, seq); err != nil {
		attempt.Err = fmt.Errorf("send hello: %w", err)
		return attempt
	}
	// TLS 1.3 session tickets are processed while reading the answer.
	var ack protocol.HelloAckMsg
	if err := protocol.ReadTypedMessage(rw, protocol.MsgTypeHelloAck, &ack); err != nil {
		attempt.Err = fmt.Errorf("read hello ack: %w", err)
		return attempt
	}
	attempt.Latency = time.Since(start)

	if ack.Seq != seq {
		attempt.Err = fmt.Errorf("hello ack for seq %d, want %d", ack.Seq, seq)
		return attempt
	}
	attempt.ServerResumed = ack.Resumed
	if attempt.ServerResumed != attempt.ClientResumed {
		attempt.Err = ErrResumptionMismatch
	}
	return attempt
}

// ErrResumptionMismatch is reported when client and server disagree on
// whether the handshake resumed a session.
var ErrResumptionMismatch = errors.New("client and server disagree on session resumption")

// Attempt is the outcome of one probe connection
type Attempt struct {
	Seq       int
	Transport string
	// Primed is set when a cached session was offered
	Primed             bool
	ClientResumed      bool
	ServerResumed      bool
	TLSVersion         uint16
	CipherSuite        uint16
	NegotiatedProtocol string
	Latency            time.Duration
	Err                error
}

// VersionName returns the negotiated TLS version for display
func (a Attempt) VersionName() string {
	if a.TLSVersion == 0 {
		return ""
	}
	return tls.VersionName(a.TLSVersion)
}

// TargetReport collects the attempts against one target
type TargetReport struct {
	Target   config.Target
	Attempts []Attempt
}

// Resumed counts attempts that resumed a session
func (r TargetReport) Resumed() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Err == nil && a.ClientResumed {
			n++
		}
	}
	return n
}

// Failed counts attempts that returned an error
func (r TargetReport) Failed() int {
	n := 0
	for _, a := range r.Attempts {
		if a.Err != nil {
			n++
		}
	}
	return n
}

// Report is the result of Probe
type Report struct {
	Targets []TargetReport
}

// Failed counts failed attempts across all targets
func (r *Report) Failed() int {
	n := 0
	for _, t := range r.Targets {
		n += t.Failed()
	}
	return n
}
