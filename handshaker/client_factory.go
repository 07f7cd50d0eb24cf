package handshaker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"slices"

	"github.com/Mmx233/QResume/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ClientFactory holds an immutable client TLS configuration and an optional
// session cache. A factory is bound to at most one cache for its lifetime;
// use WithSessionCache to pair the same configuration with another cache.
type ClientFactory struct {
	refCount

	opts     ClientOptions
	config   *tls.Config
	cache    *session.Cache
	observer Observer
	logger   zerolog.Logger
}

// NewClientFactory validates opts and builds the client TLS configuration.
// On error nothing is retained, including the session cache reference.
func NewClientFactory(opts ClientOptions) (*ClientFactory, error) {
	if opts.PEMRootCerts == "" && opts.RootStore == nil {
		return nil, invalidArgf("either pem root certs or a root store must be provided")
	}

	config, err := buildClientConfig(opts)
	if err != nil {
		return nil, err
	}

	f := &ClientFactory{
		opts:     opts,
		config:   config,
		observer: observerOrNop(opts.Observer),
		logger:   log.With().Str("com", "tsi-client").Logger(),
	}
	if opts.SessionCache != nil {
		f.cache = opts.SessionCache.Ref()
	}
	f.init(f)

	f.logger.Debug().
		Bool("session_cache", f.cache != nil).
		Strs("alpn", config.NextProtos).
		Str("min_version", tls.VersionName(config.MinVersion)).
		Str("max_version", tls.VersionName(config.MaxVersion)).
		Msg("client handshaker factory created")

	return f, nil
}

func buildClientConfig(opts ClientOptions) (*tls.Config, error) {
	minVersion, maxVersion, err := resolveVersions(opts.MinTLSVersion, opts.MaxTLSVersion)
	if err != nil {
		return nil, err
	}
	suites, err := ParseCipherSuites(opts.CipherSuites)
	if err != nil {
		return nil, err
	}
	if err := validateALPN(opts.ALPNProtocols); err != nil {
		return nil, err
	}

	roots := opts.RootStore
	if roots == nil {
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM([]byte(opts.PEMRootCerts)) {
			return nil, invalidArgf("no valid certificate in pem root certs")
		}
	}

	config := &tls.Config{
		RootCAs:            roots,
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		CipherSuites:       suites,
		NextProtos:         slices.Clone(opts.ALPNProtocols),
		InsecureSkipVerify: opts.SkipServerVerification,
	}
	if opts.KeyCertPair != nil {
		cert, err := opts.KeyCertPair.load()
		if err != nil {
			return nil, err
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}

// SessionCache returns the cache this factory stores sessions in, or nil.
func (f *ClientFactory) SessionCache() *session.Cache {
	return f.cache
}

// WithSessionCache returns a new factory with the receiver's configuration
// and cache as its session cache. The receiver is not modified. Passing nil
// yields a factory without resumption.
func (f *ClientFactory) WithSessionCache(cache *session.Cache) (*ClientFactory, error) {
	opts := f.opts
	opts.SessionCache = cache
	return NewClientFactory(opts)
}

// CreateHandshaker returns a handshaker sending serverName as SNI. When the
// factory has a session cache and serverName is set, a cached session for
// that name is attached to prime resumption.
func (f *ClientFactory) CreateHandshaker(serverName string) (*Handshaker, error) {
	if !f.tryRef() {
		return nil, ErrFactoryDestroyed
	}
	id, err := uuid.NewRandom()
	if err != nil {
		f.Unref()
		return nil, fmt.Errorf("%w: allocate handshaker id: %v", ErrInternal, err)
	}

	config := f.config.Clone()
	config.ServerName = serverName

	h := &Handshaker{
		id:         id.String(),
		side:       SideClient,
		serverName: serverName,
		config:     config,
		unref:      f.Unref,
		observer:   f.observer,
	}
	h.state.Store(int32(StateNotStarted))

	cached := false
	if f.cache != nil && serverName != "" {
		if s, ok := f.cache.Get(serverName); ok {
			h.attached.Store(s)
			cached = true
		}
		config.ClientSessionCache = &connSessionStore{h: h, factory: f}
	}
	h.state.Store(int32(StateCacheChecked))

	h.logger = f.logger.With().
		Str("handshaker", h.id).
		Str("server_name", serverName).
		Logger()
	h.logger.Trace().Bool("cached_session", cached).Msg("handshaker created")

	return h, nil
}

// storeSession is the new-session callback. It reports whether ownership of
// cs moved into the cache. A nil cs asks for the entry to be invalidated.
func (f *ClientFactory) storeSession(serverName string, cs *tls.ClientSessionState) bool {
	if f.cache == nil || serverName == "" || f.destroyed.Load() {
		f.observer.NewSession(false)
		return false
	}
	if cs == nil {
		f.cache.Remove(serverName)
		return false
	}
	f.cache.Put(serverName, session.New(cs, nil))
	f.observer.NewSession(true)
	f.logger.Trace().Str("server_name", serverName).Msg("stored session")
	return true
}

func (f *ClientFactory) destroy() {
	if f.cache != nil {
		f.cache.Unref()
	}
	f.logger.Debug().Msg("client handshaker factory destroyed")
}
