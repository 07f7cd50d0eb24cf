package handshaker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"slices"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const sniMemoSize = 256

type serverContext struct {
	config *tls.Config
	names  SubjectNames
}

// ServerFactory holds one TLS configuration per certificate and selects one
// per connection from the client's SNI.
type ServerFactory struct {
	refCount

	contexts   []serverContext
	base       *tls.Config
	ticketKeys func() [][32]byte
	sniMemo    *lru.Cache[string, int]
	observer   Observer
	logger     zerolog.Logger
}

// NewServerFactory validates opts and builds one TLS configuration per key
// and certificate pair.
func NewServerFactory(opts ServerOptions) (*ServerFactory, error) {
	if len(opts.KeyCertPairs) == 0 {
		return nil, invalidArgf("at least one key/cert pair is required")
	}
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
	clientAuth, err := opts.ClientCertRequest.clientAuth()
	if err != nil {
		return nil, err
	}

	var clientCAs *x509.CertPool
	if opts.PEMClientRootCerts != "" {
		clientCAs = x509.NewCertPool()
		if !clientCAs.AppendCertsFromPEM([]byte(opts.PEMClientRootCerts)) {
			return nil, invalidArgf("no valid certificate in pem client root certs")
		}
	}

	var staticKeys [][32]byte
	if opts.SessionTicketKey != nil {
		if len(opts.SessionTicketKey) != SessionTicketKeySize {
			return nil, invalidArgf("session ticket key must be %d bytes, got %d",
				SessionTicketKeySize, len(opts.SessionTicketKey))
		}
		var key [32]byte
		copy(key[:], opts.SessionTicketKey)
		staticKeys = [][32]byte{key}
	}

	memo, err := lru.New[string, int](sniMemoSize)
	if err != nil {
		return nil, fmt.Errorf("%w: create sni memo: %v", ErrInternal, err)
	}

	f := &ServerFactory{
		contexts:   make([]serverContext, 0, len(opts.KeyCertPairs)),
		ticketKeys: opts.TicketKeys,
		sniMemo:    memo,
		observer:   observerOrNop(opts.Observer),
		logger:     log.With().Str("com", "tsi-server").Logger(),
	}

	for i, pair := range opts.KeyCertPairs {
		cert, err := pair.load()
		if err != nil {
			return nil, fmt.Errorf("key/cert pair %d: %w", i, err)
		}
		names, err := ExtractSubjectNames(pair.CertChain)
		if err != nil {
			return nil, fmt.Errorf("key/cert pair %d: %w", i, err)
		}

		config := &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   clientAuth,
			ClientCAs:    clientCAs,
			MinVersion:   minVersion,
			MaxVersion:   maxVersion,
			CipherSuites: suites,
			NextProtos:   slices.Clone(opts.ALPNProtocols),
		}
		if staticKeys != nil {
			config.SetSessionTicketKeys(staticKeys)
		}
		f.contexts = append(f.contexts, serverContext{config: config, names: names})

		f.logger.Debug().
			Int("index", i).
			Str("common_name", names.CommonName).
			Strs("dns_names", names.DNSNames).
			Strs("ip_addresses", names.IPAddresses).
			Msg("loaded server certificate")
	}

	f.base = f.contexts[0].config.Clone()
	f.base.GetConfigForClient = f.configForClient
	f.init(f)

	f.logger.Debug().
		Int("certificates", len(f.contexts)).
		Str("client_auth", opts.ClientCertRequest.String()).
		Bool("rotating_ticket_keys", f.ticketKeys != nil).
		Msg("server handshaker factory created")

	return f, nil
}

// SubjectNames returns the names extracted from the i-th certificate.
func (f *ServerFactory) SubjectNames(i int) SubjectNames {
	return f.contexts[i].names
}

// TLSConfig returns a configuration performing the same per-connection
// certificate selection as the factory's handshakers, for listeners that
// drive the handshake themselves such as QUIC. The caller must keep a
// factory reference while the configuration is in use.
func (f *ServerFactory) TLSConfig() *tls.Config {
	return f.base.Clone()
}

// CreateHandshaker returns a server handshaker starting on the first
// certificate and switching once the client's SNI is known.
func (f *ServerFactory) CreateHandshaker() (*Handshaker, error) {
	if !f.tryRef() {
		return nil, ErrFactoryDestroyed
	}
	id, err := uuid.NewRandom()
	if err != nil {
		f.Unref()
		return nil, fmt.Errorf("%w: allocate handshaker id: %v", ErrInternal, err)
	}

	h := &Handshaker{
		id:       id.String(),
		side:     SideServer,
		config:   f.base,
		unref:    f.Unref,
		observer: f.observer,
		logger:   f.logger.With().Str("handshaker", id.String()).Logger(),
	}
	h.state.Store(int32(StateCacheChecked))
	return h, nil
}

func (f *ServerFactory) configForClient(hello *tls.ClientHelloInfo) (*tls.Config, error) {
	if f.destroyed.Load() {
		return nil, ErrFactoryDestroyed
	}
	config := f.contexts[f.selectContext(hello.ServerName)].config
	if f.ticketKeys != nil {
		if keys := f.ticketKeys(); len(keys) > 0 {
			config = config.Clone()
			config.SetSessionTicketKeys(keys)
		}
	}
	return config, nil
}

// selectContext returns the index of the certificate serving name. Exact
// matches across all certificates win over wildcard matches; without any
// match the first certificate is used.
func (f *ServerFactory) selectContext(name string) int {
	if name == "" || len(f.contexts) == 1 {
		return 0
	}
	if i, ok := f.sniMemo.Get(name); ok {
		return i
	}

	selected, found := 0, false
	for i := range f.contexts {
		if f.contexts[i].names.matchesExactly(name) {
			selected, found = i, true
			break
		}
	}
	if !found {
		for i := range f.contexts {
			if f.contexts[i].names.Matches(name) {
				selected, found = i, true
				break
			}
		}
	}
	if !found {
		f.logger.Debug().Str("server_name", name).Msg("no certificate matches server name, using default")
	}

	f.sniMemo.Add(name, selected)
	return selected
}

func (f *ServerFactory) destroy() {
	f.sniMemo.Purge()
	f.logger.Debug().Int("certificates", len(f.contexts)).Msg("server handshaker factory destroyed")
}
