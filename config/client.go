package config

import (
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Mmx233/QResume/handshaker"
)

type Client struct {
	ClientID     string       `yaml:"client_id"`
	Targets      []Target     `yaml:"targets"`
	TLS          ClientTLS    `yaml:"tls"`
	SessionCache SessionCache `yaml:"session_cache"`
	Probe        Probe        `yaml:"probe"`
	Quic         Quic         `yaml:"quic"`
	Metrics      Metrics      `yaml:"metrics"`
}

// Target is a server to probe
type Target struct {
	Address    string `yaml:"address"`     // host:port
	ServerName string `yaml:"server_name"` // SNI and verification name, defaults to the address host
}

// Name returns the SNI sent to the target
func (t Target) Name() string {
	if t.ServerName != "" {
		return t.ServerName
	}
	host, _, err := net.SplitHostPort(t.Address)
	if err != nil {
		return ""
	}
	return host
}

type ClientTLS struct {
	CACertFile         string `yaml:"ca_cert_file"`
	ClientCertFile     string `yaml:"client_cert_file"`
	ClientKeyFile      string `yaml:"client_key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	TLSCommon          `yaml:",inline"`
}

type SessionCache struct {
	Disabled bool `yaml:"disabled"`
	Capacity int  `yaml:"capacity"`
	// PerTarget gives every target its own cache instead of one shared cache
	PerTarget bool `yaml:"per_target"`
}

type Probe struct {
	Count     int           `yaml:"count"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	Transport string        `yaml:"transport"` // tcp or quic
	// Repeat reruns the probe round at this interval; zero probes once
	Repeat time.Duration `yaml:"repeat"`
}

const (
	MinTargets = 1
	MaxTargets = 64
)

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Client) ApplyDefaults() {
	if c.ClientID == "" {
		c.ClientID = GenerateClientID()
	}
	if c.SessionCache.Capacity == 0 {
		c.SessionCache.Capacity = DefaultSessionCacheCapacity
	}
	if c.Probe.Count == 0 {
		c.Probe.Count = DefaultProbeCount
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = DefaultProbeInterval
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = DefaultProbeTimeout
	}
	if c.Probe.Transport == "" {
		c.Probe.Transport = TransportTCP
	}
	c.TLS.applyDefaults()
	c.Metrics.applyDefaults()
}

// ValidateAddress validates that an address is in valid host:port format.
// Returns an error if the address is invalid.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format %q: %w", addr, err)
	}

	if host == "" {
		return fmt.Errorf("host cannot be empty in address %q", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port in address %q: %w", addr, err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d in address %q", port, addr)
	}

	return nil
}

// Validate checks the configuration after defaults have been applied.
func (c *Client) Validate() error {
	if len(c.Targets) < MinTargets {
		return fmt.Errorf("at least %d target must be provided", MinTargets)
	}
	if len(c.Targets) > MaxTargets {
		return fmt.Errorf("maximum %d targets allowed, got %d", MaxTargets, len(c.Targets))
	}
	for i, target := range c.Targets {
		if err := ValidateAddress(target.Address); err != nil {
			return fmt.Errorf("targets[%d]: %w", i, err)
		}
	}

	if c.TLS.CACertFile == "" && !c.TLS.InsecureSkipVerify {
		return fmt.Errorf("tls.ca_cert_file is required unless insecure_skip_verify is set")
	}
	if (c.TLS.ClientCertFile == "") != (c.TLS.ClientKeyFile == "") {
		return fmt.Errorf("tls.client_cert_file and tls.client_key_file must be set together")
	}
	if err := c.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	if !c.SessionCache.Disabled && c.SessionCache.Capacity <= 0 {
		return fmt.Errorf("session_cache.capacity must be positive, got %d", c.SessionCache.Capacity)
	}

	if c.Probe.Count < 1 {
		return fmt.Errorf("probe.count must be at least 1, got %d", c.Probe.Count)
	}
	if c.Probe.Interval < 0 || c.Probe.Repeat < 0 || c.Probe.Timeout <= 0 {
		return fmt.Errorf("probe.interval and probe.repeat must not be negative and probe.timeout must be positive")
	}
	switch c.Probe.Transport {
	case TransportTCP:
	case TransportQUIC:
		if len(c.TLS.ALPNProtocols) == 0 {
			return fmt.Errorf("quic transport requires at least one alpn protocol")
		}
	default:
		return fmt.Errorf("unknown probe.transport %q", c.Probe.Transport)
	}

	return c.Metrics.Validate()
}

// DeduplicateTargets removes repeated address and server name pairs.
// It returns the deduplicated list and a boolean indicating if duplicates were found.
func (c *Client) DeduplicateTargets() ([]Target, bool) {
	if len(c.Targets) == 0 {
		return nil, false
	}

	seen := make(map[Target]bool)
	deduplicated := make([]Target, 0, len(c.Targets))
	hasDuplicates := false

	for _, target := range c.Targets {
		if !seen[target] {
			seen[target] = true
			deduplicated = append(deduplicated, target)
		} else {
			hasDuplicates = true
		}
	}

	return deduplicated, hasDuplicates
}

// HandshakerOptions reads the referenced files and returns the options for
// the base client factory. The session cache is attached by the caller.
func (t ClientTLS) HandshakerOptions() (handshaker.ClientOptions, error) {
	minVersion, maxVersion, err := t.versions()
	if err != nil {
		return handshaker.ClientOptions{}, err
	}
	opts := handshaker.ClientOptions{
		CipherSuites:           t.CipherSuites,
		ALPNProtocols:          t.ALPNProtocols,
		MinTLSVersion:          minVersion,
		MaxTLSVersion:          maxVersion,
		SkipServerVerification: t.InsecureSkipVerify,
	}

	if t.CACertFile != "" {
		if opts.PEMRootCerts, err = readFile("CA cert", t.CACertFile); err != nil {
			return handshaker.ClientOptions{}, err
		}
	} else if t.InsecureSkipVerify {
		// Verification is off; an empty store satisfies the trust root requirement.
		opts.RootStore = x509.NewCertPool()
	}
	if t.ClientCertFile != "" {
		pair, err := loadKeyCertPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return handshaker.ClientOptions{}, err
		}
		opts.KeyCertPair = &pair
	}
	return opts, nil
}

func loadKeyCertPair(certFile, keyFile string) (handshaker.KeyCertPair, error) {
	cert, err := readFile("certificate", certFile)
	if err != nil {
		return handshaker.KeyCertPair{}, err
	}
	key, err := readFile("private key", keyFile)
	if err != nil {
		return handshaker.KeyCertPair{}, err
	}
	return handshaker.KeyCertPair{PrivateKey: key, CertChain: cert}, nil
}
