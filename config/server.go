package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Mmx233/QResume/handshaker"
)

type Server struct {
	TCP     ServerTCP  `yaml:"tcp"`
	Quic    ServerQuic `yaml:"quic"`
	TLS     ServerTLS  `yaml:"tls"`
	Metrics Metrics    `yaml:"metrics"`
}

type ServerTCP struct {
	Enabled bool `yaml:"enabled"`
	Listen  `yaml:",inline"`
}

type ServerQuic struct {
	Enabled bool `yaml:"enabled"`
	Listen  `yaml:",inline"`
	Quic    `yaml:",inline"`
}

// CertKeyFile is one certificate chain and its private key
type CertKeyFile struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type ServerTLS struct {
	// Certificates are selected by SNI; the first one is the default
	Certificates []CertKeyFile `yaml:"certificates"`
	ClientCAFile string        `yaml:"client_ca_file"`
	// ClientAuth is one of none, request_no_verify, request_verify,
	// require_no_verify, require_verify
	ClientAuth string `yaml:"client_auth"`

	// SessionTicketKeyFile holds a 32 byte key, raw or hex encoded
	SessionTicketKeyFile                       string        `yaml:"session_ticket_key_file"`
	SessionTicketEncryptionKeyRotationInterval time.Duration `yaml:"session_ticket_encryption_key_rotation_interval"`
	SessionTicketEncryptionKeyRotationOverlap  uint8         `yaml:"session_ticket_encryption_key_rotation_overlap"`

	TLSCommon `yaml:",inline"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (s *Server) ApplyDefaults() {
	if s.TLS.SessionTicketEncryptionKeyRotationInterval > 0 && s.TLS.SessionTicketEncryptionKeyRotationOverlap == 0 {
		s.TLS.SessionTicketEncryptionKeyRotationOverlap = DefaultTicketKeyRotationOverlap
	}
	if s.TCP.IP == "" {
		s.TCP.IP = "0.0.0.0"
	}
	if s.Quic.IP == "" {
		s.Quic.IP = "0.0.0.0"
	}
	s.TLS.applyDefaults()
	s.Metrics.applyDefaults()
}

// Validate checks the configuration after defaults have been applied.
func (s *Server) Validate() error {
	if !s.TCP.Enabled && !s.Quic.Enabled {
		return fmt.Errorf("at least one of tcp and quic must be enabled")
	}
	if s.TCP.Enabled {
		if err := s.TCP.Listen.Validate(); err != nil {
			return fmt.Errorf("tcp: %w", err)
		}
	}
	if s.Quic.Enabled {
		if err := s.Quic.Listen.Validate(); err != nil {
			return fmt.Errorf("quic: %w", err)
		}
		if len(s.TLS.ALPNProtocols) == 0 {
			return fmt.Errorf("quic requires at least one alpn protocol")
		}
	}

	if len(s.TLS.Certificates) == 0 {
		return fmt.Errorf("tls.certificates must list at least one certificate")
	}
	for i, c := range s.TLS.Certificates {
		if c.CertFile == "" || c.KeyFile == "" {
			return fmt.Errorf("tls.certificates[%d]: cert_file and key_file are required", i)
		}
	}
	clientAuth, err := handshaker.ParseClientCertRequestType(s.TLS.ClientAuth)
	if err != nil {
		return fmt.Errorf("tls.client_auth: %w", err)
	}
	switch clientAuth {
	case handshaker.RequestClientCertVerify, handshaker.RequireClientCertVerify:
		if s.TLS.ClientCAFile == "" {
			return fmt.Errorf("tls.client_ca_file is required for client_auth %s", clientAuth)
		}
	}
	if s.TLS.SessionTicketEncryptionKeyRotationInterval < 0 {
		return fmt.Errorf("tls.session_ticket_encryption_key_rotation_interval must not be negative")
	}
	if err := s.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	return s.Metrics.Validate()
}

// RotationEnabled reports whether ticket keys rotate
func (t ServerTLS) RotationEnabled() bool {
	return t.SessionTicketEncryptionKeyRotationInterval > 0
}

// HandshakerOptions reads the referenced files and returns the server
// factory options. Rotating ticket keys are plugged in by the caller.
func (t ServerTLS) HandshakerOptions() (handshaker.ServerOptions, error) {
	minVersion, maxVersion, err := t.versions()
	if err != nil {
		return handshaker.ServerOptions{}, err
	}
	clientAuth, err := handshaker.ParseClientCertRequestType(t.ClientAuth)
	if err != nil {
		return handshaker.ServerOptions{}, err
	}

	opts := handshaker.ServerOptions{
		ClientCertRequest: clientAuth,
		CipherSuites:      t.CipherSuites,
		ALPNProtocols:     t.ALPNProtocols,
		MinTLSVersion:     minVersion,
		MaxTLSVersion:     maxVersion,
	}
	for i, c := range t.Certificates {
		pair, err := loadKeyCertPair(c.CertFile, c.KeyFile)
		if err != nil {
			return handshaker.ServerOptions{}, fmt.Errorf("certificates[%d]: %w", i, err)
		}
		opts.KeyCertPairs = append(opts.KeyCertPairs, pair)
	}
	if t.ClientCAFile != "" {
		if opts.PEMClientRootCerts, err = readFile("client CA cert", t.ClientCAFile); err != nil {
			return handshaker.ServerOptions{}, err
		}
	}
	if t.SessionTicketKeyFile != "" {
		if opts.SessionTicketKey, err = LoadSessionTicketKey(t.SessionTicketKeyFile); err != nil {
			return handshaker.ServerOptions{}, err
		}
	}
	return opts, nil
}

// LoadSessionTicketKey reads a ticket key file holding either the raw key or
// its hex encoding. The length is checked by the server factory.
func LoadSessionTicketKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session ticket key: %w", err)
	}
	if len(data) == handshaker.SessionTicketKeySize {
		return data, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode session ticket key: %w", err)
	}
	return key, nil
}
