package handshaker

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/Mmx233/QResume/session"
)

var (
	// ErrInvalidArgument marks configuration the caller can fix.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInternal marks failures inside the TLS engine binding.
	ErrInternal = errors.New("internal error")
	// ErrFactoryDestroyed is returned when creating a handshaker from a
	// factory whose last reference is gone.
	ErrFactoryDestroyed = errors.New("handshaker factory destroyed")
)

func invalidArgf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// SessionTicketKeySize is the only accepted length of a static session
// ticket encryption key.
const SessionTicketKeySize = 32

const (
	maxALPNProtocolLength = 255
	maxALPNListLength     = 65535
)

// KeyCertPair is a PEM encoded private key and certificate chain.
type KeyCertPair struct {
	PrivateKey string
	CertChain  string
}

func (p KeyCertPair) load() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair([]byte(p.CertChain), []byte(p.PrivateKey))
	if err != nil {
		return tls.Certificate{}, invalidArgf("load key/cert pair: %v", err)
	}
	return cert, nil
}

// ClientCertRequestType selects how a server asks for client certificates.
type ClientCertRequestType int

const (
	DontRequestClientCert ClientCertRequestType = iota
	RequestClientCertNoVerify
	RequestClientCertVerify
	RequireClientCertNoVerify
	RequireClientCertVerify
)

var clientCertRequestNames = map[ClientCertRequestType]string{
	DontRequestClientCert:     "none",
	RequestClientCertNoVerify: "request_no_verify",
	RequestClientCertVerify:   "request_verify",
	RequireClientCertNoVerify: "require_no_verify",
	RequireClientCertVerify:   "require_verify",
}

func (t ClientCertRequestType) String() string {
	if name, ok := clientCertRequestNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseClientCertRequestType parses the configuration spelling of a client
// certificate policy. The empty string means none.
func ParseClientCertRequestType(s string) (ClientCertRequestType, error) {
	if s == "" {
		return DontRequestClientCert, nil
	}
	for t, name := range clientCertRequestNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, invalidArgf("unknown client certificate request type %q", s)
}

func (t ClientCertRequestType) clientAuth() (tls.ClientAuthType, error) {
	switch t {
	case DontRequestClientCert:
		return tls.NoClientCert, nil
	case RequestClientCertNoVerify:
		return tls.RequestClientCert, nil
	case RequestClientCertVerify:
		return tls.VerifyClientCertIfGiven, nil
	case RequireClientCertNoVerify:
		return tls.RequireAnyClientCert, nil
	case RequireClientCertVerify:
		return tls.RequireAndVerifyClientCert, nil
	default:
		return 0, invalidArgf("unknown client certificate request type %d", int(t))
	}
}

// ParseTLSVersion accepts "1.2" or "1.3". The empty string returns 0, which
// the factories replace with their default.
func ParseTLSVersion(s string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(s), "tls") {
	case "":
		return 0, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, invalidArgf("unsupported TLS version %q", s)
	}
}

func resolveVersions(min, max uint16) (uint16, uint16, error) {
	if min == 0 {
		min = tls.VersionTLS12
	}
	if max == 0 {
		max = tls.VersionTLS13
	}
	for _, v := range []uint16{min, max} {
		if v != tls.VersionTLS12 && v != tls.VersionTLS13 {
			return 0, 0, invalidArgf("unsupported TLS version 0x%04x", v)
		}
	}
	if min > max {
		return 0, 0, invalidArgf("min TLS version %s above max %s",
			tls.VersionName(min), tls.VersionName(max))
	}
	return min, max, nil
}

// ParseCipherSuites resolves a ':' or ',' separated list of IANA cipher
// suite names. TLS 1.3 suites are accepted but not returned since crypto/tls
// does not make them configurable.
func ParseCipherSuites(list string) ([]uint16, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	known := make(map[string]*tls.CipherSuite)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		cs, ok := known[name]
		if !ok {
			return nil, invalidArgf("unknown or insecure cipher suite %q", name)
		}
		if len(cs.SupportedVersions) == 1 && cs.SupportedVersions[0] == tls.VersionTLS13 {
			continue
		}
		ids = append(ids, cs.ID)
	}
	return ids, nil
}

// validateALPN checks every protocol fits the RFC 7301 wire encoding.
func validateALPN(protocols []string) error {
	total := 0
	for i, p := range protocols {
		if len(p) == 0 || len(p) > maxALPNProtocolLength {
			return invalidArgf("alpn protocol %d has invalid length %d", i, len(p))
		}
		total += 1 + len(p)
	}
	if total > maxALPNListLength {
		return invalidArgf("alpn protocol list too long (%d bytes)", total)
	}
	return nil
}

// ClientOptions configures a ClientFactory.
type ClientOptions struct {
	// PEMRootCerts is used when RootStore is nil.
	PEMRootCerts string
	RootStore    *x509.CertPool

	KeyCertPair   *KeyCertPair
	CipherSuites  string
	ALPNProtocols []string
	MinTLSVersion uint16
	MaxTLSVersion uint16

	// SessionCache enables resumption. The factory holds its own reference.
	SessionCache *session.Cache

	SkipServerVerification bool
	Observer               Observer
}

// ServerOptions configures a ServerFactory.
type ServerOptions struct {
	KeyCertPairs       []KeyCertPair
	PEMClientRootCerts string
	ClientCertRequest  ClientCertRequestType
	CipherSuites       string
	ALPNProtocols      []string
	MinTLSVersion      uint16
	MaxTLSVersion      uint16

	// SessionTicketKey is a static ticket key of SessionTicketKeySize bytes.
	SessionTicketKey []byte
	// TicketKeys, when set, supplies the current ticket keys per connection
	// and takes precedence over SessionTicketKey.
	TicketKeys func() [][32]byte

	Observer Observer
}
