package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mmx233/QResume/handshaker"
	"github.com/quic-go/quic-go"
)

const (
	EnvPrefix = "QRESUME_"
)

// LookupEnv reads a variable carrying the QRESUME_ prefix.
func LookupEnv(name string) (string, bool) {
	return os.LookupEnv(EnvPrefix + name)
}

type Listen struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

func (l Listen) GetIP() (net.IP, error) {
	ip := net.ParseIP(l.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip address: %s", l.IP)
	}
	return ip, nil
}

// Addr returns the host:port to listen on.
func (l Listen) Addr() string {
	return net.JoinHostPort(l.IP, strconv.Itoa(l.Port))
}

func (l Listen) Validate() error {
	if _, err := l.GetIP(); err != nil {
		return err
	}
	if l.Port < 0 || l.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", l.Port)
	}
	return nil
}

type Quic struct {
	InitialStreamReceiveWindow     uint64        `yaml:"initial_stream_receive_window"`
	MaxStreamReceiveWindow         uint64        `yaml:"max_stream_receive_window"`
	InitialConnectionReceiveWindow uint64        `yaml:"initial_connection_receive_window"`
	MaxConnectionReceiveWindow     uint64        `yaml:"max_connection_receive_window"`
	KeepAlivePeriod                time.Duration `yaml:"keep_alive_period"`
	HandshakeIdleTimeout           time.Duration `yaml:"handshake_idle_timeout"`
	MaxIdleTimeout                 time.Duration `yaml:"max_idle_timeout"`
}

func (q Quic) GetConfig() *quic.Config {
	if q.MaxIdleTimeout == 0 {
		q.MaxIdleTimeout = DefaultMaxIdleTimeout
	}
	return &quic.Config{
		InitialStreamReceiveWindow:     q.InitialStreamReceiveWindow,
		MaxStreamReceiveWindow:         q.MaxStreamReceiveWindow,
		InitialConnectionReceiveWindow: q.InitialConnectionReceiveWindow,
		MaxConnectionReceiveWindow:     q.MaxConnectionReceiveWindow,
		KeepAlivePeriod:                q.KeepAlivePeriod,
		HandshakeIdleTimeout:           q.HandshakeIdleTimeout,
		MaxIdleTimeout:                 q.MaxIdleTimeout,
	}
}

// TLSCommon holds the settings shared by client and server TLS.
type TLSCommon struct {
	CipherSuites  string   `yaml:"cipher_suites"` // ':' or ',' separated IANA names
	ALPNProtocols []string `yaml:"alpn_protocols"`
	MinVersion    string   `yaml:"min_version"` // "1.2" or "1.3"
	MaxVersion    string   `yaml:"max_version"`
}

func (t *TLSCommon) applyDefaults() {
	if len(t.ALPNProtocols) == 0 {
		t.ALPNProtocols = []string{DefaultALPN}
	}
}

func (t TLSCommon) versions() (uint16, uint16, error) {
	minVersion, err := handshaker.ParseTLSVersion(t.MinVersion)
	if err != nil {
		return 0, 0, fmt.Errorf("min_version: %w", err)
	}
	maxVersion, err := handshaker.ParseTLSVersion(t.MaxVersion)
	if err != nil {
		return 0, 0, fmt.Errorf("max_version: %w", err)
	}
	return minVersion, maxVersion, nil
}

func (t TLSCommon) validate() error {
	minVersion, maxVersion, err := t.versions()
	if err != nil {
		return err
	}
	if minVersion != 0 && maxVersion != 0 && minVersion > maxVersion {
		return fmt.Errorf("min_version %s is above max_version %s", t.MinVersion, t.MaxVersion)
	}
	if _, err := handshaker.ParseCipherSuites(t.CipherSuites); err != nil {
		return fmt.Errorf("cipher_suites: %w", err)
	}
	return nil
}

// Metrics configures the Prometheus endpoint. An empty address disables it.
type Metrics struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m *Metrics) applyDefaults() {
	if m.Address != "" && m.Path == "" {
		m.Path = DefaultMetricsPath
	}
}

func (m Metrics) Validate() error {
	if m.Address == "" {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Address); err != nil {
		return fmt.Errorf("metrics address %q: %w", m.Address, err)
	}
	if !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics path must start with '/', got %q", m.Path)
	}
	return nil
}

func readFile(kind, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", kind, err)
	}
	return string(data), nil
}
