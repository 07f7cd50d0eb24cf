package config

import (
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Mmx233/QResume/handshaker"
	"github.com/Mmx233/QResume/pki"
	"pgregory.net/rapid"
)

func validClient() *Client {
	c := &Client{
		Targets: []Target{{Address: "server.example.com:8443"}},
		TLS:     ClientTLS{CACertFile: "ca.pem"},
	}
	c.ApplyDefaults()
	return c
}

func validServer() *Server {
	s := &Server{
		TCP: ServerTCP{Enabled: true, Listen: Listen{Port: 8443}},
		TLS: ServerTLS{Certificates: []CertKeyFile{{CertFile: "c.pem", KeyFile: "c.key"}}},
	}
	s.ApplyDefaults()
	return s
}

func TestClientValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Client)
		wantErr string
	}{
		{"valid", func(*Client) {}, ""},
		{"bad address", func(c *Client) { c.Targets[0].Address = "noport" }, "targets[0]"},
		{"no trust root", func(c *Client) { c.TLS.CACertFile = "" }, "ca_cert_file"},
		{"insecure without root", func(c *Client) { c.TLS.CACertFile = ""; c.TLS.InsecureSkipVerify = true }, ""},
		{"half client pair", func(c *Client) { c.TLS.ClientCertFile = "client.pem" }, "set together"},
		{"bad version", func(c *Client) { c.TLS.MinVersion = "1.1" }, "min_version"},
		{"inverted versions", func(c *Client) { c.TLS.MinVersion = "1.3"; c.TLS.MaxVersion = "1.2" }, "above"},
		{"bad cipher", func(c *Client) { c.TLS.CipherSuites = "NOPE" }, "cipher_suites"},
		{"negative capacity", func(c *Client) { c.SessionCache.Capacity = -1 }, "capacity"},
		{"disabled cache ignores capacity", func(c *Client) { c.SessionCache.Disabled = true; c.SessionCache.Capacity = -1 }, ""},
		{"zero count", func(c *Client) { c.Probe.Count = -1 }, "probe.count"},
		{"negative repeat", func(c *Client) { c.Probe.Repeat = -time.Second }, "probe.repeat"},
		{"unknown transport", func(c *Client) { c.Probe.Transport = "sctp" }, "transport"},
		{"quic without alpn", func(c *Client) { c.Probe.Transport = TransportQUIC; c.TLS.ALPNProtocols = nil }, "alpn"},
		{"bad metrics", func(c *Client) { c.Metrics.Address = "nope" }, "metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClient()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestServerValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr string
	}{
		{"valid", func(*Server) {}, ""},
		{"no listener", func(s *Server) { s.TCP.Enabled = false }, "at least one"},
		{"bad ip", func(s *Server) { s.TCP.IP = "not-an-ip" }, "invalid ip"},
		{"quic without alpn", func(s *Server) { s.Quic.Enabled = true; s.TLS.ALPNProtocols = nil }, "alpn"},
		{"no certificates", func(s *Server) { s.TLS.Certificates = nil }, "at least one certificate"},
		{"missing key file", func(s *Server) { s.TLS.Certificates[0].KeyFile = "" }, "certificates[0]"},
		{"unknown client auth", func(s *Server) { s.TLS.ClientAuth = "sometimes" }, "client_auth"},
		{"verify without ca", func(s *Server) { s.TLS.ClientAuth = "require_verify" }, "client_ca_file"},
		{"no verify without ca", func(s *Server) { s.TLS.ClientAuth = "require_no_verify" }, ""},
		{"negative rotation", func(s *Server) { s.TLS.SessionTicketEncryptionKeyRotationInterval = -time.Second }, "rotation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validServer()
			tt.mutate(s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTargetName(t *testing.T) {
	if got := (Target{Address: "10.0.0.1:443"}).Name(); got != "10.0.0.1" {
		t.Errorf("expected address host, got %q", got)
	}
	if got := (Target{Address: "10.0.0.1:443", ServerName: "host.example.com"}).Name(); got != "host.example.com" {
		t.Errorf("expected explicit server name, got %q", got)
	}
	if got := (Target{Address: "bad"}).Name(); got != "" {
		t.Errorf("expected empty name for a bad address, got %q", got)
	}
}

type pkiFiles struct {
	dir                string
	ca                 string
	serverCert, server string
	clientCert, client string
}

func writePKI(t *testing.T) pkiFiles {
	t.Helper()
	dir := t.TempDir()
	caKey, caCert, err := pki.GenerateCA("config test CA", time.Hour)
	if err != nil {
		t.Fatalf("GenerateCA failed: %v", err)
	}

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
		return path
	}
	leaf := func(name string, client bool) (string, string) {
		key, cert, err := pki.GenerateLeaf(caKey, caCert, pki.LeafOptions{
			CommonName: name,
			DNSNames:   []string{name},
			Client:     client,
			ValidFor:   time.Hour,
		})
		if err != nil {
			t.Fatalf("GenerateLeaf failed: %v", err)
		}
		keyPEM, err := pki.EncodePrivateKey(key)
		if err != nil {
			t.Fatalf("EncodePrivateKey failed: %v", err)
		}
		return write(name+".pem", pki.EncodeCertificate(cert)), write(name+".key", keyPEM)
	}

	f := pkiFiles{dir: dir, ca: write("ca.pem", pki.EncodeCertificate(caCert))}
	f.serverCert, f.server = leaf("host.example.com", false)
	f.clientCert, f.client = leaf("client", true)
	return f
}

func TestClientTLS_HandshakerOptions(t *testing.T) {
	files := writePKI(t)
	ct := ClientTLS{
		CACertFile:     files.ca,
		ClientCertFile: files.clientCert,
		ClientKeyFile:  files.client,
		TLSCommon:      TLSCommon{MinVersion: "1.3", ALPNProtocols: []string{"qresume"}},
	}

	opts, err := ct.HandshakerOptions()
	if err != nil {
		t.Fatalf("HandshakerOptions failed: %v", err)
	}
	if opts.MinTLSVersion != tls.VersionTLS13 || opts.MaxTLSVersion != 0 {
		t.Errorf("unexpected versions %x/%x", opts.MinTLSVersion, opts.MaxTLSVersion)
	}
	if opts.KeyCertPair == nil || !strings.Contains(opts.PEMRootCerts, "CERTIFICATE") {
		t.Fatal("expected trust root and client pair to be loaded")
	}

	f, err := handshaker.NewClientFactory(opts)
	if err != nil {
		t.Fatalf("NewClientFactory failed: %v", err)
	}
	f.Unref()
}

func TestClientTLS_HandshakerOptions_Insecure(t *testing.T) {
	opts, err := ClientTLS{InsecureSkipVerify: true}.HandshakerOptions()
	if err != nil {
		t.Fatalf("HandshakerOptions failed: %v", err)
	}
	f, err := handshaker.NewClientFactory(opts)
	if err != nil {
		t.Fatalf("NewClientFactory failed: %v", err)
	}
	f.Unref()
}

func TestClientTLS_HandshakerOptions_MissingFile(t *testing.T) {
	_, err := ClientTLS{CACertFile: "/nonexistent/ca.pem"}.HandshakerOptions()
	if err == nil || !strings.Contains(err.Error(), "read CA cert") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestServerTLS_HandshakerOptions(t *testing.T) {
	files := writePKI(t)
	key := make([]byte, handshaker.SessionTicketKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	keyFile := filepath.Join(files.dir, "ticket.key")
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		t.Fatalf("failed to write ticket key: %v", err)
	}

	st := ServerTLS{
		Certificates:         []CertKeyFile{{CertFile: files.serverCert, KeyFile: files.server}},
		ClientCAFile:         files.ca,
		ClientAuth:           "require_verify",
		SessionTicketKeyFile: keyFile,
	}
	opts, err := st.HandshakerOptions()
	if err != nil {
		t.Fatalf("HandshakerOptions failed: %v", err)
	}
	if opts.ClientCertRequest != handshaker.RequireClientCertVerify {
		t.Errorf("unexpected client cert policy %s", opts.ClientCertRequest)
	}
	if string(opts.SessionTicketKey) != string(key) {
		t.Error("ticket key not decoded from hex")
	}

	f, err := handshaker.NewServerFactory(opts)
	if err != nil {
		t.Fatalf("NewServerFactory failed: %v", err)
	}
	defer f.Unref()
	if names := f.SubjectNames(0); len(names.DNSNames) != 1 || names.DNSNames[0] != "host.example.com" {
		t.Errorf("unexpected subject names %+v", names)
	}
}

func TestLoadSessionTicketKey(t *testing.T) {
	dir := t.TempDir()
	raw := []byte("0123456789abcdef0123456789abcdef")
	rawFile := filepath.Join(dir, "raw.key")
	if err := os.WriteFile(rawFile, raw, 0600); err != nil {
		t.Fatal(err)
	}
	key, err := LoadSessionTicketKey(rawFile)
	if err != nil || string(key) != string(raw) {
		t.Fatalf("expected raw key, got %q, %v", key, err)
	}

	badFile := filepath.Join(dir, "bad.key")
	if err := os.WriteFile(badFile, []byte("zz"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSessionTicketKey(badFile); err == nil {
		t.Fatal("expected decode error")
	}
}

// Feature: config-defaults, Property 1: zero-value fields receive defaults and
// non-zero fields are preserved
func TestApplyDefaults_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(0, 1024).Draw(t, "capacity")
		count := rapid.IntRange(0, 10).Draw(t, "count")
		interval := time.Duration(rapid.Int64Range(0, 10_000).Draw(t, "intervalMs")) * time.Millisecond
		clientID := rapid.SampledFrom([]string{"", "fixed-client"}).Draw(t, "clientID")

		c := &Client{
			ClientID:     clientID,
			SessionCache: SessionCache{Capacity: capacity},
			Probe:        Probe{Count: count, Interval: interval},
		}
		c.ApplyDefaults()

		if clientID == "" && c.ClientID == "" {
			t.Fatal("expected ClientID to be generated")
		}
		if clientID != "" && c.ClientID != clientID {
			t.Fatalf("expected ClientID %q to be preserved, got %q", clientID, c.ClientID)
		}
		if want := pick(capacity, DefaultSessionCacheCapacity); c.SessionCache.Capacity != want {
			t.Fatalf("capacity: got %d, want %d", c.SessionCache.Capacity, want)
		}
		if want := pick(count, DefaultProbeCount); c.Probe.Count != want {
			t.Fatalf("count: got %d, want %d", c.Probe.Count, want)
		}
		if want := pick(interval, DefaultProbeInterval); c.Probe.Interval != want {
			t.Fatalf("interval: got %v, want %v", c.Probe.Interval, want)
		}
	})
}

func pick[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Feature: config-validation, Property 2: addresses with a host and a port in
// range pass validation
func TestValidateAddress_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		host := rapid.SampledFrom([]string{"localhost", "server.example.com", "10.0.0.1", "[::1]"}).Draw(t, "host")
		port := rapid.IntRange(-10, 70000).Draw(t, "port")
		err := ValidateAddress(fmt.Sprintf("%s:%d", host, port))
		if valid := port >= 1 && port <= 65535; valid != (err == nil) {
			t.Fatalf("port %d: valid=%v, err=%v", port, valid, err)
		}
	})
}
