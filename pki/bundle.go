package pki

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// BundleOptions describes the certificates written by WriteBundle.
type BundleOptions struct {
	// ServerNames become the DNS SANs of the server certificate
	ServerNames []string
	// ServerIPs become the IP SANs of the server certificate
	ServerIPs []net.IP
	ValidFor  time.Duration
}

// Bundle holds the paths of the files written by WriteBundle.
type Bundle struct {
	CAKey      string
	CACert     string
	ServerKey  string
	ServerCert string
	ClientKey  string
	ClientCert string
}

// DefaultBundleOptions covers a server reachable on the loopback interface.
func DefaultBundleOptions() BundleOptions {
	return BundleOptions{
		ServerNames: []string{"localhost", "qresume-server"},
		ServerIPs:   []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		ValidFor:    10 * 365 * 24 * time.Hour,
	}
}

// WriteBundle generates a CA with one server and one client certificate and
// writes them as PEM files into dir.
func WriteBundle(dir string, opts BundleOptions) (Bundle, error) {
	if opts.ValidFor <= 0 {
		opts.ValidFor = DefaultBundleOptions().ValidFor
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Bundle{}, fmt.Errorf("create output directory: %w", err)
	}

	caKey, caCert, err := GenerateCA("QResume Root CA", opts.ValidFor)
	if err != nil {
		return Bundle{}, fmt.Errorf("generate CA: %w", err)
	}
	serverKey, serverCert, err := GenerateLeaf(caKey, caCert, LeafOptions{
		CommonName:  "QResume Server",
		DNSNames:    opts.ServerNames,
		IPAddresses: opts.ServerIPs,
		ValidFor:    opts.ValidFor,
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("generate server cert: %w", err)
	}
	clientKey, clientCert, err := GenerateLeaf(caKey, caCert, LeafOptions{
		CommonName: "QResume Client",
		Client:     true,
		ValidFor:   opts.ValidFor,
	})
	if err != nil {
		return Bundle{}, fmt.Errorf("generate client cert: %w", err)
	}

	b := Bundle{
		CAKey:      filepath.Join(dir, "ca.key"),
		CACert:     filepath.Join(dir, "ca.crt"),
		ServerKey:  filepath.Join(dir, "server.key"),
		ServerCert: filepath.Join(dir, "server.crt"),
		ClientKey:  filepath.Join(dir, "client.key"),
		ClientCert: filepath.Join(dir, "client.crt"),
	}
	for _, f := range []struct {
		path string
		key  *ecdsa.PrivateKey
		cert *x509.Certificate
	}{
		{b.CAKey, caKey, nil},
		{b.CACert, nil, caCert},
		{b.ServerKey, serverKey, nil},
		{b.ServerCert, nil, serverCert},
		{b.ClientKey, clientKey, nil},
		{b.ClientCert, nil, clientCert},
	} {
		var data []byte
		if f.key != nil {
			if data, err = EncodePrivateKey(f.key); err != nil {
				return Bundle{}, err
			}
		} else {
			data = EncodeCertificate(f.cert)
		}
		if err := os.WriteFile(f.path, data, 0600); err != nil {
			return Bundle{}, fmt.Errorf("write %s: %w", filepath.Base(f.path), err)
		}
	}
	return b, nil
}
