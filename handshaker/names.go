package handshaker

import (
	"crypto/x509"
	"encoding/pem"
	"net"
	"strings"
)

// SubjectNames are the names a server certificate answers to.
type SubjectNames struct {
	CommonName  string
	DNSNames    []string
	IPAddresses []string
}

// ExtractSubjectNames reads the leaf certificate of a PEM chain.
func ExtractSubjectNames(certChainPEM string) (SubjectNames, error) {
	rest := []byte(certChainPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			return SubjectNames{}, invalidArgf("no certificate found in PEM chain")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return SubjectNames{}, invalidArgf("parse certificate: %v", err)
		}
		names := SubjectNames{
			CommonName: cert.Subject.CommonName,
			DNSNames:   cert.DNSNames,
		}
		for _, ip := range cert.IPAddresses {
			names.IPAddresses = append(names.IPAddresses, ip.String())
		}
		return names, nil
	}
}

func (n SubjectNames) hasSANs() bool {
	return len(n.DNSNames) > 0 || len(n.IPAddresses) > 0
}

// Matches reports whether name is covered by the certificate. IP addresses
// only match IP SANs exactly; the common name is consulted only when the
// certificate has no SANs.
func (n SubjectNames) Matches(name string) bool {
	return n.match(name, MatchesName)
}

func (n SubjectNames) matchesExactly(name string) bool {
	return n.match(name, func(entry, name string) bool {
		entry, name = strings.TrimSuffix(entry, "."), strings.TrimSuffix(name, ".")
		return entry != "" && strings.EqualFold(entry, name)
	})
}

func (n SubjectNames) match(name string, entryMatches func(entry, name string) bool) bool {
	if ip := net.ParseIP(name); ip != nil {
		for _, candidate := range n.IPAddresses {
			if ip.Equal(net.ParseIP(candidate)) {
				return true
			}
		}
		return false
	}
	for _, entry := range n.DNSNames {
		if entryMatches(entry, name) {
			return true
		}
	}
	if !n.hasSANs() && n.CommonName != "" {
		return entryMatches(n.CommonName, name)
	}
	return false
}

// MatchesName matches a single certificate name entry against a host name.
// Comparison ignores case and a trailing dot. A wildcard entry "*.example.com"
// stands for exactly one extra leftmost label and never covers a top-level
// domain.
func MatchesName(entry, name string) bool {
	entry = strings.TrimSuffix(entry, ".")
	name = strings.TrimSuffix(name, ".")
	if entry == "" || name == "" {
		return false
	}
	if strings.EqualFold(entry, name) {
		return true
	}
	if entry[0] != '*' {
		return false
	}
	if len(entry) < 3 || entry[1] != '.' {
		return false
	}

	dot := strings.IndexByte(name, '.')
	if dot < 0 {
		return false
	}
	subdomain := name[dot+1:]
	if !strings.Contains(subdomain, ".") {
		return false
	}
	return strings.EqualFold(entry[2:], subdomain)
}
