package handshaker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestMatchesName(t *testing.T) {
	tests := []struct {
		entry, name string
		want        bool
	}{
		{"foo.example.com", "foo.example.com", true},
		{"FOO.example.com", "foo.EXAMPLE.com", true},
		{"foo.example.com.", "foo.example.com", true},
		{"foo.example.com", "foo.example.com.", true},
		{"foo.example.com", "bar.example.com", false},
		{"*.test.google.fr", "juju.test.google.fr", true},
		{"*.test.google.fr", "JUJU.Test.Google.FR.", true},
		{"*.test.google.fr", "test.google.fr", false},
		{"*.test.google.fr", "a.b.test.google.fr", false},
		{"*.com", "example.com", false},
		{"*", "example", false},
		{"*.", "example.com", false},
		{"f*.example.com", "foo.example.com", false},
		{"*foo.example.com", "barfoo.example.com", false},
		{"", "example.com", false},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.entry+"|"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchesName(tt.entry, tt.name))
		})
	}
}

func TestSubjectNames_Matches(t *testing.T) {
	withSANs := SubjectNames{
		CommonName:  "ignored.example.com",
		DNSNames:    []string{"host.example.com", "*.apps.example.com"},
		IPAddresses: []string{"127.0.0.1", "::1"},
	}
	assert.True(t, withSANs.Matches("host.example.com"))
	assert.True(t, withSANs.Matches("web.apps.example.com"))
	assert.False(t, withSANs.Matches("ignored.example.com"), "common name is ignored when SANs exist")
	assert.True(t, withSANs.Matches("127.0.0.1"))
	assert.True(t, withSANs.Matches("0:0:0:0:0:0:0:1"))
	assert.False(t, withSANs.Matches("127.0.0.2"))

	assert.True(t, withSANs.matchesExactly("HOST.example.com"))
	assert.False(t, withSANs.matchesExactly("web.apps.example.com"))

	cnOnly := SubjectNames{CommonName: "cn.example.org"}
	assert.True(t, cnOnly.Matches("cn.example.org"))
	assert.True(t, cnOnly.matchesExactly("cn.example.org."))
	assert.False(t, cnOnly.Matches("other.example.org"))

	ipOnly := SubjectNames{CommonName: "10.0.0.1", IPAddresses: []string{"10.0.0.2"}}
	assert.False(t, ipOnly.Matches("10.0.0.1"))
	assert.True(t, ipOnly.Matches("10.0.0.2"))
}

func TestExtractSubjectNames(t *testing.T) {
	p := newTestPKI(t)

	names, err := ExtractSubjectNames(p.wildPair.CertChain)
	require.NoError(t, err)
	assert.Equal(t, "wildcard", names.CommonName)
	assert.Equal(t, []string{"*.test.google.fr"}, names.DNSNames)
	assert.Empty(t, names.IPAddresses)

	// Non-certificate blocks ahead of the leaf are skipped.
	names, err = ExtractSubjectNames(p.hostPair.PrivateKey + p.hostPair.CertChain)
	require.NoError(t, err)
	assert.Equal(t, []string{"host.example.com"}, names.DNSNames)

	_, err = ExtractSubjectNames("")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = ExtractSubjectNames("-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----\n")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func labelGen() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z0-9]{1,10}`)
}

// Feature: sni-selection, Property 1: a wildcard entry matches exactly the
// names with one extra leftmost label
func TestProperty_WildcardCoversOneLabel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.SliceOfN(labelGen(), 2, 4).Draw(t, "base")
		extra := rapid.SliceOfN(labelGen(), 0, 3).Draw(t, "extra")
		trailingDot := rapid.Bool().Draw(t, "trailingDot")
		upper := rapid.Bool().Draw(t, "upper")

		entry := "*." + strings.Join(base, ".")
		name := strings.Join(append(extra, base...), ".")
		if trailingDot {
			name += "."
		}
		if upper {
			name = strings.ToUpper(name)
		}

		want := len(extra) == 1
		if got := MatchesName(entry, name); got != want {
			t.Fatalf("MatchesName(%q, %q) = %v, want %v", entry, name, got, want)
		}
	})
}

// Feature: sni-selection, Property 2: a non-wildcard entry matches only
// itself, ignoring case and a trailing dot
func TestProperty_ExactEntryMatchesItself(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		labels := rapid.SliceOfN(labelGen(), 1, 4).Draw(t, "labels")
		other := rapid.SliceOfN(labelGen(), 1, 4).Draw(t, "other")
		entry := strings.Join(labels, ".")
		name := strings.Join(other, ".")

		if !MatchesName(entry, strings.ToUpper(entry)+".") {
			t.Fatalf("entry %q should match itself", entry)
		}
		if got, want := MatchesName(entry, name), entry == name; got != want {
			t.Fatalf("MatchesName(%q, %q) = %v, want %v", entry, name, got, want)
		}
	})
}
