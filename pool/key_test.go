package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"

	tls "github.com/refraction-networking/utls"

	"github.com/nexusflow/httpflux/tlsconn"
	"github.com/nexusflow/httpflux/urlmodel"
)

func origin(t *testing.T, raw string) urlmodel.Origin {
	t.Helper()
	u, err := urlmodel.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u.Origin()
}

func TestMatchesRequiresSameOriginAndHostname(t *testing.T) {
	key := Key{Origin: origin(t, "https://example.com/"), ServerHostname: "example.com"}
	cfg := Config{Origin: origin(t, "https://example.com/"), ServerHostname: "example.com"}
	assert.True(t, cfg.Matches(key))

	cfg.ServerHostname = "other.example"
	assert.False(t, cfg.Matches(key))
}

func TestMatchesRequiresSameCACertsIdentity(t *testing.T) {
	o := origin(t, "https://example.com/")
	key := Key{Origin: o, CACertsIdentity: "system"}
	cfg := Config{Origin: o, CACertsIdentity: "custom-bundle"}
	assert.False(t, cfg.Matches(key))
}

func TestMatchesRequiresSamePin(t *testing.T) {
	o := origin(t, "https://example.com/")
	key := Key{Origin: o, PinnedCert: "abcd"}
	cfg := Config{Origin: o} // no pin
	assert.False(t, cfg.Matches(key))

	cfg.Pin = &tlsconn.Pin{Fingerprint: []byte{0xab, 0xcd}}
	assert.True(t, cfg.Matches(key))
}

func TestMatchesHTTPVersionSet(t *testing.T) {
	o := origin(t, "https://example.com/")
	key := Key{Origin: o, HTTPVersion: "h2"}
	cfg := Config{Origin: o, HTTPVersions: []tlsconn.HTTPVersion{tlsconn.HTTP11}}
	assert.False(t, cfg.Matches(key))

	cfg.HTTPVersions = []tlsconn.HTTPVersion{tlsconn.HTTP2, tlsconn.HTTP11}
	assert.True(t, cfg.Matches(key))
}

func TestMatchesEmptyHTTPVersionSetAllowsAny(t *testing.T) {
	o := origin(t, "https://example.com/")
	key := Key{Origin: o, HTTPVersion: "h2"}
	cfg := Config{Origin: o}
	assert.True(t, cfg.Matches(key))
}

func TestMatchesTLSVersionRange(t *testing.T) {
	o := origin(t, "https://example.com/")
	key := Key{Origin: o, TLSVersion: tls.VersionTLS12}
	cfg := Config{Origin: o, TLSMinVersion: tls.VersionTLS13}
	assert.False(t, cfg.Matches(key))

	cfg.TLSMinVersion = tls.VersionTLS12
	cfg.TLSMaxVersion = tls.VersionTLS13
	assert.True(t, cfg.Matches(key))
}

func TestMatchesUnresolvedKeyTLSVersionSkipsRangeCheck(t *testing.T) {
	o := origin(t, "http://example.com/")
	key := Key{Origin: o} // plaintext connection, TLSVersion zero value
	cfg := Config{Origin: o, TLSMinVersion: tls.VersionTLS13}
	assert.True(t, cfg.Matches(key))
}
