// Package pool implements the connection manager of spec §4.2: a keyed
// lookup over idle sockets, liveness probing, and construction of new
// connections (including the TLS handshake and pin verification) on miss.
package pool

import (
	"encoding/hex"

	"github.com/nexusflow/httpflux/tlsconn"
	"github.com/nexusflow/httpflux/urlmodel"
)

// Key identifies a stored, already-established connection: spec §3's
// "Connection key" tuple, with version/pin fields resolved to concrete
// values (as opposed to Config's ranges).
type Key struct {
	Origin          urlmodel.Origin
	ServerHostname  string
	HTTPVersion     string
	CACertsIdentity string
	PinnedCert      string // hex fingerprint, "" if unpinned.
	TLSVersion      uint16
}

// Config is a pool lookup query: same tuple as Key, but with ranges
// instead of resolved values (spec §3's "Connection config").
type Config struct {
	Origin          urlmodel.Origin
	ServerHostname  string
	HTTPVersions    []tlsconn.HTTPVersion
	CACertsIdentity string
	Pin             *tlsconn.Pin
	TLSMinVersion   uint16
	TLSMaxVersion   uint16
}

func httpVersionSet(versions []tlsconn.HTTPVersion) map[string]struct{} {
	set := make(map[string]struct{}, len(versions))
	for _, v := range versions {
		switch v {
		case tlsconn.HTTP2:
			set["h2"] = struct{}{}
		case tlsconn.HTTP11:
			set["http/1.1"] = struct{}{}
		case tlsconn.HTTP10:
			set["http/1.0"] = struct{}{}
		}
	}
	return set
}

// Matches reports whether cfg's ranges admit key, per spec §3: origin,
// hostname, CA identity, and pin must be exactly equal; key's HTTP
// version must be in cfg's allowed set; key's TLS version must lie
// within cfg's [min, max].
func (cfg Config) Matches(key Key) bool {
	if cfg.Origin != key.Origin || cfg.ServerHostname != key.ServerHostname {
		return false
	}
	if cfg.CACertsIdentity != key.CACertsIdentity {
		return false
	}
	wantPin := ""
	if cfg.Pin != nil {
		wantPin = hex.EncodeToString(cfg.Pin.Fingerprint)
	}
	if wantPin != key.PinnedCert {
		return false
	}
	if allowed := httpVersionSet(cfg.HTTPVersions); len(allowed) > 0 {
		if _, ok := allowed[key.HTTPVersion]; !ok {
			return false
		}
	}
	if key.TLSVersion != 0 {
		if cfg.TLSMinVersion != 0 && key.TLSVersion < cfg.TLSMinVersion {
			return false
		}
		if cfg.TLSMaxVersion != 0 && key.TLSVersion > cfg.TLSMaxVersion {
			return false
		}
	}
	return true
}
