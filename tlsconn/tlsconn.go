// Package tlsconn builds TLS contexts and performs certificate pinning
// per spec §4.3, on top of github.com/refraction-networking/utls — the
// teacher's http2/patch.go already depends on utls for its
// fingerprinting ClientHelloSpec surface, so the pool reuses it instead
// of introducing a second TLS stack via crypto/tls alone.
package tlsconn

import (
	"crypto/md5"  //nolint:gosec // fingerprint length selects the hash; MD5/SHA-1 pins are a caller choice.
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	tls "github.com/refraction-networking/utls"

	"github.com/nexusflow/httpflux/errs"
)

// HTTPVersion names an application protocol eligible for ALPN advertisement.
type HTTPVersion string

const (
	HTTP2   HTTPVersion = "HTTP/2"
	HTTP11  HTTPVersion = "HTTP/1.1"
	HTTP10  HTTPVersion = "HTTP/1.0"
)

// alpnIDs maps HTTPVersion to its ALPN wire token, per spec §4.3's
// "fixed map". HTTP/1.0 advertises nothing.
var alpnIDs = map[HTTPVersion]string{
	HTTP2:  "h2",
	HTTP11: "http/1.1",
}

// Version sentinels resolved by Build before context construction, per
// spec §4.3.
const (
	MinimumSupported uint16 = 0
	MaximumSupported uint16 = 0xFFFF
)

// Pin overrides CA-based verification with a constant-time fingerprint
// comparison against the presented leaf certificate (spec §4.3/Glossary).
type Pin struct {
	Host        string
	Fingerprint []byte // 16 (MD5), 20 (SHA-1), or 32 (SHA-256) bytes.
}

// Config is the input to Build: the tuple spec §3's "Connection config"
// names, resolved to concrete tls.Config fields.
type Config struct {
	ServerName   string
	CACerts      *x509.CertPool
	Pin          *Pin
	HTTPVersions []HTTPVersion
	MinVersion   uint16
	MaxVersion   uint16
}

// resolveVersion turns the MINIMUM/MAXIMUM_SUPPORTED sentinels into
// concrete tls.VersionTLS1x constants.
func resolveVersion(v uint16, sentinel, actual uint16) uint16 {
	if v == sentinel {
		return actual
	}
	return v
}

// Build constructs a *tls.Config (utls) from cfg: SSLv2/SSLv3 are never
// offered (utls's minimum is already TLS 1.0, raised here to the
// configured floor), compression is never advertised, and ALPN is built
// from HTTPVersions via the fixed map. When a Pin is present, chain and
// hostname verification are disabled and InsecureSkipVerify is set —
// Verify (below) substitutes fingerprint equality for them.
func Build(cfg Config) (*tls.Config, error) {
	minV := resolveVersion(cfg.MinVersion, MinimumSupported, tls.VersionTLS12)
	maxV := resolveVersion(cfg.MaxVersion, MaximumSupported, tls.VersionTLS13)
	if minV > maxV {
		return nil, errs.New(errs.TLS, fmt.Sprintf("tls_min_version (%x) exceeds tls_max_version (%x)", minV, maxV), nil)
	}

	tc := &tls.Config{
		ServerName:         cfg.ServerName,
		RootCAs:            cfg.CACerts,
		MinVersion:         minV,
		MaxVersion:         maxV,
		InsecureSkipVerify: cfg.Pin != nil, //nolint:gosec // pin verification substitutes for chain verification below.
	}

	var alpn []string
	for _, v := range cfg.HTTPVersions {
		if id, ok := alpnIDs[v]; ok {
			alpn = append(alpn, id)
		}
	}
	if len(alpn) > 0 {
		tc.NextProtos = alpn
	}

	return tc, nil
}

// fingerprintAlgo reports which hash a pin's length selects, per spec
// §4.3: 16 bytes -> MD5, 20 -> SHA-1, 32 -> SHA-256.
func fingerprintAlgo(n int) (string, bool) {
	switch n {
	case md5.Size:
		return "md5", true
	case sha1.Size:
		return "sha1", true
	case sha256.Size:
		return "sha256", true
	default:
		return "", false
	}
}

// Fingerprint hashes der (a leaf certificate's raw DER bytes) with the
// algorithm selected by the expected pin's length.
func Fingerprint(der []byte, pinLen int) ([]byte, error) {
	switch pinLen {
	case md5.Size:
		sum := md5.Sum(der) //nolint:gosec
		return sum[:], nil
	case sha1.Size:
		sum := sha1.Sum(der) //nolint:gosec
		return sum[:], nil
	case sha256.Size:
		sum := sha256.Sum256(der)
		return sum[:], nil
	default:
		return nil, errs.New(errs.TLS, fmt.Sprintf("pin has unsupported fingerprint length %d", pinLen), nil)
	}
}

// Verify compares leaf's fingerprint against pin using a constant-time
// equality check, returning a *errs.Error of kind Certificate/
// FingerprintMismatch (with both fingerprints hex-dumped) on mismatch.
func Verify(leaf *x509.Certificate, pin Pin) error {
	if _, ok := fingerprintAlgo(len(pin.Fingerprint)); !ok {
		return errs.New(errs.TLS, fmt.Sprintf("pin for %s has unsupported fingerprint length %d", pin.Host, len(pin.Fingerprint)), nil)
	}
	got, err := Fingerprint(leaf.Raw, len(pin.Fingerprint))
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(got, pin.Fingerprint) == 1 {
		return nil
	}
	return errs.NewSub(errs.Certificate, errs.SubFingerprintMismatch,
		fmt.Sprintf("pin mismatch for %s: expected %s, got %s", pin.Host, hex.EncodeToString(pin.Fingerprint), hex.EncodeToString(got)),
		nil)
}
