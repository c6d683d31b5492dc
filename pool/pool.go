package pool

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/nexusflow/httpflux/errs"
	"github.com/nexusflow/httpflux/tlsconn"
	"github.com/nexusflow/httpflux/wire"
)

// DefaultQueueDepth is the bounded per-key idle-socket queue depth
// (SPEC_FULL.md §6.2 resolves spec §9's open choice between a single
// slot and a bounded queue in favor of the queue, sized for a handful of
// concurrent requests to one origin).
const DefaultQueueDepth = 4

// entry is one idle, pooled socket alongside the Key it was constructed
// under.
type entry struct {
	key    Key
	socket wire.Socket
}

// Pool is the connection manager of spec §4.2.
type Pool struct {
	mu          sync.Mutex
	idle        map[string][]entry // keyed by origin string, value is a bounded queue
	queueDepth  int
	netDialer   *net.Dialer
	tlsMinFloor uint16
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithQueueDepth overrides DefaultQueueDepth.
func WithQueueDepth(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueDepth = n
		}
	}
}

// New returns a Pool ready to Acquire connections.
func New(opts ...Option) *Pool {
	p := &Pool{
		idle:       map[string][]entry{},
		queueDepth: DefaultQueueDepth,
		netDialer:  &net.Dialer{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Transaction is what Acquire hands back: a live Socket bound to the Key
// it was matched (or newly constructed) against.
type Transaction struct {
	Socket wire.Socket
	Key    Key
}

// Acquire returns a Transaction bound to a live Socket matching cfg,
// reusing an idle pooled connection when possible (spec §4.2).
func (p *Pool) Acquire(ctx context.Context, cfg Config, connectTimeout time.Duration, sourceAddr *net.TCPAddr) (*Transaction, error) {
	if sock, key, ok := p.takeMatching(cfg); ok {
		return &Transaction{Socket: sock, Key: key}, nil
	}
	return p.newConnection(ctx, cfg, connectTimeout, sourceAddr)
}

// takeMatching scans the idle pool for a key matching cfg, probing
// liveness before handing it out (spec §4.2 "Pool liveness" invariant:
// a half-closed socket is evicted, never reused).
func (p *Pool) takeMatching(cfg Config) (wire.Socket, Key, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	originKey := cfg.Origin.String()
	queue := p.idle[originKey]
	for i, e := range queue {
		if !cfg.Matches(e.key) {
			continue
		}
		if !e.socket.IsConnected() {
			slog.Debug("httpflux/pool: evicting dead idle socket", "origin", originKey)
			_ = e.socket.ForcefulClose()
			p.idle[originKey] = append(append([]entry(nil), queue[:i]...), queue[i+1:]...)
			return nil, Key{}, false
		}
		p.idle[originKey] = append(append([]entry(nil), queue[:i]...), queue[i+1:]...)
		slog.Debug("httpflux/pool: reusing idle socket", "origin", originKey)
		return e.socket, e.key, true
	}
	return nil, Key{}, false
}

// Release returns sock to the pool under key if it is still healthy;
// otherwise it is forcefully closed (spec §4.4's
// receive_response_data "ready the parser for a new cycle" step, realized
// by the session package calling Release or Discard once a response body
// is finished).
func (p *Pool) Release(key Key, sock wire.Socket) {
	if !sock.IsConnected() {
		_ = sock.ForcefulClose()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	originKey := key.Origin.String()
	queue := p.idle[originKey]
	if len(queue) >= p.queueDepth {
		// Queue full: evict the oldest rather than grow unbounded.
		_ = queue[0].socket.ForcefulClose()
		queue = queue[1:]
	}
	p.idle[originKey] = append(queue, entry{key: key, socket: sock})
}

// Discard forcefully closes sock without returning it to the pool, used
// when the connection is known to be in an indeterminate state (spec
// §5's cancellation contract: "drop the current socket from the pool
// unreturned").
func (p *Pool) Discard(sock wire.Socket) {
	_ = sock.ForcefulClose()
}

// newConnection performs spec §4.2's five numbered steps: TCP connect,
// TLS context construction (if HTTPS), start-TLS, pin verification, and
// Key resolution.
func (p *Pool) newConnection(ctx context.Context, cfg Config, connectTimeout time.Duration, sourceAddr *net.TCPAddr) (*Transaction, error) {
	dialCtx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}

	dialer := *p.netDialer
	if sourceAddr != nil {
		dialer.LocalAddr = sourceAddr
	}

	addr := net.JoinHostPort(cfg.Origin.Host, cfg.Origin.Port)
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			return nil, errs.New(errs.NameResolution, dnsErr.Error(), err)
		}
		if dialCtx.Err() == context.DeadlineExceeded {
			return nil, errs.New(errs.ConnectTimeout, fmt.Sprintf("connect to %s", addr), err)
		}
		return nil, errs.New(errs.ConnectTimeout, fmt.Sprintf("connect to %s", addr), err)
	}

	if cfg.Origin.Scheme != "https" {
		key := Key{
			Origin:         cfg.Origin,
			ServerHostname: cfg.ServerHostname,
			HTTPVersion:    "http/1.1",
		}
		slog.Debug("httpflux/pool: new plaintext connection", "origin", cfg.Origin.String())
		return &Transaction{Socket: wire.NewSocket(conn, "http/1.1", 0, nil), Key: key}, nil
	}

	serverName := cfg.ServerHostname
	if serverName == "" {
		serverName = cfg.Origin.Host
	}

	tlsCfg, err := tlsconn.Build(tlsconn.Config{
		ServerName:   serverName,
		HTTPVersions: cfg.HTTPVersions,
		Pin:          cfg.Pin,
		MinVersion:   cfg.TLSMinVersion,
		MaxVersion:   cfg.TLSMaxVersion,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	uconn := tls.UClient(conn, tlsCfg, tls.HelloGolang)
	if err := uconn.HandshakeContext(dialCtx); err != nil {
		_ = conn.Close()
		return nil, errs.New(errs.TLS, fmt.Sprintf("handshake with %s", serverName), err)
	}

	var leaf *x509.Certificate
	state := uconn.ConnectionState()
	if len(state.PeerCertificates) > 0 {
		leaf = state.PeerCertificates[0]
	}

	if cfg.Pin != nil {
		if leaf == nil {
			_ = uconn.Close()
			return nil, errs.New(errs.Certificate, "no peer certificate presented to verify pin", nil)
		}
		if err := tlsconn.Verify(leaf, *cfg.Pin); err != nil {
			_ = uconn.Close()
			return nil, errs.Enrich(err, nil, nil)
		}
	}

	negotiatedHTTPVersion := state.NegotiatedProtocol
	if negotiatedHTTPVersion == "" {
		negotiatedHTTPVersion = "http/1.1"
	}

	key := Key{
		Origin:          cfg.Origin,
		ServerHostname:  serverName,
		HTTPVersion:     negotiatedHTTPVersion,
		CACertsIdentity: cfg.CACertsIdentity,
		TLSVersion:      state.Version,
	}
	if cfg.Pin != nil {
		key.PinnedCert = hexEncode(cfg.Pin.Fingerprint)
	}

	slog.Debug("httpflux/pool: new TLS connection", "origin", cfg.Origin.String(), "alpn", negotiatedHTTPVersion, "tls_version", state.Version)
	return &Transaction{Socket: wire.NewSocket(uconn, negotiatedHTTPVersion, state.Version, leaf), Key: key}, nil
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
