// Package wire implements the socket abstraction of spec §4.1: a
// connect/start-TLS/send/receive surface plus the combined
// send-and-receive pump that lets one connection concurrently upload a
// request body and download a response.
package wire

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"time"
)

// recvChunkSize bounds a single ReceiveSome call, per spec §4.1.
const recvChunkSize = 65536

// ErrBlockedUntilNextRead is raised by a Produce callback when it cannot
// supply more bytes until at least one inbound byte has been consumed
// (spec §4.1's BlockedUntilNextRead signal: the 100-continue gate is the
// motivating case).
var ErrBlockedUntilNextRead = errors.New("wire: blocked until next read")

// ErrAbort is raised by a Consume callback to end the pump cleanly;
// outstanding outbound data is discarded by the caller, not the pump
// (spec §4.1's Abort signal).
var ErrAbort = errors.New("wire: abort")

// Produce returns the next outbound chunk, (nil, nil) when the body is
// exhausted, or (nil, ErrBlockedUntilNextRead) to request suspension.
type Produce func() ([]byte, error)

// Consume receives one inbound chunk. Returning ErrAbort ends the pump
// without error.
type Consume func([]byte) error

// Socket is the wire-level contract every connection (plain TCP or TLS)
// satisfies.
type Socket interface {
	SendAll(ctx context.Context, b []byte) error
	ReceiveSome(ctx context.Context) ([]byte, error)
	// SendAndReceiveForAWhile runs the combined pump described in spec
	// §4.1 until Consume signals Abort, or Produce is exhausted and the
	// read-idle timer lapses.
	SendAndReceiveForAWhile(ctx context.Context, produce Produce, consume Consume, readTimeout time.Duration) error
	ForcefulClose() error
	IsConnected() bool
	HTTPVersion() string
	TLSVersion() uint16
	PeerCert() *x509.Certificate
}

// Dialer describes a dial seam for opening connections. pool.Pool does
// not use it: it dials with its own net.Dialer and performs the TLS
// handshake itself.
type Dialer interface {
	Dial(ctx context.Context, network, addr string, connectTimeout time.Duration) (net.Conn, error)
}

// netSocket is the blocking Socket implementation: one goroutine reads
// while the calling goroutine produces/sends, rendezvousing on channels.
// This realizes spec §5's "sender task and receiver task that share the
// socket" without a second cooperative scheduler (SPEC_FULL.md §6.1):
// Go's goroutines already provide the concurrency the spec asks two
// backends to provide separately.
type netSocket struct {
	conn        net.Conn
	httpVersion string
	tlsVersion  uint16
	peerCert    *x509.Certificate
	closed      bool
}

// NewSocket wraps an already-connected net.Conn. httpVersion and
// tlsVersion are the negotiated values (ALPN result, TLS version),
// empty/zero for a plaintext connection.
func NewSocket(conn net.Conn, httpVersion string, tlsVersion uint16, peerCert *x509.Certificate) Socket {
	return &netSocket{conn: conn, httpVersion: httpVersion, tlsVersion: tlsVersion, peerCert: peerCert}
}

func (s *netSocket) SendAll(ctx context.Context, b []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(dl)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	for len(b) > 0 {
		n, err := s.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (s *netSocket) ReceiveSome(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetReadDeadline(dl)
	} else {
		_ = s.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, recvChunkSize)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, err
}

// readResult carries one inbound chunk (or a terminal error) from the
// background reader goroutine to the pump loop.
type readResult struct {
	chunk []byte
	err   error
}

// SendAndReceiveForAWhile implements the cooperative pump of spec §4.1.
//
// Ordering invariant: within one turn we attempt the receive before the
// send, so a send completing cannot starve a subsequent Produce call of
// the information that a response has already arrived.
func (s *netSocket) SendAndReceiveForAWhile(ctx context.Context, produce Produce, consume Consume, readTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reads := make(chan readResult, 1)
	go s.readLoop(ctx, reads)

	blocked := false
	idleDeadline := time.Now().Add(readTimeout)

	for {
		// Receive before send (ordering invariant above).
		select {
		case r := <-reads:
			if r.err != nil {
				return r.err
			}
			idleDeadline = time.Now().Add(readTimeout)
			blocked = false
			if err := consume(r.chunk); err != nil {
				if errors.Is(err, ErrAbort) {
					return nil
				}
				return err
			}
		default:
		}

		if !blocked {
			chunk, err := produce()
			switch {
			case errors.Is(err, ErrBlockedUntilNextRead):
				blocked = true
			case err != nil:
				return err
			case chunk == nil:
				// Producer exhausted; keep pumping reads until idle
				// timeout or Abort.
			default:
				if sendErr := s.SendAll(ctx, chunk); sendErr != nil {
					return sendErr
				}
				continue
			}
		}

		remaining := time.Until(idleDeadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		timer := time.NewTimer(remaining)
		select {
		case r := <-reads:
			timer.Stop()
			if r.err != nil {
				return r.err
			}
			idleDeadline = time.Now().Add(readTimeout)
			blocked = false
			if err := consume(r.chunk); err != nil {
				if errors.Is(err, ErrAbort) {
					return nil
				}
				return err
			}
		case <-timer.C:
			return context.DeadlineExceeded
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (s *netSocket) readLoop(ctx context.Context, out chan<- readResult) {
	for {
		chunk, err := s.ReceiveSome(ctx)
		select {
		case out <- readResult{chunk: chunk, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *netSocket) ForcefulClose() error {
	s.closed = true
	return s.conn.Close()
}

// IsConnected performs the non-blocking writable/peer-closed check spec
// §4.2 requires before handing a pooled socket back out: a zero-byte
// read with an immediate deadline distinguishes "idle and healthy" from
// "peer already closed its side".
func (s *netSocket) IsConnected() bool {
	if s.closed {
		return false
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer s.conn.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	n, err := s.conn.Read(one)
	if n > 0 {
		// Unexpected data on an idle connection; treat as unhealthy
		// since it can't belong to a future response.
		s.closed = true
		return false
	}
	if err == nil {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true
	}
	s.closed = true
	return false
}

func (s *netSocket) HTTPVersion() string       { return s.httpVersion }
func (s *netSocket) TLSVersion() uint16        { return s.tlsVersion }
func (s *netSocket) PeerCert() *x509.Certificate { return s.peerCert }
