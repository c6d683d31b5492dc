package pool

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/httpflux/wire"
)

// fakeSocket is a minimal wire.Socket for exercising Pool's bookkeeping
// without a real dial.
type fakeSocket struct {
	connected bool
	closed    bool
}

func (f *fakeSocket) SendAll(ctx context.Context, b []byte) error { return nil }
func (f *fakeSocket) ReceiveSome(ctx context.Context) ([]byte, error) {
	return nil, nil
}
func (f *fakeSocket) SendAndReceiveForAWhile(ctx context.Context, produce wire.Produce, consume wire.Consume, readTimeout time.Duration) error {
	return nil
}
func (f *fakeSocket) ForcefulClose() error { f.closed = true; f.connected = false; return nil }
func (f *fakeSocket) IsConnected() bool    { return f.connected }
func (f *fakeSocket) HTTPVersion() string  { return "http/1.1" }
func (f *fakeSocket) TLSVersion() uint16   { return 0 }
func (f *fakeSocket) PeerCert() *x509.Certificate { return nil }

func TestReleaseThenAcquireReusesSocket(t *testing.T) {
	p := New()
	o := origin(t, "https://example.com/")
	key := Key{Origin: o, ServerHostname: "example.com"}
	sock := &fakeSocket{connected: true}

	p.Release(key, sock)

	got, gotKey, ok := p.takeMatching(Config{Origin: o, ServerHostname: "example.com"})
	require.True(t, ok)
	assert.Same(t, sock, got)
	assert.Equal(t, key, gotKey)
}

func TestReleaseOfDeadSocketClosesImmediately(t *testing.T) {
	p := New()
	o := origin(t, "https://example.com/")
	key := Key{Origin: o}
	sock := &fakeSocket{connected: false}

	p.Release(key, sock)

	_, _, ok := p.takeMatching(Config{Origin: o})
	assert.False(t, ok)
	assert.True(t, sock.closed)
}

func TestTakeMatchingEvictsDeadIdleSocket(t *testing.T) {
	p := New()
	o := origin(t, "https://example.com/")
	key := Key{Origin: o}
	sock := &fakeSocket{connected: true}
	p.Release(key, sock)

	// Simulate the peer closing the connection while idle.
	sock.connected = false

	_, _, ok := p.takeMatching(Config{Origin: o})
	assert.False(t, ok, "a dead idle socket must never be handed out")
	assert.True(t, sock.closed, "takeMatching must evict (close) the dead socket")

	_, _, ok = p.takeMatching(Config{Origin: o})
	assert.False(t, ok, "the evicted entry must not remain queued")
}

func TestTakeMatchingSkipsNonMatchingEntries(t *testing.T) {
	p := New()
	o := origin(t, "https://example.com/")
	other := origin(t, "https://other.example/")
	sockA := &fakeSocket{connected: true}
	p.Release(Key{Origin: o, ServerHostname: "a"}, sockA)

	_, _, ok := p.takeMatching(Config{Origin: other})
	assert.False(t, ok)

	got, _, ok := p.takeMatching(Config{Origin: o, ServerHostname: "a"})
	require.True(t, ok)
	assert.Same(t, sockA, got)
}

func TestReleaseEvictsOldestWhenQueueFull(t *testing.T) {
	p := New(WithQueueDepth(2))
	o := origin(t, "https://example.com/")
	key := Key{Origin: o}

	s1 := &fakeSocket{connected: true}
	s2 := &fakeSocket{connected: true}
	s3 := &fakeSocket{connected: true}

	p.Release(key, s1)
	p.Release(key, s2)
	p.Release(key, s3) // queue depth 2: s1 must be evicted

	assert.True(t, s1.closed, "oldest entry must be force-closed on overflow")

	first, _, ok := p.takeMatching(Config{Origin: o})
	require.True(t, ok)
	assert.Same(t, s2, first)

	second, _, ok := p.takeMatching(Config{Origin: o})
	require.True(t, ok)
	assert.Same(t, s3, second)
}

func TestDiscardForcefullyClosesWithoutPooling(t *testing.T) {
	p := New()
	o := origin(t, "https://example.com/")
	sock := &fakeSocket{connected: true}

	p.Discard(sock)

	assert.True(t, sock.closed)
	_, _, ok := p.takeMatching(Config{Origin: o})
	assert.False(t, ok)
}
