package h1

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusflow/httpflux/headers"
	"github.com/nexusflow/httpflux/wire"
)

type emptyProducer struct{}

func (emptyProducer) Next() ([]byte, error) { return nil, nil }

type chunkProducer struct {
	chunks [][]byte
	i      int
}

func (p *chunkProducer) Next() ([]byte, error) {
	if p.i >= len(p.chunks) {
		return nil, nil
	}
	c := p.chunks[p.i]
	p.i++
	return c, nil
}

func newTestPair(t *testing.T) (wire.Socket, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return wire.NewSocket(client, "", 0, nil), server
}

func readAll(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 8192)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestSendRequestAndReceiveContentLengthBody(t *testing.T) {
	sock, server := newTestPair(t)
	tx := NewTransaction(sock)

	done := make(chan struct{})
	go func() {
		defer close(done)
		readAll(t, server, time.Second)
		_, err := server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
		assert.NoError(t, err)
	}()

	req := &Request{Method: "GET", Target: "/", Host: "example.com", Headers: headers.New()}
	ctx := context.Background()
	resp, err := tx.SendRequest(ctx, req, emptyProducer{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	bs := tx.ReceiveBody(ctx, emptyProducer{}, time.Second)
	var body []byte
	for {
		b, err := bs.Next()
		body = append(body, b...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "hello", string(body))
	assert.True(t, bs.Done())
	<-done
}

func TestSendRequestChunkedBody(t *testing.T) {
	sock, server := newTestPair(t)
	tx := NewTransaction(sock)

	go func() {
		readAll(t, server, time.Second)
		server.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
		server.Write([]byte("3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n"))
	}()

	req := &Request{Method: "GET", Target: "/", Host: "example.com", Headers: headers.New()}
	ctx := context.Background()
	resp, err := tx.SendRequest(ctx, req, emptyProducer{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	bs := tx.ReceiveBody(ctx, emptyProducer{}, time.Second)
	var body []byte
	for {
		b, err := bs.Next()
		body = append(body, b...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "foobar", string(body))
}

func TestSendRequestUntilCloseBody(t *testing.T) {
	sock, server := newTestPair(t)
	tx := NewTransaction(sock)

	go func() {
		readAll(t, server, time.Second)
		server.Write([]byte("HTTP/1.1 200 OK\r\nConnection: close\r\n\r\nraw-body"))
		server.Close()
	}()

	req := &Request{Method: "GET", Target: "/", Host: "example.com", Headers: headers.New()}
	ctx := context.Background()
	resp, err := tx.SendRequest(ctx, req, emptyProducer{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	bs := tx.ReceiveBody(ctx, emptyProducer{}, time.Second)
	var body []byte
	for {
		b, err := bs.Next()
		body = append(body, b...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "raw-body", string(body))
}

func Test100ContinueGateReleasedOnInformational(t *testing.T) {
	sock, server := newTestPair(t)
	tx := NewTransaction(sock)

	serverSaw := make(chan string, 2)
	go func() {
		// First read: only the headers, since the body producer is
		// gated behind Expect: 100-continue.
		first := readAll(t, server, time.Second)
		serverSaw <- string(first)
		server.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))

		second := readAll(t, server, time.Second)
		serverSaw <- string(second)
		server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	h := headers.New()
	h.Set("Expect", "100-continue")
	req := &Request{Method: "POST", Target: "/", Host: "example.com", Headers: h}
	ctx := context.Background()
	resp, err := tx.SendRequest(ctx, req, &chunkProducer{chunks: [][]byte{[]byte("payload")}}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	require.Len(t, resp.Information, 1)
	assert.Equal(t, 100, resp.Information[0].Status)

	firstWrite := <-serverSaw
	assert.Contains(t, firstWrite, "Expect: 100-continue")
	assert.NotContains(t, firstWrite, "payload")

	secondWrite := <-serverSaw
	assert.Contains(t, secondWrite, "payload")
}
