package httpflux

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneShotServer accepts exactly one connection, reads exactly one request,
// writes the scripted raw response, then closes.
func oneShotServer(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err == nil && req.Body != nil {
			_, _ = bufio.NewReader(req.Body).Discard(int(req.ContentLength))
			_ = req.Body.Close()
		}
		_, _ = conn.Write([]byte(response))
	}()
	return ln.Addr().String()
}

func TestGetAgainstLocalServer(t *testing.T) {
	addr := oneShotServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok")
	resp, err := Get(context.Background(), "http://"+addr+"/")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestPostJSONAgainstLocalServer(t *testing.T) {
	addr := oneShotServer(t, "HTTP/1.1 201 Created\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	resp, err := PostJSON(context.Background(), "http://"+addr+"/", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
}

func TestPostRawBodyAgainstLocalServer(t *testing.T) {
	addr := oneShotServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	resp, err := Post(context.Background(), "http://"+addr+"/", "application/octet-stream", []byte("raw-bytes"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}
