package stream

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource serves a fixed list of byte slices, one per Next() call,
// then io.EOF.
type sliceSource struct {
	chunks [][]byte
	i      int
}

func (s *sliceSource) Next() ([]byte, error) {
	if s.i >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func drainPipeline(t *testing.T, p *Pipeline) []byte {
	t.Helper()
	var out []byte
	for {
		b, err := p.Next()
		out = append(out, b...)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return out
		}
	}
}

func drainText(t *testing.T, p *TextPipeline) []byte {
	t.Helper()
	var out []byte
	for {
		b, err := p.Next()
		out = append(out, b...)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return out
		}
	}
}

func TestPipelinePassesThroughIdentityBytes(t *testing.T) {
	src := &sliceSource{chunks: [][]byte{[]byte("hello "), []byte("world")}}
	p, err := New(src, "text/plain", "", 1024)
	require.NoError(t, err)

	out := drainPipeline(t, p)
	assert.Equal(t, "hello world", string(out))
}

func TestPipelineDecodesGzipContentEncoding(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte("decoded payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	src := &sliceSource{chunks: [][]byte{buf.Bytes()}}
	p, err := New(src, "", "gzip", 1024)
	require.NoError(t, err)

	out := drainPipeline(t, p)
	assert.Equal(t, "decoded payload", string(out))
}

func TestPipelineCharsetFromContentType(t *testing.T) {
	src := &sliceSource{chunks: [][]byte{[]byte("abc")}}
	p, err := New(src, "text/html; charset=iso-8859-1", "", 1024)
	require.NoError(t, err)

	drainPipeline(t, p)
	assert.Equal(t, "windows-1252", p.Charset(), "ISO-8859-1 is aliased to windows-1252 by x/net/html/charset")
}

func TestPipelineNoDataPinsASCII(t *testing.T) {
	src := &sliceSource{chunks: nil}
	p, err := New(src, "", "", 1024)
	require.NoError(t, err)

	out, err := p.Next()
	require.ErrorIs(t, err, io.EOF)
	assert.Empty(t, out)
	assert.Equal(t, "ascii", p.Charset())
}

func TestPipelineUnconfidentDataFallsBackToUTF8(t *testing.T) {
	// Binary-ish bytes with no charset hint and no BOM: DetermineEncoding
	// will not be certain, so end-of-stream pins utf-8.
	src := &sliceSource{chunks: [][]byte{{0x01, 0x02, 0x03, 0x04}}}
	p, err := New(src, "", "", 1024)
	require.NoError(t, err)

	drainPipeline(t, p)
	assert.Equal(t, "utf-8", p.Charset())
}

func TestTextPipelineDecodesToUTF8(t *testing.T) {
	src := &sliceSource{chunks: [][]byte{[]byte("hello text")}}
	tp, err := NewText(src, "text/plain; charset=utf-8", "", 1024)
	require.NoError(t, err)

	out := drainText(t, tp)
	assert.Equal(t, "hello text", string(out))
}

func TestTextPipelineHoldsBackUndecodedBacklogUntilCharsetPinned(t *testing.T) {
	// No charset hint in content-type, and plain ASCII under the 4 KiB
	// threshold gives no confident detection: the undecoded backlog is
	// held until end of stream pins utf-8, and the output is still correct.
	src := &sliceSource{chunks: [][]byte{[]byte("plain ascii text")}}
	tp, err := NewText(src, "", "", 1024)
	require.NoError(t, err)

	out := drainText(t, tp)
	assert.Equal(t, "plain ascii text", string(out))
}
