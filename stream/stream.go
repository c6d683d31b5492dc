// Package stream implements the response streaming pipeline of spec
// §4.6: raw bytes -> content-decode -> charset detection -> chunk.
// Charset auto-detection reuses golang.org/x/net/html/charset, the
// teacher's own dependency for this exact purpose (fetch.go calls
// charset.NewReader(bodyReader, contentType)).
package stream

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/nexusflow/httpflux/chunk"
	"github.com/nexusflow/httpflux/decode"
)

// detectThreshold is the ">4 KiB" confidence deadline of spec §4.6 step 4.
const detectThreshold = 4096

// Source is anything that yields raw response bytes, one chunk per call,
// with io.EOF signalling the end of the message. h1.BodyStream (returned
// by h1.Transaction.ReceiveBody) implements this.
type Source interface {
	Next() ([]byte, error)
}

// Pipeline drains a Source through decompression, charset detection, and
// re-chunking, per spec §4.6.
type Pipeline struct {
	src Source

	decoder *decode.MultiDecoder

	charsetKnown  bool
	charsetName   string
	detectBuf     bytes.Buffer
	sawAnyData    bool

	chunker *chunk.BytesChunker
}

// New builds a Pipeline. contentType is the Content-Type header value
// (used to read a `charset=` parameter); contentEncoding is the
// Content-Encoding header value (possibly comma-separated, possibly
// empty); chunkSize is the caller's requested chunk size (0 = default).
func New(src Source, contentType, contentEncoding string, chunkSize int) (*Pipeline, error) {
	p := &Pipeline{src: src, chunker: chunk.NewBytesChunker(chunkSize)}

	if cs := charsetFromContentType(contentType); cs != "" {
		p.charsetKnown = true
		p.charsetName = cs
	}

	if contentEncoding != "" && !strings.EqualFold(contentEncoding, "identity") {
		md, err := decode.NewMultiDecoder(contentEncoding, &pullReader{src: src})
		if err != nil {
			return nil, err
		}
		p.decoder = md
	}

	return p, nil
}

// charsetFromContentType extracts charset= and resolves it via
// golang.org/x/net/html/charset.Lookup, returning "" if absent/unknown.
func charsetFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	label := params["charset"]
	if label == "" {
		return ""
	}
	if _, name := charset.Lookup(label); name != "" {
		return name
	}
	return ""
}

// pullReader adapts a Source (pull, chunk-at-a-time, io.EOF on end) to
// io.Reader, so decode.MultiDecoder (which wants io.Reader) can drive it.
type pullReader struct {
	src     Source
	pending []byte
	err     error
}

func (r *pullReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err := r.src.Next()
		if err != nil {
			r.err = err
			if len(chunk) == 0 {
				return 0, err
			}
		}
		r.pending = chunk
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Next returns the next re-chunked, decompressed batch of bytes, or
// io.EOF when the stream is exhausted. Charset detection happens inline:
// once pinned, it never changes again.
func (p *Pipeline) Next() ([]byte, error) {
	for {
		var raw []byte
		var srcErr error
		if p.decoder != nil {
			buf := make([]byte, 65536)
			n, err := p.decoder.Read(buf)
			raw = buf[:n]
			srcErr = err
		} else {
			raw, srcErr = p.src.Next()
		}

		if len(raw) > 0 {
			p.sawAnyData = true
			p.detectCharset(raw)
			if out := p.chunker.Feed(raw); len(out) > 0 {
				return joinAll(out), nil
			}
		}

		if srcErr != nil {
			if srcErr == io.EOF {
				return p.finish()
			}
			return nil, srcErr
		}
		if len(raw) == 0 {
			// No bytes and no error from this read: pull again.
			continue
		}
	}
}

func (p *Pipeline) finish() ([]byte, error) {
	if p.decoder != nil {
		_ = p.decoder.Close()
	}
	p.pinFinalCharset()
	tail := p.chunker.Flush()
	if tail == nil {
		return nil, io.EOF
	}
	return tail, nil
}

// detectCharset feeds raw to the incremental detector until a confident
// result is found or detectThreshold bytes have accumulated (spec §4.6
// step 4).
func (p *Pipeline) detectCharset(raw []byte) {
	if p.charsetKnown {
		return
	}
	p.detectBuf.Write(raw)
	content := p.detectBuf.Bytes()
	_, name, certain := charset.DetermineEncoding(content, "")
	if certain || p.detectBuf.Len() >= detectThreshold {
		p.charsetKnown = true
		p.charsetName = name
	}
}

// pinFinalCharset applies spec §4.6 step 5's end-of-stream fallback: no
// data at all pins ascii; data arrived but was never confidently
// detected pins utf-8.
func (p *Pipeline) pinFinalCharset() {
	if p.charsetKnown {
		return
	}
	p.charsetKnown = true
	if !p.sawAnyData {
		p.charsetName = "ascii"
		return
	}
	p.charsetName = "utf-8"
}

// Charset returns the pinned charset name; empty until the stream ends
// or a confident/threshold detection has occurred.
func (p *Pipeline) Charset() string {
	return p.charsetName
}

func joinAll(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

// TextPipeline layers incremental text decoding over a Pipeline: bytes
// accumulate undecoded until the charset is pinned, then the backlog is
// flushed through the decoder (spec §4.6 "stream_text").
type TextPipeline struct {
	bytes   *Pipeline
	chunker *chunk.TextChunker
	backlog bytes.Buffer
	dec     *encoding.Decoder
}

func NewText(src Source, contentType, contentEncoding string, chunkSize int) (*TextPipeline, error) {
	bp, err := New(src, contentType, contentEncoding, chunkSize)
	if err != nil {
		return nil, err
	}
	return &TextPipeline{bytes: bp, chunker: chunk.NewTextChunker(chunkSize)}, nil
}

// Next returns the next UTF-8 text chunk, or io.EOF.
func (t *TextPipeline) Next() ([]byte, error) {
	for {
		raw, err := t.bytes.Next()
		if len(raw) > 0 {
			t.backlog.Write(raw)
		}
		if err != nil && err != io.EOF {
			return nil, err
		}

		if t.dec == nil {
			if name := t.bytes.Charset(); name != "" {
				if enc, _ := charset.Lookup(name); enc != nil {
					t.dec = enc.NewDecoder()
				} else {
					t.dec = encoding.Nop.NewDecoder()
				}
			}
		}

		if t.dec != nil && t.backlog.Len() > 0 {
			decoded, _, terr := transform.Bytes(t.dec, t.backlog.Bytes())
			if terr == nil {
				t.backlog.Reset()
				if out := t.chunker.Feed(decoded); len(out) > 0 {
					return joinAll(out), nil
				}
			}
		}

		if err == io.EOF {
			if tail := t.chunker.Flush(); tail != nil {
				return tail, nil
			}
			return nil, io.EOF
		}
		// No output yet and not at EOF: pull more from the byte
		// pipeline before yielding anything to the caller.
	}
}
