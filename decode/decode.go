// Package decode implements the streaming content-decoder chain of spec
// §4.6 step 3: identity, gzip, deflate (zlib-wrapped or raw, auto
// detected), brotli, and zstd, composed into a MultiDecoder for
// comma-separated Content-Encoding values.
package decode

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/hashicorp/go-multierror"
	"github.com/klauspost/compress/zstd"
)

// Decoder streams decompressed bytes from an underlying compressed
// reader, and must be told when no further input will arrive so it can
// flush internal state.
type Decoder interface {
	io.Reader
	Close() error
}

// identityDecoder passes bytes through unchanged; used for the
// "unknown coding -> silently identity" rule in spec §4.6 step 3.
type identityDecoder struct{ io.Reader }

func (identityDecoder) Close() error { return nil }

// gzipDecoder tolerates trailing garbage after a successful first gzip
// member, per spec §4.6 step 3 ("gzip ... trailing-garbage tolerance
// after successful first member").
type gzipDecoder struct {
	r    *gzip.Reader
	done bool
}

func newGzipDecoder(r io.Reader) (Decoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	gz.Multistream(false)
	return &gzipDecoder{r: gz}, nil
}

func (d *gzipDecoder) Read(p []byte) (int, error) {
	if d.done {
		return 0, io.EOF
	}
	n, err := d.r.Read(p)
	if err == io.EOF {
		d.done = true
	}
	return n, err
}

func (d *gzipDecoder) Close() error { return d.r.Close() }

// deflateDecoder auto-detects zlib-wrapped vs raw DEFLATE by trying the
// zlib wrapper first and falling back to raw on error, per spec §4.6
// step 3.
type deflateDecoder struct {
	r io.ReadCloser
}

func newDeflateDecoder(r io.Reader) (Decoder, error) {
	br := bufio.NewReader(r)
	peek, err := br.Peek(2)
	if err == nil && isZlibHeader(peek) {
		if zr, zerr := zlib.NewReader(br); zerr == nil {
			return &deflateDecoder{r: zr}, nil
		}
	}
	return &deflateDecoder{r: flate.NewReader(br)}, nil
}

// isZlibHeader reports whether the first two bytes look like a valid
// zlib header (CMF/FLG with the required checksum property), per RFC
// 1950 §2.2.
func isZlibHeader(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	cmf, flg := b[0], b[1]
	if cmf&0x0f != 8 {
		return false
	}
	return (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func (d *deflateDecoder) Read(p []byte) (int, error) { return d.r.Read(p) }
func (d *deflateDecoder) Close() error                { return d.r.Close() }

// brotliDecoder wraps andybalholm/brotli, the teacher's own content
// decoder dependency (fetch/utils.go, http2/patch.go).
type brotliDecoder struct{ r *brotli.Reader }

func newBrotliDecoder(r io.Reader) Decoder {
	return &brotliDecoder{r: brotli.NewReader(r)}
}

func (d *brotliDecoder) Read(p []byte) (int, error) { return d.r.Read(p) }
func (d *brotliDecoder) Close() error                { return nil }

// zstdDecoder wraps klauspost/compress/zstd, the teacher's transitive
// dependency (pulled in via the ski plugin host), given a home here as
// spec §4.6 step 3 names zstd as a supported coding.
type zstdDecoder struct{ r *zstd.Decoder }

func newZstdDecoder(r io.Reader) (Decoder, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &zstdDecoder{r: zr}, nil
}

func (d *zstdDecoder) Read(p []byte) (int, error) { return d.r.Read(p) }
func (d *zstdDecoder) Close() error {
	d.r.Close()
	return nil
}

// New constructs a single decoder for one Content-Encoding token.
// Unsupported tokens silently fall back to identity, per spec §4.6.
func New(token string, r io.Reader) (Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "gzip", "x-gzip":
		return newGzipDecoder(r)
	case "deflate":
		return newDeflateDecoder(r)
	case "br":
		return newBrotliDecoder(r), nil
	case "zstd":
		return newZstdDecoder(r)
	case "identity", "":
		return identityDecoder{r}, nil
	default:
		return identityDecoder{r}, nil
	}
}

// MultiDecoder chains decoders built from a comma-separated
// Content-Encoding header, applying them in the *reverse* of header
// order: the sender lists codings in application order, so the first
// token applied by the sender must be undone last (spec §4.6 step 3).
type MultiDecoder struct {
	chain []Decoder // chain[0] is the outermost reader wrapping the raw bytes.
}

// NewMultiDecoder builds the chain for a raw Content-Encoding header
// value, which may be a single token or a comma-separated list.
func NewMultiDecoder(header string, raw io.Reader) (*MultiDecoder, error) {
	tokens := strings.Split(header, ",")
	// Reverse of header order: the last-listed coding was applied first
	// by the sender, so it must be undone first by us.
	reader := raw
	chain := make([]Decoder, 0, len(tokens))
	for i := len(tokens) - 1; i >= 0; i-- {
		d, err := New(tokens[i], reader)
		if err != nil {
			return nil, err
		}
		chain = append(chain, d)
		reader = d
	}
	return &MultiDecoder{chain: chain}, nil
}

// Read reads from the innermost (final, fully-decoded) decoder in the chain.
func (m *MultiDecoder) Read(p []byte) (int, error) {
	if len(m.chain) == 0 {
		return 0, io.EOF
	}
	return m.chain[len(m.chain)-1].Read(p)
}

// Close flushes every decoder in the chain, aggregating every failure
// (not just the first) via hashicorp/go-multierror — a chain can fail at
// more than one stage, and the caller deserves to see all of it.
func (m *MultiDecoder) Close() error {
	var result *multierror.Error
	for _, d := range m.chain {
		if err := d.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result == nil {
		return nil
	}
	return result.ErrorOrNil()
}

// drain is a convenience used by tests: read d to completion into a buffer.
func drain(d Decoder) ([]byte, error) {
	var buf bytes.Buffer
	_, err := io.Copy(&buf, d)
	if err != nil {
		return buf.Bytes(), err
	}
	return buf.Bytes(), d.Close()
}
