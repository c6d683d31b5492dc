// Package reqdata implements the RequestData variants of spec §4.5 step 3:
// the payload wrapping layer that turns data/json/files/form values into a
// uniform (content type, content length, reader) triple the session and
// transaction engine can frame and stream without knowing the source.
package reqdata

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
)

// RequestData is the uniform contract every payload variant satisfies.
type RequestData interface {
	// ContentLength returns the body's size and whether it is known in
	// advance; an unknown length means the session must frame with
	// Transfer-Encoding: chunked (spec §4.5 step 4).
	ContentLength() (int64, bool)
	// ContentType is the variant's natural Content-Type, used only when
	// the caller hasn't already set one explicitly.
	ContentType() string
	// Reader returns a fresh io.Reader over the body. Every variant in
	// this package holds its body in memory (multipart included) and
	// reports Rewindable() == true; Session surfaces
	// UnrewindableBodyError if a retry needs a second read and a
	// variant reports Rewindable() == false.
	Reader() io.Reader
	// Rewindable reports whether Reader() can be called again to
	// produce an equivalent byte stream (spec §7 UnrewindableBodyError).
	Rewindable() bool
}

// Empty is the zero-body variant (GET, HEAD, DELETE with no payload).
type Empty struct{}

func (Empty) ContentLength() (int64, bool) { return 0, true }
func (Empty) ContentType() string          { return "" }
func (Empty) Reader() io.Reader            { return bytes.NewReader(nil) }
func (Empty) Rewindable() bool             { return true }

// Raw wraps pre-encoded bytes or a string (spec: "raw bytes/string").
type Raw struct {
	Bytes []byte
}

func NewRaw(b []byte) *Raw                     { return &Raw{Bytes: b} }
func NewRawString(s string) *Raw               { return &Raw{Bytes: []byte(s)} }
func (r *Raw) ContentLength() (int64, bool)    { return int64(len(r.Bytes)), true }
func (r *Raw) ContentType() string             { return "application/octet-stream" }
func (r *Raw) Reader() io.Reader               { return bytes.NewReader(r.Bytes) }
func (r *Raw) Rewindable() bool                { return true }

// JSON compact-encodes v once at construction time (spec: "JSON
// (compact-dumped)").
type JSON struct {
	encoded []byte
}

func NewJSON(v any) (*JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &JSON{encoded: b}, nil
}

func (j *JSON) ContentLength() (int64, bool) { return int64(len(j.encoded)), true }
func (j *JSON) ContentType() string          { return "application/json" }
func (j *JSON) Reader() io.Reader            { return bytes.NewReader(j.encoded) }
func (j *JSON) Rewindable() bool             { return true }

// Form is application/x-www-form-urlencoded data built from an ordered
// key/value sequence (spec: "URL-encoded form (from mapping/sequence)").
type Form struct {
	encoded []byte
}

func NewForm(pairs [][2]string) *Form {
	v := url.Values{}
	for _, kv := range pairs {
		v.Add(kv[0], kv[1])
	}
	return &Form{encoded: []byte(v.Encode())}
}

func (f *Form) ContentLength() (int64, bool) { return int64(len(f.encoded)), true }
func (f *Form) ContentType() string          { return "application/x-www-form-urlencoded" }
func (f *Form) Reader() io.Reader            { return bytes.NewReader(f.encoded) }
func (f *Form) Rewindable() bool             { return true }

// File wraps a seekable binary payload (spec: "binary file (seekable;
// content-type sniffed from magic then filename; length from seek)").
type File struct {
	name    string
	content []byte // materialized once so Reader() is rewindable by seek.
	ctype   string
}

// NewFile sniffs content-type from the first 512 bytes (net/http's magic
// table), falling back to the filename extension, exactly as spec's
// "magic then filename" order requires.
func NewFile(filename string, content []byte) *File {
	ctype := http.DetectContentType(content)
	if ctype == "application/octet-stream" || ctype == "" {
		if ext := filepath.Ext(filename); ext != "" {
			if byExt := mime.TypeByExtension(ext); byExt != "" {
				ctype = byExt
			}
		}
	}
	return &File{name: filename, content: content, ctype: ctype}
}

func (f *File) ContentLength() (int64, bool) { return int64(len(f.content)), true }
func (f *File) ContentType() string          { return f.ctype }
func (f *File) Reader() io.Reader            { return bytes.NewReader(f.content) }
func (f *File) Rewindable() bool             { return true }
func (f *File) Name() string                 { return f.name }

// MultipartField is one part of a multipart/form-data body: either a
// plain value (File == nil) or a file upload.
type MultipartField struct {
	Name     string
	Value    string
	File     *File
	Filename string
}

// Multipart assembles a multipart/form-data body with a random 16-byte
// hex boundary (spec: "multipart form (boundary random 16-byte hex)").
// The body is materialized eagerly so ContentLength is known and the
// part is rewindable, matching File's own eager-read design; a streaming
// io.Pipe variant is unnecessary once every part's length is known
// up front.
type Multipart struct {
	boundary string
	body     []byte
}

func NewMultipart(fields []MultipartField) (*Multipart, error) {
	boundary, err := randomBoundary()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, f := range fields {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		if f.File != nil {
			filename := f.Filename
			if filename == "" {
				filename = f.File.Name()
			}
			disp := mime.FormatMediaType("form-data", map[string]string{"name": f.Name, "filename": filename})
			fmt.Fprintf(&buf, "Content-Disposition: %s\r\n", disp)
			ctype := f.File.ContentType()
			if ctype == "" {
				ctype = "application/octet-stream"
			}
			fmt.Fprintf(&buf, "Content-Type: %s\r\n\r\n", ctype)
			buf.Write(f.File.content)
		} else {
			disp := mime.FormatMediaType("form-data", map[string]string{"name": f.Name})
			fmt.Fprintf(&buf, "Content-Disposition: %s\r\n\r\n", disp)
			buf.WriteString(f.Value)
		}
		buf.WriteString("\r\n")
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return &Multipart{boundary: boundary, body: buf.Bytes()}, nil
}

func randomBoundary() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (m *Multipart) ContentLength() (int64, bool) { return int64(len(m.body)), true }
func (m *Multipart) ContentType() string          { return "multipart/form-data; boundary=" + m.boundary }
func (m *Multipart) Reader() io.Reader            { return bytes.NewReader(m.body) }
func (m *Multipart) Rewindable() bool             { return true }
