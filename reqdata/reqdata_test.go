package reqdata

import (
	"io"
	"mime"
	"mime/multipart"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmpty(t *testing.T) {
	var e Empty
	n, ok := e.ContentLength()
	assert.True(t, ok)
	assert.Zero(t, n)
	assert.True(t, e.Rewindable())
	b, err := io.ReadAll(e.Reader())
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestRaw(t *testing.T) {
	r := NewRawString("hello")
	n, ok := r.ContentLength()
	assert.True(t, ok)
	assert.EqualValues(t, 5, n)
	assert.Equal(t, "application/octet-stream", r.ContentType())
	b, err := io.ReadAll(r.Reader())
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestJSON(t *testing.T) {
	j, err := NewJSON(map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, "application/json", j.ContentType())
	b, err := io.ReadAll(j.Reader())
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(b))
}

func TestForm(t *testing.T) {
	f := NewForm([][2]string{{"a", "1"}, {"b", "x y"}})
	assert.Equal(t, "application/x-www-form-urlencoded", f.ContentType())
	b, err := io.ReadAll(f.Reader())
	require.NoError(t, err)
	assert.Equal(t, "a=1&b=x+y", string(b))
}

func TestFileSniffsMagicBeforeExtension(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n" + strings.Repeat("x", 20))
	f := NewFile("photo.png", png)
	assert.Equal(t, "image/png", f.ContentType())
}

func TestFileSniffsPlainTextContent(t *testing.T) {
	f := NewFile("notes.txt", []byte("plain text content"))
	assert.Contains(t, f.ContentType(), "text/plain")
}

func TestMultipartRoundTrips(t *testing.T) {
	file := NewFile("a.txt", []byte("file-body"))
	mp, err := NewMultipart([]MultipartField{
		{Name: "field1", Value: "value1"},
		{Name: "upload", File: file, Filename: "a.txt"},
	})
	require.NoError(t, err)

	n, ok := mp.ContentLength()
	assert.True(t, ok)
	assert.True(t, n > 0)

	_, params, err := mime.ParseMediaType(mp.ContentType())
	require.NoError(t, err)

	mr := multipart.NewReader(mp.Reader(), params["boundary"])
	part1, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "field1", part1.FormName())
	b1, _ := io.ReadAll(part1)
	assert.Equal(t, "value1", string(b1))

	part2, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "upload", part2.FormName())
	assert.Equal(t, "a.txt", part2.FileName())
	b2, _ := io.ReadAll(part2)
	assert.Equal(t, "file-body", string(b2))

	_, err = mr.NextPart()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMultipartBoundaryIsRandomPerCall(t *testing.T) {
	m1, err := NewMultipart([]MultipartField{{Name: "a", Value: "1"}})
	require.NoError(t, err)
	m2, err := NewMultipart([]MultipartField{{Name: "a", Value: "1"}})
	require.NoError(t, err)
	assert.NotEqual(t, m1.ContentType(), m2.ContentType())
}
