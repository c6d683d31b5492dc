package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesChunkerEmitsFixedSizePieces(t *testing.T) {
	c := NewBytesChunker(4)
	out := c.Feed([]byte("abcdefgh"))
	assert.Equal(t, [][]byte{[]byte("abcd"), []byte("efgh")}, out)
	assert.Nil(t, c.Flush())
}

func TestBytesChunkerHoldsBackShortTail(t *testing.T) {
	c := NewBytesChunker(4)
	out := c.Feed([]byte("abcdef"))
	assert.Equal(t, [][]byte{[]byte("abcd")}, out)
	assert.Equal(t, []byte("ef"), c.Flush())
	assert.Nil(t, c.Flush())
}

func TestBytesChunkerDefaultSize(t *testing.T) {
	c := NewBytesChunker(0)
	assert.Equal(t, DefaultSize, c.size)
}

func TestTextChunkerHoldsBackIncompleteRune(t *testing.T) {
	c := NewTextChunker(1024)
	euroRune := "\xe2\x82\xac" // "€", a 3-byte UTF-8 sequence
	part1 := []byte("price: " + euroRune[:2])
	part2 := []byte(euroRune[2:] + " done")

	out1 := c.Feed(part1)
	assert.Empty(t, out1, "incomplete trailing sequence must be held back")

	out2 := c.Feed(part2)
	assert.Empty(t, out2, "below the chunk size threshold, bytes stay buffered until Flush")

	tail := c.Flush()
	assert.Equal(t, "price: "+euroRune+" done", string(tail))
}

func TestTextChunkerFlushEmitsTrailingIncompleteSequence(t *testing.T) {
	c := NewTextChunker(1024)
	euroRune := "\xe2\x82\xac"
	c.Feed([]byte(euroRune[:1]))
	tail := c.Flush()
	assert.Equal(t, []byte(euroRune[:1]), tail)
}

func TestUtf8TrailingIncompleteASCII(t *testing.T) {
	assert.Equal(t, 0, utf8TrailingIncomplete([]byte("hello")))
}

func joinChunks(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
