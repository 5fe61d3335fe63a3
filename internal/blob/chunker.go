package blob

import (
	"errors"
	"io"
)

// Content-defined chunking parameters. Boundaries depend on content, so a
// new version of a file that only changes in one region shares most of its
// chunks with the previous one.
const (
	minChunkSize = 16 << 10
	maxChunkSize = 256 << 10
	chunkMask    = 0xFFFF // one boundary per ~64KB on average
	windowSize   = 64
	buzhashSeed  = 0x5f3759df
)

var buzhashTable [256]uint32

func init() {
	state := uint32(buzhashSeed)
	for i := range buzhashTable {
		// xorshift32
		state ^= state << 13
		state ^= state >> 17
		state ^= state << 5
		buzhashTable[i] = state
	}
}

// chunker splits a stream into content-defined chunks using a buzhash
// rolling hash over a fixed window.
type chunker struct {
	r    io.Reader
	buf  []byte
	n    int
	eof  bool
	read int64
}

func newChunker(r io.Reader) *chunker {
	return &chunker{r: r, buf: make([]byte, maxChunkSize)}
}

// next returns the next chunk, or io.EOF once the stream is drained.
// The returned slice is owned by the caller.
func (c *chunker) next() ([]byte, error) {
	if err := c.fill(); err != nil {
		return nil, err
	}
	if c.n == 0 {
		return nil, io.EOF
	}

	end := c.boundary()
	chunk := make([]byte, end)
	copy(chunk, c.buf[:end])
	copy(c.buf, c.buf[end:c.n])
	c.n -= end
	return chunk, nil
}

// fill reads until the buffer is full or the reader is exhausted.
func (c *chunker) fill() error {
	for !c.eof && c.n < len(c.buf) {
		m, err := c.r.Read(c.buf[c.n:])
		c.n += m
		c.read += int64(m)
		if errors.Is(err, io.EOF) {
			c.eof = true
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *chunker) boundary() int {
	if c.n <= minChunkSize {
		return c.n
	}

	var h uint32
	for i := minChunkSize - windowSize; i < minChunkSize; i++ {
		h = rol32(h, 1) ^ buzhashTable[c.buf[i]]
	}
	for i := minChunkSize; i < c.n; i++ {
		h = rol32(h, 1) ^ buzhashTable[c.buf[i]] ^ rol32(buzhashTable[c.buf[i-windowSize]], windowSize%32)
		if h&chunkMask == 0 {
			return i + 1
		}
	}
	return c.n
}

func rol32(x, n uint32) uint32 {
	return (x << n) | (x >> (32 - n))
}
