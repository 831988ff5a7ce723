package proxy

import (
	"io"

	"github.com/pkg/errors"
)

// ErrChunkFormat is returned by ChunkTracker for input that is not valid
// chunked transfer coding.
var ErrChunkFormat = errors.New("proxy: bad chunked encoding")

// ByteLimitWriter passes through the first Limit bytes written to it, calls
// Done once they have all been written and drops anything after.
type ByteLimitWriter struct {
	w         io.Writer
	remaining int64
	done      func()
}

// NewByteLimitWriter returns a writer for a body of n bytes. done may be nil.
func NewByteLimitWriter(w io.Writer, n int64, done func()) *ByteLimitWriter {
	return &ByteLimitWriter{w: w, remaining: n, done: done}
}

// Remaining is the number of body bytes still expected.
func (b *ByteLimitWriter) Remaining() int64 { return b.remaining }

func (b *ByteLimitWriter) Write(p []byte) (int, error) {
	if b.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if int64(n) > b.remaining {
		p = p[:b.remaining]
	}
	m, err := b.w.Write(p)
	b.remaining -= int64(m)
	if err != nil {
		return m, err
	}
	if b.remaining == 0 && b.done != nil {
		if err := flush(b.w); err != nil {
			return m, err
		}
		b.done()
	}
	return n, nil
}

func (b *ByteLimitWriter) Flush() error      { return flush(b.w) }
func (b *ByteLimitWriter) CloseWrite() error { return closeWrite(b.w) }

type chunkState int

const (
	chunkSize chunkState = iota
	chunkExt
	chunkSizeLF
	chunkData
	chunkDataCR
	chunkDataLF
	chunkTrailer
	chunkTrailerLine
	chunkTrailerLF
	chunkDone
)

// maxChunkDigits keeps the size below 2^60.
const maxChunkDigits = 15

// ChunkTracker passes a chunked body through unchanged while following its
// framing, and calls Done after the terminating chunk and trailer have been
// written. Bytes after the end are dropped.
type ChunkTracker struct {
	w    io.Writer
	done func()

	state  chunkState
	size   int64
	digits int
}

// NewChunkTracker returns a ChunkTracker writing to w. done may be nil.
func NewChunkTracker(w io.Writer, done func()) *ChunkTracker {
	return &ChunkTracker{w: w, done: done}
}

// Complete reports whether the terminating chunk has been seen.
func (c *ChunkTracker) Complete() bool { return c.state == chunkDone }

func (c *ChunkTracker) Write(p []byte) (int, error) {
	if c.state == chunkDone {
		return len(p), nil
	}
	end, err := c.scan(p)
	if end > 0 {
		if _, werr := c.w.Write(p[:end]); werr != nil {
			return 0, werr
		}
	}
	if err != nil {
		return end, err
	}
	if c.state == chunkDone && c.done != nil {
		if err := flush(c.w); err != nil {
			return end, err
		}
		c.done()
	}
	return len(p), nil
}

// scan advances the state machine over p and returns how many bytes belong
// to the body.
func (c *ChunkTracker) scan(p []byte) (int, error) {
	i := 0
	for i < len(p) {
		if c.state == chunkData {
			n := int64(len(p) - i)
			if n > c.size {
				n = c.size
			}
			i += int(n)
			c.size -= n
			if c.size == 0 {
				c.state = chunkDataCR
			}
			continue
		}
		b := p[i]
		i++
		switch c.state {
		case chunkSize:
			switch {
			case hexValue(b) >= 0:
				if c.digits == maxChunkDigits {
					return i, errors.Wrap(ErrChunkFormat, "chunk size too large")
				}
				c.size = c.size<<4 | int64(hexValue(b))
				c.digits++
			case c.digits == 0:
				return i, errors.Wrapf(ErrChunkFormat, "unexpected %q in chunk size", b)
			case b == ';' || b == ' ' || b == '\t':
				c.state = chunkExt
			case b == '\r':
				c.state = chunkSizeLF
			case b == '\n':
				c.endSizeLine()
			default:
				return i, errors.Wrapf(ErrChunkFormat, "unexpected %q in chunk size", b)
			}
		case chunkExt:
			if b == '\n' {
				c.endSizeLine()
			}
		case chunkSizeLF:
			if b != '\n' {
				return i, errors.Wrap(ErrChunkFormat, "missing LF after chunk size")
			}
			c.endSizeLine()
		case chunkDataCR:
			switch b {
			case '\r':
				c.state = chunkDataLF
			case '\n':
				c.state = chunkSize
			default:
				return i, errors.Wrap(ErrChunkFormat, "missing CRLF after chunk data")
			}
		case chunkDataLF:
			if b != '\n' {
				return i, errors.Wrap(ErrChunkFormat, "missing LF after chunk data")
			}
			c.state = chunkSize
		case chunkTrailer:
			switch b {
			case '\r':
				c.state = chunkTrailerLF
			case '\n':
				c.state = chunkDone
				return i, nil
			default:
				c.state = chunkTrailerLine
			}
		case chunkTrailerLine:
			if b == '\n' {
				c.state = chunkTrailer
			}
		case chunkTrailerLF:
			if b != '\n' {
				return i, errors.Wrap(ErrChunkFormat, "missing LF after trailer")
			}
			c.state = chunkDone
			return i, nil
		}
	}
	return i, nil
}

func (c *ChunkTracker) endSizeLine() {
	if c.size == 0 {
		c.state = chunkTrailer
	} else {
		c.state = chunkData
	}
	c.digits = 0
}

func (c *ChunkTracker) Flush() error      { return flush(c.w) }
func (c *ChunkTracker) CloseWrite() error { return closeWrite(c.w) }

func hexValue(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	case b >= 'A' && b <= 'F':
		return int(b-'A') + 10
	}
	return -1
}
