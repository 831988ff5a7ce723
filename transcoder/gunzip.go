// Package transcoder converts HTTP bodies between plain and gzip form while
// they stream through a tunnel.
package transcoder

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// Token is the Content-Encoding used between the two tunnel ends. It is
// distinct from "gzip" so that bodies the origin compressed are never touched.
const Token = "x-hop-gzip"

var (
	// ErrFormat means the input is not a gzip member we can read.
	ErrFormat = errors.New("not in gzip format")

	// ErrIntegrity means the footer did not match the decompressed output.
	ErrIntegrity = errors.New("gzip integrity check failed")
)

const footerSize = 8

// gzip header flags, RFC 1952 section 2.3.1
const (
	flagHCRC    = 0x02
	flagExtra   = 0x04
	flagName    = 0x08
	flagComment = 0x10
)

type headerState int

// Order matters: optional sections are visited in increasing order.
const (
	stateMB1 headerState = iota
	stateMB2
	stateCF
	stateFlags
	stateMT0
	stateMT1
	stateMT2
	stateMT3
	stateEF
	stateOS
	stateEH1
	stateEH2
	stateEHData
	stateName
	stateComment
	stateCRC1
	stateCRC2
	stateDone
)

// Gunzipper is a push-style gzip decoder. Compressed bytes are written to it
// in arbitrary chunks and plain bytes come out the other side. It reads a
// single member; once the footer has been checked, further input is ignored.
type Gunzipper struct {
	// OnDone, if set, is called once the footer has been validated.
	OnDone func()

	dst io.Writer
	out *crcWriter

	state    headerState
	flags    byte
	extraLen int

	inf         *inflater
	inflateDone bool

	footer  [footerSize]byte
	footerN int

	complete  bool
	totalRead int64
}

// NewGunzipper returns a Gunzipper writing decompressed data to w.
func NewGunzipper(w io.Writer) *Gunzipper {
	return &Gunzipper{
		dst: w,
		out: &crcWriter{w: w},
	}
}

// TotalRead is the number of compressed bytes accepted so far.
func (g *Gunzipper) TotalRead() int64 { return g.totalRead }

// TotalExpanded is the number of decompressed bytes written so far.
func (g *Gunzipper) TotalExpanded() int64 { return g.out.n }

// Complete reports whether the footer has been validated.
func (g *Gunzipper) Complete() bool { return g.complete }

// Write implements io.Writer.
func (g *Gunzipper) Write(p []byte) (int, error) {
	if g.complete {
		return len(p), nil
	}
	g.totalRead += int64(len(p))

	i := 0
	for ; i < len(p) && g.state != stateDone; i++ {
		if err := g.headerByte(p[i]); err != nil {
			return i, err
		}
	}
	if i < len(p) && !g.inflateDone {
		n, err := g.inflate(p[i:])
		i += n
		if err != nil {
			return i, err
		}
	}
	for ; i < len(p) && g.inflateDone && !g.complete; i++ {
		g.footer[g.footerN] = p[i]
		g.footerN++
		if g.footerN == footerSize {
			if err := g.validate(); err != nil {
				return i + 1, err
			}
		}
	}
	return len(p), nil
}

// Close stops the inflater. It does not close the destination.
func (g *Gunzipper) Close() error {
	if g.inf != nil {
		g.inf.stop()
	}
	g.complete = true
	return nil
}

func (g *Gunzipper) headerByte(c byte) error {
	switch g.state {
	case stateMB1:
		if c != 0x1f {
			return errors.Wrap(ErrFormat, "bad magic")
		}
	case stateMB2:
		if c != 0x8b {
			return errors.Wrap(ErrFormat, "bad magic")
		}
	case stateCF:
		if c != 0x08 {
			return errors.Wrapf(ErrFormat, "unsupported compression method %d", c)
		}
	case stateFlags:
		g.flags = c
	case stateMT0, stateMT1, stateMT2, stateMT3:
	case stateEF:
		if c != 0 && c != 2 && c != 4 {
			return errors.Wrapf(ErrFormat, "invalid extra flags %d", c)
		}
	case stateOS:
		g.state = g.next(stateOS)
		return nil
	case stateEH1:
		g.extraLen = int(c)
	case stateEH2:
		g.extraLen |= int(c) << 8
		if g.extraLen == 0 {
			g.state = g.next(stateEHData)
			return nil
		}
	case stateEHData:
		g.extraLen--
		if g.extraLen == 0 {
			g.state = g.next(stateEHData)
		}
		return nil
	case stateName, stateComment:
		if c == 0 {
			g.state = g.next(g.state)
		}
		return nil
	case stateCRC2:
		g.state = stateDone
		return nil
	}
	g.state++
	return nil
}

// next returns the first optional section after s that the flags call for.
func (g *Gunzipper) next(s headerState) headerState {
	switch {
	case s < stateEH1 && g.flags&flagExtra != 0:
		return stateEH1
	case s < stateName && g.flags&flagName != 0:
		return stateName
	case s < stateComment && g.flags&flagComment != 0:
		return stateComment
	case s < stateCRC1 && g.flags&flagHCRC != 0:
		return stateCRC1
	}
	return stateDone
}

func (g *Gunzipper) inflate(p []byte) (int, error) {
	if g.inf == nil {
		g.inf = newInflater(g.out)
	}
	res := g.inf.push(p)
	if res.finished {
		g.inflateDone = true
		if res.err != nil {
			return res.consumed, errors.Wrap(res.err, "inflate")
		}
	}
	return res.consumed, nil
}

func (g *Gunzipper) validate() error {
	wantCRC := binary.LittleEndian.Uint32(g.footer[0:4])
	wantSize := binary.LittleEndian.Uint32(g.footer[4:8])
	if wantSize != uint32(g.out.n) {
		return errors.Wrapf(ErrIntegrity, "size %d, footer says %d", uint32(g.out.n), wantSize)
	}
	if wantCRC != g.out.crc {
		return errors.Wrapf(ErrIntegrity, "crc %08x, footer says %08x", g.out.crc, wantCRC)
	}
	g.complete = true
	g.inf.stop()
	if g.OnDone != nil {
		g.OnDone()
	}
	return nil
}

type crcWriter struct {
	w   io.Writer
	crc uint32
	n   int64
}

func (c *crcWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.crc = crc32.Update(c.crc, crc32.IEEETable, p[:n])
	c.n += int64(n)
	return n, err
}

type pushResult struct {
	consumed int
	finished bool
	err      error
}

// inflater runs a flate reader on its own goroutine and feeds it one pushed
// chunk at a time. push blocks until the chunk is used up or the deflate
// stream ends, and reports exactly how many bytes were consumed so the bytes
// that follow belong to the footer.
type inflater struct {
	in   chan []byte
	ack  chan pushResult
	done chan struct{}

	buf      []byte
	chunkLen int
	holding  bool
	finished bool
}

func newInflater(out io.Writer) *inflater {
	f := &inflater{
		in:   make(chan []byte),
		ack:  make(chan pushResult, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		fr := flate.NewReader(f)
		_, err := io.Copy(out, fr)
		fr.Close()
		res := pushResult{finished: true, err: err}
		if f.holding {
			res.consumed = f.chunkLen - len(f.buf)
		}
		f.ack <- res
	}()
	return f
}

func (f *inflater) push(p []byte) pushResult {
	if f.finished {
		return pushResult{finished: true}
	}
	f.in <- p
	res := <-f.ack
	if res.finished {
		f.finished = true
		<-f.done
	}
	return res
}

func (f *inflater) stop() {
	if f.finished {
		return
	}
	f.finished = true
	close(f.in)
	<-f.done
}

// fill is only called from the flate goroutine.
func (f *inflater) fill() error {
	for len(f.buf) == 0 {
		if f.holding {
			f.holding = false
			f.ack <- pushResult{consumed: f.chunkLen}
		}
		p, ok := <-f.in
		if !ok {
			return io.ErrUnexpectedEOF
		}
		f.buf = p
		f.chunkLen = len(p)
		f.holding = true
	}
	return nil
}

func (f *inflater) ReadByte() (byte, error) {
	if err := f.fill(); err != nil {
		return 0, err
	}
	c := f.buf[0]
	f.buf = f.buf[1:]
	return c, nil
}

func (f *inflater) Read(p []byte) (int, error) {
	if err := f.fill(); err != nil {
		return 0, err
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
