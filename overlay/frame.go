package overlay

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

const (
	frameData  = 0
	frameReset = 1

	frameHeaderLen = 3
	maxFrameLen    = 32 * 1024

	resetWriteTimeout = time.Second
)

// frameConn carries a stream as [type][length][payload] frames so that an
// abort can be told apart from a clean close. yamux has no abortive close of
// its own.
type frameConn struct {
	net.Conn

	rmu sync.Mutex
	// +checklocks:rmu
	hdr [frameHeaderLen]byte
	// +checklocks:rmu
	hdrN int
	// +checklocks:rmu
	left int
	// +checklocks:rmu
	aborted bool
}

func newFrameConn(c net.Conn) *frameConn { return &frameConn{Conn: c} }

func (f *frameConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	f.rmu.Lock()
	defer f.rmu.Unlock()
	for f.left == 0 {
		if f.aborted {
			return 0, ErrReset
		}
		// partial headers survive a read deadline
		for f.hdrN < frameHeaderLen {
			n, err := f.Conn.Read(f.hdr[f.hdrN:])
			f.hdrN += n
			if err != nil {
				if err == io.EOF && f.hdrN > 0 {
					err = io.ErrUnexpectedEOF
				}
				return 0, err
			}
		}
		f.hdrN = 0
		switch f.hdr[0] {
		case frameData:
			f.left = int(binary.BigEndian.Uint16(f.hdr[1:]))
		case frameReset:
			f.aborted = true
		default:
			f.aborted = true
			return 0, io.ErrUnexpectedEOF
		}
	}
	if len(p) > f.left {
		p = p[:f.left]
	}
	n, err := f.Conn.Read(p)
	f.left -= n
	if err == io.EOF && f.left > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Write sends p as one or more data frames. Each frame goes out in a single
// stream write so concurrent writers do not interleave inside a frame.
func (f *frameConn) Write(p []byte) (int, error) {
	var buf []byte
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxFrameLen {
			chunk = chunk[:maxFrameLen]
		}
		buf = append(buf[:0], frameData, 0, 0)
		binary.BigEndian.PutUint16(buf[1:], uint16(len(chunk)))
		buf = append(buf, chunk...)
		if _, err := f.Conn.Write(buf); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Reset tells the remote end to fail its reads with ErrReset, then closes. A
// writer stuck on flow control is cut off so the marker can go out.
func (f *frameConn) Reset() error {
	f.Conn.SetWriteDeadline(time.Now().Add(resetWriteTimeout))
	f.Conn.Write([]byte{frameReset, 0, 0})
	return f.Conn.Close()
}
