package common

import (
	"encoding/binary"
	"io"
)

// WriteBytes writes b preceded by its length as a big-endian uint16.
func WriteBytes(b []byte, w io.Writer) (int64, error) {
	if len(b) > 0xffff {
		return 0, io.ErrShortWrite
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(b)))
	n, err := w.Write(hdr[:])
	written := int64(n)
	if err != nil {
		return written, err
	}
	n, err = w.Write(b)
	written += int64(n)
	return written, err
}

// ReadBytes reads a length-prefixed byte string written by WriteBytes,
// refusing anything longer than max.
func ReadBytes(r io.Reader, max int) ([]byte, int64, error) {
	var l uint16
	if err := binary.Read(r, binary.BigEndian, &l); err != nil {
		return nil, 0, err
	}
	if int(l) > max {
		return nil, 2, io.ErrUnexpectedEOF
	}
	b := make([]byte, l)
	n, err := io.ReadFull(r, b)
	return b, int64(2 + n), err
}
