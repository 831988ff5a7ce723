package httptunnel

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/headers"
	"hop.computer/httptunnel/proxy"
	"hop.computer/httptunnel/transcoder"

	"github.com/pkg/errors"
)

// Side says which end of the tunnel a ResponseFilter runs on.
type Side int

const (
	// ServerSide filters what the web server sends toward the overlay and
	// may compress it.
	ServerSide Side = iota
	// ClientSide filters what the overlay sends toward the browser and
	// expands compressed bodies.
	ClientSide
)

// maxResponseHeader bounds the buffered response header block.
const maxResponseHeader = 64 * 1024

// ResponseFilter is a Writer that receives a raw HTTP response. It buffers
// the header block, rewrites it and makes the final keep-alive decision,
// then passes the body through, compressed or expanded as negotiated.
//
// "In" is the leg the response arrives on and "out" the leg it leaves on:
// the web server and the overlay on the server side, the overlay and the
// browser on the client side.
type ResponseFilter struct {
	side     Side
	compress bool
	done     func()

	dst io.Writer
	out io.Writer

	keepAliveIn  bool
	keepAliveOut bool

	dataExpected    int64
	contentType     string
	contentEncoding string
	gzip            bool

	hdr           []byte
	headerWritten bool

	compressor *transcoder.Compressor
	gunzip     *transcoder.Gunzipper
}

// FilterOptions configure a ResponseFilter.
type FilterOptions struct {
	// KeepAliveIn and KeepAliveOut allow, but do not require, the legs to
	// stay open after the response.
	KeepAliveIn  bool
	KeepAliveOut bool

	// Head marks the response to a HEAD request, which has no body.
	Head bool

	// Compress allows gzip on the server side when the body qualifies.
	Compress bool

	// Done is called once the end of the body has been written.
	Done func()
}

// NewResponseFilter returns a filter writing to dst.
func NewResponseFilter(dst io.Writer, side Side, opts FilterOptions) *ResponseFilter {
	f := &ResponseFilter{
		side:         side,
		compress:     opts.Compress,
		done:         opts.Done,
		dst:          dst,
		keepAliveIn:  opts.KeepAliveIn,
		keepAliveOut: opts.KeepAliveOut,
		dataExpected: -1,
	}
	if opts.Head {
		f.dataExpected = 0
	}
	if f.done == nil {
		f.done = func() {}
	}
	return f
}

// KeepAliveIn reports whether the inbound leg may carry another response.
// It is false until the header has been written.
func (f *ResponseFilter) KeepAliveIn() bool { return f.keepAliveIn && f.headerWritten }

// KeepAliveOut reports whether the outbound leg may carry another response.
func (f *ResponseFilter) KeepAliveOut() bool { return f.keepAliveOut && f.headerWritten }

// HeaderWritten reports whether the header block has gone out.
func (f *ResponseFilter) HeaderWritten() bool { return f.headerWritten }

// Compressing reports whether the body is being gzipped or gunzipped.
func (f *ResponseFilter) Compressing() bool { return f.compressor != nil || f.gunzip != nil }

// Compression returns the plain and compressed byte counts of the body.
func (f *ResponseFilter) Compression() (plain, compressed int64) {
	switch {
	case f.compressor != nil:
		return f.compressor.TotalRead(), f.compressor.TotalCompressed()
	case f.gunzip != nil:
		return f.gunzip.TotalExpanded(), f.gunzip.TotalRead()
	}
	return 0, 0
}

func (f *ResponseFilter) Write(p []byte) (int, error) {
	if f.headerWritten {
		return f.out.Write(p)
	}
	f.hdr = append(f.hdr, p...)
	end := headerEnd(f.hdr)
	if end < 0 {
		if len(f.hdr) > maxResponseHeader {
			return 0, errors.Wrapf(headers.ErrHeadersTooLarge, "response header over %d bytes", maxResponseHeader)
		}
		return len(p), nil
	}
	block, body := f.hdr[:end], f.hdr[end:]
	f.hdr = nil
	if err := f.writeHeader(block); err != nil {
		return 0, err
	}
	if len(body) > 0 {
		if _, err := f.out.Write(body); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// headerEnd returns the offset just past the blank line ending a header
// block, or -1.
func headerEnd(b []byte) int {
	for i := 0; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i+1 < len(b) && b[i+1] == '\n' {
			return i + 2
		}
		if i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n' {
			return i + 3
		}
	}
	return -1
}

func (f *ResponseFilter) writeHeader(block []byte) error {
	line, in, err := headers.NewReader(bytes.NewReader(block)).ReadHeaders(time.Minute, headers.Response, nil)
	if err != nil {
		return errors.Wrap(err, "response header")
	}
	line = strings.TrimSpace(line)

	// persistence needs HTTP/1.1
	if !strings.HasPrefix(line, "HTTP/1.1 ") {
		f.keepAliveIn, f.keepAliveOut = false, false
	}
	if code := headers.StatusCode(line); code < 0 {
		f.keepAliveIn, f.keepAliveOut = false, false
	} else if headers.NoBodyStatus(code) {
		f.dataExpected = 0
	}

	out := headers.NewSet()
	connectionSent, chunked := false, false
	in.Each(func(name, value string) {
		lcVal := strings.ToLower(value)
		switch strings.ToLower(name) {
		case "connection":
			if strings.Contains(lcVal, "upgrade") {
				out.Add(headers.Connection, value)
				f.keepAliveOut = false
			} else if !f.keepAliveOut {
				out.Add(headers.Connection, "close")
			}
			f.keepAliveIn = false
			connectionSent = true
		case "proxy-connection", "proxy-authenticate":
		case "content-encoding":
			if lcVal == transcoder.Token {
				f.gzip = true
				return
			}
			f.contentEncoding = lcVal
			out.Add(name, value)
		case "content-length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 && f.dataExpected != 0 {
				f.dataExpected = n
			}
			out.Add(name, value)
		case "content-type":
			f.contentType = mediaType(value)
			out.Add(name, value)
		case "transfer-encoding":
			if strings.Contains(lcVal, "chunked") {
				chunked = true
			}
			out.Add(name, value)
		case "set-cookie":
			if overlayCookie(lcVal) {
				return
			}
			out.Add(name, value)
		default:
			out.Add(name, value)
		}
	})

	if !headers.BodyDelimited(f.dataExpected >= 0, chunked) {
		f.keepAliveIn, f.keepAliveOut = false, false
	}
	if !connectionSent && !f.keepAliveOut {
		out.Add(headers.Connection, "close")
	}
	compress := f.shouldCompress()
	if compress && f.side == ServerSide {
		out.Add(headers.ContentEncoding, transcoder.Token)
	}
	if _, err := f.dst.Write(headers.Format(line, out)); err != nil {
		return err
	}
	f.headerWritten = true

	f.out = f.dst
	if f.keepAliveIn && !compress {
		switch {
		case f.dataExpected > 0:
			f.out = proxy.NewByteLimitWriter(f.dst, f.dataExpected, f.done)
		case f.dataExpected == 0:
			if err := flush(f.dst); err != nil {
				return err
			}
			f.done()
		default:
			f.out = proxy.NewChunkTracker(f.dst, f.done)
		}
	}
	if compress {
		switch f.side {
		case ServerSide:
			f.compressor = transcoder.NewCompressor(f.out)
			f.out = f.compressor
		case ClientSide:
			f.gunzip = transcoder.NewGunzipper(f.out)
			f.gunzip.OnDone = f.done
			f.out = f.gunzip
		}
	}
	return nil
}

func (f *ResponseFilter) shouldCompress() bool {
	if f.side == ClientSide {
		return f.gzip
	}
	return f.compress && transcoder.ShouldCompress(f.dataExpected, f.contentType, f.contentEncoding)
}

// overlayCookie reports whether a lower-cased Set-Cookie value is scoped to
// every overlay site.
func overlayCookie(v string) bool {
	for _, attr := range strings.Split(v, ";") {
		k, val, ok := strings.Cut(strings.TrimSpace(attr), "=")
		if !ok || strings.TrimSpace(k) != "domain" {
			continue
		}
		d := strings.TrimPrefix(strings.TrimSpace(val), ".")
		if "."+d == common.TLD || "."+d == common.B32Suffix {
			return true
		}
	}
	return false
}

// Flush pushes buffered body bytes to the destination.
func (f *ResponseFilter) Flush() error {
	if f.compressor != nil {
		if err := f.compressor.Flush(); err != nil {
			return err
		}
	}
	return flush(f.dst)
}

// Finish ends the body without closing the outbound leg.
func (f *ResponseFilter) Finish() error {
	if f.compressor != nil {
		if err := f.compressor.Finish(); err != nil {
			return err
		}
	}
	return flush(f.dst)
}

// Close releases the expander. The destination is left open.
func (f *ResponseFilter) Close() error {
	if f.gunzip != nil {
		return f.gunzip.Close()
	}
	return nil
}

// CloseWrite finishes the body and half closes the destination.
func (f *ResponseFilter) CloseWrite() error {
	err := f.Finish()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if cerr := closeWrite(f.dst); err == nil {
		err = cerr
	}
	return err
}

func flush(w io.Writer) error {
	if fl, ok := w.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

func closeWrite(w io.Writer) error {
	if cw, ok := w.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return flush(w)
}
