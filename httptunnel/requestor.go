package httptunnel

import (
	"io"
	"net"
	"syscall"
	"time"

	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/headers"
	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/proxy"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// idleConn applies a fresh read deadline before every Read.
type idleConn struct {
	net.Conn
	timeout common.AtomicTimeout
}

func (c *idleConn) Read(p []byte) (int, error) {
	if d := c.timeout.Get(); d > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(d))
	}
	return c.Conn.Read(p)
}

// CloseWrite half closes the connection if it can. Otherwise the connection
// is left alone so the response can still be read.
func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// requestor passes one rewritten request to the web server and its response
// back to the overlay.
type requestor struct {
	log      *logrus.Entry
	overlay  overlay.Conn
	in       *headers.Reader
	target   net.Conn
	request  []byte
	method   string
	security SecurityOptions

	compress  bool
	upgrade   bool
	keepAlive bool

	sent     int64
	received int64
}

// run reports whether the overlay connection may carry another request. The
// web server connection is always closed.
func (q *requestor) run() bool {
	target := &idleConn{Conn: q.target}
	defer target.Close()

	if _, err := target.Write(q.request); err != nil {
		q.log.Warnf("httptunnel: writing request: %v", err)
		q.resetFor(err, target)
		return false
	}

	getOrHead := q.method == "GET" || q.method == "HEAD"
	var sender chan error
	if !getOrHead || q.upgrade || q.in.Buffered() > 0 {
		// the server is trusted to time out a slow body
		if q.method == "POST" {
			q.overlay.SetReadTimeout(ReadTimeoutMedium)
		} else {
			q.overlay.SetReadTimeout(ReadTimeoutPost)
		}
		q.keepAlive = false
		sender = make(chan error, 1)
		go func() { sender <- q.send(target) }()
	}

	timeout := ReadTimeoutGet
	if !getOrHead {
		timeout = ReadTimeoutPost
	}
	hr := headers.NewReader(target)
	line, resp, err := hr.ReadHeaders(timeout, headers.Response, headers.ServerSkipHeaders)
	if err != nil {
		q.log.Warnf("httptunnel: reading response: %v", err)
		q.resetFor(err, target)
		q.finish(sender, false)
		return false
	}
	filterResponse(resp)
	addSecurityHeaders(resp, q.security)
	target.timeout.Set(ReadTimeoutGet)

	filter := NewResponseFilter(proxy.NewConnWriter(q.overlay), ServerSide, FilterOptions{
		KeepAliveOut: q.keepAlive,
		Head:         q.method == "HEAD",
		Compress:     q.compress,
	})
	if _, err = filter.Write(headers.Format(line, resp)); err == nil {
		err = q.copyResponse(filter, hr)
	}
	if err == nil && sender != nil {
		select {
		case err = <-sender:
			sender = nil
		default:
		}
	}

	keep := err == nil && q.keepAlive && filter.KeepAliveOut()
	if err != nil {
		q.log.Warnf("httptunnel: forwarding response: %v", err)
		q.resetFor(err, target)
	}
	if filter.Compressing() {
		plain, compressed := filter.Compression()
		q.log.Debugf("httptunnel: compressed %d to %d bytes", plain, compressed)
	}
	if keep {
		if err := filter.Finish(); err != nil {
			q.log.Debugf("httptunnel: finishing response: %v", err)
			keep = false
		}
	} else {
		filter.CloseWrite()
	}
	q.finish(sender, keep)
	if keep {
		q.log.Debugf("httptunnel: response complete, keep-alive")
	} else {
		q.log.Debugf("httptunnel: response complete, not keep-alive")
	}
	return keep
}

// finish joins the request body sender. It only runs for requests that end
// the connection, so the overlay is closed to unblock it.
func (q *requestor) finish(sender chan error, keep bool) {
	if sender == nil {
		return
	}
	if !keep {
		q.overlay.Close()
	}
	select {
	case err := <-sender:
		if err != nil {
			q.log.Debugf("httptunnel: request body: %v", err)
		}
	case <-time.After(proxy.JoinTimeout):
		q.log.Warnf("httptunnel: request body sender did not stop within %v", proxy.JoinTimeout)
	}
}

// send copies the rest of the request from the overlay to the web server.
func (q *requestor) send(target *idleConn) error {
	w := proxy.NewConnWriter(target)
	n, err := copyFlush(w, q.in)
	q.sent += n
	if err != nil {
		q.resetFor(err, target)
		if overlay.IsReset(err) {
			// unblocks the response read
			target.Close()
		}
		return err
	}
	return w.CloseWrite()
}

func (q *requestor) copyResponse(dst io.Writer, src *headers.Reader) error {
	n, err := copyFlush(dst, src)
	q.received += n
	return err
}

// copyFlush copies until EOF, flushing dst whenever src has nothing more
// buffered so interactive responses are not held back.
func copyFlush(dst io.Writer, src *headers.Reader) (int64, error) {
	buf := make([]byte, proxy.BufferSize)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, errors.Wrap(werr, "write")
			}
			total += int64(n)
			if src.Buffered() == 0 {
				if ferr := flush(dst); ferr != nil {
					return total, errors.Wrap(ferr, "flush")
				}
			}
		}
		if err == io.EOF {
			return total, flush(dst)
		}
		if err != nil {
			return total, errors.Wrap(err, "read")
		}
	}
}

// resetFor passes a reset on to the other leg.
func (q *requestor) resetFor(err error, target *idleConn) {
	switch {
	case overlay.IsReset(err):
		q.log.Debugf("httptunnel: overlay reset, resetting web server connection")
		if tc, ok := target.Conn.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
	case errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE):
		q.log.Debugf("httptunnel: web server reset, resetting overlay connection")
		q.overlay.Reset()
	}
}
