package httptunnel

import (
	"fmt"
	"io"
	"strings"
	"time"

	"hop.computer/httptunnel/headers"
	"hop.computer/httptunnel/overlay"

	"github.com/pkg/errors"
)

// page is a canned error response.
type page struct {
	status  string
	title   string
	extra   []string
	refresh bool
}

var pages = map[int]page{
	400: {status: "400 Bad Request", title: "400 Bad request (malformed datastream)"},
	403: {status: "403 Denied", title: "403 Forbidden"},
	404: {status: "404 Not Found", title: "404 Not Found"},
	407: {status: "407 Proxy Authentication Required", title: "407 Proxy Authentication Required"},
	408: {status: "408 Request timeout", refresh: true},
	414: {status: "414 Request URI too long", title: "414 Request URI Too Long"},
	429: {status: "429 Too Many Requests", title: "429 Too Many Requests", extra: []string{"Retry-After: 600"}},
	431: {status: "431 Request header fields too large", title: "431 Request Header Fields Too Large"},
	503: {status: "503 Service Unavailable", title: "503 Service Temporarily Unavailable"},
	504: {status: "504 Gateway Timeout", title: "504 Gateway Timeout"},
}

// ErrorPage returns the full response for code with any extra header lines
// added after the fixed ones. Unknown codes are served as 503.
func ErrorPage(code int, extra ...string) []byte {
	p, ok := pages[code]
	if !ok {
		p = pages[503]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %s\r\n", p.status)
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	for _, h := range p.extra {
		b.WriteString(h + "\r\n")
	}
	for _, h := range extra {
		b.WriteString(h + "\r\n")
	}
	b.WriteString("Cache-Control: no-cache\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	b.WriteString("<!doctype html>\n<html>\n")
	if p.refresh {
		b.WriteString("<head><meta http-equiv=\"refresh\" content=\"5\"></head>\n</html>")
		return []byte(b.String())
	}
	fmt.Fprintf(&b, "<head><title>%s</title><meta name=color-scheme content=\"light dark\"></head>\n", p.title)
	b.WriteString("<body>\n")
	fmt.Fprintf(&b, "<center><h1>%s</h1></center>\n", p.title)
	b.WriteString("<hr>\n</body>\n</html>")
	return []byte(b.String())
}

func writeError(w io.Writer, code int, extra ...string) error {
	_, err := w.Write(ErrorPage(code, extra...))
	return err
}

const (
	errorLinger   = 500 * time.Millisecond
	maxErrorDrain = 256 * 1024
)

// sendError writes the page for code to c. Connections on port 443 carry
// TLS the tunnel cannot speak, so they are reset instead.
//
// The rest of the request is drained for a moment afterwards. Closing with
// unread input makes the transport abort, and the client would lose the page.
func sendError(c overlay.Conn, code int) {
	if c.LocalPort() == 443 {
		c.Reset()
		return
	}
	if writeError(c, code) != nil {
		return
	}
	c.CloseWrite()
	c.SetReadTimeout(errorLinger)
	io.CopyN(io.Discard, c, maxErrorDrain)
}

// requestErrorCode maps a request header read failure to the status to
// answer with, or 0 to close quietly. A client that goes away or goes quiet
// between keep-alive requests is not an error.
func requestErrorCode(err error, n int) int {
	switch {
	case errors.Is(err, headers.ErrTimeout):
		if n == 0 {
			return 408
		}
		return 0
	case errors.Is(err, io.EOF):
		if n == 0 {
			return 400
		}
		return 0
	case errors.Is(err, headers.ErrRequestTooLong):
		return 414
	case errors.Is(err, headers.ErrLineTooLong):
		return 431
	}
	return 400
}
