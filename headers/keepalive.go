package headers

import (
	"strconv"
	"strings"
)

// ContainsToken reports whether a comma separated header value contains tok,
// ignoring case and surrounding whitespace.
func ContainsToken(value, tok string) bool {
	for _, v := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(v), tok) {
			return true
		}
	}
	return false
}

// Method returns the first word of a request line.
func Method(requestLine string) string {
	if i := strings.IndexByte(requestLine, ' '); i > 0 {
		return requestLine[:i]
	}
	return requestLine
}

// RequestKeepAlive decides whether a request may leave its connection open
// for another request. Only bodiless GET and HEAD over HTTP/1.1 qualify.
func RequestKeepAlive(requestLine, connection string) bool {
	m := Method(requestLine)
	if m != "GET" && m != "HEAD" {
		return false
	}
	if !strings.HasSuffix(requestLine, " HTTP/1.1") {
		return false
	}
	lc := strings.ToLower(connection)
	return !strings.Contains(lc, "close") && !strings.Contains(lc, "upgrade")
}

// BodyDelimited reports whether a response body has a known end: exactly one
// of Content-Length and chunked framing must be present.
func BodyDelimited(hasLength, chunked bool) bool {
	return hasLength != chunked
}

// NoBodyStatus reports whether a response status never carries a body.
func NoBodyStatus(code int) bool {
	return (code >= 100 && code < 200) || code == 204 || code == 304
}

// StatusCode parses the code out of a response status line, returning -1 if
// none is found.
func StatusCode(statusLine string) int {
	f := strings.Fields(statusLine)
	if len(f) < 2 {
		return -1
	}
	code, err := strconv.Atoi(f[1])
	if err != nil {
		return -1
	}
	return code
}
