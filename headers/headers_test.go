package headers

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/assert"
)

func read(t *testing.T, raw string, kind Kind, skip SkipSet) (string, *Set, error) {
	t.Helper()
	r := NewReader(strings.NewReader(raw))
	return r.ReadHeaders(DefaultTimeout, kind, skip)
}

func TestSetOrderAndCase(t *testing.T) {
	s := NewSet()
	s.Add("Host", "a.hop")
	s.Add("Accept", "*/*")
	s.Add("accept", "text/html")
	s.Add("Connection", "keep-alive")

	assert.Equal(t, s.Get("ACCEPT"), "*/*")
	assert.DeepEqual(t, s.Values("Accept"), []string{"*/*", "text/html"})
	assert.Assert(t, s.Has("connection"))

	s.Set("accept", "x")
	assert.Equal(t, s.Len(), 3)
	assert.Equal(t, string(Format("GET / HTTP/1.1", s)),
		"GET / HTTP/1.1\r\nHost: a.hop\r\nAccept: x\r\nConnection: keep-alive\r\n\r\n")

	assert.Equal(t, s.Remove("HOST"), 1)
	s.Filter("Connection", func(v string) bool { return v != "keep-alive" })
	assert.Equal(t, s.Len(), 1)
}

func TestFormatParseRoundTrip(t *testing.T) {
	s := NewSet()
	s.Add("Host", "example.hop")
	s.Add("User-Agent", "curl/8.0")
	s.Add("X-Custom", "one")
	s.Add("X-Custom", "two")

	raw := Format("GET /index.html HTTP/1.1", s)
	line, got, err := read(t, string(raw), Request, nil)
	assert.NilError(t, err)
	assert.Equal(t, line, "GET /index.html HTTP/1.1")
	assert.DeepEqual(t, Format(line, got), raw)
}

func TestReadCanonicalizesAndSkips(t *testing.T) {
	raw := "GET / HTTP/1.1\nhost: a.hop\r\nuser-agent:  ua \r\nX-Real-IP: 10.0.0.1\r\nx-hop-peerhash: spoof\r\n\r\nbody"
	r := NewReader(strings.NewReader(raw))
	_, s, err := r.ReadHeaders(DefaultTimeout, Request, ClientSkipHeaders)
	assert.NilError(t, err)
	assert.Equal(t, s.Len(), 2)
	s.Each(func(name, value string) {
		assert.Assert(t, name == Host || name == UserAgent, name)
	})
	assert.Equal(t, s.Get(UserAgent), "ua")

	rest, err := io.ReadAll(r)
	assert.NilError(t, err)
	assert.Equal(t, string(rest), "body")
}

func TestReadErrors(t *testing.T) {
	long := strings.Repeat("a", DefaultMaxLineLength+1)

	var many strings.Builder
	many.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < DefaultMaxHeaders+1; i++ {
		many.WriteString("X-N: v\r\n")
	}
	many.WriteString("\r\n")

	var big strings.Builder
	big.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < 5; i++ {
		big.WriteString("X-Big: " + strings.Repeat("b", 7*1024) + "\r\n")
	}
	big.WriteString("\r\n")

	cases := []struct {
		name string
		raw  string
		kind Kind
		want error
	}{
		{"first line too long", long + "\r\n\r\n", Request, ErrRequestTooLong},
		{"header too long", "GET / HTTP/1.1\r\nX: " + long + "\r\n\r\n", Request, ErrLineTooLong},
		{"too many", many.String(), Request, ErrTooManyHeaders},
		{"too large", big.String(), Request, ErrHeadersTooLarge},
		{"missing colon", "GET / HTTP/1.1\r\nnocolon\r\n\r\n", Request, ErrBadRequest},
		{"leading colon", "GET / HTTP/1.1\r\n: v\r\n\r\n", Request, ErrBadRequest},
		{"content encoding on request", "POST / HTTP/1.1\r\nContent-Encoding: gzip\r\n\r\n", Request, ErrBadRequest},
		{"truncated block", "GET / HTTP/1.1\r\nHost: a\r\n", Request, ErrBadRequest},
		{"empty stream", "", Request, io.EOF},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, _, err := read(t, c.raw, c.kind, nil)
			assert.Assert(t, errors.Is(err, c.want), "got %v", err)
		})
	}

	_, _, err := read(t, many.String(), Request, nil)
	assert.Assert(t, errors.Is(err, ErrLineTooLong))
	_, _, err = read(t, "HTTP/1.1 200 OK\r\nContent-Encoding: gzip\r\n\r\n", Response, nil)
	assert.NilError(t, err)
}

func TestReadStopsAtLineLimit(t *testing.T) {
	raw := strings.Repeat("a", DefaultMaxLineLength+1) + "tail\r\n"
	src := bytes.NewReader([]byte(raw))
	r := NewReader(src)
	r.Limits.MaxLineLength = 16
	_, _, err := r.ReadHeaders(DefaultTimeout, Request, nil)
	assert.Assert(t, errors.Is(err, ErrRequestTooLong))
	// nothing past the limit has been turned into header content
	assert.Assert(t, r.Buffered() > 0)
}

func TestReadTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	r := NewReader(a)
	_, _, err := r.ReadHeaders(50*time.Millisecond, Request, nil)
	assert.Assert(t, errors.Is(err, ErrTimeout), "got %v", err)
}

func TestKeepAlivePolicy(t *testing.T) {
	assert.Assert(t, RequestKeepAlive("GET / HTTP/1.1", "keep-alive"))
	assert.Assert(t, RequestKeepAlive("HEAD /x HTTP/1.1", ""))
	assert.Assert(t, !RequestKeepAlive("GET / HTTP/1.0", ""))
	assert.Assert(t, !RequestKeepAlive("POST / HTTP/1.1", ""))
	assert.Assert(t, !RequestKeepAlive("GET / HTTP/1.1", "Close"))
	assert.Assert(t, !RequestKeepAlive("GET / HTTP/1.1", "Upgrade"))

	for _, hasLength := range []bool{true, false} {
		for _, chunked := range []bool{true, false} {
			assert.Equal(t, BodyDelimited(hasLength, chunked), hasLength != chunked)
		}
	}

	for _, code := range []int{100, 101, 199, 204, 304} {
		assert.Assert(t, NoBodyStatus(code), code)
	}
	assert.Assert(t, !NoBodyStatus(200))
	assert.Equal(t, StatusCode("HTTP/1.1 404 Not Found"), 404)
	assert.Equal(t, StatusCode("garbage"), -1)
	assert.Assert(t, ContainsToken("deflate, X-Hop-Gzip", "x-hop-gzip"))
}
