package httptunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"hop.computer/httptunnel/blocklist"
	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/throttle"
	"hop.computer/httptunnel/transcoder"
	"hop.computer/httptunnel/tunnel"

	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

var (
	serverPeer = overlay.NewPeer([]byte("server"))
	clientPeer = overlay.NewPeer([]byte("client"))
)

// webServer records what reaches the local web server.
type webServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []*http.Request
}

func newWebServer(t *testing.T) *webServer {
	t.Helper()
	w := &webServer{}
	w.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			io.Copy(io.Discard, r.Body)
		}
		w.mu.Lock()
		w.requests = append(w.requests, r)
		w.mu.Unlock()
		rw.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(rw, "hello")
	}))
	return w
}

func (w *webServer) seen() []*http.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*http.Request(nil), w.requests...)
}

// serverTunnel runs h behind an in-process overlay listener.
type serverTunnel struct {
	l    *overlay.PipeListener
	s    *tunnel.Server
	done chan error
}

func startServer(t *testing.T, h *ServerHandler) *serverTunnel {
	t.Helper()
	st := &serverTunnel{l: overlay.NewPipeListener(serverPeer), done: make(chan error, 1)}
	st.s = tunnel.NewServer(func() (overlay.Listener, error) { return st.l, nil }, h, tunnel.Options{Name: "http"})
	go func() { st.done <- st.s.Serve(context.Background()) }()
	return st
}

func (st *serverTunnel) stop(t *testing.T) {
	t.Helper()
	st.s.Close(true)
	select {
	case err := <-st.done:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func (st *serverTunnel) dial(t *testing.T, port int) overlay.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := st.l.Dial(ctx, clientPeer, port)
	assert.NilError(t, err)
	return c
}

// exchange sends one request and reads the response.
func exchange(t *testing.T, c net.Conn, br *bufio.Reader, req string) (*http.Response, string) {
	t.Helper()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Write([]byte(req))
	assert.NilError(t, err)
	resp, err := http.ReadResponse(br, nil)
	assert.NilError(t, err)
	body, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func webHandler(web *webServer) *ServerHandler {
	return &ServerHandler{
		Dialer:   &tunnel.TargetDialer{Targets: tunnel.Targets{Default: web.Listener.Addr().String()}},
		Security: DefaultSecurityOptions,
	}
}

func TestServerForwardsRequest(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	h := webHandler(web)
	h.SpoofHost = "site.internal"
	st := startServer(t, h)
	defer st.stop(t)

	c := st.dial(t, 80)
	defer c.Close()
	resp, body := exchange(t, c, bufio.NewReader(c),
		"GET /page HTTP/1.1\r\nHost: site.hop\r\nX-Hop-PeerB32: forged\r\nUser-Agent: test\r\n\r\n")
	assert.Equal(t, resp.StatusCode, 200)
	assert.Equal(t, body, "hello")
	assert.Equal(t, resp.Header.Get("X-XSS-Protection"), "1; mode=block")
	assert.Equal(t, resp.Header.Get("Referrer-Policy"), "same-origin")
	assert.Assert(t, resp.Close)

	reqs := web.seen()
	assert.Assert(t, is.Len(reqs, 1))
	r := reqs[0]
	assert.Equal(t, r.URL.Path, "/page")
	assert.Equal(t, r.Host, "site.internal")
	assert.DeepEqual(t, r.Header.Values("X-Hop-PeerB32"), []string{clientPeer.ID.Base32()})
	assert.Equal(t, r.Header.Get("X-Hop-PeerHash"), clientPeer.ID.Base64())
	assert.Equal(t, r.Header.Get("X-Hop-PeerB64"), clientPeer.KeyBase64())
	assert.Assert(t, r.Close)
}

func TestServerKeepAlive(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	h := webHandler(web)
	h.KeepAlive = true
	st := startServer(t, h)
	defer st.stop(t)

	c := st.dial(t, 80)
	defer c.Close()
	br := bufio.NewReader(c)
	for i := 0; i < 3; i++ {
		resp, body := exchange(t, c, br,
			fmt.Sprintf("GET /%d HTTP/1.1\r\nHost: site.hop\r\nConnection: keep-alive\r\n\r\n", i))
		assert.Equal(t, resp.StatusCode, 200)
		assert.Equal(t, body, "hello")
		assert.Equal(t, resp.ContentLength, int64(5))
	}
	assert.Assert(t, is.Len(web.seen(), 3))
}

func TestServerCompresses(t *testing.T) {
	defer goleak.VerifyNone(t)
	page := strings.Repeat("compress me please ", 500)
	web := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/html")
		rw.Header().Set("Content-Length", strconv.Itoa(len(page)))
		io.WriteString(rw, page)
	}))
	defer web.Close()

	h := &ServerHandler{
		Dialer: &tunnel.TargetDialer{Targets: tunnel.Targets{Default: web.Listener.Addr().String()}},
		Gzip:   true,
	}
	st := startServer(t, h)
	defer st.stop(t)

	c := st.dial(t, 80)
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Write([]byte("GET / HTTP/1.1\r\nHost: site.hop\r\nX-Accept-Encoding: " + transcoder.Token + "\r\n\r\n"))
	assert.NilError(t, err)
	raw, err := io.ReadAll(c)
	assert.NilError(t, err)

	var out strings.Builder
	f := NewResponseFilter(&out, ClientSide, FilterOptions{})
	_, err = f.Write(raw)
	assert.NilError(t, err)
	assert.NilError(t, f.Close())
	assert.Assert(t, len(raw) < len(page))
	assert.Assert(t, strings.HasSuffix(out.String(), "\r\n\r\n"+page))
}

func TestServerPolicies(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	dir := t.TempDir()
	urlFile := filepath.Join(dir, blocklist.URLFile)
	assert.NilError(t, os.WriteFile(urlFile, []byte("# comment\n/secret\n"), 0o644))
	urls, err := blocklist.NewURLList(urlFile)
	assert.NilError(t, err)

	h := webHandler(web)
	h.RejectInproxy = true
	h.RejectReferer = true
	h.RejectUserAgents = true
	h.UserAgentRejectList = []string{"none", "curl"}
	h.URLs = urls
	st := startServer(t, h)
	defer st.stop(t)

	cases := []struct {
		name string
		req  string
		code int
	}{
		{name: "inproxy", req: "GET / HTTP/1.1\r\nHost: a.hop\r\nUser-Agent: ok\r\nX-Forwarded-For: 1.2.3.4\r\n\r\n", code: 403},
		{name: "referer", req: "GET / HTTP/1.1\r\nHost: a.hop\r\nUser-Agent: ok\r\nReferer: https://elsewhere.example/\r\n\r\n", code: 403},
		{name: "relative referer", req: "GET / HTTP/1.1\r\nHost: a.hop\r\nUser-Agent: ok\r\nReferer: /index\r\n\r\n", code: 200},
		{name: "user agent", req: "GET / HTTP/1.1\r\nHost: a.hop\r\nUser-Agent: curl/8.0\r\n\r\n", code: 403},
		{name: "no user agent", req: "GET / HTTP/1.1\r\nHost: a.hop\r\n\r\n", code: 403},
		{name: "myob", req: "GET / HTTP/1.1\r\nHost: a.hop\r\nUser-Agent: MYOB/6.66 curl\r\n\r\n", code: 200},
		{name: "blocked url", req: "GET /SECRET/x HTTP/1.1\r\nHost: a.hop\r\nUser-Agent: ok\r\n\r\n", code: 403},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := st.dial(t, 80)
			defer c.Close()
			resp, _ := exchange(t, c, bufio.NewReader(c), tc.req)
			assert.Equal(t, resp.StatusCode, tc.code)
		})
	}
	assert.Assert(t, is.Len(web.seen(), 2))
}

func TestServerBlocksClients(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	dir := t.TempDir()
	urlFile := filepath.Join(dir, blocklist.URLFile)
	assert.NilError(t, os.WriteFile(urlFile, []byte("/admin\n"), 0o644))
	urls, err := blocklist.NewURLList(urlFile)
	assert.NilError(t, err)

	h := webHandler(web)
	h.URLs = urls
	h.Clients = blocklist.NewClientList(filepath.Join(dir, blocklist.ClientFile), 0)
	st := startServer(t, h)
	defer st.stop(t)

	get := func(path string) int {
		c := st.dial(t, 80)
		defer c.Close()
		resp, _ := exchange(t, c, bufio.NewReader(c), "GET "+path+" HTTP/1.1\r\nHost: a.hop\r\n\r\n")
		return resp.StatusCode
	}
	assert.Equal(t, get("/"), 200)
	assert.Equal(t, get("/admin"), 403)
	// the peer is now refused everywhere
	assert.Equal(t, get("/"), 403)
	assert.Assert(t, is.Len(web.seen(), 1))

	data, err := os.ReadFile(filepath.Join(dir, blocklist.ClientFile))
	assert.NilError(t, err)
	assert.Equal(t, string(data), clientPeer.ID.Base32()+"\n")
}

func TestServerThrottlesPosts(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	h := webHandler(web)
	h.PostThrottle = throttle.New(throttle.Config{MaxPerPeer: 1, CheckPeriod: time.Hour, BanPeriod: time.Hour}, nil)
	st := startServer(t, h)
	defer st.stop(t)

	post := func() *http.Response {
		c := st.dial(t, 80)
		defer c.Close()
		resp, _ := exchange(t, c, bufio.NewReader(c),
			"POST /form HTTP/1.1\r\nHost: a.hop\r\nContent-Length: 3\r\n\r\na=b")
		return resp
	}
	assert.Equal(t, post().StatusCode, 200)
	resp := post()
	assert.Equal(t, resp.StatusCode, 429)
	assert.Equal(t, resp.Header.Get("Retry-After"), "600")

	reqs := web.seen()
	assert.Assert(t, is.Len(reqs, 1))
	assert.Equal(t, reqs[0].Method, "POST")
}

type stubResolver map[string]string

func (r stubResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	ip, ok := r[host]
	if !ok {
		return nil, errors.Errorf("no such host %s", host)
	}
	return []net.IPAddr{{IP: net.ParseIP(ip)}}, nil
}

func TestServerHostCheck(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	dir := t.TempDir()
	h := webHandler(web)
	h.Clients = blocklist.NewClientList(filepath.Join(dir, blocklist.ClientFile), 0)
	h.Resolver = stubResolver{
		"public.example":   "93.184.216.34",
		"sinkhole.example": "0.0.0.0",
		"intranet.example": "10.1.2.3",
	}
	st := startServer(t, h)
	defer st.stop(t)

	get := func(host string) int {
		c := st.dial(t, 80)
		defer c.Close()
		resp, _ := exchange(t, c, bufio.NewReader(c), "GET / HTTP/1.1\r\nHost: "+host+"\r\n\r\n")
		return resp.StatusCode
	}
	assert.Equal(t, get("public.example"), 200)
	assert.Equal(t, get("public.example:8080"), 200)
	assert.Equal(t, get("missing.example"), 404)
	assert.Equal(t, get("sinkhole.example"), 403)
	listed, err := h.Clients.Contains(clientPeer.ID.Base32())
	assert.NilError(t, err)
	assert.Assert(t, !listed)

	assert.Equal(t, get("intranet.example"), 403)
	listed, err = h.Clients.Contains(clientPeer.ID.Base32())
	assert.NilError(t, err)
	assert.Assert(t, listed)
}

func TestServerResetsTLSPort(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	st := startServer(t, webHandler(web))
	defer st.stop(t)

	c := st.dial(t, 443)
	defer c.Close()
	c.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := c.Read(make([]byte, 1))
	assert.Assert(t, overlay.IsReset(err), "got %v", err)
}

func TestServerRejectsOversizeHeaders(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	st := startServer(t, webHandler(web))
	defer st.stop(t)

	tooMany := func(req *strings.Builder) {
		for i := 0; i < 70; i++ {
			fmt.Fprintf(req, "X-Filler-%d: x\r\n", i)
		}
	}
	// every line fits, the block does not
	tooLarge := func(req *strings.Builder) {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(req, "X-Big-%d: %s\r\n", i, strings.Repeat("x", 7*1024))
		}
	}
	for _, fill := range []func(*strings.Builder){tooMany, tooLarge} {
		var req strings.Builder
		req.WriteString("GET / HTTP/1.1\r\nHost: a.hop\r\n")
		fill(&req)
		req.WriteString("\r\n")

		c := st.dial(t, 80)
		c.SetDeadline(time.Now().Add(5 * time.Second))
		_, err := c.Write([]byte(req.String()))
		assert.NilError(t, err)
		raw, _ := io.ReadAll(c)
		c.Close()
		assert.Assert(t, strings.HasPrefix(string(raw), "HTTP/1.1 431 "), "got %q", raw)
		assert.Equal(t, strings.Count(string(raw), "HTTP/1.1 "), 1)
	}
	assert.Assert(t, is.Len(web.seen(), 0))
}

func TestServerBadRequest(t *testing.T) {
	defer goleak.VerifyNone(t)
	web := newWebServer(t)
	defer web.Close()

	st := startServer(t, webHandler(web))
	defer st.stop(t)

	c := st.dial(t, 80)
	defer c.Close()
	resp, _ := exchange(t, c, bufio.NewReader(c), "GET / HTTP/1.1\r\nno colon here\r\n\r\n")
	assert.Equal(t, resp.StatusCode, 400)
}
