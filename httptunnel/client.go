package httptunnel

import (
	"bufio"
	"context"
	"net"
	"strings"

	"hop.computer/httptunnel/auth"
	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/headers"
	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/proxy"
	"hop.computer/httptunnel/transcoder"
	"hop.computer/httptunnel/tunnel"

	"github.com/sirupsen/logrus"
)

// ClientHandler carries browser requests from a local listener to one
// overlay destination.
type ClientHandler struct {
	Dialer overlay.Dialer
	Port   int

	// HostName is the overlay name of the destination. It is sent as Host
	// when the browser names something outside the overlay.
	HostName string

	// Auth, if it requires credentials, guards the proxy with 407.
	Auth *auth.Authorizer

	Gzip bool

	// KeepAlive lets the browser send further requests on its connection.
	// KeepAliveOverlay also reuses the overlay connection for them.
	KeepAlive        bool
	KeepAliveOverlay bool

	Metrics *tunnel.TunnelMetrics
}

// HandleLocal implements tunnel.LocalHandler.
func (h *ClientHandler) HandleLocal(ctx context.Context, local net.Conn) {
	s := &clientConn{
		h:     h,
		ctx:   ctx,
		log:   tunnel.Log(ctx),
		local: local,
		in:    headers.NewReader(local),
	}
	defer s.close()
	for n := 0; s.serveRequest(n); n++ {
		s.log.Debugf("httptunnel: keep-alive, awaiting browser request #%d", n+1)
	}
}

// clientConn is one browser connection and the overlay connection kept
// open for it, if any.
type clientConn struct {
	h     *ClientHandler
	ctx   context.Context
	log   *logrus.Entry
	local net.Conn
	in    *headers.Reader

	remote   overlay.Conn
	remoteIn *bufio.Reader
}

func (s *clientConn) close() {
	s.local.Close()
	s.dropRemote()
}

func (s *clientConn) dropRemote() {
	if s.remote != nil {
		s.remote.Close()
		s.remote, s.remoteIn = nil, nil
	}
}

// serveRequest forwards one browser request and reports whether the
// browser connection may carry another.
func (s *clientConn) serveRequest(n int) bool {
	budget := headers.DefaultTimeout
	if n > 0 {
		budget = common.BrowserKeepAliveTimeout
	}
	line, req, err := s.in.ReadHeaders(budget, headers.Request, nil)
	if err != nil {
		if code := requestErrorCode(err, n); code != 0 {
			s.log.Warnf("httptunnel: browser request error: %v", err)
			writeError(s.local, code)
		}
		return false
	}
	method := headers.Method(line)
	log := s.log.WithField("request", n)

	if s.h.Auth.Required() {
		switch res := s.h.Auth.Authorize(method, req.Get(headers.ProxyAuthorize)); res {
		case auth.Good:
		case auth.BadRequest:
			writeError(s.local, 400)
			return false
		default:
			var extra []string
			for _, c := range s.h.Auth.Challenges(res == auth.Stale) {
				extra = append(extra, headers.ProxyAuthenticate+": "+c)
			}
			log.Debugf("httptunnel: proxy authorization %v", res)
			writeError(s.local, 407, extra...)
			return false
		}
	}
	for _, name := range []string{headers.ProxyAuthorize, headers.ProxyConnection, headers.PeerHash, headers.PeerB32, headers.PeerB64} {
		req.Remove(name)
	}
	line = originForm(line, req)
	if s.h.HostName != "" && !overlayHost(req.Get(headers.Host)) {
		req.Set(headers.Host, s.h.HostName)
	}

	keepLocal := s.h.KeepAlive && headers.RequestKeepAlive(line, req.Get(headers.Connection)) && s.in.Buffered() == 0
	keepRemote := keepLocal && s.h.KeepAliveOverlay
	if s.h.Gzip {
		req.Set(headers.XAcceptEncoding, transcoder.Token)
	}
	if keepRemote {
		req.Set(headers.Connection, "keep-alive")
	} else {
		req.Set(headers.Connection, "close")
	}

	if s.remote == nil {
		c, err := s.h.Dialer.Dial(s.ctx, s.h.Port)
		if err != nil {
			log.Warnf("httptunnel: overlay dial port %d: %v", s.h.Port, err)
			writeError(s.local, 504)
			return false
		}
		s.remote, s.remoteIn = c, bufio.NewReaderSize(c, proxy.BufferSize)
	}

	var r *proxy.Runner
	var bodyDone common.AtomicBool
	filter := NewResponseFilter(proxy.NewConnWriter(s.local), ClientSide, FilterOptions{
		KeepAliveIn:  keepRemote,
		KeepAliveOut: keepLocal,
		Head:         method == "HEAD",
		Done: func() {
			bodyDone.SetTrue()
			r.StreamDone()
		},
	})
	r = &proxy.Runner{
		Overlay:            s.remote,
		Local:              s.local,
		OverlaySource:      s.remoteIn,
		LocalSource:        s.in,
		LocalSink:          filter,
		InitialOverlayData: headers.Format(line, req),
		KeepAliveOverlay:   keepRemote,
		KeepAliveLocal:     keepLocal,
		EndWithResponse:    true,
		OnFail: func(err error) {
			log.Warnf("httptunnel: no response: %v", err)
			writeError(s.local, 504)
		},
		Log: log,
	}
	err = r.Run()
	filter.Close()
	s.h.Metrics.AddBytes(r.TotalSent(), r.TotalReceived())
	if err != nil {
		log.Debugf("httptunnel: %v", err)
	}
	if filter.Compressing() {
		plain, compressed := filter.Compression()
		log.Debugf("httptunnel: expanded %d to %d bytes", compressed, plain)
	}

	if !(r.KeepAliveOverlay && filter.KeepAliveIn() && bodyDone.IsSet()) {
		s.dropRemote()
	}
	return r.KeepAliveLocal && filter.KeepAliveOut() && (bodyDone.IsSet() || !keepRemote)
}

// originForm turns an absolute-form request target, as browsers send to a
// proxy, into a path. The host moves to the Host header if there is none.
func originForm(line string, req *headers.Set) string {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(strings.ToLower(parts[1]), "http://") {
		return line
	}
	rest := parts[1][len("http://"):]
	host, path := rest, "/"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		host, path = rest[:i], rest[i:]
	}
	if !req.Has(headers.Host) {
		req.Set(headers.Host, host)
	}
	return parts[0] + " " + path + " " + parts[2]
}

func overlayHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host != "" && strings.HasSuffix(strings.ToLower(host), common.TLD)
}
