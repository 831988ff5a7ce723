// Package httptunnel carries HTTP over the overlay. The server handler
// screens and rewrites requests arriving from the overlay before passing them
// to a local web server, and compresses responses on the way back. The
// client handler sends browser requests into the overlay and expands the
// responses.
package httptunnel

import (
	"context"
	"net"
	"strings"
	"time"

	"hop.computer/httptunnel/blocklist"
	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/headers"
	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/throttle"
	"hop.computer/httptunnel/transcoder"
	"hop.computer/httptunnel/tunnel"

	"github.com/sirupsen/logrus"
)

// Read timeouts on the two legs of a server request.
const (
	ReadTimeoutGet    = 90 * time.Second
	ReadTimeoutMedium = 5 * time.Minute
	ReadTimeoutPost   = 4 * time.Hour
)

// Resolver looks up host names. *net.Resolver implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// ServerHandler serves HTTP requests arriving from the overlay. Each
// connection may carry several GET or HEAD requests in turn.
type ServerHandler struct {
	Dialer *tunnel.TargetDialer

	// SpoofHost replaces the Host header. SpoofHostByPort overrides it for
	// connections arriving on other ports than 80.
	SpoofHost       string
	SpoofHostByPort map[int]string

	KeepAlive bool
	Gzip      bool

	RejectInproxy       bool
	RejectReferer       bool
	RejectUserAgents    bool
	UserAgentRejectList []string

	Security SecurityOptions

	// PostThrottle limits POST and PUT requests per peer. Nil disables it.
	PostThrottle *throttle.Throttle
	URLs         *blocklist.URLList
	Clients      *blocklist.ClientList
	Resolver     Resolver

	Metrics *tunnel.TunnelMetrics
}

func (h *ServerHandler) resolver() Resolver {
	if h.Resolver == nil {
		return net.DefaultResolver
	}
	return h.Resolver
}

// RespondPanic implements tunnel.PanicResponder.
func (h *ServerHandler) RespondPanic(c overlay.Conn) {
	sendError(c, 503)
}

// Handle implements tunnel.Handler.
func (h *ServerHandler) Handle(ctx context.Context, c overlay.Conn) {
	log := tunnel.Log(ctx)
	if c.LocalPort() == 443 {
		if _, ok := h.Dialer.Targets.ByPort[443]; !ok {
			// the client has already told the browser the tunnel is up,
			// and a plain text error would be garbage inside TLS
			log.Debugf("httptunnel: no target for port 443, resetting")
			c.Reset()
			return
		}
		c.SetReadTimeout(ReadTimeoutPost)
		raw := &tunnel.RawHandler{Dialer: h.Dialer, Metrics: h.Metrics}
		raw.Handle(ctx, c)
		return
	}
	defer c.Close()

	in := headers.NewReader(c)
	start := time.Now()
	for n := 0; ; n++ {
		if n > 0 {
			log.Debugf("httptunnel: keep-alive, awaiting request #%d", n)
		}
		keep := h.serveRequest(ctx, log.WithField("request", n), c, in, n)
		if n == 0 {
			if d := time.Since(start); d > 1500*time.Millisecond {
				log.Infof("httptunnel: took %v to handle the request", d)
			}
		}
		if !keep {
			return
		}
	}
}

// serveRequest reads and answers one request. It reports whether the
// connection may carry another.
func (h *ServerHandler) serveRequest(ctx context.Context, log *logrus.Entry, c overlay.Conn, in *headers.Reader, n int) bool {
	budget := headers.DefaultTimeout
	if n > 0 {
		// the client gives up first
		budget = common.BrowserKeepAliveTimeout + 10*time.Second
	}
	c.SetReadTimeout(0)
	line, req, err := in.ReadHeaders(budget, headers.Request, headers.ClientSkipHeaders)
	if err != nil {
		h.readFailed(log, c, n, err)
		return false
	}

	peer := c.Peer()
	peerB32 := peer.ID.Base32()
	if h.Clients != nil {
		listed, err := h.Clients.Contains(peerB32)
		if err != nil {
			log.Warnf("httptunnel: client blocklist: %v", err)
		}
		if listed {
			log.Warnf("httptunnel: refusing blocklisted client")
			sendError(c, 403)
			return false
		}
	}
	if code := h.checkHost(ctx, log, req.Get(headers.Host), peerB32); code != 0 {
		sendError(c, code)
		return false
	}
	if code := h.checkPolicy(log, line, req, peerB32); code != 0 {
		sendError(c, code)
		return false
	}

	req.Add(headers.PeerHash, peer.ID.Base64())
	req.Add(headers.PeerB32, peerB32)
	req.Add(headers.PeerB64, peer.KeyBase64())

	spoof := h.SpoofHost
	if port := c.LocalPort(); port != 80 && port > 0 && port <= 65535 {
		if s, ok := h.SpoofHostByPort[port]; ok {
			spoof = s
		}
	}
	if spoof != "" {
		req.Set(headers.Host, spoof)
	}

	keepAlive := h.KeepAlive
	upgrade := false
	if conn := strings.ToLower(req.Get(headers.Connection)); !req.Has(headers.Connection) {
		req.Set(headers.Connection, "close")
	} else if strings.Contains(conn, "upgrade") {
		upgrade = true
		keepAlive = false
	} else {
		if !strings.Contains(conn, "keep-alive") {
			keepAlive = false
		}
		req.Set(headers.Connection, "close")
	}

	method := headers.Method(line)
	getOrHead := method == "GET" || method == "HEAD"
	if !strings.HasSuffix(line, " HTTP/1.1") || !getOrHead {
		keepAlive = false
	}

	alt := strings.Contains(req.Get(headers.XAcceptEncoding), transcoder.Token)
	useGzip := alt || strings.Contains(req.Get(headers.AcceptEncoding), transcoder.Token)
	if alt {
		req.Remove(headers.XAcceptEncoding)
	}

	if log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		log.Debugf("httptunnel: request %q, %d headers, gzip %v, keep-alive %v", line, req.Len(), useGzip, keepAlive)
	}

	target, err := h.Dialer.Dial(ctx, peer.ID, c.LocalPort())
	if err != nil {
		log.Errorf("httptunnel: connecting to web server: %v", err)
		sendError(c, 503)
		return false
	}
	q := &requestor{
		log:       log,
		overlay:   c,
		in:        in,
		target:    target,
		request:   headers.Format(line, req),
		method:    method,
		compress:  h.Gzip && useGzip,
		upgrade:   upgrade,
		keepAlive: keepAlive,
		security:  h.Security,
	}
	keep := q.run()
	h.Metrics.AddBytes(q.sent, q.received)
	return keep
}

// readFailed answers a request whose header block could not be read.
func (h *ServerHandler) readFailed(log *logrus.Entry, c overlay.Conn, n int, err error) {
	if overlay.IsReset(err) {
		log.Debugf("httptunnel: peer reset awaiting request #%d", n)
		return
	}
	code := requestErrorCode(err, n)
	if code == 0 {
		log.Debugf("httptunnel: no request #%d: %v", n, err)
		return
	}
	log.Warnf("httptunnel: request error: %v", err)
	sendError(c, code)
}

// checkHost refuses requests whose Host names a private address of the
// server's own network.
func (h *ServerHandler) checkHost(ctx context.Context, log *logrus.Entry, host, peerB32 string) int {
	if host == "" {
		return 0
	}
	hostname := host
	if hn, _, err := net.SplitHostPort(host); err == nil {
		hostname = hn
	}
	hostname = strings.Trim(hostname, "[]")
	if strings.HasSuffix(strings.ToLower(hostname), common.TLD) {
		return 0
	}
	addrs, err := h.resolver().LookupIPAddr(ctx, hostname)
	if err != nil || len(addrs) == 0 {
		log.Warnf("httptunnel: could not resolve %s, sending 404", hostname)
		return 404
	}
	ip := addrs[0].IP
	switch {
	case ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsPrivate():
		log.Warnf("httptunnel: attempt to reach local address via %s, blocklisting client", hostname)
		if h.Clients != nil {
			if err := h.Clients.Log(peerB32); err != nil {
				log.Warnf("httptunnel: %v", err)
			}
		}
		return 403
	case ip.IsUnspecified():
		log.Warnf("httptunnel: DNS appears to block %s, sending 403", hostname)
		return 403
	}
	if ip.String() != hostname {
		log.Debugf("httptunnel: host %s resolves to %s", hostname, ip)
	}
	return 0
}

// checkPolicy applies the operator's access rules in order and returns the
// status of the first refusal, or 0.
func (h *ServerHandler) checkPolicy(log *logrus.Entry, line string, req *headers.Set, peerB32 string) int {
	if h.RejectInproxy {
		for _, name := range []string{headers.XForwardedFor, headers.XForwardedServer, headers.Forwarded, headers.XForwardedHost} {
			if req.Has(name) {
				log.Warnf("httptunnel: refusing inproxy access, %s: %s", name, req.Get(name))
				return 403
			}
		}
	}
	if h.RejectReferer {
		ref := strings.ToLower(req.Get(headers.Referer))
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			log.Warnf("httptunnel: refusing access, bad referer %s", req.Get(headers.Referer))
			return 403
		}
	}
	if h.RejectUserAgents && h.refuseUserAgent(req) {
		log.Warnf("httptunnel: refusing access, user agent %q", req.Get(headers.UserAgent))
		return 403
	}
	if m := headers.Method(line); h.PostThrottle != nil && (strings.EqualFold(m, "POST") || strings.EqualFold(m, "PUT")) {
		if h.PostThrottle.ShouldThrottle(peerB32) {
			log.Warnf("httptunnel: refusing %s, peer is throttled", m)
			return 429
		}
	}
	if h.URLs != nil {
		if entry, ok := h.URLs.Match(line); ok {
			log.Warnf("httptunnel: blocked request %q matches %q", line, entry)
			if h.Clients != nil {
				if err := h.Clients.Log(peerB32); err != nil {
					log.Warnf("httptunnel: %v", err)
				}
			}
			return 403
		}
	}
	return 0
}

func (h *ServerHandler) refuseUserAgent(req *headers.Set) bool {
	if !req.Has(headers.UserAgent) {
		for _, ag := range h.UserAgentRejectList {
			if strings.TrimSpace(ag) == "none" {
				return true
			}
		}
		return false
	}
	ua := req.Get(headers.UserAgent)
	if strings.HasPrefix(ua, "MYOB") {
		return false
	}
	for _, ag := range h.UserAgentRejectList {
		ag = strings.TrimSpace(ag)
		if ag == "none" || ag == "" {
			continue
		}
		if strings.Contains(ua, ag) {
			return true
		}
	}
	return false
}
