package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"hop.computer/httptunnel/blocklist"
	"hop.computer/httptunnel/config"
	"hop.computer/httptunnel/httptunnel"
	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/throttle"
	"hop.computer/httptunnel/tunnel"

	"golang.org/x/sync/errgroup"
	"gotest.tools/assert"
)

const testConfig = `
[[tunnel]]
type = "httpserver"
name = "web"
port = 80
target = "127.0.0.1:8080"
[tunnel.options]
"targetForPort.443" = "127.0.0.1:8443"
spoofedHost = "mysite.hop"
rejectReferer = "true"
addResponseHeaderNoSniff = "false"
useSSL = "true"
maxPosts = "3"

[[tunnel]]
type = "server"
name = "irc"
port = 6667
target = "127.0.0.1:6667"
`

func parse(t *testing.T, conf string) *config.Config {
	t.Helper()
	c, err := config.Parse(conf)
	assert.NilError(t, err)
	return c
}

func TestServerHandlerOptions(t *testing.T) {
	c := parse(t, testConfig)
	s := &tunnelSet{}

	h, th, err := s.serverHandler(&c.Tunnels[0], nil)
	assert.NilError(t, err)
	sh, ok := h.(*httptunnel.ServerHandler)
	assert.Assert(t, ok)
	assert.Assert(t, th == sh.PostThrottle)
	assert.Equal(t, sh.SpoofHost, "mysite.hop")
	assert.Assert(t, sh.KeepAlive)
	assert.Assert(t, sh.Gzip)
	assert.Assert(t, sh.RejectReferer)
	assert.Assert(t, !sh.RejectInproxy)
	assert.Equal(t, sh.Security, httptunnel.SecurityOptions{Allow: true, CacheControl: true, ReferrerPolicy: true})
	assert.Assert(t, sh.Dialer.UseTLS)
	assert.Equal(t, sh.Dialer.Targets.For(443), "127.0.0.1:8443")
	assert.Equal(t, sh.Dialer.Targets.For(80), "127.0.0.1:8080")
	assert.Assert(t, sh.URLs == nil)

	h, th, err = s.serverHandler(&c.Tunnels[1], nil)
	assert.NilError(t, err)
	_, ok = h.(*tunnel.RawHandler)
	assert.Assert(t, ok)
	assert.Assert(t, th == nil)
}

func TestClientHandlerOptions(t *testing.T) {
	c := parse(t, `
[global]
overlayDial = "node:7657"

[[tunnel]]
type = "httpclient"
listen = "127.0.0.1:4444"
port = 80
destination = "mysite.hop"
[tunnel.options]
proxyAuth = "basic"
proxyUsername = "alice"
proxyPassword = "pw"
gzip = "false"

[[tunnel]]
type = "client"
listen = "127.0.0.1:6668"
port = 6667
`)
	d := overlay.NewPipeListener(overlay.NewPeer([]byte("server"))).Dialer(overlay.NewPeer([]byte("client")))

	h, err := clientHandler(&c.Tunnels[0], d, nil)
	assert.NilError(t, err)
	ch, ok := h.(*httptunnel.ClientHandler)
	assert.Assert(t, ok)
	assert.Equal(t, ch.HostName, "mysite.hop")
	assert.Equal(t, ch.Port, 80)
	assert.Assert(t, ch.Auth.Required())
	assert.Assert(t, !ch.Gzip)
	assert.Assert(t, ch.KeepAlive)
	assert.Assert(t, !ch.KeepAliveOverlay)

	h, err = clientHandler(&c.Tunnels[1], d, nil)
	assert.NilError(t, err)
	rh, ok := h.(*tunnel.RawClientHandler)
	assert.Assert(t, ok)
	assert.Equal(t, rh.Port, 6667)
}

func TestTunnelSetReload(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, blocklist.URLFile), []byte("/wp-login\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	s, err := newTunnelSet(ctx, g, &config.Global{BlocklistDir: dir}, nil)
	assert.NilError(t, err)
	defer func() {
		cancel()
		assert.NilError(t, g.Wait())
	}()
	assert.Equal(t, s.urls.Len(), 1)

	c := parse(t, testConfig)
	h, th, err := s.serverHandler(&c.Tunnels[0], nil)
	assert.NilError(t, err)
	assert.Assert(t, h.(*httptunnel.ServerHandler).URLs == s.urls)
	assert.Assert(t, h.(*httptunnel.ServerHandler).Clients == s.clients)
	s.throttles["web"] = th

	peer := "peer.b32.hop"
	for i := 0; i < 3; i++ {
		assert.Assert(t, !th.ShouldThrottle(peer))
	}
	assert.Assert(t, th.ShouldThrottle(peer))

	// a reload lifts the limit and picks up the new list
	assert.NilError(t, os.WriteFile(filepath.Join(dir, blocklist.URLFile), []byte("/wp-login\n/xmlrpc\n"), 0o644))
	c.Tunnels[0].SetOption(config.OptPostMax, "0")
	s.reload(c)
	assert.Assert(t, !th.ShouldThrottle(peer))
	assert.Equal(t, s.urls.Len(), 2)
}

func TestPostThrottleDefaults(t *testing.T) {
	c := parse(t, testConfig)
	cfg := c.Tunnels[0].PostThrottle()
	assert.Equal(t, cfg.MaxPerPeer, 3)
	assert.Equal(t, cfg.BanPeriod, throttle.DefaultBanPeriod)
}
