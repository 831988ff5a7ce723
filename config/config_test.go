package config

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"hop.computer/httptunnel/auth"
	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/throttle"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

const sample = `
[global]
blocklistDir = "/var/lib/hop"
overlayDial = "peer.example:7657"

[[tunnel]]
type = "httpserver"
name = "web"
port = 80
target = "127.0.0.1:8080"
[tunnel.options]
"targetForPort.443" = "127.0.0.1:8443"
spoofedHost = "mysite.hop"
"spoofedHost.8080" = "alt.hop"
"spoofedHost.80" = "ignored.hop"
rejectInproxy = "true"
userAgentRejectList = "curl, wget ,none"
maxPosts = "5"
postCheckTime = "60"
gzip = "nope"

[[tunnel]]
type = "httpclient"
listen = "127.0.0.1:4444"
port = 80
destination = "mysite.hop"
[tunnel.options]
proxyAuth = "digest"
"proxy.auth.alice.md5" = "ABCDEF"
"proxy.auth.bob.sha256" = "0123"
"proxy_auth_password.carol" = "pw"
proxyUsername = "dave"
`

func withFS(t *testing.T, files fstest.MapFS) {
	t.Helper()
	old := fileSystem
	fileSystem = files
	t.Cleanup(func() { fileSystem = old })
}

func TestLoad(t *testing.T) {
	withFS(t, fstest.MapFS{"etc/httptunnel.toml": &fstest.MapFile{Data: []byte(sample)}})

	c, err := Load("etc/httptunnel.toml")
	assert.NilError(t, err)
	assert.Equal(t, c.Global.AdminAddr(), common.DefaultAdminAddr)
	assert.Equal(t, c.Global.OverlayListenAddr(), ":"+common.DefaultOverlayPortString)
	assert.Assert(t, c.HasServers())
	assert.Assert(t, is.Len(c.Tunnels, 2))

	web := &c.Tunnels[0]
	assert.Equal(t, web.Type, HTTPServer)
	assert.Assert(t, web.KeepAlive())
	assert.Assert(t, web.Bool(OptRejectInproxy, false))
	assert.Assert(t, web.Bool(OptGzip, true))
	assert.Equal(t, web.SpoofHost(), "mysite.hop")
	assert.DeepEqual(t, web.SpoofHostByPort(), map[int]string{8080: "alt.hop"})
	assert.DeepEqual(t, web.List(OptUserAgents), []string{"curl", "wget", "none"})
	assert.DeepEqual(t, web.PostThrottle(), throttle.Config{
		MaxPerPeer:     5,
		CheckPeriod:    time.Minute,
		BanPeriod:      throttle.DefaultBanPeriod,
		TotalBanPeriod: throttle.DefaultTotalBanPeriod,
		Action:         "POST/PUT",
	})

	cl := &c.Tunnels[1]
	assert.Equal(t, cl.Name, "httpclient-1")
	assert.Assert(t, !cl.KeepAlive())
	assert.Assert(t, cl.NeedsPassword())
	a, err := cl.ProxyAuth()
	assert.NilError(t, err)
	assert.Equal(t, a.Mode, auth.Digest)
	assert.DeepEqual(t, a.Creds.MD5, map[string]string{"alice": "abcdef"})
	assert.DeepEqual(t, a.Creds.SHA256, map[string]string{"bob": "0123"})
	assert.DeepEqual(t, a.Creds.Passwords, map[string]string{"carol": "pw"})
	assert.Equal(t, a.Creds.DefaultUser, "dave")

	cl.SetOption(OptProxyPassword, "secret")
	assert.Assert(t, !cl.NeedsPassword())
}

func TestLoadMissing(t *testing.T) {
	withFS(t, fstest.MapFS{})
	_, err := Load("nowhere.toml")
	assert.ErrorContains(t, err, "open config")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name, conf, err string
	}{
		{"syntax", "[[tunnel]\n", "parse config"},
		{"type", "[[tunnel]]\ntype = \"ftp\"\nport = 1\n", "unknown type"},
		{"port", "[[tunnel]]\ntype = \"server\"\ntarget = \"a:1\"\n", "bad overlay port"},
		{"target", "[[tunnel]]\ntype = \"server\"\nport = 1\n", "no target"},
		{"listen", "[global]\noverlayDial = \"x:1\"\n[[tunnel]]\ntype = \"client\"\nport = 1\n", "no listen"},
		{"dial", "[[tunnel]]\ntype = \"client\"\nport = 1\nlisten = \"a:1\"\n", "overlayDial"},
		{"duplicate", "[[tunnel]]\nname = \"a\"\ntype = \"server\"\nport = 1\ntarget = \"a:1\"\n" +
			"[[tunnel]]\nname = \"a\"\ntype = \"server\"\nport = 2\ntarget = \"a:1\"\n", "duplicate"},
		{"auth", "[[tunnel]]\ntype = \"server\"\nport = 1\ntarget = \"a:1\"\n[tunnel.options]\nproxyAuth = \"kerberos\"\n", "unknown proxy authorization"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.conf)
			assert.ErrorContains(t, err, tc.err)
		})
	}
}

func TestOptionDefaults(t *testing.T) {
	tn := &Tunnel{Name: "x", Type: HTTPClient, Options: map[string]string{"n": " 7 ", "bad": "seven"}}
	assert.Equal(t, tn.Int("n", 1), 7)
	assert.Equal(t, tn.Int("bad", 1), 1)
	assert.Equal(t, tn.Seconds("missing", time.Hour), time.Hour)
	assert.Equal(t, tn.String("missing", "def"), "def")
	assert.Assert(t, tn.List("missing") == nil)

	a, err := tn.ProxyAuth()
	assert.NilError(t, err)
	assert.Assert(t, a == nil)
	assert.Assert(t, !a.Required())

	g := Global{Admin: "off"}
	assert.Equal(t, g.AdminAddr(), "")
	assert.Assert(t, strings.HasPrefix((&Global{Admin: "127.0.0.1:9"}).AdminAddr(), "127.0.0.1"))
}
