// Package config reads the tunnel configuration file. The file is TOML: a
// [global] table followed by one [[tunnel]] table per tunnel. Tunnel
// behaviour is tuned through the string map in each tunnel's options table,
// whose keys keep the names operators already use, e.g. "targetForPort.443"
// or "rejectInproxy".
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"hop.computer/httptunnel/auth"
	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/throttle"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Type selects what a tunnel does.
type Type string

const (
	// HTTPServer serves HTTP from the overlay to a local web server.
	HTTPServer Type = "httpserver"
	// HTTPClient is a local HTTP proxy into the overlay.
	HTTPClient Type = "httpclient"
	// Server forwards overlay connections to a local service unchanged.
	Server Type = "server"
	// Client forwards local connections to an overlay port unchanged.
	Client Type = "client"
)

// IsServer reports whether tunnels of this type accept overlay connections.
func (t Type) IsServer() bool { return t == HTTPServer || t == Server }

// Option keys.
const (
	OptKeepAlive        = "keepalive.hop"
	OptKeepAliveBrowser = "keepalive.browser"
	OptGzip             = "gzip"
	OptSpoofedHost      = "spoofedHost"
	OptRejectInproxy    = "rejectInproxy"
	OptRejectReferer    = "rejectReferer"
	OptRejectUserAgents = "rejectUserAgents"
	OptUserAgents       = "userAgentRejectList"

	OptAllowHeader          = "addResponseHeaderAllow"
	OptCacheControlHeader   = "addResponseHeaderCacheControl"
	OptNoSniffHeader        = "addResponseHeaderNoSniff"
	OptReferrerPolicyHeader = "addResponseHeaderReferrerPolicy"

	OptPostMax          = "maxPosts"
	OptPostTotalMax     = "maxTotalPosts"
	OptPostWindow       = "postCheckTime"
	OptPostBanTime      = "postBanTime"
	OptPostTotalBanTime = "postTotalBanTime"

	OptUseSSL            = "useSSL"
	OptUniqueLocal       = "enableUniqueLocal"
	OptUpstreamSOCKS5    = "upstreamSOCKS5"
	OptProxyAuth         = "proxyAuth"
	OptProxyUsername     = "proxyUsername"
	OptProxyPassword     = "proxyPassword"
	OptProxyAuthPrefix   = "proxy.auth."
	OptProxyPasswordPref = "proxy_auth_password."
)

// DefaultRealm is sent in proxy authorization challenges.
const DefaultRealm = "hop"

// Config is a parsed configuration file.
type Config struct {
	Global  Global   `toml:"global"`
	Tunnels []Tunnel `toml:"tunnel"`
}

// Global holds the settings shared by all tunnels.
type Global struct {
	// Admin is the address of the status and metrics endpoint. "off"
	// disables it.
	Admin string `toml:"admin"`

	// BlocklistDir holds the URL and client blocklists of HTTP servers.
	BlocklistDir         string `toml:"blocklistDir"`
	ClientBlocklistLimit int    `toml:"clientBlocklistLimit"`

	// Identity is the key file of this overlay node. It is created when
	// missing.
	Identity string `toml:"identity"`

	// OverlayListen is where server tunnels accept overlay sessions.
	OverlayListen string `toml:"overlayListen"`
	// OverlayDial is the node client tunnels connect through.
	OverlayDial string `toml:"overlayDial"`
}

// AdminAddr returns the admin address, or "" when it is disabled.
func (g *Global) AdminAddr() string {
	switch g.Admin {
	case "":
		return common.DefaultAdminAddr
	case "off":
		return ""
	}
	return g.Admin
}

// OverlayListenAddr returns the overlay listen address.
func (g *Global) OverlayListenAddr() string {
	if g.OverlayListen == "" {
		return ":" + common.DefaultOverlayPortString
	}
	return g.OverlayListen
}

// Tunnel is one [[tunnel]] table.
type Tunnel struct {
	Type Type   `toml:"type"`
	Name string `toml:"name"`

	// Listen is the local address of client tunnels.
	Listen string `toml:"listen"`
	// Target is the default local service of server tunnels.
	Target string `toml:"target"`
	// Port is the overlay port a server tunnel serves or a client tunnel
	// dials.
	Port int `toml:"port"`
	// Destination is the overlay host name an HTTP client tunnel sends
	// requests for.
	Destination string `toml:"destination"`

	MaxWorkers int `toml:"maxWorkers"`
	// ReadTimeout, in seconds, applies to every accepted overlay connection.
	ReadTimeout int `toml:"readTimeout"`

	Options map[string]string `toml:"options"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(b))
}

// Parse decodes and validates a configuration.
func Parse(data string) (*Config, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	for _, k := range md.Undecoded() {
		logrus.Warnf("config: ignoring unknown key %s", k)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks that every tunnel has what its type needs.
func (c *Config) Validate() error {
	names := make(map[string]bool)
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("%s-%d", t.Type, i)
		}
		if names[t.Name] {
			return errors.Errorf("tunnel %s: duplicate name", t.Name)
		}
		names[t.Name] = true
		if t.Options == nil {
			t.Options = make(map[string]string)
		}
		if t.Port <= 0 || t.Port > 65535 {
			return errors.Errorf("tunnel %s: bad overlay port %d", t.Name, t.Port)
		}
		switch t.Type {
		case HTTPServer, Server:
			if t.Target == "" {
				return errors.Errorf("tunnel %s: no target", t.Name)
			}
		case HTTPClient, Client:
			if t.Listen == "" {
				return errors.Errorf("tunnel %s: no listen address", t.Name)
			}
			if c.Global.OverlayDial == "" {
				return errors.Errorf("tunnel %s: client tunnels need global.overlayDial", t.Name)
			}
		default:
			return errors.Errorf("tunnel %s: unknown type %q", t.Name, t.Type)
		}
		if _, err := auth.ParseMode(t.String(OptProxyAuth, "")); err != nil {
			return errors.Wrapf(err, "tunnel %s", t.Name)
		}
	}
	return nil
}

// HasServers reports whether any tunnel accepts overlay connections.
func (c *Config) HasServers() bool {
	return slices.IndexFunc(c.Tunnels, func(t Tunnel) bool { return t.Type.IsServer() }) >= 0
}

// String returns the raw option, or def when unset.
func (t *Tunnel) String(key, def string) string {
	if v, ok := t.Options[key]; ok {
		return strings.TrimSpace(v)
	}
	return def
}

// Bool parses the option, returning def when it is unset or malformed.
func (t *Tunnel) Bool(key string, def bool) bool {
	v, ok := t.Options[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		logrus.Warnf("config: tunnel %s: %s=%q is not a boolean", t.Name, key, v)
		return def
	}
	return b
}

// Int parses the option, returning def when it is unset or malformed.
func (t *Tunnel) Int(key string, def int) int {
	v, ok := t.Options[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		logrus.Warnf("config: tunnel %s: %s=%q is not a number", t.Name, key, v)
		return def
	}
	return n
}

// Seconds reads an option given in seconds.
func (t *Tunnel) Seconds(key string, def time.Duration) time.Duration {
	n := t.Int(key, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

// List splits a comma separated option.
func (t *Tunnel) List(key string) []string {
	var out []string
	for _, v := range strings.Split(t.String(key, ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// WithPrefix returns the options whose key starts with prefix, keyed by the
// rest of the key, in key order.
func (t *Tunnel) WithPrefix(prefix string) ([]string, map[string]string) {
	out := make(map[string]string)
	for k, v := range t.Options {
		if rest, ok := strings.CutPrefix(k, prefix); ok && rest != "" {
			out[rest] = strings.TrimSpace(v)
		}
	}
	keys := maps.Keys(out)
	slices.Sort(keys)
	return keys, out
}

// KeepAlive reports whether overlay connections may carry several requests.
// Servers default to yes and clients to no.
func (t *Tunnel) KeepAlive() bool {
	return t.Bool(OptKeepAlive, t.Type == HTTPServer)
}

// SpoofHost returns the Host header sent to the web server.
func (t *Tunnel) SpoofHost() string {
	return t.String(OptSpoofedHost, "")
}

// SpoofHostByPort returns the spoofedHost.N overrides. Port 80 uses
// spoofedHost itself.
func (t *Tunnel) SpoofHostByPort() map[int]string {
	_, opts := t.WithPrefix(OptSpoofedHost + ".")
	out := make(map[int]string)
	for k, v := range opts {
		port, err := strconv.Atoi(k)
		if err != nil || port <= 0 || port > 65535 || port == 80 {
			logrus.Warnf("config: tunnel %s: ignoring %s.%s", t.Name, OptSpoofedHost, k)
			continue
		}
		out[port] = v
	}
	return out
}

// PostThrottle returns the POST/PUT limits. Periods are given in seconds.
func (t *Tunnel) PostThrottle() throttle.Config {
	return throttle.Config{
		MaxPerPeer:     t.Int(OptPostMax, 0),
		TotalMax:       t.Int(OptPostTotalMax, 0),
		CheckPeriod:    t.Seconds(OptPostWindow, throttle.DefaultCheckPeriod),
		BanPeriod:      t.Seconds(OptPostBanTime, throttle.DefaultBanPeriod),
		TotalBanPeriod: t.Seconds(OptPostTotalBanTime, throttle.DefaultTotalBanPeriod),
		Action:         "POST/PUT",
	}
}

// ProxyAuth builds the authorizer of an HTTP client tunnel. It returns nil
// when no authorization is configured.
func (t *Tunnel) ProxyAuth() (*auth.Authorizer, error) {
	mode, err := auth.ParseMode(t.String(OptProxyAuth, ""))
	if err != nil {
		return nil, err
	}
	if mode == auth.None {
		return nil, nil
	}
	creds := auth.Credentials{
		Passwords:       make(map[string]string),
		MD5:             make(map[string]string),
		SHA256:          make(map[string]string),
		DefaultUser:     t.String(OptProxyUsername, ""),
		DefaultPassword: t.String(OptProxyPassword, ""),
	}
	keys, opts := t.WithPrefix(OptProxyAuthPrefix)
	for _, k := range keys {
		switch {
		case strings.HasSuffix(k, ".md5"):
			creds.MD5[strings.TrimSuffix(k, ".md5")] = strings.ToLower(opts[k])
		case strings.HasSuffix(k, ".sha256"):
			creds.SHA256[strings.TrimSuffix(k, ".sha256")] = strings.ToLower(opts[k])
		}
	}
	_, pw := t.WithPrefix(OptProxyPasswordPref)
	maps.Copy(creds.Passwords, pw)
	return auth.New(mode, DefaultRealm, creds), nil
}

// NeedsPassword reports whether the tunnel asks for authorization with a
// default user but has no password for it.
func (t *Tunnel) NeedsPassword() bool {
	return t.String(OptProxyAuth, "") != "" && t.String(OptProxyUsername, "") != "" && t.String(OptProxyPassword, "") == ""
}

// SetOption sets an option, e.g. a password read at startup.
func (t *Tunnel) SetOption(key, value string) {
	if t.Options == nil {
		t.Options = make(map[string]string)
	}
	t.Options[key] = value
}
