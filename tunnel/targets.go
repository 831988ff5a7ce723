package tunnel

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"strings"
	"time"

	"hop.computer/httptunnel/overlay"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/txthinking/socks5"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// TargetForPortPrefix starts the option keys that map an incoming overlay
// port to its own local target, e.g. "targetForPort.443" = "127.0.0.1:8443".
const TargetForPortPrefix = "targetForPort."

const DefaultDialTimeout = 30 * time.Second

// Targets maps incoming overlay ports to local host:port addresses.
type Targets struct {
	Default string
	ByPort  map[int]string
}

// TargetsFromOptions builds Targets from a default address and the
// targetForPort.N entries of options. Bad entries are logged and skipped.
func TargetsFromOptions(def string, options map[string]string) (Targets, error) {
	if _, _, err := net.SplitHostPort(def); err != nil {
		return Targets{}, errors.Wrapf(err, "bad target %q", def)
	}
	t := Targets{Default: def, ByPort: make(map[int]string)}
	keys := maps.Keys(options)
	slices.Sort(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, TargetForPortPrefix) {
			continue
		}
		port, err := strconv.Atoi(strings.TrimPrefix(k, TargetForPortPrefix))
		if err != nil || port <= 0 || port > 65535 {
			logrus.Warnf("tunnel: bad port in %s", k)
			continue
		}
		addr := strings.TrimSpace(options[k])
		if _, _, err := net.SplitHostPort(addr); err != nil {
			logrus.Warnf("tunnel: bad socket spec for port %d: %q", port, addr)
			continue
		}
		t.ByPort[port] = addr
	}
	return t, nil
}

// For returns the address connections arriving on port go to.
func (t Targets) For(port int) string {
	if addr, ok := t.ByPort[port]; ok {
		return addr
	}
	return t.Default
}

// Ports lists the ports with their own target, in order.
func (t Targets) Ports() []int {
	ports := maps.Keys(t.ByPort)
	slices.Sort(ports)
	return ports
}

// TargetDialer opens the local leg of a server tunnel connection.
type TargetDialer struct {
	Targets Targets

	// UseTLS wraps the connection in TLS, except for incoming ports 443 and
	// 22 whose services speak TLS or SSH themselves.
	UseTLS    bool
	TLSConfig *tls.Config

	// UniqueLocal binds connections to a loopback target to a source
	// address derived from the peer, so the service can tell peers apart.
	UniqueLocal bool

	// SOCKS5 is the address of an upstream SOCKS5 proxy to dial through.
	SOCKS5 string

	Timeout time.Duration
}

func (d *TargetDialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultDialTimeout
	}
	return d.Timeout
}

// Dial connects to the target for incomingPort on behalf of peer.
func (d *TargetDialer) Dial(ctx context.Context, peer overlay.PeerID, incomingPort int) (net.Conn, error) {
	addr := d.Targets.For(incomingPort)
	useTLS := d.UseTLS && incomingPort != 443 && incomingPort != 22

	var c net.Conn
	var err error
	if d.SOCKS5 != "" {
		c, err = d.dialSOCKS5(addr)
	} else {
		c, err = d.dialer(addr, peer).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", addr)
	}
	if !useTLS {
		return c, nil
	}

	cfg := d.TLSConfig
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName, _, _ = net.SplitHostPort(addr)
	}
	tc := tls.Client(c, cfg)
	hctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	if err := tc.HandshakeContext(hctx); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "tls handshake with %s", addr)
	}
	return tc, nil
}

func (d *TargetDialer) dialer(addr string, peer overlay.PeerID) *net.Dialer {
	nd := &net.Dialer{Timeout: d.timeout()}
	if !d.UniqueLocal {
		return nd
	}
	host, _, _ := net.SplitHostPort(addr)
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return nd
	}
	nd.LocalAddr = &net.TCPAddr{IP: UniqueLocalAddr(peer, ip.To4() != nil)}
	return nd
}

func (d *TargetDialer) dialSOCKS5(addr string) (net.Conn, error) {
	secs := int(d.timeout().Seconds())
	if secs <= 0 {
		secs = 1
	}
	client, err := socks5.NewClient(d.SOCKS5, "", "", secs, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socks5 upstream init")
	}
	c, err := client.Dial("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "socks5 upstream %s", d.SOCKS5)
	}
	return c, nil
}

// UniqueLocalAddr is the source address for peer: 127.h0.h1.h2 for IPv4,
// or fd followed by the first 15 hash bytes for IPv6.
func UniqueLocalAddr(peer overlay.PeerID, v4 bool) net.IP {
	if v4 {
		return net.IPv4(127, peer[0], peer[1], peer[2]).To4()
	}
	ip := make(net.IP, net.IPv6len)
	ip[0] = 0xfd
	copy(ip[1:], peer[:15])
	return ip
}
