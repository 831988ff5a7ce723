package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hop.computer/httptunnel/admin"
	"hop.computer/httptunnel/blocklist"
	"hop.computer/httptunnel/config"
	"hop.computer/httptunnel/httptunnel"
	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/throttle"
	"hop.computer/httptunnel/tunnel"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// tunnelSet starts the configured tunnels and owns what they share.
type tunnelSet struct {
	ctx     context.Context
	g       *errgroup.Group
	metrics *tunnel.Metrics

	// shared by every HTTP server tunnel, nil without global.blocklistDir
	urls    *blocklist.URLList
	clients *blocklist.ClientList

	throttles map[string]*throttle.Throttle
	servers   []*tunnel.Server
	sources   []admin.StatsSource
}

func newTunnelSet(ctx context.Context, g *errgroup.Group, global *config.Global, m *tunnel.Metrics) (*tunnelSet, error) {
	s := &tunnelSet{
		ctx:       ctx,
		g:         g,
		metrics:   m,
		throttles: make(map[string]*throttle.Throttle),
	}
	if global.BlocklistDir == "" {
		return s, nil
	}
	urls, err := blocklist.NewURLList(filepath.Join(global.BlocklistDir, blocklist.URLFile))
	if err != nil {
		return nil, err
	}
	s.urls = urls
	s.clients = blocklist.NewClientList(filepath.Join(global.BlocklistDir, blocklist.ClientFile), global.ClientBlocklistLimit)
	g.Go(func() error { return urls.Watch(ctx) })
	logrus.Infof("blocklist: %d urls from %s", urls.Len(), global.BlocklistDir)
	return s, nil
}

func targetDialer(t *config.Tunnel) (*tunnel.TargetDialer, error) {
	targets, err := tunnel.TargetsFromOptions(t.Target, t.Options)
	if err != nil {
		return nil, fmt.Errorf("tunnel %s: %w", t.Name, err)
	}
	return &tunnel.TargetDialer{
		Targets:     targets,
		UseTLS:      t.Bool(config.OptUseSSL, false),
		UniqueLocal: t.Bool(config.OptUniqueLocal, false),
		SOCKS5:      t.String(config.OptUpstreamSOCKS5, ""),
	}, nil
}

// serverHandler builds the handler of a server tunnel. The throttle is nil
// for raw tunnels.
func (s *tunnelSet) serverHandler(t *config.Tunnel, m *tunnel.TunnelMetrics) (tunnel.Handler, *throttle.Throttle, error) {
	d, err := targetDialer(t)
	if err != nil {
		return nil, nil, err
	}
	if t.Type == config.Server {
		return &tunnel.RawHandler{Dialer: d, Metrics: m}, nil, nil
	}
	th := throttle.New(t.PostThrottle(), nil)
	return &httptunnel.ServerHandler{
		Dialer:              d,
		SpoofHost:           t.SpoofHost(),
		SpoofHostByPort:     t.SpoofHostByPort(),
		KeepAlive:           t.KeepAlive(),
		Gzip:                t.Bool(config.OptGzip, true),
		RejectInproxy:       t.Bool(config.OptRejectInproxy, false),
		RejectReferer:       t.Bool(config.OptRejectReferer, false),
		RejectUserAgents:    t.Bool(config.OptRejectUserAgents, false),
		UserAgentRejectList: t.List(config.OptUserAgents),
		Security: httptunnel.SecurityOptions{
			Allow:          t.Bool(config.OptAllowHeader, true),
			CacheControl:   t.Bool(config.OptCacheControlHeader, true),
			NoSniff:        t.Bool(config.OptNoSniffHeader, true),
			ReferrerPolicy: t.Bool(config.OptReferrerPolicyHeader, true),
		},
		PostThrottle: th,
		URLs:         s.urls,
		Clients:      s.clients,
		Metrics:      m,
	}, th, nil
}

func (s *tunnelSet) addServer(t *config.Tunnel, source tunnel.ListenerSource) error {
	m := s.metrics.ForTunnel(t.Name)
	h, th, err := s.serverHandler(t, m)
	if err != nil {
		return err
	}
	if th != nil {
		th.Start()
		s.throttles[t.Name] = th
	}
	srv := tunnel.NewServer(source, h, tunnel.Options{
		Name:        t.Name,
		MaxWorkers:  t.MaxWorkers,
		ReadTimeout: time.Duration(t.ReadTimeout) * time.Second,
		Metrics:     m,
	})
	s.servers = append(s.servers, srv)
	s.sources = append(s.sources, srv)
	s.g.Go(func() error { return srv.Serve(s.ctx) })
	return nil
}

// clientHandler builds the handler of a client tunnel.
func clientHandler(t *config.Tunnel, d overlay.Dialer, m *tunnel.TunnelMetrics) (tunnel.LocalHandler, error) {
	if t.Type == config.Client {
		return &tunnel.RawClientHandler{Dialer: d, Port: t.Port, Metrics: m}, nil
	}
	a, err := t.ProxyAuth()
	if err != nil {
		return nil, fmt.Errorf("tunnel %s: %w", t.Name, err)
	}
	return &httptunnel.ClientHandler{
		Dialer:           d,
		Port:             t.Port,
		HostName:         t.Destination,
		Auth:             a,
		Gzip:             t.Bool(config.OptGzip, true),
		KeepAlive:        t.Bool(config.OptKeepAliveBrowser, true),
		KeepAliveOverlay: t.KeepAlive(),
		Metrics:          m,
	}, nil
}

func (s *tunnelSet) addClient(t *config.Tunnel, d overlay.Dialer) error {
	m := s.metrics.ForTunnel(t.Name)
	h, err := clientHandler(t, d, m)
	if err != nil {
		return err
	}
	ln, err := tunnel.ListenLocal(s.ctx, t.Listen)
	if err != nil {
		return fmt.Errorf("tunnel %s: %w", t.Name, err)
	}
	c := &tunnel.Client{
		Name:       t.Name,
		Listener:   ln,
		Handler:    h,
		MaxWorkers: t.MaxWorkers,
		Metrics:    m,
	}
	s.sources = append(s.sources, c)
	s.g.Go(func() error { return c.Serve(s.ctx) })
	return nil
}

// reloadOnHangup rereads the config on SIGHUP and applies what can change
// without a restart: the POST limits and the URL blocklist.
func (s *tunnelSet) reloadOnHangup(ctx context.Context, path string) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		c, err := config.Load(path)
		if err != nil {
			logrus.Errorf("reload: %v", err)
			continue
		}
		s.reload(c)
	}
}

func (s *tunnelSet) reload(c *config.Config) {
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if th, ok := s.throttles[t.Name]; ok {
			th.UpdateLimits(t.PostThrottle())
		}
	}
	if s.urls != nil {
		if err := s.urls.Reload(); err != nil {
			logrus.Errorf("reload: %v", err)
		}
	}
	logrus.Info("reload: done")
}

func (s *tunnelSet) close() {
	for _, srv := range s.servers {
		srv.Close(true)
	}
	for _, th := range s.throttles {
		th.Stop()
	}
}
