package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hop.computer/httptunnel/admin"
	"hop.computer/httptunnel/config"
	"hop.computer/httptunnel/flags"
	"hop.computer/httptunnel/overlay"
	"hop.computer/httptunnel/tunnel"

	"github.com/mattn/go-isatty"
	"github.com/natefinch/lumberjack"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func main() {
	f, err := flags.Parse(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		logrus.Fatal(err)
	}
	closeLog := setupLogging(f)
	err = run(f)
	if err != nil {
		logrus.Error(err)
	}
	closeLog()
	if err != nil {
		os.Exit(1)
	}
}

func setupLogging(f *flags.Flags) func() {
	logrus.SetLevel(f.Level())
	if f.LogFile == "" {
		logrus.SetFormatter(&logrus.TextFormatter{
			DisableColors: !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd()),
			FullTimestamp: true,
		})
		return func() {}
	}
	out := &lumberjack.Logger{
		Filename:   f.LogFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     30,
		Compress:   true,
	}
	logrus.SetOutput(out)
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true, FullTimestamp: true})
	return func() { out.Close() }
}

// promptPasswords fills in the default user's password of client tunnels
// whose config leaves it out.
func promptPasswords(c *config.Config, prompt bool) error {
	fd := int(os.Stdin.Fd())
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if !t.NeedsPassword() {
			continue
		}
		user := t.String(config.OptProxyUsername, "")
		if !prompt || !term.IsTerminal(fd) {
			logrus.Warnf("tunnel %s: no %s, %s cannot log in", t.Name, config.OptProxyPassword, user)
			continue
		}
		fmt.Fprintf(os.Stderr, "Proxy password for %s on tunnel %s: ", user, t.Name)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("tunnel %s: read password: %w", t.Name, err)
		}
		t.SetOption(config.OptProxyPassword, string(pw))
	}
	return nil
}

func loadIdentity(path string) (overlay.Identity, error) {
	if path == "" {
		logrus.Warn("no global.identity, using a throwaway overlay identity")
		return overlay.NewIdentity()
	}
	return overlay.LoadIdentity(path)
}

func run(f *flags.Flags) error {
	c, err := f.LoadConfig()
	if err != nil {
		return err
	}
	if len(c.Tunnels) == 0 {
		return errors.New("no tunnels configured")
	}
	if err := promptPasswords(c, f.PromptPassword); err != nil {
		return err
	}
	id, err := loadIdentity(c.Global.Identity)
	if err != nil {
		return err
	}
	logrus.Infof("overlay identity %s", id.Peer().ID.Base32())

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := tunnel.NewMetrics(reg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	var node *overlay.Node
	if c.HasServers() {
		node, err = overlay.ListenNode(c.Global.OverlayListenAddr(), id)
		if err != nil {
			return err
		}
		context.AfterFunc(ctx, func() { node.Close() })
		g.Go(node.Serve)
		logrus.Infof("overlay node listening on %s", node.Addr())
	}
	var dialer overlay.Dialer
	if c.Global.OverlayDial != "" {
		s := overlay.NewSession(c.Global.OverlayDial, id)
		defer s.Close()
		dialer = s
	}

	set, err := newTunnelSet(ctx, g, &c.Global, metrics)
	if err != nil {
		return err
	}
	defer set.close()
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if t.Type.IsServer() {
			err = set.addServer(t, func() (overlay.Listener, error) { return node.Listen(t.Port) })
		} else {
			err = set.addClient(t, dialer)
		}
		if err != nil {
			return err
		}
	}
	g.Go(func() error { return set.reloadOnHangup(ctx, f.ConfigPath) })

	if addr := c.Global.AdminAddr(); addr != "" {
		if err := serveAdmin(ctx, g, addr, admin.New(set.sources, reg)); err != nil {
			return err
		}
	}

	err = g.Wait()
	logrus.Info("shutting down")
	return err
}

func serveAdmin(ctx context.Context, g *errgroup.Group, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	context.AfterFunc(ctx, func() { srv.Close() })
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin serve: %w", err)
		}
		return nil
	})
	logrus.Infof("admin listening on %s", ln.Addr())
	return nil
}
