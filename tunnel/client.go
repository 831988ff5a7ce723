package tunnel

import (
	"context"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// LocalHandler serves one local connection of a client tunnel. It owns c.
type LocalHandler interface {
	HandleLocal(ctx context.Context, c net.Conn)
}

// LocalHandlerFunc adapts a function to LocalHandler.
type LocalHandlerFunc func(ctx context.Context, c net.Conn)

func (f LocalHandlerFunc) HandleLocal(ctx context.Context, c net.Conn) { f(ctx, c) }

// ListenLocal listens on a TCP address with SO_REUSEADDR set, so a
// restarted tunnel can take its port back at once.
func ListenLocal(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: func(network, address string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	}}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return ln, nil
}

// Client is the client side of a tunnel. It accepts local TCP connections
// and hands each to a LocalHandler, at most MaxWorkers at a time.
type Client struct {
	Name       string
	Listener   net.Listener
	Handler    LocalHandler
	MaxWorkers int
	Metrics    *TunnelMetrics

	active   atomic.Int64
	accepted atomic.Uint64
}

// Stats returns the current counters.
func (c *Client) Stats() Stats {
	return Stats{
		Name:     c.Name,
		Open:     true,
		Active:   c.active.Load(),
		Accepted: c.accepted.Load(),
	}
}

// Serve accepts until ctx is done or the listener fails, then waits for the
// running handlers. Transient accept errors such as EMFILE are retried with
// a growing delay.
func (c *Client) Serve(ctx context.Context) error {
	log := logrus.WithField("tunnel", c.Name)
	stop := context.AfterFunc(ctx, func() { c.Listener.Close() })
	defer stop()

	var g errgroup.Group
	limit := c.MaxWorkers
	if limit <= 0 {
		limit = DefaultMaxWorkers
	}
	g.SetLimit(limit)

	log.Infof("tunnel: client listening on %s", c.Listener.Addr())
	var err error
	var delay time.Duration
	for {
		var local net.Conn
		local, err = c.Listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) || !retryableAccept(err) {
				break
			}
			delay = nextAcceptDelay(delay)
			log.Warnf("tunnel: accept: %v; retrying in %v", err, delay)
			if !sleepCtx(ctx, delay) {
				break
			}
			continue
		}
		delay = 0
		c.accepted.Add(1)
		c.Metrics.accept()
		entry := log.WithFields(logrus.Fields{
			"peer": local.RemoteAddr().String(),
			"conn": connID(),
		})
		g.Go(func() error {
			c.active.Add(1)
			defer c.active.Add(-1)
			defer c.Metrics.done()
			c.Handler.HandleLocal(WithLog(ctx, entry), local)
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		log.Errorf("tunnel: %d connections still running after %v", c.active.Load(), shutdownWait)
	}
	if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.Wrapf(err, "tunnel %s: accept", c.Name)
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// retryableAccept reports whether an accept error is worth waiting out, such
// as running out of file descriptors.
func retryableAccept(err error) bool {
	var ne net.Error
	var errno syscall.Errno
	return errors.As(err, &ne) || errors.As(err, &errno)
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	if d *= 2; d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}
