// Package tunnel accepts overlay connections and hands each one to a
// Handler on a bounded pool of workers, and runs the client side tunnels
// that carry local TCP connections into the overlay.
package tunnel

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/overlay"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxWorkers          = 4096
	DefaultRestartBackoff      = 2 * time.Minute
	DefaultRetryBackoff        = 10 * time.Second
	DefaultUnclassifiedBackoff = 500 * time.Millisecond

	// shutdownWait bounds how long Serve waits for busy workers on exit.
	shutdownWait = 60 * time.Second
)

// Handler serves one overlay connection. Handle owns c and must close it.
type Handler interface {
	Handle(ctx context.Context, c overlay.Conn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c overlay.Conn)

func (f HandlerFunc) Handle(ctx context.Context, c overlay.Conn) { f(ctx, c) }

// PanicResponder is implemented by handlers whose protocol can report an
// internal failure to the peer, e.g. with a 503.
type PanicResponder interface {
	RespondPanic(c overlay.Conn)
}

// ListenerSource returns the listener to accept from. It is called again
// after the node restarts or the listener fails.
type ListenerSource func() (overlay.Listener, error)

// Options configure a Server. Zero values select the defaults.
type Options struct {
	Name       string
	MaxWorkers int

	// ReadTimeout is applied to every accepted connection. Zero disables it.
	ReadTimeout time.Duration

	RestartBackoff      time.Duration
	RetryBackoff        time.Duration
	UnclassifiedBackoff time.Duration

	Metrics *TunnelMetrics
}

func (o *Options) maxWorkers() int {
	if o.MaxWorkers <= 0 {
		return DefaultMaxWorkers
	}
	return o.MaxWorkers
}

func (o *Options) restartBackoff() time.Duration {
	if o.RestartBackoff <= 0 {
		return DefaultRestartBackoff
	}
	return o.RestartBackoff
}

func (o *Options) retryBackoff() time.Duration {
	if o.RetryBackoff <= 0 {
		return DefaultRetryBackoff
	}
	return o.RetryBackoff
}

func (o *Options) unclassifiedBackoff() time.Duration {
	if o.UnclassifiedBackoff <= 0 {
		return DefaultUnclassifiedBackoff
	}
	return o.UnclassifiedBackoff
}

// Stats is a snapshot of a tunnel's counters.
type Stats struct {
	Name     string `json:"name"`
	Open     bool   `json:"open"`
	Active   int64  `json:"active"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Panics   uint64 `json:"panics"`
}

// Server is the server side of a tunnel: an accept loop feeding a bounded
// worker pool.
type Server struct {
	opts    Options
	source  ListenerSource
	handler Handler
	log     *logrus.Entry

	mu sync.Mutex
	// +checklocks:mu
	listener overlay.Listener
	// +checklocks:mu
	conns map[overlay.Conn]struct{}

	open   common.AtomicBool
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	active   atomic.Int64
	accepted atomic.Uint64
	rejected atomic.Uint64
	panics   atomic.Uint64
}

// NewServer returns a Server that accepts from the listeners source returns
// and serves connections with h.
func NewServer(source ListenerSource, h Handler, opts Options) *Server {
	return &Server{
		opts:    opts,
		source:  source,
		handler: h,
		log:     logrus.WithField("tunnel", opts.Name),
		conns:   make(map[overlay.Conn]struct{}),
		sem:     semaphore.NewWeighted(int64(opts.maxWorkers())),
	}
}

// Name is the tunnel name.
func (s *Server) Name() string { return s.opts.Name }

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Name:     s.opts.Name,
		Open:     s.open.IsSet(),
		Active:   s.active.Load(),
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Panics:   s.panics.Load(),
	}
}

// Serve accepts until the server is closed, ctx is done or the listener
// fails for good. It returns nil after Close.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.source()
	if err != nil {
		return errors.Wrapf(err, "tunnel %s: listen", s.opts.Name)
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.listener = l
	s.cancel = cancel
	s.mu.Unlock()
	s.open.SetTrue()
	stop := context.AfterFunc(ctx, func() { s.Close(true) })
	defer stop()

	s.log.Infof("tunnel: serving on %s", l.Addr())
	err = s.acceptLoop(ctx)
	if !common.WaitTimeout(&s.wg, shutdownWait) {
		s.log.Errorf("tunnel: %d workers still running after %v", s.active.Load(), shutdownWait)
	}
	cancel()
	return err
}

func (s *Server) currentListener() overlay.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

// relisten replaces the listener with a fresh one from the source.
func (s *Server) relisten() error {
	s.mu.Lock()
	old := s.listener
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	l, err := s.source()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for s.open.IsSet() {
		c, err := s.currentListener().Accept()
		if err != nil {
			if !s.open.IsSet() {
				return nil
			}
			if err := s.acceptFailed(ctx, err); err != nil {
				s.Close(true)
				return err
			}
			continue
		}
		if !s.sem.TryAcquire(1) {
			s.rejected.Add(1)
			s.opts.Metrics.reject()
			s.log.Warnf("tunnel: max %d connections exceeded, dropping %s", s.opts.maxWorkers(), c.Peer().ID)
			c.Close()
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, c)
	}
	return nil
}

// acceptFailed sleeps or recovers according to the kind of err. A non-nil
// return stops the tunnel.
func (s *Server) acceptFailed(ctx context.Context, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, overlay.ErrRestart):
		s.log.Warnf("tunnel: waiting for node restart")
		if !sleepCtx(ctx, s.opts.restartBackoff()) {
			return nil
		}
		s.log.Warnf("tunnel: reconnecting after restart")
		if err := s.relisten(); err != nil {
			return errors.Wrap(err, "relisten after restart")
		}
	case errors.Is(err, overlay.ErrSessionClosed) || errors.Is(err, net.ErrClosed):
		s.log.Errorf("tunnel: listener gone: %v", err)
		return err
	case errors.As(err, &ne) && ne.Timeout():
	case errors.As(err, &ne) || errors.Is(err, overlay.ErrReset):
		s.log.Warnf("tunnel: accept: %v, attempting to recover", err)
		if !sleepCtx(ctx, s.opts.retryBackoff()) {
			return nil
		}
		if err := s.relisten(); err != nil {
			s.log.Errorf("tunnel: failed to recover listener, stopping: %v", err)
			return errors.Wrap(err, "recover listener")
		}
		s.log.Infof("tunnel: recovered listener")
	default:
		s.log.Errorf("tunnel: unexpected accept error: %v", err)
		sleepCtx(ctx, s.opts.unclassifiedBackoff())
	}
	return nil
}

func (s *Server) serveConn(ctx context.Context, c overlay.Conn) {
	s.active.Add(1)
	s.accepted.Add(1)
	s.opts.Metrics.accept()
	s.track(c, true)
	defer func() {
		s.track(c, false)
		s.opts.Metrics.done()
		s.active.Add(-1)
		s.sem.Release(1)
		s.wg.Done()
	}()

	entry := s.log.WithFields(logrus.Fields{
		"peer": c.Peer().ID.String(),
		"conn": connID(),
	})
	defer func() {
		if v := recover(); v != nil {
			s.panics.Add(1)
			s.opts.Metrics.handlerError()
			entry.Errorf("tunnel: handler panic: %v", v)
			if pr, ok := s.handler.(PanicResponder); ok {
				pr.RespondPanic(c)
			}
			c.Close()
		}
	}()

	entry.Debugf("tunnel: incoming connection on port %d", c.LocalPort())
	if s.opts.ReadTimeout > 0 {
		c.SetReadTimeout(s.opts.ReadTimeout)
	}
	start := time.Now()
	s.handler.Handle(WithLog(ctx, entry), c)
	if d := time.Since(start); d > 1500*time.Millisecond {
		entry.Debugf("tunnel: connection took %v", d)
	}
}

func (s *Server) track(c overlay.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Close stops accepting. Unless forced it refuses, returning false, while
// connections are active. A forced close also closes those connections.
func (s *Server) Close(forced bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open.IsSet() {
		return true
	}
	if !forced && len(s.conns) > 0 {
		s.log.Warnf("tunnel: %d connections still active", len(s.conns))
		return false
	}
	s.open.SetFalse()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	if forced {
		for c := range s.conns {
			c.Close()
		}
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
