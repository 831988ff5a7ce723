package overlay

import (
	"context"
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

func mapTCPErr(err error) error {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return errors.Wrap(ErrReset, err.Error())
	}
	return err
}

func wrapTCP(c net.Conn, peer Peer, port int) Conn {
	tc := c.(*net.TCPConn)
	return &conn{
		Conn: c,
		peer: peer,
		port: port,
		reset: func() error {
			tc.SetLinger(0)
			return tc.Close()
		},
		mapErr: mapTCPErr,
	}
}

// Pipe returns the two ends of one overlay connection on port. The ends are
// joined by loopback TCP, so they buffer like a real transport and Reset
// delivers a real abort.
func Pipe(client, server Peer, port int) (clientEnd, serverEnd Conn, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, errors.Wrap(err, "pipe")
	}
	defer ln.Close()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		return nil, nil, errors.Wrap(err, "pipe dial")
	}
	s, err := ln.Accept()
	if err != nil {
		c.Close()
		return nil, nil, errors.Wrap(err, "pipe accept")
	}
	return wrapTCP(c, server, port), wrapTCP(s, client, port), nil
}

// PipeListener is an in-process Listener. Connections are created with Dial
// and errors can be queued with Inject to exercise accept error handling.
type PipeListener struct {
	local Peer

	conns  chan Conn
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

// NewPipeListener returns a listener that accepts as local.
func NewPipeListener(local Peer) *PipeListener {
	return &PipeListener{
		local:  local,
		conns:  make(chan Conn, 16),
		errs:   make(chan error, 16),
		closed: make(chan struct{}),
	}
}

// Accept implements Listener. Injected errors are returned before queued
// connections.
func (l *PipeListener) Accept() (Conn, error) {
	select {
	case err := <-l.errs:
		return nil, err
	default:
	}
	select {
	case err := <-l.errs:
		return nil, err
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, errors.Wrap(ErrSessionClosed, "pipe listener")
	}
}

// Inject makes a later Accept return err.
func (l *PipeListener) Inject(err error) {
	l.errs <- err
}

// Dial opens a connection from peer to port and queues the accepting end.
func (l *PipeListener) Dial(ctx context.Context, from Peer, port int) (Conn, error) {
	c, s, err := Pipe(from, l.local, port)
	if err != nil {
		return nil, err
	}
	select {
	case l.conns <- s:
		return c, nil
	case <-ctx.Done():
	case <-l.closed:
	}
	c.Close()
	s.Close()
	return nil, errors.Wrap(ErrSessionClosed, "pipe dial")
}

// Dialer returns a Dialer that connects as from.
func (l *PipeListener) Dialer(from Peer) Dialer {
	return pipeDialer{l: l, from: from}
}

// Close implements Listener.
func (l *PipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// Addr implements Listener.
func (l *PipeListener) Addr() net.Addr {
	return portAddr{peer: l.local.ID.String()}
}

type pipeDialer struct {
	l    *PipeListener
	from Peer
}

func (d pipeDialer) Dial(ctx context.Context, port int) (Conn, error) {
	return d.l.Dial(ctx, d.from, port)
}
