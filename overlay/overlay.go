// Package overlay describes the virtual connections a tunnel accepts from and
// opens to the hop overlay network, and provides a yamux based transport and
// an in-process pipe that satisfy it.
package overlay

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"hop.computer/httptunnel/common"

	"github.com/pkg/errors"
)

var (
	// ErrReset is returned by reads and writes after the remote end aborted
	// the connection rather than closing it cleanly.
	ErrReset = errors.New("overlay: connection reset by peer")

	// ErrRestart is returned by Accept when the node is restarting. The
	// listener must be obtained again afterwards.
	ErrRestart = errors.New("overlay: node restarting")

	// ErrSessionClosed is returned by Accept once the session is gone for
	// good.
	ErrSessionClosed = errors.New("overlay: session closed")

	// ErrBadIdentity is returned when a session handshake fails because a
	// side could not prove it holds the private key of its public key.
	ErrBadIdentity = errors.New("overlay: identity proof failed")
)

// PeerID is the SHA-256 of a peer's public key.
type PeerID [sha256.Size]byte

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Base64 is the standard base64 form of the hash.
func (p PeerID) Base64() string { return base64.StdEncoding.EncodeToString(p[:]) }

// Base32 is the overlay host name of the peer, e.g. "abcd...xyz.b32.hop".
func (p PeerID) Base32() string {
	return strings.ToLower(b32.EncodeToString(p[:])) + common.B32Suffix
}

func (p PeerID) String() string { return p.Base32()[:8] }

// Peer identifies the remote end of a Conn.
type Peer struct {
	ID        PeerID
	PublicKey []byte
}

// NewPeer derives a Peer from its public key.
func NewPeer(pub []byte) Peer {
	return Peer{ID: sha256.Sum256(pub), PublicKey: pub}
}

// KeyBase64 is the standard base64 form of the full public key.
func (p Peer) KeyBase64() string { return base64.StdEncoding.EncodeToString(p.PublicKey) }

// Conn is a virtual connection carried by the overlay.
type Conn interface {
	net.Conn

	// Peer is the authenticated remote identity.
	Peer() Peer

	// LocalPort is the virtual port the connection arrived on or was
	// opened to.
	LocalPort() int

	// Reset aborts the connection so the remote end sees ErrReset instead
	// of EOF.
	Reset() error

	// CloseWrite ends the outbound half of the connection.
	CloseWrite() error

	// SetReadTimeout makes every later Read fail with a timeout when no
	// data arrives within d. Zero disables it.
	SetReadTimeout(d time.Duration)
}

// Listener accepts overlay connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens overlay connections to a virtual port of a remote peer.
type Dialer interface {
	Dial(ctx context.Context, port int) (Conn, error)
}

// IsReset reports whether err is a connection reset, from either the overlay
// or a local TCP socket.
func IsReset(err error) bool {
	return errors.Is(err, ErrReset) || errors.Is(err, syscall.ECONNRESET)
}

// conn adapts a stream to Conn. mapErr translates transport errors so
// callers only need to know about ErrReset.
type conn struct {
	net.Conn
	peer   Peer
	port   int
	reset  func() error
	mapErr func(error) error

	readTimeout common.AtomicTimeout
}

func (c *conn) Peer() Peer     { return c.peer }
func (c *conn) LocalPort() int { return c.port }
func (c *conn) Reset() error   { return c.reset() }

// CloseWrite sends EOF to the remote end while leaving the read side open.
// A yamux stream's Close is already a half close.
func (c *conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func (c *conn) SetReadTimeout(d time.Duration) { c.readTimeout.Set(d) }

func (c *conn) Read(p []byte) (int, error) {
	if d := c.readTimeout.Get(); d > 0 {
		c.Conn.SetReadDeadline(time.Now().Add(d))
	}
	n, err := c.Conn.Read(p)
	if err != nil && err != io.EOF && c.mapErr != nil {
		err = c.mapErr(err)
	}
	return n, err
}

func (c *conn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if err != nil && c.mapErr != nil {
		err = c.mapErr(err)
	}
	return n, err
}

// portAddr is the net.Addr of a virtual port.
type portAddr struct {
	peer string
	port int
}

func (a portAddr) Network() string { return "hop" }
func (a portAddr) String() string  { return a.peer + ":" + strconv.Itoa(a.port) }
