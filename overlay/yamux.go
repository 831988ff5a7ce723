package overlay

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"hop.computer/httptunnel/common"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	failure = 0
	success = 1

	maxKeyLen        = 1024
	handshakeTimeout = 10 * time.Second
	acceptBacklog    = 64
)

// Identity is the key pair a node presents to its peers.
type Identity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// NewIdentity generates a random identity.
func NewIdentity() (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, errors.Wrap(err, "generate identity")
	}
	return Identity{Public: pub, Private: priv}, nil
}

// LoadIdentity reads a base64 seed from path, creating the file with a fresh
// seed if it does not exist.
func LoadIdentity(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		id, err := NewIdentity()
		if err != nil {
			return Identity{}, err
		}
		seed := base64.StdEncoding.EncodeToString(id.Private.Seed())
		if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
			return Identity{}, errors.Wrapf(err, "write identity %s", path)
		}
		logrus.Infof("overlay: created identity %s in %s", id.Peer().ID.Base32(), path)
		return id, nil
	}
	if err != nil {
		return Identity{}, errors.Wrapf(err, "read identity %s", path)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return Identity{}, errors.Errorf("identity %s: bad seed", path)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return Identity{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Peer is how others see this identity.
func (id Identity) Peer() Peer { return NewPeer(id.Public) }

// handshakeContext is prepended to the nonce a peer signs, so a handshake
// signature is never valid for anything else.
const handshakeContext = "hop-httptunnel overlay handshake\x00"

const nonceLen = 32

// handshake exchanges public keys on a fresh transport connection. Each side
// then signs a nonce chosen by the other, and both report whether they
// accepted the proof before the session starts.
func handshake(c net.Conn, id Identity) (Peer, error) {
	c.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.SetDeadline(time.Time{})

	key, err := swapBytes(c, id.Public, maxKeyLen)
	if err != nil {
		return Peer{}, errors.Wrap(err, "handshake key")
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return Peer{}, errors.Wrap(err, "handshake nonce")
	}
	challenge, err := swapBytes(c, nonce, nonceLen)
	if err != nil {
		return Peer{}, errors.Wrap(err, "handshake nonce")
	}
	sig, err := swapBytes(c, ed25519.Sign(id.Private, signedNonce(challenge)), ed25519.SignatureSize)
	if err != nil {
		return Peer{}, errors.Wrap(err, "handshake proof")
	}

	verdict := byte(success)
	ok := len(key) == ed25519.PublicKeySize && len(challenge) == nonceLen &&
		ed25519.Verify(ed25519.PublicKey(key), signedNonce(nonce), sig)
	if !ok {
		verdict = failure
	}
	theirs, err := swapBytes(c, []byte{verdict}, 1)
	if err != nil {
		return Peer{}, errors.Wrap(err, "handshake verdict")
	}
	if !ok {
		return Peer{}, ErrBadIdentity
	}
	if len(theirs) != 1 || theirs[0] != success {
		return Peer{}, errors.Wrap(ErrBadIdentity, "rejected by peer")
	}
	return NewPeer(key), nil
}

func signedNonce(nonce []byte) []byte {
	return append([]byte(handshakeContext), nonce...)
}

// swapBytes sends b while reading the peer's counterpart. Both sides write
// first, so the write cannot wait on the read.
func swapBytes(c net.Conn, b []byte, max int) ([]byte, error) {
	errc := make(chan error, 1)
	go func() {
		_, err := common.WriteBytes(b, c)
		errc <- err
	}()
	got, _, err := common.ReadBytes(c, max)
	if err != nil {
		// unblock the writer
		c.Close()
		<-errc
		return nil, err
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return got, nil
}

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.StreamOpenTimeout = 15 * time.Second
	cfg.StreamCloseTimeout = 5 * time.Second
	cfg.LogOutput = io.Discard
	return cfg
}

func mapYamuxErr(err error) error {
	switch {
	case errors.Is(err, yamux.ErrConnectionReset):
		return errors.Wrap(ErrReset, err.Error())
	case errors.Is(err, yamux.ErrSessionShutdown):
		return errors.Wrap(net.ErrClosed, err.Error())
	}
	return err
}

func wrapStream(st *yamux.Stream, peer Peer, port int) Conn {
	fc := newFrameConn(st)
	return &conn{
		Conn:   fc,
		peer:   peer,
		port:   port,
		reset:  fc.Reset,
		mapErr: mapYamuxErr,
	}
}

func writePort(w io.Writer, port int) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(port))
	_, err := w.Write(b[:])
	return err
}

func readPort(r io.Reader) (int, error) {
	var port uint16
	err := binary.Read(r, binary.BigEndian, &port)
	return int(port), err
}

// Node accepts overlay sessions on a TCP address and hands their streams to
// per-port listeners.
type Node struct {
	id Identity
	ln net.Listener

	mu sync.Mutex
	// +checklocks:mu
	ports map[int]*nodeListener
	// +checklocks:mu
	sessions map[*yamux.Session]struct{}

	closed common.AtomicBool
	wg     sync.WaitGroup
}

// ListenNode starts a node on addr. Call Serve to accept sessions.
func ListenNode(addr string, id Identity) (*Node, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "overlay listen %s", addr)
	}
	return &Node{
		id:       id,
		ln:       ln,
		ports:    make(map[int]*nodeListener),
		sessions: make(map[*yamux.Session]struct{}),
	}, nil
}

// Addr is the transport address of the node.
func (n *Node) Addr() net.Addr { return n.ln.Addr() }

// Serve accepts transport connections until Close.
func (n *Node) Serve() error {
	for {
		raw, err := n.ln.Accept()
		if err != nil {
			if n.closed.IsSet() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logrus.Errorf("overlay: accept: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.serveSession(raw)
		}()
	}
}

func (n *Node) serveSession(raw net.Conn) {
	peer, err := handshake(raw, n.id)
	if err != nil {
		logrus.Warnf("overlay: %s: %v", raw.RemoteAddr(), err)
		raw.Close()
		return
	}
	sess, err := yamux.Server(raw, yamuxConfig())
	if err != nil {
		raw.Close()
		return
	}
	n.mu.Lock()
	if n.closed.IsSet() {
		n.mu.Unlock()
		sess.Close()
		return
	}
	n.sessions[sess] = struct{}{}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.sessions, sess)
		n.mu.Unlock()
		sess.Close()
	}()

	logrus.Infof("overlay: session from %s", peer.ID)
	for {
		st, err := sess.AcceptStream()
		if err != nil {
			logrus.Debugf("overlay: session from %s ended: %v", peer.ID, err)
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.dispatch(st, peer)
		}()
	}
}

func (n *Node) dispatch(st *yamux.Stream, peer Peer) {
	st.SetReadDeadline(time.Now().Add(handshakeTimeout))
	port, err := readPort(st)
	st.SetReadDeadline(time.Time{})
	if err != nil {
		st.Close()
		return
	}
	n.mu.Lock()
	l := n.ports[port]
	n.mu.Unlock()
	if l == nil {
		st.Write([]byte{failure})
		st.Close()
		return
	}
	if _, err := st.Write([]byte{success}); err != nil {
		st.Close()
		return
	}
	select {
	case l.conns <- wrapStream(st, peer, port):
	case <-l.closed:
		st.Close()
	}
}

// Listen returns a Listener for streams opened to port.
func (n *Node) Listen(port int) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.ports[port]; ok {
		return nil, errors.Errorf("overlay: port %d already in use", port)
	}
	l := &nodeListener{
		node:   n,
		port:   port,
		conns:  make(chan Conn, acceptBacklog),
		closed: make(chan struct{}),
	}
	n.ports[port] = l
	return l, nil
}

// Close stops the node and all its sessions.
func (n *Node) Close() error {
	n.closed.SetTrue()
	err := n.ln.Close()
	n.mu.Lock()
	for s := range n.sessions {
		s.Close()
	}
	for _, l := range n.ports {
		l.shut()
	}
	n.mu.Unlock()
	n.wg.Wait()
	return err
}

type nodeListener struct {
	node   *Node
	port   int
	conns  chan Conn
	closed chan struct{}
	once   sync.Once
}

func (l *nodeListener) shut() {
	l.once.Do(func() { close(l.closed) })
}

func (l *nodeListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		if l.node.closed.IsSet() {
			return nil, ErrSessionClosed
		}
		return nil, net.ErrClosed
	}
}

func (l *nodeListener) Close() error {
	l.node.mu.Lock()
	if l.node.ports[l.port] == l {
		delete(l.node.ports, l.port)
	}
	l.node.mu.Unlock()
	l.shut()
	return nil
}

func (l *nodeListener) Addr() net.Addr {
	return portAddr{peer: l.node.id.Peer().ID.String(), port: l.port}
}

// Session is a client connection to a Node. It redials the node when the
// session has died.
type Session struct {
	addr string
	id   Identity

	mu sync.Mutex
	// +checklocks:mu
	sess *yamux.Session
	// +checklocks:mu
	peer Peer
}

// NewSession returns a Session for the node at addr. Nothing is dialed until
// the first Dial.
func NewSession(addr string, id Identity) *Session {
	return &Session{addr: addr, id: id}
}

// +checklocks:s.mu
func (s *Session) connect(ctx context.Context) error {
	if s.sess != nil && !s.sess.IsClosed() {
		return nil
	}
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "overlay dial %s", s.addr)
	}
	peer, err := handshake(raw, s.id)
	if err != nil {
		raw.Close()
		return err
	}
	sess, err := yamux.Client(raw, yamuxConfig())
	if err != nil {
		raw.Close()
		return errors.Wrap(err, "overlay session")
	}
	s.sess, s.peer = sess, peer
	logrus.Infof("overlay: connected to %s at %s", peer.ID, s.addr)
	return nil
}

// Dial implements Dialer.
func (s *Session) Dial(ctx context.Context, port int) (Conn, error) {
	s.mu.Lock()
	if err := s.connect(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sess, peer := s.sess, s.peer
	s.mu.Unlock()

	st, err := sess.OpenStream()
	if err != nil {
		return nil, errors.Wrap(mapYamuxErr(err), "overlay open stream")
	}
	if dl, ok := ctx.Deadline(); ok {
		st.SetDeadline(dl)
	} else {
		st.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	var status [1]byte
	err = writePort(st, port)
	if err == nil {
		_, err = io.ReadFull(st, status[:])
	}
	st.SetDeadline(time.Time{})
	if err != nil || status[0] != success {
		st.Close()
		if err == nil {
			err = errors.Wrapf(ErrReset, "port %d refused", port)
		}
		return nil, errors.Wrapf(err, "overlay dial port %d", port)
	}
	return wrapStream(st, peer, port), nil
}

// Close ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil {
		return nil
	}
	return s.sess.Close()
}
