package overlay

import (
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"gotest.tools/assert"
)

func testPeer(t *testing.T) Peer {
	id, err := NewIdentity()
	assert.NilError(t, err)
	return id.Peer()
}

func TestPeerNames(t *testing.T) {
	p := NewPeer([]byte("public key"))
	b32 := p.ID.Base32()
	assert.Assert(t, strings.HasSuffix(b32, ".b32.hop"))
	assert.Equal(t, len(b32), 52+len(".b32.hop"))
	assert.Equal(t, b32, strings.ToLower(b32))
	assert.Equal(t, len(p.ID.Base64()), 44)
	assert.Equal(t, p.KeyBase64(), "cHVibGljIGtleQ==")
}

func TestPipeReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := testPeer(t), testPeer(t)
	c, s, err := Pipe(a, b, 80)
	assert.NilError(t, err)
	assert.Equal(t, c.Peer().ID, b.ID)
	assert.Equal(t, s.Peer().ID, a.ID)
	assert.Equal(t, s.LocalPort(), 80)

	_, err = c.Write([]byte("hi"))
	assert.NilError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(s, buf)
	assert.NilError(t, err)

	assert.NilError(t, c.Reset())
	_, err = s.Read(buf)
	assert.Assert(t, errors.Is(err, ErrReset), "got %v", err)
	assert.Assert(t, IsReset(err))
	s.Close()
}

func TestPipeListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := NewPipeListener(testPeer(t))
	boom := errors.New("boom")
	l.Inject(boom)

	c, err := l.Dialer(testPeer(t)).Dial(context.Background(), 8080)
	assert.NilError(t, err)
	defer c.Close()

	_, err = l.Accept()
	assert.Assert(t, err == boom)

	s, err := l.Accept()
	assert.NilError(t, err)
	assert.Equal(t, s.LocalPort(), 8080)
	s.Close()

	l.Close()
	_, err = l.Accept()
	assert.Assert(t, errors.Is(err, ErrSessionClosed))
}

func TestNodeSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverID, err := NewIdentity()
	assert.NilError(t, err)
	clientID, err := NewIdentity()
	assert.NilError(t, err)

	node, err := ListenNode("127.0.0.1:0", serverID)
	assert.NilError(t, err)
	served := make(chan error, 1)
	go func() { served <- node.Serve() }()

	l, err := node.Listen(80)
	assert.NilError(t, err)
	_, err = node.Listen(80)
	assert.Assert(t, err != nil)

	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if c.Peer().ID != clientID.Peer().ID || c.LocalPort() != 80 {
			return
		}
		io.Copy(c, c)
	}()

	sess := NewSession(node.Addr().String(), clientID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := sess.Dial(ctx, 80)
	assert.NilError(t, err)
	assert.Equal(t, c.Peer().ID, serverID.Peer().ID)
	_, err = c.Write([]byte("ping"))
	assert.NilError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), "ping")
	c.Close()

	_, err = sess.Dial(ctx, 81)
	assert.Assert(t, errors.Is(err, ErrReset), "got %v", err)

	assert.NilError(t, sess.Close())
	assert.NilError(t, node.Close())
	assert.NilError(t, <-served)
	_, err = l.Accept()
	assert.Assert(t, errors.Is(err, ErrSessionClosed))
}

func TestLoadIdentity(t *testing.T) {
	path := t.TempDir() + "/identity"
	id, err := LoadIdentity(path)
	assert.NilError(t, err)
	again, err := LoadIdentity(path)
	assert.NilError(t, err)
	assert.Equal(t, id.Peer().ID, again.Peer().ID)
}

func startNode(t *testing.T, id Identity) (*Node, func()) {
	t.Helper()
	node, err := ListenNode("127.0.0.1:0", id)
	assert.NilError(t, err)
	served := make(chan error, 1)
	go func() { served <- node.Serve() }()
	return node, func() {
		assert.NilError(t, node.Close())
		assert.NilError(t, <-served)
	}
}

func TestSessionForgedIdentity(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverID, err := NewIdentity()
	assert.NilError(t, err)
	victim, err := NewIdentity()
	assert.NilError(t, err)
	attacker, err := NewIdentity()
	assert.NilError(t, err)

	node, stop := startNode(t, serverID)
	defer stop()
	l, err := node.Listen(80)
	assert.NilError(t, err)
	accepted := make(chan Peer, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- c.Peer()
		c.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	forged := NewSession(node.Addr().String(), Identity{Public: victim.Public, Private: attacker.Private})
	_, err = forged.Dial(ctx, 80)
	assert.Assert(t, errors.Is(err, ErrBadIdentity), "got %v", err)
	forged.Close()

	// the real owner of the key still gets in
	sess := NewSession(node.Addr().String(), victim)
	c, err := sess.Dial(ctx, 80)
	assert.NilError(t, err)
	select {
	case p := <-accepted:
		assert.Equal(t, p.ID, victim.Peer().ID)
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	c.Close()
	assert.NilError(t, sess.Close())
}

func TestHandshakeProof(t *testing.T) {
	a, err := NewIdentity()
	assert.NilError(t, err)
	b, err := NewIdentity()
	assert.NilError(t, err)

	run := func(x, y Identity) (Peer, Peer, error, error) {
		c1, c2 := net.Pipe()
		defer c1.Close()
		defer c2.Close()
		type result struct {
			p   Peer
			err error
		}
		done := make(chan result, 1)
		go func() {
			p, err := handshake(c2, y)
			done <- result{p, err}
		}()
		p1, err1 := handshake(c1, x)
		r := <-done
		return p1, r.p, err1, r.err
	}

	pa, pb, errA, errB := run(a, b)
	assert.NilError(t, errA)
	assert.NilError(t, errB)
	assert.Equal(t, pa.ID, b.Peer().ID)
	assert.Equal(t, pb.ID, a.Peer().ID)

	// both sides refuse when either key is not backed by its private half
	_, _, errA, errB = run(a, Identity{Public: a.Public, Private: b.Private})
	assert.Assert(t, errors.Is(errA, ErrBadIdentity), "got %v", errA)
	assert.Assert(t, errors.Is(errB, ErrBadIdentity), "got %v", errB)
}

func TestNodeSessionReset(t *testing.T) {
	defer goleak.VerifyNone(t)

	serverID, err := NewIdentity()
	assert.NilError(t, err)
	clientID, err := NewIdentity()
	assert.NilError(t, err)

	node, stop := startNode(t, serverID)
	defer stop()
	l, err := node.Listen(80)
	assert.NilError(t, err)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 4)
		if _, err := io.ReadFull(c, buf); err != nil {
			c.Close()
			return
		}
		c.Write([]byte("pong"))
		c.Reset()
	}()

	sess := NewSession(node.Addr().String(), clientID)
	defer sess.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := sess.Dial(ctx, 80)
	assert.NilError(t, err)
	defer c.Close()
	_, err = c.Write([]byte("ping"))
	assert.NilError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), "pong")
	_, err = c.Read(buf)
	assert.Assert(t, IsReset(err), "got %v", err)
	_, err = c.Read(buf)
	assert.Assert(t, IsReset(err), "got %v", err)
}

func TestFrameConnLargeWrite(t *testing.T) {
	c1, c2 := net.Pipe()
	a, b := newFrameConn(c1), newFrameConn(c2)
	defer a.Close()
	defer b.Close()

	msg := strings.Repeat("0123456789", maxFrameLen/5)
	go func() {
		a.Write([]byte(msg))
		a.Conn.Close()
	}()
	got, err := io.ReadAll(b)
	assert.NilError(t, err)
	assert.Equal(t, string(got), msg)
}
