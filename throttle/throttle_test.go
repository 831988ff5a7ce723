package throttle

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gotest.tools/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestPeerBan(t *testing.T) {
	clock := newClock()
	th := New(Config{
		MaxPerPeer:  3,
		CheckPeriod: time.Minute,
		BanPeriod:   5 * time.Minute,
	}, clock)

	for i := 0; i < 3; i++ {
		assert.Assert(t, !th.ShouldThrottle("a"), "event %d", i)
	}
	assert.Assert(t, th.ShouldThrottle("a"))
	assert.Assert(t, !th.ShouldThrottle("b"))

	// still banned just before expiry
	clock.Advance(5*time.Minute - time.Second)
	assert.Assert(t, th.ShouldThrottle("a"))

	// the ban cleared the history, so the peer starts over
	clock.Advance(2 * time.Second)
	assert.Assert(t, !th.ShouldThrottle("a"))
}

func TestSpacedEventsNeverBan(t *testing.T) {
	clock := newClock()
	th := New(Config{MaxPerPeer: 2, CheckPeriod: time.Minute}, clock)
	for i := 0; i < 50; i++ {
		assert.Assert(t, !th.ShouldThrottle("a"), "event %d", i)
		clock.Advance(31 * time.Second)
	}
}

func TestGlobalBan(t *testing.T) {
	clock := newClock()
	th := New(Config{
		TotalMax:       4,
		CheckPeriod:    time.Minute,
		TotalBanPeriod: time.Minute,
	}, clock)

	for i := 0; i < 4; i++ {
		assert.Assert(t, !th.ShouldThrottle(string(rune('a'+i))))
	}
	assert.Assert(t, th.ShouldThrottle("e"))
	assert.Assert(t, th.ShouldThrottle("f"))

	clock.Advance(time.Minute + time.Second)
	th.Sweep()
	assert.Assert(t, !th.ShouldThrottle("g"))
}

func TestBannedPeerDoesNotCountGlobally(t *testing.T) {
	clock := newClock()
	th := New(Config{
		MaxPerPeer:  1,
		TotalMax:    5,
		CheckPeriod: time.Minute,
	}, clock)

	assert.Assert(t, !th.ShouldThrottle("a"))
	assert.Assert(t, th.ShouldThrottle("a"))
	for i := 0; i < 100; i++ {
		assert.Assert(t, th.ShouldThrottle("a"))
	}
	// only the first event from a reached the global counter
	for i := 0; i < 4; i++ {
		assert.Assert(t, !th.ShouldThrottle(string(rune('b'+i))), "peer %d", i)
	}
	assert.Assert(t, th.ShouldThrottle("z"))
}

func TestPeriodsClamped(t *testing.T) {
	clock := newClock()
	th := New(Config{MaxPerPeer: 1, CheckPeriod: time.Second, BanPeriod: time.Second}, clock)
	assert.Assert(t, !th.ShouldThrottle("a"))
	assert.Assert(t, th.ShouldThrottle("a"))
	clock.Advance(5 * time.Second)
	assert.Assert(t, th.ShouldThrottle("a"))
}

func TestSweep(t *testing.T) {
	clock := newClock()
	th := New(Config{MaxPerPeer: 1, CheckPeriod: time.Minute, BanPeriod: 10 * time.Minute}, clock)
	th.ShouldThrottle("a")
	th.ShouldThrottle("b")
	th.ShouldThrottle("b")
	assert.Equal(t, th.Len(), 2)

	clock.Advance(2 * time.Minute)
	th.Sweep()
	// a is idle, b is still banned
	assert.Equal(t, th.Len(), 1)

	clock.Advance(10 * time.Minute)
	th.Sweep()
	assert.Equal(t, th.Len(), 0)
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	th := New(Config{MaxPerPeer: DefaultMaxPerPeer}, nil)
	th.Start()
	th.Start()
	th.ShouldThrottle("a")
	th.Stop()
	assert.Equal(t, th.Len(), 0)
}
