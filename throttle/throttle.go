// Package throttle bans peers that open too many requests in a sliding
// window, and bans everyone for a while when the total rate is exceeded.
package throttle

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MinPeriod is the floor applied to every configured period.
const MinPeriod = 10 * time.Second

// Defaults for a POST throttle.
const (
	DefaultMaxPerPeer     = 16
	DefaultTotalMax       = 30
	DefaultCheckPeriod    = 3 * time.Minute
	DefaultBanPeriod      = 15 * time.Minute
	DefaultTotalBanPeriod = 10 * time.Minute
)

// Config holds the limits. A zero MaxPerPeer or TotalMax disables that check.
type Config struct {
	MaxPerPeer     int
	TotalMax       int
	CheckPeriod    time.Duration
	BanPeriod      time.Duration
	TotalBanPeriod time.Duration

	// Action names what is being throttled in log lines.
	Action string
}

// Enabled reports whether any limit is set.
func (c Config) Enabled() bool {
	return c.MaxPerPeer != 0 || c.TotalMax != 0
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type record struct {
	times []time.Time
	until time.Time
}

func (r *record) countSince(t time.Time) int {
	i := 0
	for i < len(r.times) && r.times[i].Before(t) {
		i++
	}
	r.times = r.times[i:]
	return len(r.times)
}

// banned clears an expired ban as a side effect.
func (r *record) banned(now time.Time) bool {
	if !r.until.IsZero() && r.until.Before(now) {
		r.until = time.Time{}
	}
	return !r.until.IsZero()
}

// Throttle tracks request counts per peer. It is safe for concurrent use.
type Throttle struct {
	mu sync.Mutex
	// +checklocks:mu
	cfg Config
	// +checklocks:mu
	peers map[string]*record
	// +checklocks:mu
	currentTotal int
	// +checklocks:mu
	totalUntil time.Time

	clock Clock
	stop  chan struct{}
	wg    sync.WaitGroup
}

// New returns a Throttle. A nil clock uses the wall clock.
func New(cfg Config, clock Clock) *Throttle {
	if clock == nil {
		clock = realClock{}
	}
	t := &Throttle{
		peers: make(map[string]*record),
		clock: clock,
	}
	t.UpdateLimits(cfg)
	return t
}

// UpdateLimits replaces the limits, clamping periods to MinPeriod.
func (t *Throttle) UpdateLimits(cfg Config) {
	cfg.CheckPeriod = max(cfg.CheckPeriod, MinPeriod)
	cfg.BanPeriod = max(cfg.BanPeriod, MinPeriod)
	cfg.TotalBanPeriod = max(cfg.TotalBanPeriod, MinPeriod)
	t.mu.Lock()
	t.cfg = cfg
	t.mu.Unlock()
}

// ShouldThrottle records an event from peer and reports whether it must be
// refused. A peer that is already banned does not count towards the total.
func (t *Throttle) ShouldThrottle(peer string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.cfg.TotalMax > 0 && !t.totalUntil.IsZero() {
		if t.totalUntil.After(now) {
			return true
		}
		t.totalUntil = time.Time{}
	}

	if t.cfg.MaxPerPeer > 0 {
		rec, ok := t.peers[peer]
		if ok {
			if rec.banned(now) {
				return true
			}
			rec.times = append(rec.times, now)
			if rec.countSince(now.Add(-t.cfg.CheckPeriod)) > t.cfg.MaxPerPeer {
				rec.until = now.Add(t.cfg.BanPeriod)
				rec.times = nil
				logrus.Warnf("throttle: banning %s from %s until %s after exceeding max of %d in %v",
					peer, t.action(), rec.until.Format(time.RFC3339), t.cfg.MaxPerPeer, t.cfg.CheckPeriod)
				return true
			}
		} else {
			t.peers[peer] = &record{times: []time.Time{now}}
		}
	}

	if t.cfg.TotalMax > 0 {
		t.currentTotal++
		if t.currentTotal > t.cfg.TotalMax {
			if t.totalUntil.IsZero() {
				t.totalUntil = now.Add(t.cfg.TotalBanPeriod)
				logrus.Warnf("throttle: banning %s from all peers until %s after exceeding total of %d in %v",
					t.action(), t.totalUntil.Format(time.RFC3339), t.cfg.TotalMax, t.cfg.CheckPeriod)
			}
			return true
		}
	}
	return false
}

// +checklocks:t.mu
func (t *Throttle) action() string {
	if t.cfg.Action == "" {
		return "requests"
	}
	return t.cfg.Action
}

// Sweep resets the global counter and forgets peers with no ban and no
// recent events.
func (t *Throttle) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cfg.TotalMax > 0 {
		t.currentTotal = 0
	}
	if t.cfg.MaxPerPeer > 0 {
		now := t.clock.Now()
		then := now.Add(-t.cfg.CheckPeriod)
		for peer, rec := range t.peers {
			if !rec.banned(now) && rec.countSince(then) <= 0 {
				delete(t.peers, peer)
			}
		}
	}
}

// Len returns the number of tracked peers.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// Clear drops all state.
func (t *Throttle) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentTotal = 0
	t.totalUntil = time.Time{}
	clear(t.peers)
}

// Start runs Sweep every check period until Stop is called.
func (t *Throttle) Start() {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	t.stop = make(chan struct{})
	stop := t.stop
	period := t.cfg.CheckPeriod
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the sweeper and clears all state.
func (t *Throttle) Stop() {
	t.mu.Lock()
	stop := t.stop
	t.stop = nil
	t.mu.Unlock()
	if stop != nil {
		close(stop)
		t.wg.Wait()
	}
	t.Clear()
}
