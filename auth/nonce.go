// Package auth implements Basic and Digest proxy authorization for the
// client side of an HTTP tunnel.
package auth

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// MaxNonceAge is how long an issued nonce stays usable.
	MaxNonceAge = time.Hour

	// MaxNonceCount bounds the nc value a client may present.
	MaxNonceCount = 1024

	secretLen  = 8
	stampLen   = 8
	nonceLen   = stampLen + md5.Size
	cleanEvery = 16
)

// Result is the outcome of an authorization check.
type Result int

const (
	BadRequest Result = iota
	Bad
	Stale
	Good
)

func (r Result) String() string {
	switch r {
	case BadRequest:
		return "bad request"
	case Bad:
		return "bad"
	case Stale:
		return "stale"
	case Good:
		return "good"
	}
	return "unknown(" + strconv.Itoa(int(r)) + ")"
}

type nonceRecord struct {
	expires time.Time

	mu     sync.Mutex
	counts [MaxNonceCount / 64]uint64
}

func (n *nonceRecord) use(nc int) Result {
	if nc <= 0 {
		return Bad
	}
	if nc >= MaxNonceCount {
		return Stale
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	word, bit := nc/64, uint64(1)<<(nc%64)
	if n.counts[word]&bit != 0 {
		return Bad
	}
	n.counts[word] |= bit
	return Good
}

// NonceStore issues digest nonces and tracks which nonce counts have been
// used, so a captured response cannot be replayed.
type NonceStore struct {
	secret [secretLen]byte
	cache  *cache.Cache
	now    func() time.Time
	calls  atomic.Uint64
}

// NewNonceStore returns a store with a fresh random secret.
func NewNonceStore() *NonceStore {
	s := &NonceStore{
		// expired entries are removed by Verify, not by a janitor goroutine
		cache: cache.New(MaxNonceAge, 0),
		now:   time.Now,
	}
	rand.Read(s.secret[:])
	return s
}

func (s *NonceStore) sum(stamp []byte) []byte {
	var b [stampLen + secretLen]byte
	copy(b[:], stamp)
	copy(b[stampLen:], s.secret[:])
	h := md5.Sum(b[:])
	return h[:]
}

// Issue creates and records a new nonce.
func (s *NonceStore) Issue() string {
	now := s.now()
	var n [nonceLen]byte
	binary.BigEndian.PutUint64(n[:stampLen], uint64(now.UnixMilli()))
	copy(n[stampLen:], s.sum(n[:stampLen]))
	nonce := base64.StdEncoding.EncodeToString(n[:])
	s.cache.Add(nonce, &nonceRecord{expires: now.Add(MaxNonceAge)}, cache.DefaultExpiration)
	return nonce
}

// Verify checks a nonce and its hex nonce count.
func (s *NonceStore) Verify(nonce, ncHex string) Result {
	if s.calls.Add(1)%cleanEvery == 0 {
		s.cache.DeleteExpired()
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil || len(n) != nonceLen {
		return Bad
	}
	now := s.now()
	stamp := time.UnixMilli(int64(binary.BigEndian.Uint64(n[:stampLen])))
	if now.Sub(stamp) > MaxNonceAge {
		s.cache.Delete(nonce)
		return Stale
	}
	v, ok := s.cache.Get(nonce)
	if !ok {
		return Stale
	}
	rec := v.(*nonceRecord)
	if rec.expires.Before(now) {
		s.cache.Delete(nonce)
		return Stale
	}
	if !bytes.Equal(s.sum(n[:stampLen]), n[stampLen:]) {
		return Bad
	}
	nc, err := strconv.ParseInt(ncHex, 16, 32)
	if err != nil {
		return Bad
	}
	return rec.use(int(nc))
}

// Len is the number of outstanding nonces.
func (s *NonceStore) Len() int {
	return s.cache.ItemCount()
}
