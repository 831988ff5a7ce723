package blocklist

import (
	"bufio"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// DefaultClientLimit bounds the in-memory client list.
const DefaultClientLimit = 512

// ClientList is an append-only file of peers that were caught misbehaving.
// The in-memory copy keeps the newest Limit entries.
type ClientList struct {
	path  string
	limit int

	mu      sync.Mutex
	clients []string
	modTime time.Time
}

// NewClientList returns a list backed by path. limit <= 0 uses
// DefaultClientLimit.
func NewClientList(path string, limit int) *ClientList {
	if limit <= 0 {
		limit = DefaultClientLimit
	}
	return &ClientList{path: path, limit: limit}
}

// refresh rereads the file when its modification time changed.
func (c *ClientList) refresh() error {
	fi, err := os.Stat(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "stat client blocklist")
	}
	if fi.ModTime().Equal(c.modTime) {
		return nil
	}
	f, err := os.Open(c.path)
	if err != nil {
		return errors.Wrap(err, "read client blocklist")
	}
	defer f.Close()

	var clients []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && !slices.Contains(clients, line) {
			clients = append(clients, line)
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read client blocklist")
	}
	if len(clients) > c.limit {
		clients = clients[len(clients)-c.limit:]
	}
	c.clients = clients
	c.modTime = fi.ModTime()
	return nil
}

// Contains reports whether peer has been logged.
func (c *ClientList) Contains(peer string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return false, err
	}
	return slices.Contains(c.clients, peer), nil
}

// Log records peer, appending it to the file unless already present.
func (c *ClientList) Log(peer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refresh(); err != nil {
		return err
	}
	if slices.Contains(c.clients, peer) {
		return nil
	}
	if len(c.clients) >= c.limit {
		c.clients = c.clients[1:]
	}
	c.clients = append(c.clients, peer)

	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "log blocked client")
	}
	if _, err := f.WriteString(peer + "\n"); err != nil {
		f.Close()
		return errors.Wrap(err, "log blocked client")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "log blocked client")
	}
	if fi, err := os.Stat(c.path); err == nil {
		c.modTime = fi.ModTime()
	}
	logrus.Infof("blocklist: added %s to client blocklist", peer)
	return nil
}

// Len returns the number of clients held in memory.
func (c *ClientList) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
