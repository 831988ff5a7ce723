// Package blocklist holds the request and client blocklists of an HTTP server
// tunnel. Both are plain text files an operator may edit while the tunnel is
// running.
package blocklist

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// File names inside the blocklist directory.
const (
	URLFile    = "http_blocklist.txt"
	ClientFile = "http_blocklist_clients.txt"
)

// URLList matches request lines against literal, case-insensitive strings.
// Lines starting with '#' are comments.
type URLList struct {
	path string

	mu      sync.RWMutex
	re      *regexp.Regexp
	entries []string
}

// NewURLList loads path. A missing file yields an empty list.
func NewURLList(path string) (*URLList, error) {
	l := &URLList{path: path}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload rereads the file.
func (l *URLList) Reload() error {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.set(nil)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read blocklist %s", l.path)
	}
	var entries []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	l.set(entries)
	logrus.Infof("blocklist: loaded %d entries from %s", len(entries), l.path)
	return nil
}

func (l *URLList) set(entries []string) {
	var re *regexp.Regexp
	if len(entries) > 0 {
		quoted := make([]string, len(entries))
		for i, e := range entries {
			quoted[i] = regexp.QuoteMeta(e)
		}
		re = regexp.MustCompile("(?i)(" + strings.Join(quoted, "|") + ")")
	}
	l.mu.Lock()
	l.re = re
	l.entries = entries
	l.mu.Unlock()
}

// Len returns the number of entries.
func (l *URLList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Match returns the blocklist entry found in line, if any.
func (l *URLList) Match(line string) (string, bool) {
	l.mu.RLock()
	re := l.re
	l.mu.RUnlock()
	if re == nil {
		return "", false
	}
	m := re.FindString(line)
	if m == "" {
		return "", false
	}
	return m, true
}

// Watch reloads the list whenever the file changes, until ctx is done. The
// parent directory is watched so that editors replacing the file are seen.
func (l *URLList) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "blocklist watcher")
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		return errors.Wrapf(err, "watch %s", filepath.Dir(l.path))
	}
	name := filepath.Clean(l.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(e.Name) != name {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := l.Reload(); err != nil {
					logrus.Errorf("blocklist: %v", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logrus.Errorf("blocklist: watcher: %v", err)
		}
	}
}
