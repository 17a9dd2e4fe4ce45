// Package credentials loads the cookie pool the upstream sessions draw from.
//
// The file is line-oriented: one cookie blob per line, blank lines and
// #-comments ignored. Cookies rotate round-robin so parallel sessions spread
// across accounts. The pool never acquires or refreshes credentials itself;
// editing the file (picked up by fsnotify, with an mtime check as fallback)
// is the only way to change it.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrEmptyPool is returned when no usable cookie exists.
var ErrEmptyPool = fmt.Errorf("credential pool is empty")

// Pool is a round-robin cookie pool backed by one file.
type Pool struct {
	path string

	mu      sync.Mutex
	cookies []string
	index   int
	mtime   time.Time

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewPool loads the cookie file and starts watching it for changes.
// A missing file is not fatal at construction: the pool starts empty and
// picks the file up when it appears.
func NewPool(path string) (*Pool, error) {
	p := &Pool{path: path, done: make(chan struct{})}

	if err := p.reload(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("credentials: initial load failed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("credentials: fsnotify unavailable, relying on mtime checks")
	} else {
		p.watcher = watcher
		// Watch the directory: editors replace the file, which would drop a
		// watch on the file itself.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("credentials: watch failed")
		}
		go p.watchLoop()
	}

	return p, nil
}

func (p *Pool) watchLoop() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				log.Warn().Err(err).Msg("credentials: reload failed")
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("credentials: watcher error")
		}
	}
}

// reload re-reads the file if its mtime moved.
func (p *Pool) reload() error {
	info, err := os.Stat(p.path)
	if err != nil {
		return fmt.Errorf("stat cookie file: %w", err)
	}

	p.mu.Lock()
	unchanged := !p.mtime.IsZero() && p.mtime.Equal(info.ModTime())
	p.mu.Unlock()
	if unchanged {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read cookie file: %w", err)
	}

	var cookies []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cookies = append(cookies, line)
	}

	p.mu.Lock()
	p.cookies = cookies
	p.index = 0
	p.mtime = info.ModTime()
	p.mu.Unlock()

	log.Info().Int("cookies", len(cookies)).Str("path", p.path).Msg("credentials loaded")
	if len(cookies) == 0 {
		return fmt.Errorf("no cookies found in %s", p.path)
	}
	return nil
}

// Next returns the next cookie in rotation.
func (p *Pool) Next() (string, error) {
	// Opportunistic mtime check covers platforms where fsnotify missed the
	// change.
	if err := p.reload(); err != nil {
		log.Debug().Err(err).Msg("credentials: opportunistic reload failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cookies) == 0 {
		return "", ErrEmptyPool
	}
	cookie := p.cookies[p.index]
	p.index = (p.index + 1) % len(p.cookies)
	return cookie, nil
}

// Size reports how many cookies are loaded.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cookies)
}

// Close stops the file watcher.
func (p *Pool) Close() error {
	close(p.done)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
