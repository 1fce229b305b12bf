// Package watcher reports when files change content, after they have
// been quiet for a while. The daemon points it at the binding database
// and the catalogs.
package watcher

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// DefaultQuiet is how long a file must stay unmodified before it is reported.
const DefaultQuiet = 250 * time.Millisecond

// Event reports a file whose content differs from the last report. A
// removed file reports a zero Hash.
type Event struct {
	Path      string
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

// Watcher monitors a fixed set of files. Files need not exist when the
// watcher starts; their directories must.
type Watcher struct {
	fs    *fsnotify.Watcher
	paths []string
	quiet time.Duration

	mu      sync.Mutex
	touched map[string]time.Time // path -> last fsnotify event
	known   map[string][32]byte  // path -> content hash last reported

	events chan Event
	errors chan error

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher for paths, skipping empties and duplicates. A
// zero quiet uses DefaultQuiet.
func New(paths []string, quiet time.Duration) (*Watcher, error) {
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	var uniq []string
	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if !seen[abs] {
			seen[abs] = true
			uniq = append(uniq, abs)
		}
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:      fs,
		paths:   uniq,
		quiet:   quiet,
		touched: make(map[string]time.Time),
		known:   make(map[string][32]byte),
		events:  make(chan Event, 16),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

func (w *Watcher) Events() <-chan Event { return w.events }
func (w *Watcher) Errors() <-chan error { return w.errors }

// WatchedPaths returns the absolute paths being watched.
func (w *Watcher) WatchedPaths() []string { return w.paths }

// PendingFiles returns the number of touched files not yet settled.
func (w *Watcher) PendingFiles() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.touched)
}

// Start hashes every file as the baseline and begins watching their
// directories.
func (w *Watcher) Start() error {
	added := make(map[string]bool)
	for _, p := range w.paths {
		dir := filepath.Dir(p)
		if added[dir] {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		added[dir] = true
	}
	for _, p := range w.paths {
		if sum, _, err := HashFile(p); err == nil {
			w.known[p] = sum
		}
	}

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop shuts the watcher down and closes both channels. It is safe to
// call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
		close(w.events)
		close(w.errors)
	})
	return err
}

func (w *Watcher) watching(path string) bool {
	for _, p := range w.paths {
		if p == path {
			return true
		}
	}
	return false
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(max(w.quiet/2, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&relevantOps != 0 && w.watching(ev.Name) {
				w.mu.Lock()
				w.touched[ev.Name] = time.Now()
				w.mu.Unlock()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.reportError(err)
		case now := <-ticker.C:
			for _, ev := range w.settle(now) {
				select {
				case w.events <- ev:
				case <-w.done:
					return
				}
			}
		}
	}
}

// settle hashes the files quiet since now-quiet and returns those whose
// content differs from what was last reported.
func (w *Watcher) settle(now time.Time) []Event {
	cutoff := now.Add(-w.quiet)

	w.mu.Lock()
	var ready []string
	for p, at := range w.touched {
		if at.Before(cutoff) {
			ready = append(ready, p)
			delete(w.touched, p)
		}
	}
	w.mu.Unlock()

	var out []Event
	for _, p := range ready {
		sum, size, err := HashFile(p)
		gone := os.IsNotExist(err)
		if err != nil && !gone {
			w.reportError(err)
			continue
		}

		w.mu.Lock()
		prev, had := w.known[p]
		if gone {
			delete(w.known, p)
		} else {
			w.known[p] = sum
		}
		w.mu.Unlock()

		if gone && !had || !gone && had && prev == sum {
			continue
		}
		out = append(out, Event{Path: p, Hash: sum, Size: size, Timestamp: now})
	}
	return out
}

func (w *Watcher) reportError(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// HashFile returns the BLAKE2b-256 digest and size of a file.
func HashFile(path string) ([32]byte, int64, error) {
	var sum [32]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, 0, err
	}
	defer f.Close()

	h, _ := blake2b.New256(nil)
	n, err := io.Copy(h, f)
	if err != nil {
		return sum, 0, err
	}
	copy(sum[:], h.Sum(nil))
	return sum, n, nil
}
