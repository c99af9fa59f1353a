package search

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"ruleslawyer/internal/logging"
)

// Library indexes the PDF rulebook corpus. The index is rebuilt on demand
// and, when watching is enabled, whenever the corpus directory changes.
type Library struct {
	path string

	mu    sync.RWMutex
	files []string // sorted PDF filenames

	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// NewLibrary scans the corpus directory and optionally starts a filesystem
// watcher that refreshes the index when PDFs are added or removed.
func NewLibrary(path string, watch bool) (*Library, error) {
	l := &Library{path: path, done: make(chan struct{})}
	if err := l.refresh(); err != nil {
		return nil, err
	}

	if watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create corpus watcher: %w", err)
		}
		if err := watcher.Add(path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch corpus: %w", err)
		}
		l.watcher = watcher
		go l.watchLoop()
	}
	return l, nil
}

// Close stops the watcher, if any.
func (l *Library) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

// Games returns the indexed game names (PDF basenames without extension),
// sorted.
func (l *Library) Games() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	games := make([]string, len(l.files))
	for i, f := range l.files {
		games[i] = strings.TrimSuffix(f, filepath.Ext(f))
	}
	return games
}

// Files returns the indexed PDF filenames, sorted.
func (l *Library) Files() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.files...)
}

// FindFiles returns filenames containing the query, case-insensitive.
func (l *Library) FindFiles(query string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	q := strings.ToLower(query)
	var matches []string
	for _, f := range l.files {
		if strings.Contains(strings.ToLower(f), q) {
			matches = append(matches, f)
		}
	}
	return matches
}

// Has reports whether the exact filename is in the corpus. The pipeline uses
// this to reject engine-invented filenames before spending a search slot.
func (l *Library) Has(filename string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, f := range l.files {
		if f == filename {
			return true
		}
	}
	return false
}

func (l *Library) refresh() error {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return fmt.Errorf("failed to read corpus directory %s: %w", l.path, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	l.mu.Lock()
	l.files = files
	l.mu.Unlock()

	logging.Search("corpus index refreshed: %d rulebooks in %s", len(files), l.path)
	return nil
}

func (l *Library) watchLoop() {
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				if err := l.refresh(); err != nil {
					logging.Get(logging.CategorySearch).Error("corpus refresh failed: %v", err)
				}
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategorySearch).Warn("corpus watcher error: %v", err)
		}
	}
}
