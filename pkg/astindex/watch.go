package astindex

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// skipDirs lists directory names the watcher never descends into —
// nothing under them can hold the repository's own Go source.
var skipDirs = map[string]bool{
	"vendor":       true,
	".git":         true,
	"node_modules": true,
}

// Watcher gives Update a cheap hint source for which files changed since
// the last rebuild, instead of every grind paying a full hash-scan of
// the repository. It never replaces the content-hash check in Update —
// a file reported here that turns out unchanged is simply skipped there,
// and Watcher reporting nothing never prevents a full rebuild from
// finding real changes on its own.
type Watcher struct {
	fsw      *fsnotify.Watcher
	repoRoot string
	stopCh   chan struct{}
	pending  map[string]time.Time
	mu       sync.Mutex
}

// NewWatcher starts watching every directory under repoRoot for Go file
// writes and creates.
func NewWatcher(repoRoot string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:      fsw,
		repoRoot: repoRoot,
		stopCh:   make(chan struct{}),
		pending:  make(map[string]time.Time),
	}

	err = filepath.Walk(repoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if skipDirs[info.Name()] {
			return filepath.SkipDir
		}
		if addErr := fsw.Add(path); addErr != nil {
			log.Printf("cannot watch %s: %v", path, addErr)
		}
		return nil
	})
	if err != nil {
		fsw.Close()
		return nil, err
	}

	go w.collect()
	return w, nil
}

func (w *Watcher) collect() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(ev.Name, ".go") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rel, err := filepath.Rel(w.repoRoot, ev.Name)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.pending[filepath.ToSlash(rel)] = time.Now()
			w.mu.Unlock()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}

// Drain returns the set of files reported changed since the last Drain
// call, clearing the pending set.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil
	}
	files := make([]string, 0, len(w.pending))
	for f := range w.pending {
		files = append(files, f)
	}
	w.pending = make(map[string]time.Time)
	return files
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}
