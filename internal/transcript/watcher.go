package transcript

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher nudges when the transcript grows. It watches the parent directory
// so a file created after startup, or replaced on reset, is still seen.
type Watcher struct {
	logger   *slog.Logger
	debounce time.Duration
	nudges   chan struct{}

	mu   sync.Mutex
	path string
}

func NewWatcher(path string, debounce time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce < time.Second {
		debounce = time.Second
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		logger:   logger.With("component", "transcript.watcher"),
		nudges:   make(chan struct{}, 1),
	}
}

// Nudges yields at most one pending signal at a time.
func (w *Watcher) Nudges() <-chan struct{} {
	return w.nudges
}

// SetPath retargets the watcher after a session reset.
func (w *Watcher) SetPath(path string) {
	w.mu.Lock()
	w.path = path
	w.mu.Unlock()
}

func (w *Watcher) current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Start watches until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := ""
	rewatch := func() {
		dir := filepath.Dir(w.current())
		if dir == watched {
			return
		}
		if watched != "" {
			_ = fsw.Remove(watched)
		}
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("transcript watch failed", "dir", dir, "error", err)
			watched = ""
			return
		}
		watched = dir
	}
	rewatch()

	go func() {
		defer fsw.Close()
		var last time.Time
		recheck := time.NewTicker(w.debounce)
		defer recheck.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-recheck.C:
				rewatch()
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.current()) {
					continue
				}
				if now := time.Now(); now.Sub(last) >= w.debounce {
					last = now
					select {
					case w.nudges <- struct{}{}:
					default:
					}
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("transcript watcher error", "error", err)
			}
		}
	}()
	return nil
}
