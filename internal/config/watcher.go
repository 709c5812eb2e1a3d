package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/sched"
)

// Watcher reloads a config file when its content changes. The file is
// polled on a [sched.Clock]; a changed mtime or size triggers a read, and the
// callback only fires when the SHA-256 of the content differs from the last
// accepted version. Files that fail to parse or validate are rejected and the
// previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	clock    sched.Clock
	onChange func(old, new *Config)
	onReject func(error)

	group *sched.Group

	// check serialises polls and Reload calls.
	check sync.Mutex

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
	sum     [sha256.Size]byte
}

type fileStamp struct {
	mtime time.Time
	size  int64
}

func stampOf(info os.FileInfo) fileStamp {
	return fileStamp{mtime: info.ModTime(), size: info.Size()}
}

func (s fileStamp) same(o fileStamp) bool {
	return s.size == o.size && s.mtime.Equal(o.mtime)
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchClock polls on c instead of the wall clock.
func WithWatchClock(c sched.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = c }
}

// WithRejectHandler is called with the load error whenever a changed file
// is rejected.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and starts polling it. The initial load must
// succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		clock:    sched.Real(),
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp, w.sum = cfg, stamp, sum

	w.group = sched.NewGroup(w.clock)
	if _, err := w.group.Every(w.interval, w.poll); err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	return w, nil
}

// Current returns the last accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. A poll already in progress completes.
func (w *Watcher) Stop() { w.group.Stop() }

// Reload re-reads the file regardless of its mtime. It reports whether a
// new config was accepted; an unchanged file yields false and a nil error.
func (w *Watcher) Reload() (bool, error) {
	w.check.Lock()
	defer w.check.Unlock()
	return w.reload()
}

func (w *Watcher) poll() {
	w.check.Lock()
	defer w.check.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: watched file unavailable", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.stamp.same(stampOf(info))
	w.mu.Unlock()
	if unchanged {
		return
	}

	if _, err := w.reload(); err != nil {
		slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		if w.onReject != nil {
			w.onReject(err)
		}
	}
}

// reload must be called with w.check held.
func (w *Watcher) reload() (bool, error) {
	cfg, stamp, sum, err := w.read()
	if err != nil {
		if info, serr := os.Stat(w.path); serr == nil {
			// Remember the bad revision so it is reported once.
			w.mu.Lock()
			w.stamp = stampOf(info)
			w.mu.Unlock()
		}
		return false, err
	}

	w.mu.Lock()
	w.stamp = stamp
	if sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fileStamp, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, [sha256.Size]byte{}, err
	}
	return cfg, stampOf(info), sha256.Sum256(data), nil
}
