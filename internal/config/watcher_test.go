package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/sched/fake"
)

const watchedYAML = `
server:
  log_level: info
providers:
  stt:
    name: whisper
    base_url: http://localhost:8081
disruption:
  enabled: true
  intensity: 0.4
`

const pollEvery = time.Second

// watchFixture is a watched config file polled on a fake clock.
type watchFixture struct {
	path    string
	clock   *fake.Clock
	w       *config.Watcher
	changes [][2]*config.Config
	rejects []error
	touches int
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	f := &watchFixture{
		path:  filepath.Join(t.TempDir(), "config.yaml"),
		clock: fake.New(time.Unix(0, 0)),
	}
	f.write(t, watchedYAML)

	w, err := config.NewWatcher(f.path,
		func(old, new *config.Config) { f.changes = append(f.changes, [2]*config.Config{old, new}) },
		config.WithInterval(pollEvery),
		config.WithWatchClock(f.clock),
		config.WithRejectHandler(func(err error) { f.rejects = append(f.rejects, err) }),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	f.w = w
	return f
}

// write replaces the file and bumps its mtime so a poll always notices.
func (f *watchFixture) write(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", f.path, err)
	}
	f.touch(t)
}

func (f *watchFixture) touch(t *testing.T) {
	t.Helper()
	f.touches++
	stamp := time.Unix(1_700_000_000, 0).Add(time.Duration(f.touches) * time.Minute)
	if err := os.Chtimes(f.path, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func (f *watchFixture) tick() { f.clock.Advance(pollEvery) }

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	f := newWatchFixture(t)
	cfg := f.w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v, want the initial file", cfg)
	}
	if f.clock.Pending() != 1 {
		t.Errorf("pending polls = %d, want 1", f.clock.Pending())
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file succeeded")
	}
}

func TestWatcher_AppliesEdit(t *testing.T) {
	t.Parallel()

	f := newWatchFixture(t)
	f.write(t, strings.NewReplacer("log_level: info", "log_level: debug", "intensity: 0.4", "intensity: 0.9").Replace(watchedYAML))

	f.tick()

	if len(f.changes) != 1 {
		t.Fatalf("onChange called %d times, want 1", len(f.changes))
	}
	old, cur := f.changes[0][0], f.changes[0][1]
	if old.Server.LogLevel != config.LogInfo || cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", old.Server.LogLevel, cur.Server.LogLevel)
	}
	if got := cur.Disruption.Engine().Intensity; got != 0.9 {
		t.Errorf("intensity = %v, want 0.9", got)
	}
	if f.w.Current() != cur {
		t.Error("Current() was not updated")
	}
}

func TestWatcher_RejectsInvalidEditOnce(t *testing.T) {
	t.Parallel()

	f := newWatchFixture(t)
	before := f.w.Current()
	f.write(t, "server:\n  log_level: bananas\n")

	f.tick()
	f.tick()
	f.tick()

	if len(f.changes) != 0 {
		t.Errorf("onChange called %d times for an invalid file", len(f.changes))
	}
	if len(f.rejects) != 1 {
		t.Errorf("reject handler called %d times, want 1", len(f.rejects))
	}
	if f.w.Current() != before {
		t.Error("Current() changed after an invalid edit")
	}

	// Fixing the file is picked up on the next poll.
	f.write(t, strings.Replace(watchedYAML, "log_level: info", "log_level: warn", 1))
	f.tick()
	if len(f.changes) != 1 || f.changes[0][0] != before {
		t.Fatalf("changes after fix = %d, want 1 from the last good config", len(f.changes))
	}
}

func TestWatcher_TouchWithoutEdit(t *testing.T) {
	t.Parallel()

	f := newWatchFixture(t)
	f.touch(t)
	f.tick()

	if len(f.changes) != 0 {
		t.Errorf("onChange called %d times for a touch", len(f.changes))
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	f := newWatchFixture(t)

	changed, err := f.w.Reload()
	if err != nil || changed {
		t.Fatalf("Reload() on unchanged file = %v, %v", changed, err)
	}

	if err := os.WriteFile(f.path, []byte(strings.Replace(watchedYAML, "0.4", "0.5", 1)), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err = f.w.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload() after edit = %v, %v", changed, err)
	}
	if got := f.w.Current().Disruption.Engine().Intensity; got != 0.5 {
		t.Errorf("intensity = %v, want 0.5", got)
	}

	if err := os.WriteFile(f.path, []byte("providers: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.w.Reload(); err == nil {
		t.Error("Reload() of a broken file returned nil error")
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()

	f := newWatchFixture(t)
	f.w.Stop()
	f.w.Stop()

	f.write(t, strings.Replace(watchedYAML, "info", "error", 1))
	f.tick()
	if len(f.changes) != 0 {
		t.Errorf("onChange called %d times after Stop", len(f.changes))
	}
}
