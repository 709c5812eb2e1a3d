// Package mock provides in-memory implementations of the [audio.Capture],
// [audio.CaptureHandle] and [audio.Playback] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	c := &mock.Capture{}
//	c.SetLevels(-10, -10, -60)
//	h, err := c.Open(ctx)
//	db, _ := h.Level() // -10
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Capture ─────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture]. Every handle it opens
// reads levels from the same shared script, so tests can drive the metering
// loop across capture restarts.
type Capture struct {
	mu sync.Mutex

	// OpenErrors is consumed front to back: each Open call pops the first
	// entry and returns it when non-nil. Once exhausted, Open succeeds.
	OpenErrors []error

	// Recording is returned by every handle's Close.
	Recording audio.Recording

	// LevelErr, when non-nil, is returned by every Level call.
	LevelErr error

	levels    []float64
	levelIdx  int
	hold      float64
	holdSet   bool
	openCalls int
	handles   []*Handle
}

// Compile-time interface assertions.
var (
	_ audio.Capture       = (*Capture)(nil)
	_ audio.CaptureHandle = (*Handle)(nil)
	_ audio.Playback      = (*Playback)(nil)
)

// SetLevels replaces the level script. Once the script is exhausted, Level
// keeps returning the last value (or -160 for an empty script).
func (c *Capture) SetLevels(levels ...float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels = append([]float64(nil), levels...)
	c.levelIdx = 0
	c.holdSet = false
}

// Hold makes every later Level call return db until SetLevels is called.
func (c *Capture) Hold(db float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = db
	c.holdSet = true
}

// Open implements [audio.Capture].
func (c *Capture) Open(_ context.Context) (audio.CaptureHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openCalls++
	if len(c.OpenErrors) > 0 {
		err := c.OpenErrors[0]
		c.OpenErrors = c.OpenErrors[1:]
		if err != nil {
			return nil, err
		}
	}
	h := &Handle{c: c}
	c.handles = append(c.handles, h)
	return h, nil
}

// OpenCalls returns how many times Open was called.
func (c *Capture) OpenCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openCalls
}

// Handles returns every handle opened so far, in order.
func (c *Capture) Handles() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handle, len(c.handles))
	copy(out, c.handles)
	return out
}

// OpenHandles returns the number of handles that have not been closed.
func (c *Capture) OpenHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles {
		if !h.closed {
			n++
		}
	}
	return n
}

func (c *Capture) nextLevel() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.LevelErr != nil {
		return 0, c.LevelErr
	}
	if c.holdSet {
		return c.hold, nil
	}
	if len(c.levels) == 0 {
		return audio.SilenceFloorDB, nil
	}
	if c.levelIdx >= len(c.levels) {
		return c.levels[len(c.levels)-1], nil
	}
	v := c.levels[c.levelIdx]
	c.levelIdx++
	return v, nil
}

// Handle is a mock [audio.CaptureHandle] returned by [Capture.Open]. Its
// closed flag is guarded by the parent capture's mutex.
type Handle struct {
	c      *Capture
	closed bool
}

// Level implements [audio.CaptureHandle].
func (h *Handle) Level() (float64, error) {
	h.c.mu.Lock()
	closed := h.closed
	h.c.mu.Unlock()
	if closed {
		return 0, audio.ErrCaptureClosed
	}
	return h.c.nextLevel()
}

// Close implements [audio.CaptureHandle].
func (h *Handle) Close(_ context.Context) (audio.Recording, error) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.closed {
		return audio.Recording{}, audio.ErrCaptureClosed
	}
	h.closed = true
	return h.c.Recording, nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.closed
}

// ─── Playback ────────────────────────────────────────────────────────────────

// Playback is a mock implementation of [audio.Playback].
type Playback struct {
	mu sync.Mutex

	// PlayErr is returned by every Play call.
	PlayErr error

	// StopErr is returned by every Stop call.
	StopErr error

	// OnStop, when non-nil, runs inside Stop before it returns.
	OnStop func()

	playing bool
	played  []audio.AudioFrame
	stops   int
}

// Play implements [audio.Playback]. It records the frame and marks the mock
// as playing.
func (p *Playback) Play(frame audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlayErr != nil {
		return p.PlayErr
	}
	p.played = append(p.played, frame)
	p.playing = true
	return nil
}

// Stop implements [audio.Playback].
func (p *Playback) Stop(_ context.Context) error {
	p.mu.Lock()
	p.stops++
	p.playing = false
	fn := p.OnStop
	err := p.StopErr
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return err
}

// IsPlaying implements [audio.Playback].
func (p *Playback) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// SetPlaying forces the playing flag.
func (p *Playback) SetPlaying(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = v
}

// Played returns a copy of every frame passed to Play.
func (p *Playback) Played() []audio.AudioFrame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.AudioFrame, len(p.played))
	copy(out, p.played)
	return out
}

// StopCalls returns how many times Stop was called.
func (p *Playback) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}
