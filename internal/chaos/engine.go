// Package chaos degrades the practice conversation on purpose: it perturbs
// the counterpart's voice, mixes background noise into its speech and
// simulates microphone mutes and dropped connections.
//
// The [Engine] owns the disruption configuration, the live hardware faults
// and their expiry tasks, an append-only transition log and the applied
// disruption statistics. It never touches the capture device; the recording
// controller polls [Engine.IsMicMuted] and [Engine.IsConnectionDropped] on
// every metering tick and the playback path runs counterpart audio through
// [Engine.Transform].
//
// The [Scheduler] triggers hardware faults automatically at the configured
// frequency.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/event"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/sched"
	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrTimerFailure is returned when a hardware failure could not be
	// scheduled, either because the engine is closed or because its expiry
	// task could not be armed. Statistics are left untouched.
	ErrTimerFailure = errors.New("chaos: disruption timer failure")

	// ErrUnknownType is returned for a disruption type that is not a
	// hardware failure where one is required.
	ErrUnknownType = errors.New("chaos: unknown hardware failure type")

	// ErrInvalidDuration is returned for a non-positive duration that is not
	// [Continuous].
	ErrInvalidDuration = errors.New("chaos: invalid failure duration")
)

// Option configures an [Engine].
type Option func(*Engine)

// WithClock sets the clock that drives expiry tasks and timestamps.
// Defaults to the wall clock.
func WithClock(c sched.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithBus publishes disruption events to b.
func WithBus(b *event.Bus) Option {
	return func(e *Engine) { e.bus = b }
}

// WithMetrics records disruption counters on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithRand sets the random source for transform parameters and noise beds.
func WithRand(src rand.Source) Option {
	return func(e *Engine) {
		if src != nil {
			e.rng = rand.New(src)
		}
	}
}

// WithLogLimit keeps only the most recent n log entries. Zero (the default)
// keeps everything.
func WithLogLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.logLimit = n
		}
	}
}

// liveFailure is an active hardware failure plus its expiry task.
type liveFailure struct {
	ActiveDisruption
	task *sched.Task // nil for continuous failures
	gen  uint64
}

// Engine is the disruption engine. All methods are safe for concurrent use.
type Engine struct {
	clock    sched.Clock
	group    *sched.Group
	bus      *event.Bus
	metrics  *observe.Metrics
	logLimit int

	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	active map[Type]*liveFailure
	gen    uint64
	log    []LogEntry
	stats  Statistics
	closed bool

	// Fault flags mirror active ∧ enabled for lock-free reads on every
	// metering tick.
	micMuted    atomic.Bool
	connDropped atomic.Bool
}

// New creates an engine with cfg.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		clock:   sched.Real(),
		metrics: observe.DefaultMetrics(),
		cfg:     cfg,
		active:  make(map[Type]*liveFailure),
		stats:   Statistics{DisruptionsByType: map[Type]int{}},
	}
	for _, o := range opts {
		o(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	e.group = sched.NewGroup(e.clock)
	e.stats.Enabled = cfg.Enabled
	return e, nil
}

// ─── Configuration ───────────────────────────────────────────────────────────

// Initialize replaces the whole configuration.
func (e *Engine) Initialize(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.stats.Enabled = cfg.Enabled
	e.refreshFlagsLocked()
	e.mu.Unlock()

	slog.Debug("chaos: configuration replaced", "enabled", cfg.Enabled, "intensity", cfg.Intensity, "frequency", cfg.Frequency)
	return nil
}

// UpdateConfiguration merges u into the current configuration. The merged
// result is validated before it is applied; on error nothing changes.
func (e *Engine) UpdateConfiguration(u ConfigUpdate) (Config, error) {
	e.mu.Lock()
	next := u.Apply(e.cfg)
	if err := next.Validate(); err != nil {
		e.mu.Unlock()
		return Config{}, err
	}
	e.cfg = next
	e.stats.Enabled = next.Enabled
	e.refreshFlagsLocked()
	e.mu.Unlock()

	slog.Debug("chaos: configuration updated", "enabled", next.Enabled)
	return next, nil
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// ─── Transforms ──────────────────────────────────────────────────────────────

// Transform runs frame through voice variation and then background noise.
// It is the hook installed on the playback queue.
func (e *Engine) Transform(frame audio.AudioFrame) audio.AudioFrame {
	return e.InjectBackgroundNoise(e.ApplyVoiceVariation(frame))
}

// ApplyVoiceVariation perturbs the pitch and timbre of frame when the engine
// is enabled with RandomVoiceGen set. Otherwise frame is returned unchanged.
func (e *Engine) ApplyVoiceVariation(frame audio.AudioFrame) audio.AudioFrame {
	if len(frame.Data) < 2 {
		return frame
	}

	e.mu.Lock()
	if e.closed || !e.cfg.Enabled || !e.cfg.RandomVoiceGen {
		e.mu.Unlock()
		return frame
	}
	intensity := e.cfg.Intensity
	p := Params{
		Type:           TypeVoiceVariation,
		Intensity:      intensity,
		PitchSemitones: (e.rng.Float64()*2 - 1) * maxPitchSemitones * intensity,
		Tilt:           (e.rng.Float64()*2 - 1) * maxTilt * intensity,
	}
	e.recordLocked(TypeVoiceVariation, PhaseApplied, p)
	e.mu.Unlock()

	out := tiltFilter(pitchShift(frame, p.PitchSemitones), p.Tilt)
	e.announce(event.KindVoiceVariation, TypeVoiceVariation, PhaseApplied, p)
	return out
}

// InjectBackgroundNoise mixes the configured noise bed into frame when the
// engine is enabled with BackgroundNoise set. Otherwise frame is returned
// unchanged.
func (e *Engine) InjectBackgroundNoise(frame audio.AudioFrame) audio.AudioFrame {
	if len(frame.Data) < 2 {
		return frame
	}

	e.mu.Lock()
	if e.closed || !e.cfg.Enabled || !e.cfg.BackgroundNoise {
		e.mu.Unlock()
		return frame
	}
	p := Params{
		Type:      TypeBackgroundNoise,
		Intensity: e.cfg.Intensity,
		NoiseType: e.cfg.NoiseType,
		Gain:      e.cfg.Intensity * maxNoiseGain,
	}
	seed1, seed2 := e.rng.Uint64(), e.rng.Uint64()
	e.recordLocked(TypeBackgroundNoise, PhaseApplied, p)
	e.mu.Unlock()

	n := len(frame.Data) / 2
	bed := synthesizeNoise(p.NoiseType, n, frame.Channels, frame.SampleRate, p.Gain, rand.New(rand.NewPCG(seed1, seed2)))
	out := mixNoise(frame, bed)
	e.announce(event.KindNoiseInjection, TypeBackgroundNoise, PhaseApplied, p)
	return out
}

// ─── Hardware failures ───────────────────────────────────────────────────────

// SimulateHardwareFailure starts a mic_mute or connection_drop failure that
// lasts d, or until cleared when d is [Continuous]. A live failure of the same
// type is replaced and its expiry cancelled. When the engine is disabled or
// HardwareFailure is off the call is a no-op.
func (e *Engine) SimulateHardwareFailure(t Type, d time.Duration) error {
	if !t.IsHardware() {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if d <= 0 && d != Continuous {
		return fmt.Errorf("%w: %s", ErrInvalidDuration, d)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", ErrTimerFailure)
	}
	if !e.cfg.Enabled || !e.cfg.HardwareFailure {
		e.mu.Unlock()
		slog.Debug("chaos: hardware failure ignored, disabled", "type", t)
		return nil
	}

	e.gen++
	gen := e.gen
	var task *sched.Task
	if d != Continuous {
		var err error
		task, err = e.group.After(d, func() { e.expire(t, gen) })
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrTimerFailure, err)
		}
	}

	if prev, ok := e.active[t]; ok && prev.task != nil {
		prev.task.Cancel()
	}
	p := Params{Type: t, Intensity: e.cfg.Intensity, Duration: d}
	e.active[t] = &liveFailure{
		ActiveDisruption: ActiveDisruption{
			Type:      t,
			StartTime: e.clock.Now(),
			Duration:  d,
			Params:    p,
		},
		task: task,
		gen:  gen,
	}
	e.recordLocked(t, PhaseApplied, p)
	e.refreshFlagsLocked()
	e.mu.Unlock()

	slog.Info("chaos: hardware failure applied", "type", t, "duration", d)
	e.announce(event.KindHardwareFailure, t, PhaseApplied, p)
	return nil
}

// ClearHardwareFailure ends a live failure of type t early. It reports
// whether one was live.
func (e *Engine) ClearHardwareFailure(t Type) bool {
	e.mu.Lock()
	lf, ok := e.active[t]
	if !ok {
		e.mu.Unlock()
		return false
	}
	if lf.task != nil {
		lf.task.Cancel()
	}
	delete(e.active, t)
	e.recordLocked(t, PhaseCleared, lf.Params)
	e.refreshFlagsLocked()
	e.mu.Unlock()

	slog.Info("chaos: hardware failure cleared", "type", t)
	e.announce(event.KindHardwareRecovered, t, PhaseCleared, lf.Params)
	return true
}

// expire runs on the expiry task. gen guards against a failure that was
// replaced after the task fired but before it took the lock.
func (e *Engine) expire(t Type, gen uint64) {
	e.mu.Lock()
	lf, ok := e.active[t]
	if !ok || lf.gen != gen {
		e.mu.Unlock()
		return
	}
	delete(e.active, t)
	e.recordLocked(t, PhaseExpired, lf.Params)
	e.refreshFlagsLocked()
	e.mu.Unlock()

	slog.Info("chaos: hardware failure expired", "type", t)
	e.announce(event.KindHardwareRecovered, t, PhaseExpired, lf.Params)
}

// IsMicMuted reports whether a mic_mute failure is live and the engine is
// enabled.
func (e *Engine) IsMicMuted() bool { return e.micMuted.Load() }

// IsConnectionDropped reports whether a connection_drop failure is live and
// the engine is enabled.
func (e *Engine) IsConnectionDropped() bool { return e.connDropped.Load() }

// refreshFlagsLocked recomputes the lock-free fault flags. Must be called
// with e.mu held.
func (e *Engine) refreshFlagsLocked() {
	on := e.cfg.Enabled && !e.closed
	_, mute := e.active[TypeMicMute]
	_, drop := e.active[TypeConnectionDrop]
	e.micMuted.Store(on && mute)
	e.connDropped.Store(on && drop)
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// ActiveDisruptions returns the live hardware failures ordered by start
// time. It is empty while the engine is disabled.
func (e *Engine) ActiveDisruptions() []ActiveDisruption {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cfg.Enabled {
		return []ActiveDisruption{}
	}
	out := make([]ActiveDisruption, 0, len(e.active))
	for _, lf := range e.active {
		out = append(out, lf.ActiveDisruption)
	}
	slices.SortFunc(out, func(a, b ActiveDisruption) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		if a.Type < b.Type {
			return -1
		}
		if a.Type > b.Type {
			return 1
		}
		return 0
	})
	return out
}

// DisruptionLog returns a copy of the transition log, oldest first.
func (e *Engine) DisruptionLog() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.log)
}

// Statistics returns a snapshot of the applied disruption counters.
func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats.clone()
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Reset ends every live failure, cancels every pending expiry, and clears the
// log and statistics. The configuration is kept.
func (e *Engine) Reset() {
	cleared := e.reset(false, false)
	e.announceRecovered(cleared)
}

// Cleanup is [Engine.Reset] plus restoring [DefaultConfig]. Use it between
// training runs.
func (e *Engine) Cleanup() {
	cleared := e.reset(true, false)
	e.announceRecovered(cleared)
}

// Close resets the engine and stops it permanently. Later hardware failures
// return [ErrTimerFailure] and transforms become the identity. Close is
// idempotent.
func (e *Engine) Close() error {
	cleared := e.reset(false, true)
	e.announceRecovered(cleared)
	return nil
}

func (e *Engine) reset(restoreDefaults, stop bool) []Params {
	e.mu.Lock()
	defer e.mu.Unlock()

	if stop {
		e.group.Stop()
		e.closed = true
	} else {
		e.group.CancelAll()
	}

	var cleared []Params
	if e.cfg.Enabled {
		for _, lf := range e.active {
			cleared = append(cleared, lf.Params)
		}
	}
	clear(e.active)
	e.log = nil
	e.stats = Statistics{DisruptionsByType: map[Type]int{}}
	if restoreDefaults {
		e.cfg = DefaultConfig()
	}
	e.stats.Enabled = e.cfg.Enabled
	e.refreshFlagsLocked()
	return cleared
}

// ─── Internal ────────────────────────────────────────────────────────────────

// recordLocked appends a log entry and, for applied transitions, bumps the
// statistics. Must be called with e.mu held.
func (e *Engine) recordLocked(t Type, phase Phase, p Params) {
	e.log = append(e.log, LogEntry{
		Type:      t,
		Phase:     phase,
		Timestamp: e.clock.Now(),
		Params:    p,
	})
	if e.logLimit > 0 && len(e.log) > e.logLimit {
		e.log = slices.Delete(e.log, 0, len(e.log)-e.logLimit)
	}
	if phase == PhaseApplied {
		e.stats.TotalDisruptions++
		e.stats.DisruptionsByType[t]++
	}
}

// announce records metrics and publishes an event. Called without e.mu.
func (e *Engine) announce(kind event.Kind, t Type, phase Phase, p Params) {
	e.metrics.RecordDisruption(context.Background(), string(t), string(phase))
	if e.bus != nil {
		e.bus.Emit(kind, p)
	}
}

func (e *Engine) announceRecovered(cleared []Params) {
	if e.bus == nil {
		return
	}
	for _, p := range cleared {
		e.bus.Emit(event.KindHardwareRecovered, p)
	}
}
