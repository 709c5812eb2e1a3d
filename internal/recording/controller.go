package recording

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/event"
	"github.com/MrWong99/parley/internal/haptic"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/sched"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// deviceTimeout bounds synchronous device calls made from the metering loop.
const deviceTimeout = 2 * time.Second

// Outcome labels used for metrics.
const (
	outcomeFinalized = "finalized"
	outcomeDiscarded = "discarded"
)

// Option is a functional option for [New].
type Option func(*Controller)

// WithClock sets the scheduling clock. Defaults to [sched.Real].
func WithClock(c sched.Clock) Option {
	return func(ctl *Controller) {
		if c != nil {
			ctl.clock = c
		}
	}
}

// WithBus sets the event bus. Defaults to a private bus reachable through
// [Controller.Bus].
func WithBus(b *event.Bus) Option {
	return func(ctl *Controller) {
		if b != nil {
			ctl.bus = b
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(ctl *Controller) {
		if m != nil {
			ctl.metrics = m
		}
	}
}

// WithFaults wires the simulated hardware failures that force silence.
func WithFaults(f FaultSource) Option {
	return func(ctl *Controller) { ctl.faults = f }
}

// WithPlayback wires counterpart playback so user speech can barge in.
func WithPlayback(p audio.Playback) Option {
	return func(ctl *Controller) { ctl.playback = p }
}

// WithHaptics wires haptic feedback for listening and speaking transitions.
func WithHaptics(p *haptic.Pulser) Option {
	return func(ctl *Controller) { ctl.haptics = p }
}

// Controller runs listening episodes. It is safe for concurrent use.
//
// A listening episode spans StartListening to StopListening and contains any
// number of sessions. Device calls are serialised under one lock so a session
// never observes a handle from a previous one; queries read atomics and never
// block on the device.
type Controller struct {
	cfg         Config
	capture     audio.Capture
	transcriber stt.Transcriber

	clock    sched.Clock
	group    *sched.Group
	bus      *event.Bus
	metrics  *observe.Metrics
	faults   FaultSource
	playback audio.Playback
	haptics  *haptic.Pulser
	sampler  *Sampler

	// base is the parent of every transcription context. Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	detector *turn.Detector
	handle   audio.CaptureHandle
	cycle    uint64 // bumped whenever pending ticks must be ignored
	heard    bool   // speech confirmed in the current session
	closed   bool

	listening atomic.Bool
	speaking  atomic.Bool
	metering  atomic.Uint64 // math.Float64bits of the last level
	session   atomic.Pointer[Session]
}

// New creates a controller. capture and transcriber must be non-nil.
func New(cfg Config, capture audio.Capture, transcriber stt.Transcriber, opts ...Option) (*Controller, error) {
	if capture == nil {
		return nil, errors.New("recording: capture must not be nil")
	}
	if transcriber == nil {
		return nil, errors.New("recording: transcriber must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	det, err := turn.New(cfg.Turn)
	if err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:         cfg,
		capture:     capture,
		transcriber: transcriber,
		clock:       sched.Real(),
		detector:    det,
	}
	for _, o := range opts {
		o(c)
	}
	if c.bus == nil {
		c.bus = event.NewBus(event.WithClock(c.clock.Now))
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.group = sched.NewGroup(c.clock)
	c.sampler = NewSampler(c.faults, c.clock.Now)
	c.base, c.cancel = context.WithCancel(context.Background())
	c.metering.Store(math.Float64bits(audio.SilenceFloorDB))
	return c, nil
}

// Bus returns the bus the controller publishes on.
func (c *Controller) Bus() *event.Bus { return c.bus }

// Config returns the controller configuration.
func (c *Controller) Config() Config { return c.cfg }

// ── Queries ──────────────────────────────────────────────────────────────────

// MeteringValue returns the last level fed to the detector, in dBFS. Forced
// samples read as the silence floor.
func (c *Controller) MeteringValue() float64 {
	return math.Float64frombits(c.metering.Load())
}

// IsListening reports whether a listening episode is active.
func (c *Controller) IsListening() bool { return c.listening.Load() }

// IsUserSpeaking reports whether the detector has confirmed speech in the
// current session.
func (c *Controller) IsUserSpeaking() bool { return c.speaking.Load() }

// CurrentSession returns a copy of the most recent session, or false when no
// session has started yet.
func (c *Controller) CurrentSession() (Session, bool) {
	s := c.session.Load()
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// ── Listening lifecycle ──────────────────────────────────────────────────────

// StartListening opens the microphone and begins a listening episode.
//
// Returns [ErrAlreadyListening] when an episode is active, [ErrClosed] after
// Close, or an error wrapping [audio.ErrPermissionDenied] or
// [audio.ErrCaptureOpen] when the device could not be opened.
func (c *Controller) StartListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.listening.Load() {
		return ErrAlreadyListening
	}
	if err := c.startSessionLocked(ctx); err != nil {
		return err
	}
	c.listening.Store(true)
	c.metrics.ListeningSessions.Add(ctx, 1)
	c.bus.Emit(event.KindListeningChanged, event.StateChange{Active: true})
	c.haptics.Pulse(haptic.StyleMedium)
	slog.Info("listening started")
	return nil
}

// StopListening ends the listening episode. A session that heard speech and
// ran for at least MinDuration is finalized; anything else is discarded.
// StopListening is idempotent and leaves no timer pending.
func (c *Controller) StopListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(ctx)
	return nil
}

func (c *Controller) stopLocked(ctx context.Context) {
	if !c.listening.Load() {
		return
	}
	c.listening.Store(false)
	if c.handle != nil {
		c.finishLocked(ctx, ReasonStopped)
	}
	c.cycle++
	c.group.CancelAll()
	c.detector.Reset()
	c.metering.Store(math.Float64bits(audio.SilenceFloorDB))

	c.metrics.ListeningSessions.Add(ctx, -1)
	c.bus.Emit(event.KindListeningChanged, event.StateChange{Active: false})
	c.haptics.Pulse(haptic.StyleLight)
	slog.Info("listening stopped")
}

// Wait blocks until every in-flight transcription has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Close stops listening, refuses further episodes and waits for in-flight
// transcriptions until ctx is done, after which they are cancelled.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	c.stopLocked(ctx)
	c.closed = true
	c.group.Stop()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	defer c.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return fmt.Errorf("recording: close: %w", ctx.Err())
	}
}

// ── Session cycle ────────────────────────────────────────────────────────────

// startSessionLocked opens capture and arms the metering loop and the
// max-duration timer for a fresh session.
func (c *Controller) startSessionLocked(ctx context.Context) error {
	h, err := c.openCapture(ctx)
	if err != nil {
		return err
	}

	c.handle = h
	c.cycle++
	cycle := c.cycle
	c.heard = false
	c.detector.Begin()

	s := &Session{
		ID:          uuid.NewString(),
		StartTime:   c.clock.Now(),
		MinDuration: c.cfg.MinDuration,
		MaxDuration: c.cfg.MaxDuration,
		Status:      StatusActive,
	}
	c.session.Store(s)

	if _, err := c.sampler.Run(c.group, c.cfg.PollInterval, h, func(smp turn.Sample) {
		c.tick(cycle, smp)
	}); err != nil {
		c.abortSessionLocked(ctx)
		return fmt.Errorf("recording: start metering: %w", err)
	}
	if _, err := c.group.After(c.cfg.MaxDuration, func() { c.maxDurationReached(cycle) }); err != nil {
		c.abortSessionLocked(ctx)
		return fmt.Errorf("recording: arm max duration: %w", err)
	}
	slog.Debug("session started", "session_id", s.ID)
	return nil
}

// abortSessionLocked releases a half-started session without publishing.
func (c *Controller) abortSessionLocked(ctx context.Context) {
	c.cycle++
	c.group.CancelAll()
	if c.handle != nil {
		_, _ = c.handle.Close(ctx)
		c.handle = nil
	}
	c.detector.Reset()
}

// openCapture opens the microphone, retrying transient failures.
func (c *Controller) openCapture(ctx context.Context) (audio.CaptureHandle, error) {
	h, err := resilience.Retry(ctx, resilience.RetryPolicy{
		Name:     "capture open",
		Attempts: c.cfg.CaptureOpenAttempts,
		Retryable: func(err error) bool {
			return !errors.Is(err, audio.ErrPermissionDenied)
		},
	}, c.capture.Open)
	if err == nil {
		return h, nil
	}
	reason := "open_failed"
	if errors.Is(err, audio.ErrPermissionDenied) {
		reason = "permission_denied"
	}
	c.metrics.RecordCaptureFailure(ctx, reason)
	slog.Warn("capture open failed", "reason", reason, "err", err)
	if errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, audio.ErrCaptureOpen) {
		return nil, fmt.Errorf("recording: open capture: %w", err)
	}
	return nil, fmt.Errorf("recording: open capture: %w: %w", audio.ErrCaptureOpen, err)
}

// tick processes one metering sample.
func (c *Controller) tick(cycle uint64, smp turn.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle != cycle || c.handle == nil {
		return
	}

	level := smp.LevelDB
	if smp.Forced {
		level = audio.SilenceFloorDB
	}
	c.metering.Store(math.Float64bits(level))

	switch c.detector.Process(smp) {
	case turn.EventSpeakingStarted:
		c.heard = true
		c.speaking.Store(true)
		c.bus.Emit(event.KindSpeakingChanged, event.StateChange{Active: true})
		c.haptics.Pulse(haptic.StyleLight)
		c.bargeInLocked()
	case turn.EventSilenceConfirmed:
		ctx, cancel := context.WithTimeout(c.base, deviceTimeout)
		defer cancel()
		c.finishLocked(ctx, ReasonSilence)
	}
}

// bargeInLocked stops counterpart playback when the user starts talking.
// Stop returns before the next sample is processed.
func (c *Controller) bargeInLocked() {
	if c.playback == nil || !c.playback.IsPlaying() {
		return
	}
	ctx, cancel := context.WithTimeout(c.base, deviceTimeout)
	defer cancel()
	if err := c.playback.Stop(ctx); err != nil {
		slog.Warn("barge-in: stop playback failed", "err", err)
	}
	var id string
	if s := c.session.Load(); s != nil {
		id = s.ID
	}
	c.metrics.RecordBargeIn(ctx)
	c.bus.Emit(event.KindBargeIn, event.BargeIn{SessionID: id})
	slog.Debug("barge-in", "session_id", id)
}

func (c *Controller) maxDurationReached(cycle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycle != cycle || c.handle == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.base, deviceTimeout)
	defer cancel()
	c.finishLocked(ctx, ReasonMaxDuration)
}

// finishLocked closes the current capture and decides the session's fate.
// While still listening the next session is started: immediately after a
// discard, after SettleDelay after a finalize.
func (c *Controller) finishLocked(ctx context.Context, reason string) {
	cur := c.session.Load()
	if cur == nil || c.handle == nil {
		return
	}
	c.cycle++
	c.group.CancelAll()

	c.detector.ForceFinalize()
	rec, closeErr := c.handle.Close(ctx)
	c.handle = nil
	elapsed := c.clock.Now().Sub(cur.StartTime)

	if c.speaking.Swap(false) {
		c.bus.Emit(event.KindSpeakingChanged, event.StateChange{Active: false})
	}

	s := *cur
	outcome := event.SessionOutcome{SessionID: s.ID, Duration: elapsed, Reason: reason}
	switch {
	case closeErr != nil:
		slog.Warn("capture close failed", "session_id", s.ID, "err", closeErr)
		outcome.Reason = ReasonCaptureLost
		s.Status = StatusDiscarded
	case !c.heard:
		outcome.Reason = ReasonNoSpeech
		s.Status = StatusDiscarded
	case elapsed < c.cfg.MinDuration:
		outcome.Reason = ReasonTooShort
		s.Status = StatusDiscarded
	default:
		s.Status = StatusFinalized
	}
	c.session.Store(&s)
	c.heard = false
	c.detector.Reset()

	if s.Status == StatusDiscarded {
		c.metrics.RecordUtterance(ctx, outcomeDiscarded, elapsed)
		c.bus.Emit(event.KindSessionDiscarded, outcome)
		slog.Debug("session discarded", "session_id", s.ID, "reason", outcome.Reason, "elapsed", elapsed)
		if c.listening.Load() {
			if err := c.startSessionLocked(ctx); err != nil {
				c.failLocked(ctx, err)
			}
		}
		return
	}

	c.metrics.RecordUtterance(ctx, outcomeFinalized, elapsed)
	c.bus.Emit(event.KindSessionFinalized, outcome)
	slog.Info("session finalized", "session_id", s.ID, "reason", reason, "elapsed", elapsed)

	c.wg.Add(1)
	go c.transcribe(s, rec)

	if c.listening.Load() {
		cycle := c.cycle
		if _, err := c.group.After(c.cfg.SettleDelay, func() { c.restart(cycle) }); err != nil {
			c.failLocked(ctx, err)
		}
	}
}

// restart opens the next session once the settle delay has passed.
func (c *Controller) restart(cycle uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening.Load() || c.closed || c.cycle != cycle {
		return
	}
	ctx, cancel := context.WithTimeout(c.base, deviceTimeout)
	defer cancel()
	if err := c.startSessionLocked(ctx); err != nil {
		c.failLocked(ctx, err)
	}
}

// failLocked ends the episode after the capture could not be reopened.
func (c *Controller) failLocked(ctx context.Context, err error) {
	slog.Error("listening ended by capture failure", "err", err)
	c.bus.Emit(event.KindError, event.Error{Op: "capture", Message: err.Error()})
	c.stopLocked(ctx)
}

// transcribe hands a finalized recording to the transcriber.
func (c *Controller) transcribe(s Session, rec audio.Recording) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.base, c.cfg.TranscribeTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "recording.transcribe",
		trace.WithAttributes(attribute.String("session.id", s.ID)))
	log := observe.Logger(ctx).With("session_id", s.ID)

	start := time.Now()
	tr, err := c.transcriber.Transcribe(ctx, rec)
	c.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	if err != nil {
		c.metrics.RecordProviderError(ctx, "stt", "transcribe")
		log.Warn("transcription failed", "err", err)
		c.bus.Emit(event.KindError, event.Error{Op: "transcribe", Message: err.Error()})
		return
	}
	if tr.IsEmpty() {
		log.Debug("transcription empty, dropped")
		return
	}
	c.bus.Emit(event.KindTranscription, event.Transcription{SessionID: s.ID, Text: tr.Text})
}
