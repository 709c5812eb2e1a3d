package chaos

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/sched"
)

// Policy selects how the [Scheduler] turns Frequency into triggers.
type Policy string

const (
	// PolicyInterval triggers exactly every 60s / Frequency.
	PolicyInterval Policy = "interval"

	// PolicyProbabilistic evaluates every TickInterval and triggers with
	// probability Frequency × TickInterval / 60s, clamped to 1.
	PolicyProbabilistic Policy = "probabilistic"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	return p == PolicyInterval || p == PolicyProbabilistic
}

// SchedulerConfig configures automatic disruptions.
type SchedulerConfig struct {
	// AutoStart starts the scheduler when the application starts.
	AutoStart bool

	// Policy is the trigger policy.
	Policy Policy

	// TickInterval is the evaluation period of [PolicyProbabilistic].
	TickInterval time.Duration

	// MinFailure and MaxFailure bound the failure duration, which is
	// interpolated by Intensity.
	MinFailure time.Duration
	MaxFailure time.Duration
}

// DefaultSchedulerConfig returns the interval policy with 1–5 s failures.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Policy:       PolicyInterval,
		TickInterval: 5 * time.Second,
		MinFailure:   time.Second,
		MaxFailure:   5 * time.Second,
	}
}

// Validate reports every invalid field.
func (c SchedulerConfig) Validate() error {
	var errs []error
	if !c.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("chaos: unknown scheduler policy %q", c.Policy))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("chaos: tick interval must be positive, got %s", c.TickInterval))
	}
	if c.MinFailure <= 0 {
		errs = append(errs, fmt.Errorf("chaos: min failure must be positive, got %s", c.MinFailure))
	}
	if c.MaxFailure < c.MinFailure {
		errs = append(errs, fmt.Errorf("chaos: max failure %s is below min failure %s", c.MaxFailure, c.MinFailure))
	}
	return errors.Join(errs...)
}

// failureDuration interpolates between MinFailure and MaxFailure.
func (c SchedulerConfig) failureDuration(intensity float64) time.Duration {
	span := float64(c.MaxFailure - c.MinFailure)
	return c.MinFailure + time.Duration(intensity*span)
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the clock that drives triggers.
func WithSchedulerClock(c sched.Clock) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSchedulerRand sets the random source for trigger decisions.
func WithSchedulerRand(src rand.Source) SchedulerOption {
	return func(s *Scheduler) {
		if src != nil {
			s.rng = rand.New(src)
		}
	}
}

// Scheduler triggers hardware failures on an [Engine] without external
// stimulus. It reads Frequency and Intensity from the engine when it starts
// and on every trigger; restart it after changing Frequency.
type Scheduler struct {
	engine *Engine
	clock  sched.Clock
	group  *sched.Group

	mu      sync.Mutex
	cfg     SchedulerConfig
	rng     *rand.Rand
	running bool
}

// NewScheduler creates a stopped scheduler for engine.
func NewScheduler(engine *Engine, cfg SchedulerConfig, opts ...SchedulerOption) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		engine: engine,
		clock:  sched.Real(),
		cfg:    cfg,
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	s.group = sched.NewGroup(s.clock)
	return s, nil
}

// Start arms the trigger task. Calling Start while running is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.armLocked(); err != nil {
		return err
	}
	s.running = true
	slog.Info("chaos: automatic disruptions started", "policy", s.cfg.Policy, "frequency", s.engine.Config().Frequency)
	return nil
}

// Stop cancels every pending trigger. Calling Stop while stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.group.CancelAll()
	s.running = false
	slog.Info("chaos: automatic disruptions stopped")
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reconfigure replaces the scheduler configuration and, when running, re-arms
// with the new settings and the engine's current Frequency.
func (s *Scheduler) Reconfigure(cfg SchedulerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !s.running {
		return nil
	}
	s.group.CancelAll()
	return s.armLocked()
}

// Config returns the scheduler configuration.
func (s *Scheduler) Config() SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// armLocked schedules the repeating trigger task. With Frequency zero no task
// is armed. Must be called with s.mu held.
func (s *Scheduler) armLocked() error {
	freq := s.engine.Config().Frequency
	if freq <= 0 {
		return nil
	}

	var err error
	switch s.cfg.Policy {
	case PolicyProbabilistic:
		tick := s.cfg.TickInterval
		p := min(freq*tick.Seconds()/60, 1)
		_, err = s.group.Every(tick, func() {
			if s.chance(p) {
				s.trigger()
			}
		})
	default:
		period := time.Duration(float64(time.Minute) / freq)
		_, err = s.group.Every(period, s.trigger)
	}
	if err != nil {
		return fmt.Errorf("chaos: arm scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) chance(p float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < p
}

// trigger picks a failure type, weighted two mic mutes to one connection
// drop, and applies it for an intensity-scaled duration.
func (s *Scheduler) trigger() {
	cfg := s.engine.Config()
	if !cfg.Enabled || !cfg.HardwareFailure {
		return
	}

	s.mu.Lock()
	t := TypeMicMute
	if s.rng.IntN(3) == 2 {
		t = TypeConnectionDrop
	}
	d := s.cfg.failureDuration(cfg.Intensity)
	s.mu.Unlock()

	if err := s.engine.SimulateHardwareFailure(t, d); err != nil {
		slog.Warn("chaos: automatic disruption failed", "type", t, "err", err)
	}
}
