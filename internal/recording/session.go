// Package recording drives the capture → detect → finalize → restart cycle.
//
// A [Controller] owns at most one active [Session] at a time. While listening
// it polls the capture level through a [Sampler] every PollInterval, lets the
// disruption engine force samples to silence, and feeds the result into a
// [turn.Detector]. When the detector confirms the end of an utterance (or the
// session hits MaxDuration) the capture is closed: recordings shorter than
// MinDuration are discarded, everything else is handed to the transcriber in
// the background and capture restarts after SettleDelay.
//
// All timers are [sched.Task] values owned by the controller's group, so
// StopListening and Close leave nothing behind.
package recording

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/turn"
)

// ErrAlreadyListening is returned by [Controller.StartListening] while a
// listening episode is active. The call changes nothing.
var ErrAlreadyListening = errors.New("recording: already listening")

// ErrClosed is returned by [Controller.StartListening] after Close.
var ErrClosed = errors.New("recording: controller closed")

// Status is the lifecycle state of a [Session].
type Status int

const (
	StatusActive Status = iota
	StatusFinalized
	StatusDiscarded
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFinalized:
		return "finalized"
	case StatusDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Session is one capture cycle.
type Session struct {
	ID          string        `json:"id"`
	StartTime   time.Time     `json:"start_time"`
	MinDuration time.Duration `json:"min_duration"`
	MaxDuration time.Duration `json:"max_duration"`
	Status      Status        `json:"status"`
}

// Elapsed returns how long the session has been running at now.
func (s Session) Elapsed(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// Finish reasons reported in session events.
const (
	ReasonSilence     = "silence"
	ReasonMaxDuration = "max_duration"
	ReasonStopped     = "stopped"
	ReasonTooShort    = "too_short"
	ReasonNoSpeech    = "no_speech"
	ReasonCaptureLost = "capture_lost"
)

// Config holds the controller timing and the turn detector thresholds.
type Config struct {
	// Turn configures the speaking/silence detector.
	Turn turn.Config

	// PollInterval is the metering cadence.
	PollInterval time.Duration

	// MinDuration is the shortest session that is transcribed.
	MinDuration time.Duration

	// MaxDuration forces finalization of a session that never goes quiet.
	MaxDuration time.Duration

	// SettleDelay is the pause between a finalized session and the next
	// capture, giving the device time to release.
	SettleDelay time.Duration

	// TranscribeTimeout bounds a single transcription call.
	TranscribeTimeout time.Duration

	// CaptureOpenAttempts is the number of tries to open the capture device,
	// including the first. Permission errors are never retried.
	CaptureOpenAttempts int
}

// DefaultConfig returns a 100 ms metering loop with a 0.5–30 s session window
// and a 200 ms settle delay.
func DefaultConfig() Config {
	return Config{
		Turn:                turn.DefaultConfig(),
		PollInterval:        100 * time.Millisecond,
		MinDuration:         500 * time.Millisecond,
		MaxDuration:         30 * time.Second,
		SettleDelay:         200 * time.Millisecond,
		TranscribeTimeout:   30 * time.Second,
		CaptureOpenAttempts: 2,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if err := c.Turn.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("recording: poll interval must be positive, got %s", c.PollInterval))
	}
	if c.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("recording: min duration must not be negative, got %s", c.MinDuration))
	}
	if c.MaxDuration <= c.MinDuration {
		errs = append(errs, fmt.Errorf("recording: max duration %s must exceed min duration %s", c.MaxDuration, c.MinDuration))
	}
	if c.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("recording: settle delay must not be negative, got %s", c.SettleDelay))
	}
	if c.TranscribeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("recording: transcribe timeout must be positive, got %s", c.TranscribeTimeout))
	}
	if c.CaptureOpenAttempts < 1 {
		errs = append(errs, fmt.Errorf("recording: capture open attempts must be at least 1, got %d", c.CaptureOpenAttempts))
	}
	return errors.Join(errs...)
}
