// Package turn classifies a stream of microphone amplitude samples into
// speaking and silence with frame-count debouncing.
//
// A [Detector] is a pure state machine: it owns no timers and performs no
// I/O. The recording controller feeds it one [Sample] per metering tick and
// reacts to the returned [Event]. Detectors are not safe for concurrent use;
// the owner serialises calls.
package turn

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// State is the detector's position in the capture cycle.
type State int

const (
	// StateIdle means no capture is running. Samples are ignored.
	StateIdle State = iota

	// StateCaptureActive means capture is running and no speech has been
	// confirmed yet.
	StateCaptureActive

	// StateSpeakingConfirmed means enough consecutive loud samples arrived and
	// the most recent sample was above threshold.
	StateSpeakingConfirmed

	// StateSilenceCountdown means speech was confirmed and at least one quiet
	// sample has arrived since the last loud one.
	StateSilenceCountdown

	// StateFinalizing means silence was confirmed (or finalization forced)
	// and the detector waits for [Detector.Reset] or [Detector.Begin].
	StateFinalizing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCaptureActive:
		return "CAPTURE_ACTIVE"
	case StateSpeakingConfirmed:
		return "SPEAKING_CONFIRMED"
	case StateSilenceCountdown:
		return "SILENCE_COUNTDOWN"
	case StateFinalizing:
		return "FINALIZING"
	default:
		return "UNKNOWN"
	}
}

// Event is the edge reported by [Detector.Process].
type Event int

const (
	// EventNone means the sample caused no externally visible transition.
	EventNone Event = iota

	// EventSpeakingStarted fires once per confirmed speech episode.
	EventSpeakingStarted

	// EventSilenceConfirmed fires once per utterance, when enough quiet samples
	// follow confirmed speech.
	EventSilenceConfirmed
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventSpeakingStarted:
		return "SPEAKING_STARTED"
	case EventSilenceConfirmed:
		return "SILENCE_CONFIRMED"
	default:
		return "UNKNOWN"
	}
}

// Sample is a single amplitude reading taken on a metering tick.
type Sample struct {
	// Timestamp is when the reading was taken.
	Timestamp time.Time

	// LevelDB is the metered level in dBFS, clamped to [-160, 0].
	LevelDB float64

	// Forced marks a reading overridden to silence by an active disruption.
	// Forced samples are processed as [audio.SilenceFloorDB] regardless of
	// LevelDB.
	Forced bool
}

// effectiveLevel returns the level the detector acts on.
func (s Sample) effectiveLevel() float64 {
	if s.Forced {
		return audio.SilenceFloorDB
	}
	return audio.ClampDB(s.LevelDB)
}

// Config holds the debounce thresholds.
type Config struct {
	// SpeakingThresholdDB is the level a sample must exceed to count as speech.
	SpeakingThresholdDB float64

	// MinSpeakingFrames is the number of consecutive loud samples required to
	// confirm speech.
	MinSpeakingFrames int

	// SilenceFrameThreshold is the number of consecutive quiet samples, after
	// confirmed speech, that end an utterance.
	SilenceFrameThreshold int
}

// DefaultConfig returns the thresholds tuned for a 100 ms metering interval:
// speech above -40 dBFS for two samples starts an utterance and roughly 1.2 s
// of silence ends it.
func DefaultConfig() Config {
	return Config{
		SpeakingThresholdDB:   -40,
		MinSpeakingFrames:     2,
		SilenceFrameThreshold: 12,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.SpeakingThresholdDB < audio.SilenceFloorDB || c.SpeakingThresholdDB >= 0 {
		errs = append(errs, fmt.Errorf("turn: speaking threshold %.1f dB must be in [%.0f, 0)", c.SpeakingThresholdDB, audio.SilenceFloorDB))
	}
	if c.MinSpeakingFrames < 1 {
		errs = append(errs, fmt.Errorf("turn: min speaking frames must be at least 1, got %d", c.MinSpeakingFrames))
	}
	if c.SilenceFrameThreshold < 1 {
		errs = append(errs, fmt.Errorf("turn: silence frame threshold must be at least 1, got %d", c.SilenceFrameThreshold))
	}
	return errors.Join(errs...)
}

// Detector is the speaking/silence state machine.
type Detector struct {
	cfg Config

	state          State
	speakingFrames int // consecutive loud samples before confirmation
	silenceFrames  int // consecutive quiet samples after confirmation
}

// New returns a detector in [StateIdle].
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Config returns the thresholds the detector was built with.
func (d *Detector) Config() Config { return d.cfg }

// State returns the current state.
func (d *Detector) State() State { return d.state }

// IsSpeaking reports whether an utterance is confirmed and not yet finalized.
func (d *Detector) IsSpeaking() bool {
	return d.state == StateSpeakingConfirmed || d.state == StateSilenceCountdown
}

// SpeakingFrames returns the current pre-confirmation loud-sample run.
func (d *Detector) SpeakingFrames() int { return d.speakingFrames }

// SilenceFrames returns the current post-confirmation quiet-sample run.
func (d *Detector) SilenceFrames() int { return d.silenceFrames }

// Begin clears the counters and moves to [StateCaptureActive]. Call it each
// time a new capture opens.
func (d *Detector) Begin() {
	d.speakingFrames = 0
	d.silenceFrames = 0
	d.state = StateCaptureActive
}

// Reset clears the counters and moves to [StateIdle].
func (d *Detector) Reset() {
	d.speakingFrames = 0
	d.silenceFrames = 0
	d.state = StateIdle
}

// ForceFinalize ends the current utterance regardless of state, as when the
// maximum capture duration is reached. It reports whether speech was
// confirmed at the time. Calling it on an idle or already finalizing detector
// returns false and changes nothing.
func (d *Detector) ForceFinalize() (wasSpeaking bool) {
	if d.state == StateIdle || d.state == StateFinalizing {
		return false
	}
	wasSpeaking = d.IsSpeaking()
	d.speakingFrames = 0
	d.silenceFrames = 0
	d.state = StateFinalizing
	return wasSpeaking
}

// Process advances the state machine by one sample.
func (d *Detector) Process(s Sample) Event {
	loud := s.effectiveLevel() > d.cfg.SpeakingThresholdDB

	switch d.state {
	case StateCaptureActive:
		if !loud {
			d.speakingFrames = 0
			return EventNone
		}
		d.speakingFrames++
		if d.speakingFrames < d.cfg.MinSpeakingFrames {
			return EventNone
		}
		d.speakingFrames = 0
		d.silenceFrames = 0
		d.state = StateSpeakingConfirmed
		return EventSpeakingStarted

	case StateSpeakingConfirmed, StateSilenceCountdown:
		if loud {
			d.silenceFrames = 0
			d.state = StateSpeakingConfirmed
			return EventNone
		}
		d.silenceFrames++
		if d.silenceFrames < d.cfg.SilenceFrameThreshold {
			d.state = StateSilenceCountdown
			return EventNone
		}
		d.speakingFrames = 0
		d.silenceFrames = 0
		d.state = StateFinalizing
		return EventSilenceConfirmed

	default:
		// Idle and Finalizing ignore input until the owner restarts capture.
		return EventNone
	}
}
