package chaos

import (
	"maps"
	"time"
)

// Type identifies a kind of disruption.
type Type string

const (
	TypeVoiceVariation  Type = "voice_variation"
	TypeBackgroundNoise Type = "background_noise"
	TypeMicMute         Type = "mic_mute"
	TypeConnectionDrop  Type = "connection_drop"
)

// IsHardware reports whether t is a simulated hardware failure.
func (t Type) IsHardware() bool {
	return t == TypeMicMute || t == TypeConnectionDrop
}

// IsValid reports whether t is a known disruption type.
func (t Type) IsValid() bool {
	switch t {
	case TypeVoiceVariation, TypeBackgroundNoise, TypeMicMute, TypeConnectionDrop:
		return true
	}
	return false
}

// Continuous is the duration sentinel for a hardware failure that never
// expires on its own.
const Continuous time.Duration = -1

// Phase is the lifecycle transition recorded by a [LogEntry].
type Phase string

const (
	PhaseApplied Phase = "applied"
	PhaseExpired Phase = "expired"
	PhaseCleared Phase = "cleared"
)

// Params describes one disruption. Only the fields relevant to Type are set.
type Params struct {
	Type      Type      `json:"type"`
	Intensity float64   `json:"intensity"`
	NoiseType NoiseType `json:"noise_type,omitempty"`

	// Duration of a hardware failure; [Continuous] when open-ended.
	Duration time.Duration `json:"duration,omitempty"`

	// PitchSemitones is the pitch shift of a voice variation.
	PitchSemitones float64 `json:"pitch_semitones,omitempty"`

	// Tilt is the spectral tilt of a voice variation, negative for a darker
	// and positive for a brighter timbre.
	Tilt float64 `json:"tilt,omitempty"`

	// Gain is the peak amplitude of injected noise relative to full scale.
	Gain float64 `json:"gain,omitempty"`
}

// ActiveDisruption is a live hardware failure. At most one exists per type.
type ActiveDisruption struct {
	Type      Type          `json:"type"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Params    Params        `json:"params"`
}

// Continuous reports whether the failure never expires on its own.
func (a ActiveDisruption) Continuous() bool { return a.Duration == Continuous }

// LogEntry records one disruption transition.
type LogEntry struct {
	Type      Type      `json:"type"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Params    Params    `json:"params"`
}

// Statistics summarises applied disruptions since the last reset.
// TotalDisruptions always equals the sum of DisruptionsByType.
type Statistics struct {
	Enabled           bool         `json:"enabled"`
	TotalDisruptions  int          `json:"total_disruptions"`
	DisruptionsByType map[Type]int `json:"disruptions_by_type"`
}

func (s Statistics) clone() Statistics {
	s.DisruptionsByType = maps.Clone(s.DisruptionsByType)
	if s.DisruptionsByType == nil {
		s.DisruptionsByType = map[Type]int{}
	}
	return s
}
