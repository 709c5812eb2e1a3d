package chaos

import (
	"errors"
	"fmt"
)

// NoiseType selects the synthesized background bed mixed into counterpart
// audio.
type NoiseType string

const (
	NoiseOffice  NoiseType = "office"
	NoiseRain    NoiseType = "rain"
	NoiseTraffic NoiseType = "traffic"
	NoiseCafe    NoiseType = "cafe"
)

// IsValid reports whether n is a known noise type.
func (n NoiseType) IsValid() bool {
	switch n {
	case NoiseOffice, NoiseRain, NoiseTraffic, NoiseCafe:
		return true
	}
	return false
}

// MaxFrequency is the highest accepted Frequency: one disruption per second.
const MaxFrequency = 60

// Config is the full disruption configuration.
type Config struct {
	// Enabled is the master switch. When false every transform is the
	// identity and every fault query reports normal operation.
	Enabled bool `json:"enabled"`

	// RandomVoiceGen enables pitch and timbre perturbation of counterpart
	// speech.
	RandomVoiceGen bool `json:"random_voice_gen"`

	// BackgroundNoise enables mixing a noise bed into counterpart speech.
	BackgroundNoise bool `json:"background_noise"`

	// HardwareFailure enables simulated microphone mutes and connection
	// drops.
	HardwareFailure bool `json:"hardware_failure"`

	// NoiseType selects the background bed.
	NoiseType NoiseType `json:"noise_type"`

	// Intensity scales every effect, from 0 (imperceptible) to 1 (maximum).
	Intensity float64 `json:"intensity"`

	// Frequency is the target number of automatic disruptions per minute,
	// at most [MaxFrequency]. Zero disables automatic triggering.
	Frequency float64 `json:"frequency"`
}

// DefaultConfig returns the disabled configuration used at startup and after
// [Engine.Cleanup].
func DefaultConfig() Config {
	return Config{
		NoiseType: NoiseOffice,
		Intensity: 0.5,
		Frequency: 1,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if !c.NoiseType.IsValid() {
		errs = append(errs, fmt.Errorf("chaos: unknown noise type %q", c.NoiseType))
	}
	if c.Intensity < 0 || c.Intensity > 1 {
		errs = append(errs, fmt.Errorf("chaos: intensity %.2f must be in [0, 1]", c.Intensity))
	}
	if c.Frequency < 0 || c.Frequency > MaxFrequency {
		errs = append(errs, fmt.Errorf("chaos: frequency %.2f must be in [0, %d]", c.Frequency, MaxFrequency))
	}
	return errors.Join(errs...)
}

// ConfigUpdate is a partial configuration. Nil fields keep their current
// value.
type ConfigUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	RandomVoiceGen  *bool      `json:"random_voice_gen,omitempty"`
	BackgroundNoise *bool      `json:"background_noise,omitempty"`
	HardwareFailure *bool      `json:"hardware_failure,omitempty"`
	NoiseType       *NoiseType `json:"noise_type,omitempty"`
	Intensity       *float64   `json:"intensity,omitempty"`
	Frequency       *float64   `json:"frequency,omitempty"`
}

// Apply returns c with every non-nil field of u applied.
func (u ConfigUpdate) Apply(c Config) Config {
	if u.Enabled != nil {
		c.Enabled = *u.Enabled
	}
	if u.RandomVoiceGen != nil {
		c.RandomVoiceGen = *u.RandomVoiceGen
	}
	if u.BackgroundNoise != nil {
		c.BackgroundNoise = *u.BackgroundNoise
	}
	if u.HardwareFailure != nil {
		c.HardwareFailure = *u.HardwareFailure
	}
	if u.NoiseType != nil {
		c.NoiseType = *u.NoiseType
	}
	if u.Intensity != nil {
		c.Intensity = *u.Intensity
	}
	if u.Frequency != nil {
		c.Frequency = *u.Frequency
	}
	return c
}
