// Package haptic connects the recording controller to the device's vibration
// motor. The controller asks a [Settings] store whether haptics are on and,
// if so, fires a [Trigger]. Pulses are fire-and-forget: a trigger never
// reports failure and never blocks the caller.
package haptic

import (
	"github.com/MrWong99/parley/internal/event"
)

// Style is the strength of a pulse.
type Style string

const (
	StyleLight  Style = "light"
	StyleMedium Style = "medium"
	StyleHeavy  Style = "heavy"
)

// IsValid reports whether s is a known style.
func (s Style) IsValid() bool {
	switch s {
	case StyleLight, StyleMedium, StyleHeavy:
		return true
	}
	return false
}

// Settings is the read side of the user's feedback preferences.
type Settings interface {
	HapticFeedbackEnabled() bool
}

// Trigger fires a haptic pulse.
type Trigger interface {
	Pulse(style Style)
}

// TriggerFunc adapts a function to [Trigger].
type TriggerFunc func(Style)

// Pulse calls f.
func (f TriggerFunc) Pulse(s Style) { f(s) }

// BusTrigger forwards pulses to connected devices as [event.KindHaptic]
// events.
type BusTrigger struct {
	bus *event.Bus
}

var _ Trigger = (*BusTrigger)(nil)

// NewBusTrigger returns a trigger that publishes on bus.
func NewBusTrigger(bus *event.Bus) *BusTrigger {
	return &BusTrigger{bus: bus}
}

// Pulse publishes a haptic event.
func (t *BusTrigger) Pulse(s Style) {
	t.bus.Emit(event.KindHaptic, event.Haptic{Style: string(s)})
}

// Pulser combines a settings store and a trigger. The zero value and a nil
// *Pulser never pulse.
type Pulser struct {
	Settings Settings
	Trigger  Trigger
}

// Pulse fires s when both collaborators are set and haptics are enabled.
func (p *Pulser) Pulse(s Style) {
	if p == nil || p.Settings == nil || p.Trigger == nil {
		return
	}
	if !p.Settings.HapticFeedbackEnabled() {
		return
	}
	p.Trigger.Pulse(s)
}
