package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; anything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DisruptionChanged bool // engine settings changed
	SchedulerChanged  bool // scheduler policy or bounds changed

	HapticsChanged bool
	NewHaptics     bool

	// RestartRequired names the top-level blocks whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DisruptionChanged && !d.SchedulerChanged &&
		!d.HapticsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Disruption.Engine() != new.Disruption.Engine() {
		d.DisruptionChanged = true
	}
	if old.Disruption.Scheduler != new.Disruption.Scheduler {
		d.SchedulerChanged = true
	}

	if old.Feedback.Haptics() != new.Feedback.Haptics() {
		d.HapticsChanged = true
		d.NewHaptics = new.Feedback.Haptics()
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Turn != new.Turn {
		d.RestartRequired = append(d.RestartRequired, "turn")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Gateway != new.Gateway {
		d.RestartRequired = append(d.RestartRequired, "gateway")
	}
	if old.Telemetry.ServiceName != new.Telemetry.ServiceName || old.Telemetry.SampleRatio() != new.Telemetry.SampleRatio() {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if old.Feedback.StorePath != new.Feedback.StorePath {
		d.RestartRequired = append(d.RestartRequired, "feedback")
	}

	return d
}
