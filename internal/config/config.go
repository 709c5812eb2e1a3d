// Package config provides the configuration schema, loader, hot-reload
// watcher and transcription provider registry for the parley server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/chaos"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

// LogLevel controls log verbosity for the parley server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the matching slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for parley.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Turn       TurnConfig       `yaml:"turn"`
	Disruption DisruptionConfig `yaml:"disruption"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Feedback   FeedbackConfig   `yaml:"feedback"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TurnConfig holds the turn detector thresholds and the session timing.
// Durations are in milliseconds.
type TurnConfig struct {
	SpeakingThresholdDB   float64 `yaml:"speaking_threshold_db"`
	MinSpeakingFrames     int     `yaml:"min_speaking_frames"`
	SilenceFrameThreshold int     `yaml:"silence_frame_threshold"`
	PollIntervalMS        int     `yaml:"poll_interval_ms"`
	MinDurationMS         int     `yaml:"min_duration_ms"`
	MaxDurationMS         int     `yaml:"max_duration_ms"`
	SettleDelayMS         int     `yaml:"settle_delay_ms"`
	TranscribeTimeoutMS   int     `yaml:"transcribe_timeout_ms"`
}

// Recording converts the block into a controller configuration.
func (t TurnConfig) Recording() recording.Config {
	cfg := recording.DefaultConfig()
	cfg.Turn = turn.Config{
		SpeakingThresholdDB:   t.SpeakingThresholdDB,
		MinSpeakingFrames:     t.MinSpeakingFrames,
		SilenceFrameThreshold: t.SilenceFrameThreshold,
	}
	cfg.PollInterval = ms(t.PollIntervalMS)
	cfg.MinDuration = ms(t.MinDurationMS)
	cfg.MaxDuration = ms(t.MaxDurationMS)
	cfg.SettleDelay = ms(t.SettleDelayMS)
	cfg.TranscribeTimeout = ms(t.TranscribeTimeoutMS)
	return cfg
}

// DisruptionConfig is the chaos engine block. Hot-reloadable as a whole.
type DisruptionConfig struct {
	Enabled         bool            `yaml:"enabled"`
	RandomVoiceGen  bool            `yaml:"random_voice_gen"`
	BackgroundNoise bool            `yaml:"background_noise"`
	HardwareFailure bool            `yaml:"hardware_failure"`
	NoiseType       chaos.NoiseType `yaml:"noise_type"`

	// Intensity in [0, 1]. Defaults to 0.5 when omitted.
	Intensity *float64 `yaml:"intensity"`

	// Frequency is the target number of hardware failures per minute.
	// Defaults to 1 when omitted; 0 disables automatic failures.
	Frequency *float64 `yaml:"frequency"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Engine converts the block into an engine configuration.
func (d DisruptionConfig) Engine() chaos.Config {
	cfg := chaos.DefaultConfig()
	cfg.Enabled = d.Enabled
	cfg.RandomVoiceGen = d.RandomVoiceGen
	cfg.BackgroundNoise = d.BackgroundNoise
	cfg.HardwareFailure = d.HardwareFailure
	if d.NoiseType != "" {
		cfg.NoiseType = d.NoiseType
	}
	if d.Intensity != nil {
		cfg.Intensity = *d.Intensity
	}
	if d.Frequency != nil {
		cfg.Frequency = *d.Frequency
	}
	return cfg
}

// SchedulerConfig configures automatic disruptions. Durations are in
// milliseconds.
type SchedulerConfig struct {
	AutoStart      bool         `yaml:"auto_start"`
	Policy         chaos.Policy `yaml:"policy"`
	TickIntervalMS int          `yaml:"tick_interval_ms"`
	MinFailureMS   int          `yaml:"min_failure_ms"`
	MaxFailureMS   int          `yaml:"max_failure_ms"`
}

// Chaos converts the block into a scheduler configuration.
func (s SchedulerConfig) Chaos() chaos.SchedulerConfig {
	return chaos.SchedulerConfig{
		AutoStart:    s.AutoStart,
		Policy:       s.Policy,
		TickInterval: ms(s.TickIntervalMS),
		MinFailure:   ms(s.MinFailureMS),
		MaxFailure:   ms(s.MaxFailureMS),
	}
}

// ProvidersConfig selects the transcription providers. STT is the primary;
// STTFallbacks are tried in order when the primary's breaker is open.
type ProvidersConfig struct {
	STT          ProviderEntry   `yaml:"stt"`
	STTFallbacks []ProviderEntry `yaml:"stt_fallbacks"`

	// Breaker tunes the circuit breaker placed in front of each transcriber.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes provider circuit breakers. Zero values take the
// breaker defaults.
type BreakerConfig struct {
	MaxFailures    int `yaml:"max_failures"`
	ResetTimeoutMS int `yaml:"reset_timeout_ms"`
	HalfOpenMax    int `yaml:"half_open_max"`
}

// ResetTimeout returns the open period as a duration.
func (b BreakerConfig) ResetTimeout() time.Duration { return ms(b.ResetTimeoutMS) }

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3", "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// GatewayConfig configures the device and observer WebSocket endpoint.
type GatewayConfig struct {
	// Path is the HTTP path of the WebSocket endpoint.
	Path string `yaml:"path"`

	// CaptureSampleRate is the sample rate of microphone PCM sent by the device.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	Opus OpusConfig `yaml:"opus"`
}

// OpusConfig configures counterpart audio sent to the device.
type OpusConfig struct {
	// Enabled switches from raw PCM to Opus packets.
	Enabled    bool `yaml:"enabled"`
	SampleRate int  `yaml:"sample_rate"`
	Channels   int  `yaml:"channels"`
	Bitrate    int  `yaml:"bitrate"`
}

// Encoder converts the block into an encoder configuration.
func (o OpusConfig) Encoder() opus.Config {
	cfg := opus.DefaultConfig()
	cfg.SampleRate = o.SampleRate
	cfg.Channels = o.Channels
	cfg.Bitrate = o.Bitrate
	return cfg
}

// FeedbackConfig holds the user's feedback preferences.
type FeedbackConfig struct {
	// HapticsEnabled defaults to true when omitted. Hot-reloadable.
	HapticsEnabled *bool `yaml:"haptics_enabled"`

	// StorePath persists runtime changes to the preference. Empty keeps them
	// in memory.
	StorePath string `yaml:"store_path"`
}

// Haptics reports the effective haptics preference.
func (f FeedbackConfig) Haptics() bool {
	return f.HapticsEnabled == nil || *f.HapticsEnabled
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported on every metric and span. Default: "parley".
	ServiceName string `yaml:"service_name"`

	// TraceSampleRatio is the fraction of root spans recorded, in [0, 1].
	// Default: 1.
	TraceSampleRatio *float64 `yaml:"trace_sample_ratio"`
}

// SampleRatio returns the configured trace sample ratio or 1 when unset.
func (t TelemetryConfig) SampleRatio() float64 {
	if t.TraceSampleRatio == nil {
		return 1
	}
	return *t.TraceSampleRatio
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
