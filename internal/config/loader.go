package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/parley/internal/recording"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"whisper", "whisper-native", "deepgram", "openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	def := recording.DefaultConfig()
	t := &cfg.Turn
	if t.SpeakingThresholdDB == 0 {
		t.SpeakingThresholdDB = def.Turn.SpeakingThresholdDB
	}
	setInt(&t.MinSpeakingFrames, def.Turn.MinSpeakingFrames)
	setInt(&t.SilenceFrameThreshold, def.Turn.SilenceFrameThreshold)
	setInt(&t.PollIntervalMS, int(def.PollInterval.Milliseconds()))
	setInt(&t.MinDurationMS, int(def.MinDuration.Milliseconds()))
	setInt(&t.MaxDurationMS, int(def.MaxDuration.Milliseconds()))
	setInt(&t.SettleDelayMS, int(def.SettleDelay.Milliseconds()))
	setInt(&t.TranscribeTimeoutMS, int(def.TranscribeTimeout.Milliseconds()))

	s := &cfg.Disruption.Scheduler
	if s.Policy == "" {
		s.Policy = "interval"
	}
	setInt(&s.TickIntervalMS, 5000)
	setInt(&s.MinFailureMS, 1000)
	setInt(&s.MaxFailureMS, 5000)

	g := &cfg.Gateway
	if g.Path == "" {
		g.Path = "/ws"
	}
	setInt(&g.CaptureSampleRate, 16000)
	setInt(&g.Opus.SampleRate, 48000)
	setInt(&g.Opus.Channels, 1)
	setInt(&g.Opus.Bitrate, 32000)

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "parley"
	}
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if err := cfg.Turn.Recording().Validate(); err != nil {
		errs = append(errs, prefixed("turn", err))
	}
	if err := cfg.Disruption.Engine().Validate(); err != nil {
		errs = append(errs, prefixed("disruption", err))
	}
	if err := cfg.Disruption.Scheduler.Chaos().Validate(); err != nil {
		errs = append(errs, prefixed("disruption.scheduler", err))
	}

	if r := cfg.Telemetry.SampleRatio(); r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v must be within [0, 1]", r))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("stt", cfg.Providers.STT.Name)
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.ResetTimeoutMS < 0 || b.HalfOpenMax < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("stt", fb.Name)
	}

	// Gateway
	if !strings.HasPrefix(cfg.Gateway.Path, "/") {
		errs = append(errs, fmt.Errorf("gateway.path %q must start with /", cfg.Gateway.Path))
	}
	if cfg.Gateway.CaptureSampleRate < 8000 {
		errs = append(errs, fmt.Errorf("gateway.capture_sample_rate %d is below 8000", cfg.Gateway.CaptureSampleRate))
	}
	if cfg.Gateway.Opus.Enabled {
		if err := cfg.Gateway.Opus.Encoder().Validate(); err != nil {
			errs = append(errs, prefixed("gateway.opus", err))
		}
	}

	return errors.Join(errs...)
}

// prefixed labels every error joined in err with the config block it came from.
func prefixed(block string, err error) error {
	var out []error
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			out = append(out, fmt.Errorf("%s: %w", block, e))
		}
		return errors.Join(out...)
	}
	return fmt.Errorf("%s: %w", block, err)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, possibly a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
