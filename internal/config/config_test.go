package config_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/chaos"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9090"
  log_level: debug

turn:
  speaking_threshold_db: -35
  min_speaking_frames: 3
  silence_frame_threshold: 10
  poll_interval_ms: 50
  min_duration_ms: 400
  max_duration_ms: 20000
  settle_delay_ms: 150

disruption:
  enabled: true
  random_voice_gen: true
  background_noise: true
  hardware_failure: true
  noise_type: rain
  intensity: 0.7
  frequency: 3
  scheduler:
    auto_start: true
    policy: probabilistic
    tick_interval_ms: 2000
    min_failure_ms: 500
    max_failure_ms: 4000

providers:
  stt:
    name: deepgram
    api_key: dg-test
    model: nova-3
    options:
      language: de
      keywords:
        Riesling: 4
  stt_fallbacks:
    - name: whisper
      base_url: http://localhost:8081

gateway:
  path: /device
  capture_sample_rate: 24000
  opus:
    enabled: true
    sample_rate: 24000
    channels: 1
    bitrate: 24000

feedback:
  haptics_enabled: false

telemetry:
  service_name: parley-dev
`

const minimalYAML = `
providers:
  stt:
    name: whisper
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9090")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}

	rec := cfg.Turn.Recording()
	if rec.Turn.SpeakingThresholdDB != -35 || rec.Turn.MinSpeakingFrames != 3 || rec.Turn.SilenceFrameThreshold != 10 {
		t.Errorf("turn thresholds: got %+v", rec.Turn)
	}
	if rec.PollInterval != 50*time.Millisecond || rec.MaxDuration != 20*time.Second || rec.SettleDelay != 150*time.Millisecond {
		t.Errorf("turn timing: got %+v", rec)
	}

	eng := cfg.Disruption.Engine()
	want := chaos.Config{
		Enabled: true, RandomVoiceGen: true, BackgroundNoise: true, HardwareFailure: true,
		NoiseType: chaos.NoiseRain, Intensity: 0.7, Frequency: 3,
	}
	if eng != want {
		t.Errorf("disruption: got %+v, want %+v", eng, want)
	}
	sch := cfg.Disruption.Scheduler.Chaos()
	if !sch.AutoStart || sch.Policy != chaos.PolicyProbabilistic || sch.TickInterval != 2*time.Second ||
		sch.MinFailure != 500*time.Millisecond || sch.MaxFailure != 4*time.Second {
		t.Errorf("scheduler: got %+v", sch)
	}

	if cfg.Providers.STT.Name != "deepgram" {
		t.Errorf("providers.stt.name: got %q, want %q", cfg.Providers.STT.Name, "deepgram")
	}
	if got := cfg.Providers.STT.OptionString("language", "en"); got != "de" {
		t.Errorf("stt language option: got %q, want de", got)
	}
	if got := cfg.Providers.STT.OptionFloatMap("keywords"); got["Riesling"] != 4 {
		t.Errorf("stt keywords option: got %v", got)
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].Name != "whisper" {
		t.Errorf("providers.stt_fallbacks: got %+v", cfg.Providers.STTFallbacks)
	}

	if cfg.Gateway.Path != "/device" || !cfg.Gateway.Opus.Enabled || cfg.Gateway.Opus.Encoder().SampleRate != 24000 {
		t.Errorf("gateway: got %+v", cfg.Gateway)
	}
	if cfg.Feedback.Haptics() {
		t.Error("feedback.haptics_enabled: got true, want false")
	}
	if cfg.Telemetry.ServiceName != "parley-dev" {
		t.Errorf("telemetry.service_name: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults: got %+v", cfg.Server)
	}
	if rec := cfg.Turn.Recording(); rec.PollInterval != 100*time.Millisecond ||
		rec.MinDuration != 500*time.Millisecond || rec.MaxDuration != 30*time.Second {
		t.Errorf("turn defaults: got %+v", rec)
	}
	eng := cfg.Disruption.Engine()
	if eng.Enabled || eng.NoiseType != chaos.NoiseOffice || eng.Intensity != 0.5 || eng.Frequency != 1 {
		t.Errorf("disruption defaults: got %+v", eng)
	}
	if sch := cfg.Disruption.Scheduler.Chaos(); sch.Policy != chaos.PolicyInterval || sch.MaxFailure != 5*time.Second {
		t.Errorf("scheduler defaults: got %+v", sch)
	}
	if cfg.Gateway.Path != "/ws" || cfg.Gateway.CaptureSampleRate != 16000 {
		t.Errorf("gateway defaults: got %+v", cfg.Gateway)
	}
	if !cfg.Feedback.Haptics() {
		t.Error("haptics default: got false, want true")
	}
	if cfg.Telemetry.ServiceName != "parley" {
		t.Errorf("telemetry default: got %q", cfg.Telemetry.ServiceName)
	}
}

func TestLoadFromReader_ExplicitZeroFrequency(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
disruption:
  frequency: 0
  intensity: 0
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng := cfg.Disruption.Engine(); eng.Frequency != 0 || eng.Intensity != 0 {
		t.Errorf("explicit zero lost: got %+v", eng)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
voices: []
`))
	if err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_UnknownSTT(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateSTT(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredSTT(t *testing.T) {
	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("fake", func(e config.ProviderEntry) (stt.Transcriber, error) {
		gotEntry = e
		return stt.TranscriberFunc(func(context.Context, audio.Recording) (stt.Transcript, error) {
			return stt.Transcript{Text: "ok"}, nil
		}), nil
	})

	tr, err := reg.CreateSTT(config.ProviderEntry{Name: "fake", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received model %q, want m1", gotEntry.Model)
	}
	out, _ := tr.Transcribe(context.Background(), audio.Recording{})
	if out.Text != "ok" {
		t.Errorf("transcriber returned %q", out.Text)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	sentinel := errors.New("missing api key")
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Transcriber, error) {
		return nil, sentinel
	})
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "broken"}); !errors.Is(err, sentinel) {
		t.Errorf("expected factory error, got %v", err)
	}
}

func TestRegistry_STTNames(t *testing.T) {
	reg := config.NewRegistry()
	for _, n := range []string{"whisper", "deepgram", "openai"} {
		reg.RegisterSTT(n, func(config.ProviderEntry) (stt.Transcriber, error) { return nil, nil })
	}
	got := strings.Join(reg.STTNames(), ",")
	if got != "deepgram,openai,whisper" {
		t.Errorf("STTNames() = %q", got)
	}
}
