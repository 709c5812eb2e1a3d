package chaos

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/event"
	"github.com/MrWong99/parley/internal/sched/fake"
	"github.com/MrWong99/parley/pkg/audio"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func enabledConfig() Config {
	return Config{
		Enabled:         true,
		RandomVoiceGen:  true,
		BackgroundNoise: true,
		HardwareFailure: true,
		NoiseType:       NoiseCafe,
		Intensity:       0.8,
		Frequency:       2,
	}
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *fake.Clock) {
	t.Helper()
	clk := fake.New(epoch)
	opts = append([]Option{WithClock(clk), WithRand(rand.NewPCG(7, 9))}, opts...)
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, clk
}

// speech returns a 20 ms mono 16 kHz sine frame.
func speech() audio.AudioFrame {
	samples := make([]int16, 320)
	for i := range samples {
		if (i/20)%2 == 0 {
			samples[i] = 8000
		} else {
			samples[i] = -8000
		}
	}
	return audio.AudioFrame{Data: audio.PCM(samples), SampleRate: 16000, Channels: 1}
}

func assertStatsInvariant(t *testing.T, s Statistics) {
	t.Helper()
	sum := 0
	for _, n := range s.DisruptionsByType {
		sum += n
	}
	if s.TotalDisruptions != sum {
		t.Fatalf("TotalDisruptions = %d, sum of DisruptionsByType = %d", s.TotalDisruptions, sum)
	}
}

func TestTransforms_IdentityWhenDisabled(t *testing.T) {
	t.Parallel()
	cfg := enabledConfig()
	cfg.Enabled = false
	e, _ := newTestEngine(t, cfg)

	in := speech()
	for _, tr := range []struct {
		name string
		fn   func(audio.AudioFrame) audio.AudioFrame
	}{
		{"voice", e.ApplyVoiceVariation},
		{"noise", e.InjectBackgroundNoise},
		{"transform", e.Transform},
	} {
		out := tr.fn(in)
		if !bytes.Equal(out.Data, in.Data) || out.SampleRate != in.SampleRate || out.Channels != in.Channels {
			t.Errorf("%s: output differs from input while disabled", tr.name)
		}
		if len(out.Data) > 0 && &out.Data[0] != &in.Data[0] {
			t.Errorf("%s: output does not share the input buffer", tr.name)
		}
	}
	if n := len(e.DisruptionLog()); n != 0 {
		t.Errorf("log has %d entries while disabled", n)
	}
}

func TestTransforms_IdentityWhenFeatureOff(t *testing.T) {
	t.Parallel()
	cfg := enabledConfig()
	cfg.RandomVoiceGen = false
	cfg.BackgroundNoise = false
	e, _ := newTestEngine(t, cfg)

	in := speech()
	if out := e.Transform(in); !bytes.Equal(out.Data, in.Data) {
		t.Error("Transform changed audio with both effects off")
	}
}

func TestApplyVoiceVariation_LogsAndPublishes(t *testing.T) {
	t.Parallel()
	bus := event.NewBus()
	ch, unsub := bus.Subscribe(4, event.KindVoiceVariation)
	defer unsub()
	e, _ := newTestEngine(t, enabledConfig(), WithBus(bus))

	in := speech()
	out := e.ApplyVoiceVariation(in)
	if bytes.Equal(out.Data, in.Data) {
		t.Error("voice variation left audio unchanged")
	}

	log := e.DisruptionLog()
	if len(log) != 1 || log[0].Type != TypeVoiceVariation || log[0].Phase != PhaseApplied {
		t.Fatalf("log = %+v", log)
	}
	select {
	case ev := <-ch:
		p, ok := ev.Payload.(Params)
		if !ok || p.Type != TypeVoiceVariation {
			t.Errorf("payload = %#v", ev.Payload)
		}
		if p.PitchSemitones > maxPitchSemitones || p.PitchSemitones < -maxPitchSemitones {
			t.Errorf("pitch %v out of range", p.PitchSemitones)
		}
	default:
		t.Error("no voice variation event")
	}
}

func TestInjectBackgroundNoise_AllBeds(t *testing.T) {
	t.Parallel()

	for _, nt := range []NoiseType{NoiseOffice, NoiseRain, NoiseTraffic, NoiseCafe} {
		t.Run(string(nt), func(t *testing.T) {
			t.Parallel()
			cfg := enabledConfig()
			cfg.RandomVoiceGen = false
			cfg.NoiseType = nt
			e, _ := newTestEngine(t, cfg)

			silent := audio.AudioFrame{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1}
			out := e.InjectBackgroundNoise(silent)
			if len(out.Data) != len(silent.Data) {
				t.Fatalf("length changed: %d -> %d", len(silent.Data), len(out.Data))
			}
			if audio.LevelDB(out.Data) <= audio.SilenceFloorDB {
				t.Error("noise bed is silent")
			}
			if log := e.DisruptionLog(); len(log) != 1 || log[0].Params.NoiseType != nt {
				t.Errorf("log = %+v", log)
			}
		})
	}
}

func TestSimulateHardwareFailure_TimedMuteWindow(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t, enabledConfig())

	if err := e.SimulateHardwareFailure(TypeMicMute, time.Second); err != nil {
		t.Fatalf("SimulateHardwareFailure: %v", err)
	}
	if !e.IsMicMuted() {
		t.Fatal("not muted at t")
	}
	if e.IsConnectionDropped() {
		t.Error("connection reported dropped")
	}

	clk.Advance(999 * time.Millisecond)
	if !e.IsMicMuted() {
		t.Fatal("not muted at t+999ms")
	}

	clk.Advance(time.Millisecond)
	if e.IsMicMuted() {
		t.Fatal("still muted at t+1000ms")
	}

	log := e.DisruptionLog()
	if len(log) != 2 || log[0].Phase != PhaseApplied || log[1].Phase != PhaseExpired {
		t.Fatalf("log = %+v, want applied then expired", log)
	}
	if !log[1].Timestamp.Equal(epoch.Add(time.Second)) {
		t.Errorf("expired at %v, want %v", log[1].Timestamp, epoch.Add(time.Second))
	}
	stats := e.Statistics()
	assertStatsInvariant(t, stats)
	if stats.TotalDisruptions != 1 {
		t.Errorf("TotalDisruptions = %d, want 1 (expiry must not count)", stats.TotalDisruptions)
	}
}

func TestSimulateHardwareFailure_OverwriteCancelsOldExpiry(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t, enabledConfig())

	_ = e.SimulateHardwareFailure(TypeConnectionDrop, time.Second)
	clk.Advance(500 * time.Millisecond)
	_ = e.SimulateHardwareFailure(TypeConnectionDrop, 2*time.Second)

	clk.Advance(time.Second) // past the first expiry
	if !e.IsConnectionDropped() {
		t.Fatal("first expiry cleared the replacement failure")
	}
	if n := len(e.ActiveDisruptions()); n != 1 {
		t.Errorf("active = %d, want 1", n)
	}

	clk.Advance(time.Second)
	if e.IsConnectionDropped() {
		t.Error("replacement did not expire")
	}
}

func TestSimulateHardwareFailure_Continuous(t *testing.T) {
	t.Parallel()
	bus := event.NewBus()
	ch, unsub := bus.Subscribe(8, event.KindHardwareFailure, event.KindHardwareRecovered)
	defer unsub()
	e, clk := newTestEngine(t, enabledConfig(), WithBus(bus))

	if err := e.SimulateHardwareFailure(TypeMicMute, Continuous); err != nil {
		t.Fatalf("SimulateHardwareFailure: %v", err)
	}
	clk.Advance(time.Hour)
	if !e.IsMicMuted() {
		t.Fatal("continuous failure expired")
	}
	active := e.ActiveDisruptions()
	if len(active) != 1 || !active[0].Continuous() {
		t.Fatalf("active = %+v", active)
	}

	if !e.ClearHardwareFailure(TypeMicMute) {
		t.Fatal("ClearHardwareFailure returned false")
	}
	if e.IsMicMuted() {
		t.Error("still muted after clear")
	}
	if e.ClearHardwareFailure(TypeMicMute) {
		t.Error("second clear returned true")
	}

	if ev := <-ch; ev.Kind != event.KindHardwareFailure {
		t.Errorf("first event = %v", ev.Kind)
	}
	if ev := <-ch; ev.Kind != event.KindHardwareRecovered {
		t.Errorf("second event = %v", ev.Kind)
	}
}

func TestSimulateHardwareFailure_NoOpWhenDisabled(t *testing.T) {
	t.Parallel()
	cfg := enabledConfig()
	cfg.HardwareFailure = false
	e, _ := newTestEngine(t, cfg)

	if err := e.SimulateHardwareFailure(TypeMicMute, time.Second); err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if e.IsMicMuted() || len(e.DisruptionLog()) != 0 || e.Statistics().TotalDisruptions != 0 {
		t.Error("disabled failure changed state")
	}
}

func TestSimulateHardwareFailure_Validation(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, enabledConfig())

	if err := e.SimulateHardwareFailure(TypeBackgroundNoise, time.Second); !errors.Is(err, ErrUnknownType) {
		t.Errorf("non-hardware type: err = %v", err)
	}
	if err := e.SimulateHardwareFailure(TypeMicMute, 0); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("zero duration: err = %v", err)
	}
}

func TestDisableMasksLiveFailures(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, enabledConfig())
	_ = e.SimulateHardwareFailure(TypeMicMute, Continuous)

	off := false
	if _, err := e.UpdateConfiguration(ConfigUpdate{Enabled: &off}); err != nil {
		t.Fatalf("UpdateConfiguration: %v", err)
	}
	if e.IsMicMuted() || len(e.ActiveDisruptions()) != 0 {
		t.Error("fault queries not normal while disabled")
	}

	on := true
	_, _ = e.UpdateConfiguration(ConfigUpdate{Enabled: &on})
	if !e.IsMicMuted() {
		t.Error("failure lost after re-enable")
	}
}

func TestStatisticsInvariant_RandomOperations(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t, enabledConfig())
	rng := rand.New(rand.NewPCG(42, 43))
	frame := speech()

	for range 500 {
		switch rng.IntN(7) {
		case 0:
			e.ApplyVoiceVariation(frame)
		case 1:
			e.InjectBackgroundNoise(frame)
		case 2:
			_ = e.SimulateHardwareFailure(TypeMicMute, time.Duration(rng.IntN(3000)+1)*time.Millisecond)
		case 3:
			_ = e.SimulateHardwareFailure(TypeConnectionDrop, Continuous)
		case 4:
			e.ClearHardwareFailure(TypeConnectionDrop)
		case 5:
			clk.Advance(time.Duration(rng.IntN(2000)) * time.Millisecond)
		case 6:
			if rng.IntN(20) == 0 {
				e.Reset()
			}
		}
		assertStatsInvariant(t, e.Statistics())
	}
}

func TestCleanup_ClearsEverythingAndCancelsExpiry(t *testing.T) {
	t.Parallel()
	e, clk := newTestEngine(t, enabledConfig())

	_ = e.SimulateHardwareFailure(TypeMicMute, time.Second)
	_ = e.SimulateHardwareFailure(TypeConnectionDrop, 2*time.Second)
	e.ApplyVoiceVariation(speech())

	e.Cleanup()

	if n := len(e.ActiveDisruptions()); n != 0 {
		t.Errorf("active = %d after cleanup", n)
	}
	if n := len(e.DisruptionLog()); n != 0 {
		t.Errorf("log = %d entries after cleanup", n)
	}
	if e.Config() != DefaultConfig() {
		t.Errorf("config = %+v, want defaults", e.Config())
	}

	clk.Advance(time.Minute)
	if n := len(e.DisruptionLog()); n != 0 {
		t.Errorf("expiry fired after cleanup: log = %+v", e.DisruptionLog())
	}
	if s := e.Statistics(); s.TotalDisruptions != 0 || s.Enabled {
		t.Errorf("stats = %+v after cleanup", s)
	}
}

func TestClose_FailuresReturnTimerFailure(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, enabledConfig())
	_ = e.SimulateHardwareFailure(TypeMicMute, Continuous)

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := e.SimulateHardwareFailure(TypeMicMute, time.Second)
	if !errors.Is(err, ErrTimerFailure) {
		t.Errorf("err = %v, want ErrTimerFailure", err)
	}
	s := e.Statistics()
	assertStatsInvariant(t, s)
	if s.TotalDisruptions != 0 {
		t.Errorf("TotalDisruptions = %d after failed schedule", s.TotalDisruptions)
	}
	if e.IsMicMuted() {
		t.Error("muted after Close")
	}
}

func TestWithLogLimit(t *testing.T) {
	t.Parallel()
	cfg := enabledConfig()
	cfg.BackgroundNoise = false
	e, _ := newTestEngine(t, cfg, WithLogLimit(3))

	for range 10 {
		e.ApplyVoiceVariation(speech())
	}
	if n := len(e.DisruptionLog()); n != 3 {
		t.Errorf("log = %d entries, want 3", n)
	}
	if s := e.Statistics(); s.TotalDisruptions != 10 {
		t.Errorf("TotalDisruptions = %d, want 10", s.TotalDisruptions)
	}
}

func TestUpdateConfiguration_RejectsInvalidMerge(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, enabledConfig())

	bad := 1.5
	if _, err := e.UpdateConfiguration(ConfigUpdate{Intensity: &bad}); err == nil {
		t.Fatal("expected validation error")
	}
	if e.Config().Intensity != 0.8 {
		t.Errorf("intensity changed to %v after rejected update", e.Config().Intensity)
	}

	rain := NoiseRain
	got, err := e.UpdateConfiguration(ConfigUpdate{NoiseType: &rain})
	if err != nil {
		t.Fatalf("UpdateConfiguration: %v", err)
	}
	if got.NoiseType != NoiseRain || !got.Enabled {
		t.Errorf("merged config = %+v", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"zero frequency", func(c *Config) { c.Frequency = 0 }, false},
		{"max frequency", func(c *Config) { c.Frequency = MaxFrequency }, false},
		{"negative frequency", func(c *Config) { c.Frequency = -1 }, true},
		{"frequency above max", func(c *Config) { c.Frequency = MaxFrequency + 0.5 }, true},
		{"huge frequency", func(c *Config) { c.Frequency = 1e12 }, true},
		{"intensity above one", func(c *Config) { c.Intensity = 1.1 }, true},
		{"unknown noise", func(c *Config) { c.NoiseType = "jungle" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := DefaultConfig()
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
