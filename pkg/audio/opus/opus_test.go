package opus

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "16k stereo", mutate: func(c *Config) { c.SampleRate = 16000; c.Channels = 2 }},
		{name: "44.1k", mutate: func(c *Config) { c.SampleRate = 44100 }, wantErr: true},
		{name: "three channels", mutate: func(c *Config) { c.Channels = 3 }, wantErr: true},
		{name: "negative bitrate", mutate: func(c *Config) { c.Bitrate = -1 }, wantErr: true},
		{name: "15ms frame", mutate: func(c *Config) { c.FrameDuration = 15 * time.Millisecond }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigFrameSize(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if got := cfg.FrameSize(); got != 960 {
		t.Errorf("FrameSize() = %d, want 960", got)
	}
	if got := cfg.FrameBytes(); got != 1920 {
		t.Errorf("FrameBytes() = %d, want 1920", got)
	}
}

func TestSplitFrames(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 10)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	frames, rest := splitFrames(pcm, 4)
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if frames[1][0] != 4 {
		t.Errorf("frames[1][0] = %d, want 4", frames[1][0])
	}
	if len(rest) != 2 || rest[0] != 8 {
		t.Errorf("rest = %v, want [8 9]", rest)
	}

	if frames, rest := splitFrames(pcm, 0); frames != nil || len(rest) != 10 {
		t.Error("zero frame size should return input unchanged")
	}
}
