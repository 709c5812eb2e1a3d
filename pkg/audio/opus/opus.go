// Package opus encodes counterpart audio into Opus packets for delivery to
// the device over the gateway.
package opus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/parley/pkg/audio"
)

// Config describes the Opus stream sent to the device.
type Config struct {
	// SampleRate in Hz. Opus accepts 8000, 12000, 16000, 24000 and 48000.
	SampleRate int

	// Channels is 1 or 2.
	Channels int

	// Bitrate in bits per second. Zero keeps the encoder default.
	Bitrate int

	// FrameDuration is the packet length. Opus accepts 10, 20, 40 and 60 ms.
	FrameDuration time.Duration
}

// DefaultConfig returns 48 kHz mono at 32 kbit/s with 20 ms packets.
func DefaultConfig() Config {
	return Config{
		SampleRate:    48000,
		Channels:      1,
		Bitrate:       32000,
		FrameDuration: 20 * time.Millisecond,
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	switch c.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		errs = append(errs, fmt.Errorf("opus: unsupported sample rate %d", c.SampleRate))
	}
	if c.Channels != 1 && c.Channels != 2 {
		errs = append(errs, fmt.Errorf("opus: channels must be 1 or 2, got %d", c.Channels))
	}
	if c.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("opus: bitrate must not be negative, got %d", c.Bitrate))
	}
	switch c.FrameDuration {
	case 10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond:
	default:
		errs = append(errs, fmt.Errorf("opus: unsupported frame duration %s", c.FrameDuration))
	}
	return errors.Join(errs...)
}

// FrameSize returns the number of samples per channel in one packet.
func (c Config) FrameSize() int {
	return int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
}

// FrameBytes returns the PCM byte length of one packet.
func (c Config) FrameBytes() int {
	return c.FrameSize() * c.Channels * 2
}

// Encoder turns a stream of PCM frames into Opus packets. Frames in any
// format are converted to the configured one first. Encoder is safe for
// concurrent use.
type Encoder struct {
	cfg Config

	mu      sync.Mutex
	enc     *gopus.Encoder
	conv    audio.FormatConverter
	pending []byte
}

// New creates an encoder for cfg.
func New(cfg Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	enc, err := gopus.NewEncoder(cfg.SampleRate, cfg.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if cfg.Bitrate > 0 {
		enc.SetBitrate(cfg.Bitrate)
	}
	return &Encoder{
		cfg:  cfg,
		enc:  enc,
		conv: audio.FormatConverter{Target: audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}},
	}, nil
}

// Config returns the stream format.
func (e *Encoder) Config() Config { return e.cfg }

// Encode converts frame, buffers it and returns every complete packet.
// A partial packet stays buffered until more audio or [Encoder.Flush].
func (e *Encoder) Encode(frame audio.AudioFrame) ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	converted := e.conv.Convert(frame)
	e.pending = append(e.pending, converted.Data...)

	chunks, rest := splitFrames(e.pending, e.cfg.FrameBytes())
	packets := make([][]byte, 0, len(chunks))
	for _, chunk := range chunks {
		pkt, err := e.encodeLocked(chunk)
		if err != nil {
			e.pending = nil
			return packets, err
		}
		packets = append(packets, pkt)
	}
	e.pending = append(e.pending[:0], rest...)
	return packets, nil
}

// Flush pads any buffered audio with silence to a full packet and encodes
// it. It returns nil when nothing is buffered.
func (e *Encoder) Flush() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		return nil, nil
	}
	chunk := make([]byte, e.cfg.FrameBytes())
	copy(chunk, e.pending)
	e.pending = e.pending[:0]
	return e.encodeLocked(chunk)
}

// Reset drops buffered audio, e.g. after playback was stopped.
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = e.pending[:0]
}

func (e *Encoder) encodeLocked(chunk []byte) ([]byte, error) {
	pkt, err := e.enc.Encode(audio.Int16s(chunk), e.cfg.FrameSize(), len(chunk))
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return pkt, nil
}

// splitFrames cuts pcm into whole frames of size n and returns the remainder.
func splitFrames(pcm []byte, n int) (frames [][]byte, rest []byte) {
	if n <= 0 {
		return nil, pcm
	}
	for len(pcm) >= n {
		frame := make([]byte, n)
		copy(frame, pcm[:n])
		frames = append(frames, frame)
		pcm = pcm[n:]
	}
	return frames, pcm
}
