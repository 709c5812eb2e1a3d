package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/opus"
)

// ErrDeviceGone is returned by a capture handle whose device disconnected
// while it was open.
var ErrDeviceGone = errors.New("gateway: device disconnected")

// Compile-time interface checks.
var (
	_ audio.Capture       = (*Device)(nil)
	_ audio.CaptureHandle = (*captureHandle)(nil)
)

// DeviceOption configures a [Device].
type DeviceOption func(*Device)

// WithCaptureRate sets the sample rate of the mono PCM the device streams.
// The default is 16 kHz.
func WithCaptureRate(hz int) DeviceOption {
	return func(d *Device) {
		if hz > 0 {
			d.captureRate = hz
		}
	}
}

// WithOutputFormat sets the format counterpart audio is converted to before
// it is sent. The default is 48 kHz mono.
func WithOutputFormat(f audio.Format) DeviceOption {
	return func(d *Device) {
		if f.SampleRate > 0 && f.Channels > 0 {
			d.conv.Target = f
		}
	}
}

// WithEncoder sends counterpart audio as Opus packets instead of raw PCM.
// The encoder's format overrides [WithOutputFormat].
func WithEncoder(enc *opus.Encoder) DeviceOption {
	return func(d *Device) { d.encoder = enc }
}

// link is the connection a device is attached through.
type link interface {
	// sendAudio queues one binary message, waiting for room while the
	// connection is alive. It reports false once the connection has ended.
	sendAudio(b []byte) bool

	// sendControl queues one JSON message without blocking.
	sendControl(msg any) bool
}

// PlaybackControl tells the device what to do with counterpart audio it has
// already received.
type PlaybackControl struct {
	Type string `json:"type"`
}

// Device is the remote end of the practice session. It is the microphone
// the recording controller opens and the speaker counterpart audio is played
// on. At most one device is attached at a time.
//
// Device is safe for concurrent use, except that [Device.Output] must be
// called from a single goroutine. Output expects short frames; pace it with
// mixer.WithPacing so a long utterance does not flood the connection.
type Device struct {
	captureRate int
	encoder     *opus.Encoder
	conv        audio.FormatConverter

	mu         sync.Mutex
	id         string
	micAllowed bool
	link       link // nil while detached
	handle     *captureHandle
}

// NewDevice returns a detached device.
func NewDevice(opts ...DeviceOption) *Device {
	d := &Device{
		captureRate: 16000,
		conv:        audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}},
	}
	for _, o := range opts {
		o(d)
	}
	if d.encoder != nil {
		cfg := d.encoder.Config()
		d.conv.Target = audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	}
	return d
}

// AudioFormat describes the audio a device receives.
type AudioFormat struct {
	Codec       string `json:"codec"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	CaptureRate int    `json:"capture_rate"`
}

// Format reports the wire format of outgoing audio and the expected capture
// rate.
func (d *Device) Format() AudioFormat {
	codec := "pcm_s16le"
	if d.encoder != nil {
		codec = "opus"
	}
	return AudioFormat{
		Codec:       codec,
		SampleRate:  d.conv.Target.SampleRate,
		Channels:    d.conv.Target.Channels,
		CaptureRate: d.captureRate,
	}
}

// Connected reports whether a device is attached.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link != nil
}

// attach binds the device to a connection.
func (d *Device) attach(id string, micAllowed bool, l link) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id = id
	d.micAllowed = micAllowed
	d.link = l
	if d.encoder != nil {
		d.encoder.Reset()
	}
}

// detach unbinds connection id. An open capture handle is marked lost so
// that closing it reports [ErrDeviceGone].
func (d *Device) detach(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.id != id {
		return
	}
	d.id = ""
	d.link = nil
	if d.handle != nil {
		d.handle.lose()
		d.handle = nil
	}
}

// ── Capture ──────────────────────────────────────────────────────────────────

// Open implements [audio.Capture].
func (d *Device) Open(_ context.Context) (audio.CaptureHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case d.link == nil:
		return nil, fmt.Errorf("%w: no device connected", audio.ErrCaptureOpen)
	case !d.micAllowed:
		return nil, audio.ErrPermissionDenied
	case d.handle != nil && !d.handle.isClosed():
		return nil, fmt.Errorf("%w: capture already open", audio.ErrCaptureOpen)
	}
	d.handle = &captureHandle{rate: d.captureRate, level: audio.SilenceFloorDB}
	return d.handle, nil
}

// feed appends microphone PCM from connection id to the open handle.
func (d *Device) feed(id string, pcm []byte) {
	d.mu.Lock()
	h := d.handle
	ok := d.id == id
	d.mu.Unlock()
	if ok && h != nil {
		h.feed(pcm)
	}
}

type captureHandle struct {
	rate int

	mu     sync.Mutex
	pcm    []byte
	level  float64
	closed bool
	lost   bool
}

func (h *captureHandle) Level() (float64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.closed:
		return audio.SilenceFloorDB, audio.ErrCaptureClosed
	case h.lost:
		return audio.SilenceFloorDB, ErrDeviceGone
	}
	return h.level, nil
}

func (h *captureHandle) Close(_ context.Context) (audio.Recording, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return audio.Recording{}, audio.ErrCaptureClosed
	}
	h.closed = true
	rec := audio.Recording{PCM: h.pcm, SampleRate: h.rate, Channels: 1}
	h.pcm = nil
	if h.lost {
		return rec, ErrDeviceGone
	}
	return rec, nil
}

func (h *captureHandle) feed(pcm []byte) {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.lost {
		return
	}
	h.pcm = append(h.pcm, pcm...)
	h.level = audio.LevelDB(pcm)
}

func (h *captureHandle) lose() {
	h.mu.Lock()
	h.lost = true
	h.mu.Unlock()
}

func (h *captureHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed || h.lost
}

// ── Output ───────────────────────────────────────────────────────────────────

// Output sends one frame of counterpart audio to the device. It is the output
// function of the playback queue. Frames are dropped while no device is
// attached; otherwise Output waits for room on the connection.
func (d *Device) Output(frame audio.AudioFrame) {
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()
	if l == nil {
		return
	}

	if d.encoder == nil {
		out := d.conv.Convert(frame)
		if len(out.Data) > 0 {
			l.sendAudio(out.Data)
		}
		return
	}

	packets, err := d.encoder.Encode(frame)
	if err != nil {
		slog.Warn("gateway: encode counterpart audio", "err", err)
	}
	for _, p := range packets {
		if !l.sendAudio(p) {
			return
		}
	}
}

// StopPlayback drops partially encoded audio and tells the device to discard
// counterpart audio it has buffered. It is the stop handler of the playback
// queue and runs after the last frame was handed to [Device.Output].
func (d *Device) StopPlayback() {
	if d.encoder != nil {
		d.encoder.Reset()
	}
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()
	if l != nil {
		l.sendControl(PlaybackControl{Type: "stop_playback"})
	}
}
