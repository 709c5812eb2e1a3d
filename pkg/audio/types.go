package audio

import "time"

// AudioFrame is a chunk of 16-bit little-endian PCM flowing through the
// pipeline: microphone audio arriving from the device and counterpart speech
// on its way to playback.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are carried alongside.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for device capture, 48000 for Opus output).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame. It returns zero for
// frames with an invalid format.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// Split cuts f into consecutive frames of at most d of audio each, on
// sample-frame boundaries. The parts share f's backing array. A frame with an
// invalid format, or a non-positive d, is returned whole.
func (f AudioFrame) Split(d time.Duration) []AudioFrame {
	if d <= 0 || f.SampleRate <= 0 || f.Channels <= 0 {
		return []AudioFrame{f}
	}
	frameBytes := 2 * f.Channels
	n := int(d*time.Duration(f.SampleRate)/time.Second) * frameBytes
	if n <= 0 || len(f.Data) <= n {
		return []AudioFrame{f}
	}
	parts := make([]AudioFrame, 0, (len(f.Data)+n-1)/n)
	for off := 0; off < len(f.Data); off += n {
		end := min(off+n, len(f.Data))
		part := f
		part.Data = f.Data[off:end:end]
		part.Timestamp = f.Timestamp + PCMDuration(off, f.SampleRate, f.Channels)
		parts = append(parts, part)
	}
	return parts
}

// Recording is the finished buffer of one capture, handed to transcription
// when the capture handle closes.
type Recording struct {
	// PCM holds the captured 16-bit little-endian samples.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int
}

// Duration returns the length of the recorded audio.
func (r Recording) Duration() time.Duration {
	return PCMDuration(len(r.PCM), r.SampleRate, r.Channels)
}

// IsEmpty reports whether the recording holds no samples.
func (r Recording) IsEmpty() bool { return len(r.PCM) < 2 }

// PCMDuration returns the duration of n bytes of 16-bit PCM at the given
// format. Returns 0 for invalid inputs.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
