package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns e.g. "48000Hz mono".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	}
	return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
}

// Of reports the format of frame.
func Of(frame AudioFrame) Format {
	return Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
}

// FormatConverter brings frames from any source format to Target. It warns
// once on the first mismatch and once on misaligned PCM.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. Misaligned frames come back empty.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Of(frame)
	if src.Channels < 1 || len(frame.Data)%(2*src.Channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio: misaligned PCM, dropping frame", "bytes", len(frame.Data), "format", src)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	if src == c.Target {
		return frame
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio: converting frames", "from", src, "to", c.Target)
	})

	// Downmix before resampling so fewer channels are interpolated; upmix after.
	pcm := frame.Data
	ch := src.Channels
	if c.Target.Channels < ch {
		pcm = Remix(pcm, ch, c.Target.Channels)
		ch = c.Target.Channels
	}
	pcm = Resample(pcm, ch, src.SampleRate, c.Target.SampleRate)
	if c.Target.Channels > ch {
		pcm = Remix(pcm, ch, c.Target.Channels)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// Remix changes the channel count of interleaved 16-bit PCM. Downmixing to
// mono averages all channels; any other change copies source channels in
// order and repeats the last one.
func Remix(pcm []byte, from, to int) []byte {
	if from == to || from < 1 || to < 1 {
		return pcm
	}
	in := Int16s(pcm)
	frames := len(in) / from
	out := make([]int16, frames*to)
	for i := range frames {
		src := in[i*from : (i+1)*from]
		dst := out[i*to : (i+1)*to]
		if to == 1 {
			var sum int32
			for _, s := range src {
				sum += int32(s)
			}
			dst[0] = int16(sum / int32(from))
			continue
		}
		for c := range dst {
			dst[c] = src[min(c, from-1)]
		}
	}
	return PCM(out)
}

// Resample converts interleaved 16-bit PCM with the given channel count from
// srcRate to dstRate by linear interpolation. Invalid rates or equal rates
// return pcm unchanged.
func Resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || channels < 1 {
		return pcm
	}
	in := Int16s(pcm)
	srcFrames := len(in) / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	step := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		k := min(j+1, srcFrames-1)
		for c := range channels {
			a := float64(in[j*channels+c])
			b := float64(in[k*channels+c])
			out[i*channels+c] = ClampInt16(a + (b-a)*frac)
		}
	}
	return PCM(out)
}

// Int16s decodes little-endian 16-bit PCM into samples. A trailing odd byte
// is ignored.
func Int16s(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// PCM encodes samples as little-endian 16-bit PCM.
func PCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Float32Mono down-mixes multi-channel 16-bit PCM to mono float32 samples in
// [-1, 1] by averaging all channels per frame.
func Float32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += float32(int16(pcm[idx])|int16(pcm[idx+1])<<8) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

// ClampInt16 saturates v to the int16 range.
func ClampInt16(v float64) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
