package chaos

import (
	"math"

	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// maxPitchSemitones is the pitch shift range at full intensity.
	maxPitchSemitones = 4.0

	// maxTilt is the spectral tilt range at full intensity.
	maxTilt = 0.6

	// tiltCutoff is the smoothing coefficient of the one-pole low-pass that
	// splits the signal into body and brightness.
	tiltCutoff = 0.15
)

// pitchShift changes the pitch of frame by the given number of semitones by
// resampling. Positive shifts shorten the frame, negative shifts lengthen it.
func pitchShift(frame audio.AudioFrame, semitones float64) audio.AudioFrame {
	if semitones == 0 || frame.SampleRate <= 0 {
		return frame
	}
	ratio := math.Pow(2, semitones/12)
	src := int(math.Round(float64(frame.SampleRate) * ratio))

	out := frame
	out.Data = audio.Resample(frame.Data, frame.Channels, src, frame.SampleRate)
	return out
}

// tiltFilter brightens (tilt > 0) or darkens (tilt < 0) the timbre of frame
// by adding or removing the part of the signal above a one-pole low-pass.
func tiltFilter(frame audio.AudioFrame, tilt float64) audio.AudioFrame {
	if tilt == 0 || frame.Channels < 1 {
		return frame
	}
	samples := audio.Int16s(frame.Data)
	ch := frame.Channels
	state := make([]float64, ch)
	for i, s := range samples {
		c := i % ch
		x := float64(s)
		state[c] += tiltCutoff * (x - state[c])
		high := x - state[c]
		samples[i] = audio.ClampInt16(x + tilt*high)
	}
	out := frame
	out.Data = audio.PCM(samples)
	return out
}

// mixNoise adds bed to frame sample by sample with saturation. bed must hold
// at least as many samples as frame.
func mixNoise(frame audio.AudioFrame, bed []float64) audio.AudioFrame {
	samples := audio.Int16s(frame.Data)
	for i := range samples {
		samples[i] = audio.ClampInt16(float64(samples[i]) + bed[i])
	}
	out := frame
	out.Data = audio.PCM(samples)
	return out
}
