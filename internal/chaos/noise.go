package chaos

import (
	"math"
	"math/rand/v2"
)

// maxNoiseGain is the peak noise amplitude, relative to full scale, at
// intensity 1.
const maxNoiseGain = 0.25

// synthesizeNoise returns n samples of the given background bed, scaled so
// that the bed peaks around gain×32767. channels interleaves identical
// samples per frame. rng drives every random component so beds are
// reproducible from a seed.
func synthesizeNoise(kind NoiseType, n, channels, sampleRate int, gain float64, rng *rand.Rand) []float64 {
	if channels < 1 {
		channels = 1
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	frames := n / channels
	mono := make([]float64, frames)

	switch kind {
	case NoiseRain:
		rainBed(mono, sampleRate, rng)
	case NoiseTraffic:
		trafficBed(mono, sampleRate, rng)
	case NoiseCafe:
		cafeBed(mono, sampleRate, rng)
	default:
		officeBed(mono, sampleRate, rng)
	}

	amp := gain * 32767
	out := make([]float64, n)
	for i := range frames {
		v := mono[i] * amp
		for c := range channels {
			out[i*channels+c] = v
		}
	}
	return out
}

// pinkish fills buf with low-passed white noise normalised to roughly [-1, 1].
func pinkish(buf []float64, smoothing float64, rng *rand.Rand) {
	var y float64
	for i := range buf {
		y += smoothing * (rng.Float64()*2 - 1 - y)
		buf[i] = y
	}
	normalize(buf)
}

// officeBed is ventilation hum plus occasional keyboard clicks.
func officeBed(buf []float64, rate int, rng *rand.Rand) {
	pinkish(buf, 0.05, rng)
	for i := range buf {
		buf[i] *= 0.6
	}
	clickLen := rate / 400
	for i := 0; i < len(buf); i++ {
		if rng.Float64() < 4.0/float64(rate) {
			for j := 0; j < clickLen && i+j < len(buf); j++ {
				decay := 1 - float64(j)/float64(clickLen)
				buf[i+j] += (rng.Float64()*2 - 1) * decay
			}
			i += clickLen
		}
	}
}

// rainBed is bright broadband hiss with droplet transients.
func rainBed(buf []float64, rate int, rng *rand.Rand) {
	for i := range buf {
		buf[i] = (rng.Float64()*2 - 1) * 0.5
	}
	dropLen := rate / 200
	for i := 0; i < len(buf); i++ {
		if rng.Float64() < 40.0/float64(rate) {
			amp := 0.3 + rng.Float64()*0.5
			for j := 0; j < dropLen && i+j < len(buf); j++ {
				buf[i+j] += amp * math.Exp(-6*float64(j)/float64(dropLen)) * (rng.Float64()*2 - 1)
			}
		}
	}
}

// trafficBed is a deep rumble with a slow swell as vehicles pass.
func trafficBed(buf []float64, rate int, rng *rand.Rand) {
	// Brown noise: integrated white noise with a leak to stay bounded.
	var y float64
	for i := range buf {
		y = 0.995*y + (rng.Float64()*2-1)*0.1
		buf[i] = y
	}
	normalize(buf)
	phase := rng.Float64() * 2 * math.Pi
	for i := range buf {
		t := float64(i) / float64(rate)
		buf[i] *= 0.6 + 0.4*math.Sin(2*math.Pi*0.2*t+phase)
	}
}

// cafeBed is murmur shaped like distant speech plus occasional clinks.
func cafeBed(buf []float64, rate int, rng *rand.Rand) {
	pinkish(buf, 0.2, rng)
	p1, p2 := rng.Float64()*2*math.Pi, rng.Float64()*2*math.Pi
	for i := range buf {
		t := float64(i) / float64(rate)
		buf[i] *= 0.5 + 0.25*math.Sin(2*math.Pi*3.1*t+p1) + 0.15*math.Sin(2*math.Pi*5.3*t+p2)
	}
	clinkFreq := 2500 + rng.Float64()*1500
	clinkLen := rate / 20
	for i := 0; i < len(buf); i++ {
		if rng.Float64() < 0.5/float64(rate) {
			for j := 0; j < clinkLen && i+j < len(buf); j++ {
				t := float64(j) / float64(rate)
				buf[i+j] += 0.5 * math.Exp(-40*t) * math.Sin(2*math.Pi*clinkFreq*t)
			}
			i += clinkLen
		}
	}
}

// normalize scales buf so its peak magnitude is 1. Silent buffers are left
// alone.
func normalize(buf []float64) {
	var peak float64
	for _, v := range buf {
		peak = math.Max(peak, math.Abs(v))
	}
	if peak == 0 {
		return
	}
	for i := range buf {
		buf[i] /= peak
	}
}
