package audio

import (
	"encoding/binary"
	"math"
)

// SilenceFloorDB is the lowest metering value. Forced silence reads as this
// level.
const SilenceFloorDB = -160.0

// ClampDB limits a metering value to [SilenceFloorDB, 0]. NaN maps to the
// floor.
func ClampDB(db float64) float64 {
	switch {
	case math.IsNaN(db), db < SilenceFloorDB:
		return SilenceFloorDB
	case db > 0:
		return 0
	default:
		return db
	}
}

// RMS returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer in sample units (0–32767). Returns 0 for buffers shorter than
// one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// LevelDB converts the RMS energy of pcm to dBFS, clamped to
// [SilenceFloorDB, 0].
func LevelDB(pcm []byte) float64 {
	rms := RMS(pcm)
	if rms <= 0 {
		return SilenceFloorDB
	}
	return ClampDB(20 * math.Log10(rms/32768))
}
