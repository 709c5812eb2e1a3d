package recording

import (
	"log/slog"
	"time"

	"github.com/MrWong99/parley/internal/sched"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
)

// LevelSource is the part of a capture handle the sampler reads.
type LevelSource interface {
	Level() (float64, error)
}

// FaultSource reports simulated hardware faults. *chaos.Engine satisfies it.
type FaultSource interface {
	IsMicMuted() bool
	IsConnectionDropped() bool
}

// noFaults is used when no disruption engine is wired.
type noFaults struct{}

func (noFaults) IsMicMuted() bool          { return false }
func (noFaults) IsConnectionDropped() bool { return false }

// Sampler turns capture levels into detector samples.
type Sampler struct {
	faults FaultSource
	now    func() time.Time
}

// NewSampler returns a sampler that consults faults on every reading. A nil
// faults never forces silence.
func NewSampler(faults FaultSource, now func() time.Time) *Sampler {
	if faults == nil {
		faults = noFaults{}
	}
	if now == nil {
		now = time.Now
	}
	return &Sampler{faults: faults, now: now}
}

// Read takes one reading from src. While the microphone is muted or the
// connection dropped the sample is forced to silence without touching the
// device. A failed read is logged and reported as an unforced silent sample.
func (s *Sampler) Read(src LevelSource) turn.Sample {
	ts := s.now()
	if s.faults.IsMicMuted() || s.faults.IsConnectionDropped() {
		return turn.Sample{Timestamp: ts, LevelDB: audio.SilenceFloorDB, Forced: true}
	}
	db, err := src.Level()
	if err != nil {
		slog.Debug("recording: level read failed", "err", err)
		return turn.Sample{Timestamp: ts, LevelDB: audio.SilenceFloorDB}
	}
	return turn.Sample{Timestamp: ts, LevelDB: audio.ClampDB(db)}
}

// Run reads src every interval on g and passes each sample to sink.
// Cancel the returned task to stop polling.
func (s *Sampler) Run(g *sched.Group, interval time.Duration, src LevelSource, sink func(turn.Sample)) (*sched.Task, error) {
	return g.Every(interval, func() { sink(s.Read(src)) })
}
