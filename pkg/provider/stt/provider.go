// Package stt defines the transcription boundary between the recording
// controller and speech-to-text backends.
//
// A [Transcriber] receives one finished utterance (a [audio.Recording] cut by
// the turn detector) and returns its text. Backends are batch by nature here:
// the controller has already decided where the utterance starts and ends, so
// providers never see partial audio. An empty [Transcript.Text] means the
// backend heard only silence; callers must not surface it as an utterance.
//
// Implementations must be safe for concurrent use. The controller may have
// several transcriptions in flight while the user keeps talking.
package stt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// ErrEmptyRecording is returned by providers that refuse to send a recording
// without a single complete sample.
var ErrEmptyRecording = errors.New("stt: empty recording")

// Transcript is the result of transcribing one utterance.
type Transcript struct {
	// Text is the transcribed speech. Empty when the backend detected silence.
	Text string

	// Language is the detected or configured BCP-47 language, if the backend
	// reports one.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). Zero if the
	// backend does not report confidence.
	Confidence float64

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// IsEmpty reports whether t carries no speech.
func (t Transcript) IsEmpty() bool {
	return strings.TrimSpace(t.Text) == ""
}

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	// Transcribe converts rec into text. It blocks until the backend answers
	// or ctx is cancelled.
	Transcribe(ctx context.Context, rec audio.Recording) (Transcript, error)
}

// TranscriberFunc adapts a function to [Transcriber].
type TranscriberFunc func(ctx context.Context, rec audio.Recording) (Transcript, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, rec audio.Recording) (Transcript, error) {
	return f(ctx, rec)
}
