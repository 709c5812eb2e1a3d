// Package audio defines the device boundary of the turn-taking core and the
// PCM helpers shared by its implementations.
//
// The primary abstractions are:
//
//   - [Capture] opens the microphone and returns a [CaptureHandle] that
//     reports the current input level and, on close, the captured [Recording].
//   - [Playback] plays counterpart speech and can be stopped for barge-in.
//
// Implementations live in sibling packages (audio/mixer for playback, the
// gateway for remote capture, audio/mock for tests). This package lives under
// pkg/ because device adapters outside this module are expected to implement
// these interfaces.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [Capture.Open] when the user has not
	// granted microphone access. It is fatal to the listening session and is
	// never retried.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrCaptureOpen is returned by [Capture.Open] when the device could not
	// start recording. Callers may retry.
	ErrCaptureOpen = errors.New("audio: capture failed to open")

	// ErrCaptureClosed is returned by [CaptureHandle] methods after Close.
	ErrCaptureClosed = errors.New("audio: capture handle closed")
)

// Capture is the exclusive microphone resource. Only one handle may be open
// at a time; opening a second one while the first is live is an error.
//
// Implementations must be safe for concurrent use.
type Capture interface {
	// Open starts a new recording. ctx bounds the open attempt only.
	//
	// Returns an error wrapping [ErrPermissionDenied] or [ErrCaptureOpen] on
	// failure.
	Open(ctx context.Context) (CaptureHandle, error)
}

// CaptureHandle is a live recording.
type CaptureHandle interface {
	// Level returns the current metering value in dBFS, in [-160, 0].
	Level() (float64, error)

	// Close stops recording and returns everything captured since Open.
	// Calling Close more than once returns [ErrCaptureClosed].
	Close(ctx context.Context) (Recording, error)
}

// Playback plays counterpart speech to the user.
//
// Implementations must be safe for concurrent use.
type Playback interface {
	// Play queues frame for playback after anything already queued.
	Play(frame AudioFrame) error

	// Stop halts the current frame, clears the queue and returns only once
	// no further audio will be emitted, or when ctx is done.
	Stop(ctx context.Context) error

	// IsPlaying reports whether audio is playing or queued.
	IsPlaying() bool
}
