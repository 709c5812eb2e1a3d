// Package mock provides test doubles for the stt package interfaces.
//
// Transcriber returns a scripted sequence of results and records every
// recording it was asked to transcribe.
//
// Example:
//
//	tr := &mock.Transcriber{Results: []mock.Result{{Text: "hello"}}}
//	got, _ := tr.Transcribe(ctx, rec)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)

// Result is one scripted transcription outcome.
type Result struct {
	Text string
	Err  error
}

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Recording is the recording passed to Transcribe.
	Recording audio.Recording
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results are returned in order, one per call. When exhausted the last
	// result is repeated; with no results Transcribe returns empty text.
	Results []Result

	// Block, if non-nil, is received from before returning, letting tests
	// hold a transcription in flight. Closing it releases every call.
	Block chan struct{}

	calls []TranscribeCall
}

// Transcribe records the call and returns the next scripted result.
func (m *Transcriber) Transcribe(ctx context.Context, rec audio.Recording) (stt.Transcript, error) {
	m.mu.Lock()
	m.calls = append(m.calls, TranscribeCall{Ctx: ctx, Recording: rec})
	idx := len(m.calls) - 1
	var r Result
	if n := len(m.Results); n > 0 {
		r = m.Results[min(idx, n-1)]
	}
	block := m.Block
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		}
	}
	if r.Err != nil {
		return stt.Transcript{}, r.Err
	}
	return stt.Transcript{Text: r.Text, Duration: rec.Duration()}, nil
}

// Calls returns a copy of every recorded call. Thread-safe.
func (m *Transcriber) Calls() []TranscribeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TranscribeCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
