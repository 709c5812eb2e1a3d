package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// TranscriberFallback is an [stt.Transcriber] that fails over across
// backends. A failed backend is counted against its breaker and the next
// one gets the same recording.
type TranscriberFallback struct {
	providers *Failover[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback returns a failover transcriber with primary first.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	f := &TranscriberFallback{providers: NewFailover[stt.Transcriber](cfg)}
	f.providers.Add(primaryName, primary)
	return f
}

// AddFallback appends a backend after those already registered.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.providers.Add(name, t)
}

func (f *TranscriberFallback) Transcribe(ctx context.Context, rec audio.Recording) (stt.Transcript, error) {
	return Call(ctx, f.providers, func(ctx context.Context, t stt.Transcriber) (stt.Transcript, error) {
		return t.Transcribe(ctx, rec)
	})
}

// Status returns each backend's breaker state.
func (f *TranscriberFallback) Status() []EntryStatus { return f.providers.Status() }

// Available reports whether any backend would accept a call.
func (f *TranscriberFallback) Available() bool { return f.providers.Available() }
