package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
)

var testRecording = audio.Recording{PCM: make([]byte, 3200), SampleRate: 16000, Channels: 1}

func TestTranscriberFallback_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Transcriber{Results: []sttmock.Result{{Text: "hello"}}}
	secondary := &sttmock.Transcriber{}

	fb := NewTranscriberFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), testRecording)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "hello" {
		t.Errorf("Text = %q, want hello", tr.Text)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestTranscriberFallback_Failover(t *testing.T) {
	primary := &sttmock.Transcriber{Results: []sttmock.Result{{Err: errors.New("primary down")}}}
	secondary := &sttmock.Transcriber{Results: []sttmock.Result{{Text: "from secondary"}}}

	fb := NewTranscriberFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), testRecording)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "from secondary" {
		t.Errorf("Text = %q", tr.Text)
	}
	calls := secondary.Calls()
	if len(calls) != 1 || len(calls[0].Recording.PCM) != len(testRecording.PCM) {
		t.Fatalf("secondary calls = %d, want 1 with the same recording", len(calls))
	}
}

func TestTranscriberFallback_AllFail(t *testing.T) {
	primary := &sttmock.Transcriber{Results: []sttmock.Result{{Err: errors.New("a")}}}
	secondary := &sttmock.Transcriber{Results: []sttmock.Result{{Err: errors.New("b")}}}

	fb := NewTranscriberFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), testRecording)
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestTranscriberFallback_StatusAndAvailability(t *testing.T) {
	primary := &sttmock.Transcriber{Results: []sttmock.Result{{Err: errors.New("down")}}}

	fb := NewTranscriberFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2},
	})
	if !fb.Available() {
		t.Fatal("fresh group reports unavailable")
	}

	_, _ = fb.Transcribe(context.Background(), testRecording)
	_, _ = fb.Transcribe(context.Background(), testRecording)

	if fb.Available() {
		t.Error("group available with its only breaker open")
	}
	st := fb.Status()
	if len(st) != 1 || st[0].Name != "primary" || st[0].State != "open" {
		t.Errorf("Status() = %+v", st)
	}
}
