package event

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_DeliversInOrder(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, unsub := b.Subscribe(8)
	defer unsub()

	b.Emit(KindListeningChanged, StateChange{Active: true})
	b.Emit(KindSpeakingChanged, StateChange{Active: true})
	b.Emit(KindTranscription, Transcription{SessionID: "s1", Text: "hello"})

	want := []Kind{KindListeningChanged, KindSpeakingChanged, KindTranscription}
	for i, k := range want {
		select {
		case e := <-ch:
			if e.Kind != k {
				t.Errorf("event %d: kind = %v, want %v", i, e.Kind, k)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d: timed out", i)
		}
	}
}

func TestBus_KindFilter(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, unsub := b.Subscribe(4, KindTranscription)
	defer unsub()

	b.Emit(KindSpeakingChanged, StateChange{Active: true})
	b.Emit(KindTranscription, Transcription{Text: "hi"})

	e := <-ch
	if e.Kind != KindTranscription {
		t.Fatalf("kind = %v, want transcription", e.Kind)
	}
	if p, ok := e.Payload.(Transcription); !ok || p.Text != "hi" {
		t.Errorf("payload = %#v", e.Payload)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected extra event %v", e.Kind)
	default:
	}
}

func TestBus_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()
	var dropped atomic.Int32
	b := NewBus(WithDropHandler(func(Event) { dropped.Add(1) }))
	ch, unsub := b.Subscribe(1)
	defer unsub()

	for range 5 {
		b.Emit(KindHaptic, Haptic{Style: "light"})
	}

	if got := dropped.Load(); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
	if len(ch) != 1 {
		t.Errorf("queued = %d, want 1", len(ch))
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel still open after unsubscribe")
	}
	if n := b.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
	// Publishing after unsubscribe must not panic.
	b.Emit(KindError, Error{Op: "x"})
}

func TestBus_Close(t *testing.T) {
	t.Parallel()
	b := NewBus()
	ch, unsub := b.Subscribe(1)
	b.Close()
	b.Close()
	unsub()

	if _, ok := <-ch; ok {
		t.Error("channel open after Close")
	}
	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("subscription on closed bus should be closed")
	}
	b.Emit(KindError, Error{Op: "x"})
}

func TestBus_StampsWithClock(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	b := NewBus(WithClock(func() time.Time { return at }))
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Emit(KindBargeIn, BargeIn{SessionID: "s"})
	if e := <-ch; !e.Time.Equal(at) {
		t.Errorf("Time = %v, want %v", e.Time, at)
	}
}

func TestKind_MarshalJSON(t *testing.T) {
	t.Parallel()
	data, err := json.Marshal(Event{Kind: KindSessionDiscarded})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if raw["kind"] != "session_discarded" {
		t.Errorf("kind = %v, want session_discarded", raw["kind"])
	}
	if got := Kind(99).String(); got != "unknown" {
		t.Errorf("Kind(99).String() = %q", got)
	}
}
