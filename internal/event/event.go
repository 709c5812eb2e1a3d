// Package event delivers typed notifications from the turn-taking core to any
// number of consumers.
//
// Producers call [Bus.Emit]; consumers call [Bus.Subscribe] and read from the
// returned channel. Each subscriber has its own bounded queue, so a slow
// consumer never blocks the metering loop: when a queue is full the event is
// dropped for that subscriber only and the bus's drop handler is invoked.
// Delivery order is preserved per subscriber.
package event

import (
	"sync"
	"time"
)

// Kind identifies the type of an [Event].
type Kind int

const (
	// KindTranscription carries a non-empty utterance ([Transcription]).
	KindTranscription Kind = iota + 1

	// KindListeningChanged reports the listening flag ([StateChange]).
	KindListeningChanged

	// KindSpeakingChanged reports the user-speaking flag ([StateChange]).
	KindSpeakingChanged

	// KindSessionFinalized reports a recording handed to transcription ([SessionOutcome]).
	KindSessionFinalized

	// KindSessionDiscarded reports a recording dropped as too short ([SessionOutcome]).
	KindSessionDiscarded

	// KindBargeIn reports that counterpart playback was stopped because the
	// user started speaking ([BargeIn]).
	KindBargeIn

	// KindVoiceVariation reports a voice transform applied to counterpart audio.
	KindVoiceVariation

	// KindNoiseInjection reports background noise mixed into counterpart audio.
	KindNoiseInjection

	// KindHardwareFailure reports a simulated hardware failure going live.
	KindHardwareFailure

	// KindHardwareRecovered reports a simulated hardware failure ending.
	KindHardwareRecovered

	// KindHaptic asks the device to pulse its haptic engine ([Haptic]).
	KindHaptic

	// KindError reports a failure that ended listening ([Error]).
	KindError
)

var kindNames = map[Kind]string{
	KindTranscription:     "transcription",
	KindListeningChanged:  "listening_changed",
	KindSpeakingChanged:   "speaking_changed",
	KindSessionFinalized:  "session_finalized",
	KindSessionDiscarded:  "session_discarded",
	KindBargeIn:           "barge_in",
	KindVoiceVariation:    "voice_variation",
	KindNoiseInjection:    "noise_injection",
	KindHardwareFailure:   "hardware_failure",
	KindHardwareRecovered: "hardware_recovered",
	KindHaptic:            "haptic",
	KindError:             "error",
}

// String returns the snake_case wire name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText encodes the kind by name so JSON consumers see strings.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is a single notification. Payload holds one of the payload types of
// this package, or a disruption parameter set for the disruption kinds.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Transcription is the payload of [KindTranscription].
type Transcription struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

// StateChange is the payload of [KindListeningChanged] and [KindSpeakingChanged].
type StateChange struct {
	Active bool `json:"active"`
}

// SessionOutcome is the payload of [KindSessionFinalized] and [KindSessionDiscarded].
type SessionOutcome struct {
	SessionID string        `json:"session_id"`
	Duration  time.Duration `json:"duration"`
	Reason    string        `json:"reason"`
}

// BargeIn is the payload of [KindBargeIn].
type BargeIn struct {
	SessionID string `json:"session_id"`
}

// Haptic is the payload of [KindHaptic].
type Haptic struct {
	Style string `json:"style"`
}

// Error is the payload of [KindError].
type Error struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

// ─── Bus ─────────────────────────────────────────────────────────────────────

// Option configures a [Bus].
type Option func(*Bus)

// WithClock sets the time source used to stamp events. Defaults to time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// WithDropHandler registers fn to be called whenever an event is dropped
// because a subscriber queue is full. fn runs on the publishing goroutine and
// must not block.
func WithDropHandler(fn func(Event)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	now    func() time.Time
	onDrop func(Event)

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
	closed bool
}

type subscription struct {
	ch    chan Event
	kinds map[Kind]struct{} // nil means every kind
}

// NewBus returns an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		now:  time.Now,
		subs: make(map[uint64]*subscription),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a subscriber with a queue of the given capacity
// (minimum 1). When kinds is empty every kind is delivered. The returned
// function unsubscribes and closes the channel; it is safe to call more than
// once. Subscribing to a closed bus returns an already closed channel.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		})
	}
}

// Emit stamps and publishes an event of the given kind.
func (b *Bus) Emit(kind Kind, payload any) {
	b.Publish(Event{Kind: kind, Time: b.now(), Payload: payload})
}

// Publish delivers e to every interested subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kinds != nil {
			if _, ok := s.kinds[e.Kind]; !ok {
				continue
			}
		}
		select {
		case s.ch <- e:
		default:
			if b.onDrop != nil {
				b.onDrop(e)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
// Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
