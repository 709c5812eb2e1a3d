package mixer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Playback = (*Queue)(nil)

// ErrClosed is returned when submitting audio to a closed [Queue].
var ErrClosed = errors.New("mixer: queue closed")

const (
	// defaultQueueCap is the initial capacity hint for the priority queue.
	defaultQueueCap = 16

	// streamID is the segment ID used for frames submitted through
	// [Queue.Play]. Consecutive Play frames share it and are therefore never
	// separated by a gap.
	streamID = "stream"
)

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithGap sets the base silence gap inserted between consecutive segments
// with different IDs. Jitter of ±1/6 of the gap is applied automatically.
// The default is no gap.
func WithGap(d time.Duration) Option {
	return func(q *Queue) {
		q.gap = d
	}
}

// WithQueueCapacity sets the initial capacity hint for the internal priority
// queue. This does not impose a hard limit; the queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.queue = newPending(n)
		}
	}
}

// WithTransform installs fn to rewrite every frame just before it reaches the
// output. It runs on the dispatch goroutine.
func WithTransform(fn func(audio.AudioFrame) audio.AudioFrame) Option {
	return func(q *Queue) {
		q.transform = fn
	}
}

// WithPacing releases audio to the output in real time: frames are cut into
// slices of at most slice and each slice is emitted no earlier than lead
// before the previous audio has finished playing. While paced audio is still
// playing on the far side [Queue.IsPlaying] stays true.
func WithPacing(slice, lead time.Duration) Option {
	return func(q *Queue) {
		if slice > 0 {
			q.slice = slice
			q.lead = max(lead, 0)
		}
	}
}

// WithStopHandler installs fn to run after [Queue.Stop] has been
// acknowledged and before it returns, whenever audio was cut short. Use it to
// tell the output device to discard what it has buffered.
func WithStopHandler(fn func()) Option {
	return func(q *Queue) {
		q.onStop = fn
	}
}

// Queue is a concrete [audio.Playback] that schedules [audio.Segment]
// playback by priority.
//
// Higher-priority segments preempt lower-priority ones currently playing.
// Equal-priority segments are played in FIFO order. [Queue.Stop] interrupts
// the current segment, clears the queue and waits until the dispatch
// goroutine has emitted its last frame, so callers may safely reopen the
// microphone afterwards.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	output    func(audio.AudioFrame)
	transform func(audio.AudioFrame) audio.AudioFrame
	onStop    func()
	slice     time.Duration // zero disables pacing
	lead      time.Duration

	mu            sync.Mutex
	queue         pending
	gap           time.Duration  // base silence gap between segments
	playing       *audio.Segment // currently playing segment, or nil
	playingPri    int            // priority of the currently playing segment
	cancelPlaying chan struct{}  // closed to interrupt the current segment
	playDone      chan struct{}  // closed by dispatch once the current segment stops emitting
	playingUntil  time.Time      // when paced audio already emitted finishes playing

	notify chan struct{} // signalled when a new segment is enqueued
	done   chan struct{} // closed by Close to stop the dispatch goroutine
	closed bool
}

// New creates a [Queue] that delivers frames to output. The queue starts a
// background dispatch goroutine immediately.
//
// output must not be nil; it is called sequentially from the dispatch
// goroutine and must not block for extended periods.
//
// Call [Queue.Close] to stop the background goroutine and release resources.
func New(output func(audio.AudioFrame), opts ...Option) *Queue {
	q := &Queue{
		output: output,
		queue:  newPending(defaultQueueCap),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Play queues a single frame at priority zero.
func (q *Queue) Play(frame audio.AudioFrame) error {
	return q.Enqueue(audio.FrameSegment(streamID, frame, 0), 0)
}

// Enqueue schedules segment for playback at the given priority. If the
// segment has higher priority than the one currently playing, the current
// segment is interrupted and the new segment begins immediately.
//
// The priority parameter overrides segment.Priority.
func (q *Queue) Enqueue(segment *audio.Segment, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		go audio.Drain(segment.Audio)
		return ErrClosed
	}

	q.queue.push(segment, priority)

	if q.playing != nil && priority > q.playingPri {
		q.interruptLocked(false)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Interrupt immediately stops the currently playing segment and advances to
// the next queued segment (if any). For [audio.UserBargeIn] the queue is also
// cleared. Interrupt does not wait for acknowledgment; use [Queue.Stop] for
// that.
func (q *Queue) Interrupt(reason audio.InterruptReason) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.interruptLocked(reason == audio.UserBargeIn)
}

// Stop interrupts the current segment, clears the queue and blocks until the
// dispatch goroutine acknowledges that no further frame of the interrupted
// segment will be emitted. It returns ctx.Err() if ctx ends first.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	ack := q.playDone
	cut := q.playing != nil || time.Now().Before(q.playingUntil)
	q.interruptLocked(true)
	q.playingUntil = time.Time{}
	q.mu.Unlock()

	if ack != nil {
		select {
		case <-ack:
		case <-ctx.Done():
			return fmt.Errorf("mixer: stop not acknowledged: %w", ctx.Err())
		}
		// The last slice may have been emitted after the reset above.
		q.mu.Lock()
		if q.playing == nil {
			q.playingUntil = time.Time{}
		}
		q.mu.Unlock()
	}
	if cut && q.onStop != nil {
		q.onStop()
	}
	return nil
}

// IsPlaying reports whether a segment is playing or queued, or paced audio
// already emitted has not finished playing.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing != nil || q.queue.len() > 0 || time.Now().Before(q.playingUntil)
}

// SetGap configures the base silence duration inserted between consecutive
// segments. Changes take effect before the next segment starts.
func (q *Queue) SetGap(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.gap = d
}

// Close stops the background dispatch goroutine, drains any remaining queued
// segments, and releases resources. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.interruptLocked(true)
	q.mu.Unlock()

	close(q.done)
	return nil
}

// interruptLocked cancels the currently playing segment and optionally clears
// the queue. Must be called with q.mu held.
func (q *Queue) interruptLocked(clearQueue bool) {
	if q.cancelPlaying != nil {
		close(q.cancelPlaying)
		q.cancelPlaying = nil
	}
	q.playing = nil

	if clearQueue {
		for _, seg := range q.queue.drain() {
			go audio.Drain(seg.Audio)
		}
	}
}

// dispatch pulls segments from the queue and streams their frames to the
// output callback until [Queue.Close] is called.
func (q *Queue) dispatch() {
	lastID := ""
	lastPlayed := false

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			seg, cancel, ack, ok := q.dequeue()
			if !ok {
				break
			}

			if lastPlayed && seg.ID != lastID {
				if gapDur := q.gapWithJitter(); gapDur > 0 {
					gapTimer.Reset(gapDur)
					select {
					case <-q.done:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						go audio.Drain(seg.Audio)
						close(ack)
						return
					case <-cancel:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
						go audio.Drain(seg.Audio)
						q.finish(seg, ack)
						continue
					case <-gapTimer.C:
					}
				}
			}

			q.play(seg, cancel)
			lastPlayed = true
			lastID = seg.ID
			q.finish(seg, ack)
		}
	}
}

// dequeue pops the highest-priority segment and marks it as playing.
func (q *Queue) dequeue() (seg *audio.Segment, cancel, ack chan struct{}, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.queue.pop()
	if !ok {
		return nil, nil, nil, false
	}
	cancel = make(chan struct{})
	ack = make(chan struct{})
	q.playing = e.segment
	q.playingPri = e.priority
	q.cancelPlaying = cancel
	q.playDone = ack
	return e.segment, cancel, ack, true
}

// finish clears the playing state for seg and acknowledges any Stop waiting
// on it.
func (q *Queue) finish(seg *audio.Segment, ack chan struct{}) {
	q.mu.Lock()
	if q.playing == seg {
		q.playing = nil
		q.cancelPlaying = nil
	}
	if q.playDone == ack {
		q.playDone = nil
	}
	q.mu.Unlock()
	close(ack)
}

// play streams frames from seg to the output callback until the segment ends
// or cancel is closed.
func (q *Queue) play(seg *audio.Segment, cancel chan struct{}) {
	for {
		select {
		case <-q.done:
			go audio.Drain(seg.Audio)
			return
		case <-cancel:
			go audio.Drain(seg.Audio)
			return
		case frame, ok := <-seg.Audio:
			if !ok {
				return
			}
			// A cancel that raced with this receive wins.
			select {
			case <-cancel:
				go audio.Drain(seg.Audio)
				return
			default:
			}
			if q.transform != nil {
				frame = q.transform(frame)
			}
			if q.slice <= 0 {
				q.output(frame)
				continue
			}
			for _, part := range frame.Split(q.slice) {
				if !q.pace(cancel) {
					go audio.Drain(seg.Audio)
					return
				}
				q.output(part)
				q.extend(part.Duration())
			}
		}
	}
}

// pace blocks until the next slice is due. It reports false when the segment
// was cancelled or the queue closed while waiting.
func (q *Queue) pace(cancel chan struct{}) bool {
	q.mu.Lock()
	wait := time.Until(q.playingUntil) - q.lead
	q.mu.Unlock()
	if wait <= 0 {
		select {
		case <-cancel:
			return false
		case <-q.done:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-cancel:
		return false
	case <-q.done:
		return false
	}
}

// extend records that d more audio was handed to the output.
func (q *Queue) extend(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if now := time.Now(); q.playingUntil.Before(now) {
		q.playingUntil = now
	}
	q.playingUntil = q.playingUntil.Add(d)
}

// gapWithJitter returns the configured gap with ±1/6 jitter applied.
func (q *Queue) gapWithJitter() time.Duration {
	q.mu.Lock()
	base := q.gap
	q.mu.Unlock()

	if base <= 0 {
		return 0
	}

	jitterRange := base / 6
	if jitterRange <= 0 {
		return base
	}

	jitter := time.Duration(rand.Int64N(int64(2*jitterRange+1))) - jitterRange
	return base + jitter
}
