// Package mixer provides the counterpart playback queue: a concrete
// [audio.Playback] that plays [audio.Segment] values by priority. It
// supports priority preemption, barge-in stops with acknowledgment, an
// optional per-frame transform (used for disruption effects) and
// configurable inter-segment silence gaps with jitter.
package mixer

import (
	"container/heap"

	"github.com/MrWong99/parley/pkg/audio"
)

type entry struct {
	segment  *audio.Segment
	priority int
	seq      uint64
}

// pending holds queued segments, highest priority first and FIFO within a
// priority. Not safe for concurrent use; [Queue] guards it with its mutex.
type pending struct {
	h   entries
	seq uint64
}

func newPending(capacity int) pending {
	return pending{h: make(entries, 0, capacity)}
}

func (p *pending) len() int { return len(p.h) }

func (p *pending) push(seg *audio.Segment, priority int) {
	p.seq++
	heap.Push(&p.h, entry{segment: seg, priority: priority, seq: p.seq})
}

// pop removes the next segment to play.
func (p *pending) pop() (entry, bool) {
	if len(p.h) == 0 {
		return entry{}, false
	}
	return heap.Pop(&p.h).(entry), true
}

// drain empties the queue and returns the dropped segments in play order.
func (p *pending) drain() []*audio.Segment {
	out := make([]*audio.Segment, 0, len(p.h))
	for {
		e, ok := p.pop()
		if !ok {
			return out
		}
		out = append(out, e.segment)
	}
}

// entries is the container/heap backing store.
type entries []entry

func (h entries) Len() int { return len(h) }

func (h entries) Less(i, j int) bool {
	if a, b := h[i].priority, h[j].priority; a != b {
		return a > b
	}
	return h[i].seq < h[j].seq
}

func (h entries) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entries) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entries) Pop() any {
	n := len(*h) - 1
	e := (*h)[n]
	(*h)[n] = entry{}
	*h = (*h)[:n]
	return e
}
