package audio

// InterruptReason identifies why counterpart playback was cut short.
type InterruptReason int

const (
	// OperatorStop indicates that playback was stopped on request, e.g. when
	// the session ends or the device asks for silence.
	OperatorStop InterruptReason = iota

	// UserBargeIn indicates that the user started speaking while the
	// counterpart was still talking. The user takes the floor, so queued
	// speech is discarded as well.
	UserBargeIn
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case OperatorStop:
		return "OPERATOR_STOP"
	case UserBargeIn:
		return "USER_BARGE_IN"
	default:
		return "UNKNOWN"
	}
}

// Segment is one counterpart utterance. Frames arrive incrementally on Audio
// so playback can begin before synthesis completes; the producer closes the
// channel when the utterance ends.
type Segment struct {
	// ID identifies the utterance in logs.
	ID string

	// Audio delivers the utterance frames. Closed by the producer.
	Audio <-chan AudioFrame

	// Priority controls scheduling when several segments are queued. Higher
	// values play first; equal priorities play in FIFO order.
	Priority int
}

// FrameSegment wraps a single frame in a closed, ready-to-play [Segment].
func FrameSegment(id string, frame AudioFrame, priority int) *Segment {
	ch := make(chan AudioFrame, 1)
	ch <- frame
	close(ch)
	return &Segment{ID: id, Audio: ch, Priority: priority}
}
