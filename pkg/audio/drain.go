package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer is still writing to a
// stream nobody will consume (e.g., the Audio channel of an interrupted
// [Segment]).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
