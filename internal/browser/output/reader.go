package output

import (
	"io"
	"sync/atomic"
)

// reader reads data from a Streamer, tracking its own position in the
// buffer. Safe for concurrent use.
type reader struct {
	position int
	closed   atomic.Bool

	s *Streamer
}

// Read performs a blocking read of data from the buffer of the Streamer.
// When there's no more data left and there's no more coming, it returns
// io.EOF.
func (r *reader) Read(p []byte) (n int, err error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	// Broadcast is called on 'more data available', 'done' and 'closed'.
	for r.position >= len(r.s.buffer) && !r.isFinished() {
		r.s.cond.Wait()
	}

	if r.closed.Load() || r.position >= len(r.s.buffer) {
		return 0, io.EOF
	}

	n = copy(p, r.s.buffer[r.position:])

	r.position += n

	return n, nil
}

// Close unsubscribes the reader and wakes any waiting Read. Closing a closed
// reader returns io.ErrClosedPipe.
func (r *reader) Close() error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if r.closed.Swap(true) {
		return io.ErrClosedPipe
	}

	r.s.cond.Broadcast()

	return nil
}

func (r *reader) isFinished() bool {
	return r.closed.Load() || (r.s.isDone() && r.position >= len(r.s.buffer))
}
