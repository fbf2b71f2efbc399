// Package output captures the combined output of a viewer process. Multiple
// clients can subscribe to a Streamer and each receive the complete output
// from the beginning.
package output

import (
	"bufio"
	"io"
	"sync"
)

const (
	// initialBufferCapacity is the starting size for the output buffer.
	// Viewers are chatty on startup (GTK warnings, broadway banner) and then
	// mostly quiet.
	initialBufferCapacity = 4096

	// readBufferSize is the temporary buffer size for reading from the source
	// pipe. 4KB aligns with typical pipe buffer sizes.
	readBufferSize = 4096
)

// Streamer reads a viewer's output from a source io.ReadCloser and stores it
// in an internal buffer for use by subscribers.
type Streamer struct {
	// NOTE: the buffer grows for as long as the viewer runs. Viewers are
	// stopped when their session disconnects, which bounds it in practice.
	buffer []byte

	drained chan struct{}
	done    chan struct{}
	mu      sync.Mutex
	cond    sync.Cond
}

// NewStreamer creates a Streamer that reads from source and immediately begins
// processing. Processing ends once exited is closed and the source has been
// drained or closed. Closing exited closes source, so output written by
// orphaned children holding the pipe open does not keep subscribers waiting.
func NewStreamer(source io.ReadCloser, exited <-chan struct{}) *Streamer {
	s := &Streamer{
		buffer:  make([]byte, 0, initialBufferCapacity),
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}

	s.cond.L = &s.mu

	go s.processOutput(source)

	go func() {
		<-exited

		source.Close()

		<-s.drained

		s.mu.Lock()
		close(s.done)
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	return s
}

func (s *Streamer) processOutput(source io.Reader) {
	defer close(s.drained)

	buffer := make([]byte, readBufferSize)

	for {
		n, err := source.Read(buffer)
		if n > 0 {
			s.mu.Lock()

			s.buffer = append(s.buffer, buffer[:n]...)

			s.cond.Broadcast()

			s.mu.Unlock()
		}

		if err != nil {
			// io.EOF when the viewer closed its end, os.ErrClosed (or
			// io.ErrClosedPipe) when the source was closed after exit.
			return
		}
	}
}

// Subscribe returns a io.ReadCloser for reading data from the Streamer.
// Close cancels the subscription.
func (s *Streamer) Subscribe() io.ReadCloser {
	return &reader{s: s}
}

// Done returns a channel that is closed when processing has finished.
func (s *Streamer) Done() <-chan struct{} {
	return s.done
}

// ForwardLines subscribes to the Streamer and calls fn for every line of
// output until processing has finished.
func (s *Streamer) ForwardLines(fn func(line string)) {
	sub := s.Subscribe()
	defer sub.Close()

	scanner := bufio.NewScanner(sub)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

func (s *Streamer) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
