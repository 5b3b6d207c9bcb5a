// Package relay implements the server the client streams audio to. Each
// websocket connection gets its own recognizer stream; binary frames go in,
// transcripts come back as text frames.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrStreamClosed is returned by Send after Close.
var ErrStreamClosed = errors.New("recognizer stream closed")

// Recognizer opens one transcription stream per client connection.
type Recognizer interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream accepts audio and yields transcripts. Results is closed once the
// stream has shut down.
type Stream interface {
	Send(audio []byte) error
	Results() <-chan string
	Close() error
}

// EchoRecognizer answers every chunk with a byte count. It lets the client
// run end to end without a speech provider.
type EchoRecognizer struct{}

// Open implements Recognizer.
func (EchoRecognizer) Open(context.Context) (Stream, error) {
	return &echoStream{results: make(chan string, 16)}, nil
}

type echoStream struct {
	mu      sync.Mutex
	closed  bool
	results chan string
}

func (s *echoStream) Send(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	select {
	case s.results <- fmt.Sprintf("received %d bytes of audio", len(audio)):
	default:
		// Reader is behind; drop rather than block the socket.
	}
	return nil
}

func (s *echoStream) Results() <-chan string { return s.results }

func (s *echoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
	}
	return nil
}
