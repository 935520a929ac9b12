package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"flowrelay/model"
)

// errSinkClosed is returned on writes after Close. The relay treats a
// failed sink write as a client disconnect.
var errSinkClosed = errors.New("sse sink closed")

// sseSink frames stream chunks as Server-Sent Events over an echo response.
// Headers go out lazily on the first write, so a request that fails
// resolution before streaming can still get a plain JSON error response.
type sseSink struct {
	response *echo.Response

	mu      sync.Mutex
	started bool
	closed  bool
}

func newSSESink(response *echo.Response) *sseSink {
	return &sseSink{response: response}
}

// Write implements relay.TokenSink.
func (s *sseSink) Write(chunk model.StreamChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal stream chunk: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if !s.started {
		header := s.response.Header()
		header.Set(echo.HeaderContentType, "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		s.response.WriteHeader(http.StatusOK)
		s.started = true
	}

	if _, err := fmt.Fprintf(s.response, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.response.Flush()
	return nil
}

// Close implements relay.TokenSink. SSE has no closing frame; the terminal
// chunk's isComplete flag tells the client the stream is done.
func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
