package relay

import (
	"context"
	"sync"

	"flowrelay/model"
)

// State is the lifecycle position of a stream handle. Terminal states are
// final; nothing transitions out of them.
type State int

const (
	// StateAdmitted covers the window between request admission and the
	// vendor stream opening.
	StateAdmitted State = iota + 1
	// StateStreaming means the vendor connection is open and chunks flow.
	StateStreaming
	// StateCompleted is terminal: the vendor signalled normal completion.
	StateCompleted
	// StateFailed is terminal: the vendor errored mid-stream.
	StateFailed
	// StateCancelled is terminal: the caller cancelled, or a timeout was
	// treated as cancellation.
	StateCancelled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateAdmitted:
		return "admitted"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// StreamHandle owns one in-flight stream: its node id, the cancel handle for
// the vendor connection, the sink, and the state machine. The handle is the
// exclusive owner of both the vendor event channel and the sink; nothing
// else writes to either.
type StreamHandle struct {
	nodeID string
	model  string
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	sink  TokenSink
	chars int
	done  chan struct{}
}

func newHandle(nodeID, modelName string, cancel context.CancelFunc, sink TokenSink) *StreamHandle {
	return &StreamHandle{
		nodeID: nodeID,
		model:  modelName,
		cancel: cancel,
		state:  StateAdmitted,
		sink:   sink,
		done:   make(chan struct{}),
	}
}

// NodeID returns the correlation id this handle serves.
func (h *StreamHandle) NodeID() string { return h.nodeID }

// State returns the current lifecycle state.
func (h *StreamHandle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Done is closed once the handle reaches a terminal state and its sink is
// closed.
func (h *StreamHandle) Done() <-chan struct{} { return h.done }

func (h *StreamHandle) setStreaming() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateAdmitted {
		h.state = StateStreaming
	}
}

// addText accumulates delta length for the token estimate on the final
// chunk.
func (h *StreamHandle) addText(text string) {
	h.mu.Lock()
	h.chars += len(text)
	h.mu.Unlock()
}

func (h *StreamHandle) charCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chars
}

// writeDelta forwards a non-terminal chunk to the sink, refusing once the
// handle is terminal so a force-released stream can never write after its
// sink closed.
func (h *StreamHandle) writeDelta(chunk model.StreamChunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return nil
	}
	return h.sink.Write(chunk)
}

// terminate moves the handle into a terminal state exactly once, writing the
// final chunk and closing the sink. The first caller wins; later calls are
// no-ops, which is what makes Cancel idempotent. Returns the write/close
// error, if any, for logging.
func (h *StreamHandle) terminate(state State, final model.StreamChunk) (bool, error) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return false, nil
	}
	h.state = state

	err := h.sink.Write(final)
	if closeErr := h.sink.Close(); err == nil {
		err = closeErr
	}
	h.mu.Unlock()

	close(h.done)
	return true, err
}
