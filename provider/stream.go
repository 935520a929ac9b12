package provider

import (
	"context"
	"errors"

	"flowrelay/model"
)

// streamBuffer sizes the event channel each adapter produces into. A small
// buffer absorbs vendor bursts without letting a slow consumer pile up
// unbounded memory.
const streamBuffer = 64

// checkStreamParams enforces the shared OpenStream input constraints before
// any vendor connection is opened.
func checkStreamParams(params model.StreamParams, requiresKey bool) error {
	if params.Model == "" {
		return errors.New("model must not be empty")
	}
	if len(params.Messages) == 0 {
		return errors.New("messages must not be empty")
	}
	if requiresKey && params.APIKey == "" {
		return errors.New("api key must not be empty")
	}
	return nil
}

// send delivers an event unless the stream context has been cancelled.
// Returns false when the producer should stop.
func send(ctx context.Context, events chan<- model.StreamEvent, ev model.StreamEvent) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
