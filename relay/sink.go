package relay

import "flowrelay/model"

// TokenSink is the transport-facing consumer of stream chunks. The
// orchestrator writes chunks strictly in adapter order, writes exactly one
// terminal chunk (IsComplete=true), then calls Close exactly once and never
// writes again.
//
// Framing (SSE event format, chunked-encoding boundaries, websocket frames)
// is entirely the sink's concern; the orchestrator only sees this interface.
type TokenSink interface {
	Write(chunk model.StreamChunk) error
	Close() error
}
