// Package relay contains the stream orchestrator: the component that admits
// generation requests, resolves vendor and credential, opens the vendor
// stream through an adapter, and forwards normalized chunks to a token sink
// while tracking each in-flight stream by its node id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"flowrelay/model"
	"flowrelay/provider"
)

// ErrDuplicateStream indicates a second request arrived for a node id that
// already has a live stream. The colliding request is rejected; silently
// replacing the stream would leave two consumers racing over one canvas
// node.
var ErrDuplicateStream = errors.New("duplicate stream for node")

// ErrInvalidRequest indicates the request shape is unusable: missing node
// id, missing model, or neither prompt nor history.
var ErrInvalidRequest = errors.New("invalid generation request")

const (
	defaultIdleTimeout = 120 * time.Second
	defaultCancelGrace = 5 * time.Second
)

// Orchestrator manages any number of concurrent streams, one per active
// node id. The handle map is the only shared mutable state; its mutex is
// held only to insert, look up or remove entries, never across I/O.
type Orchestrator struct {
	registry    *provider.Registry
	credentials model.CredentialResolver
	logger      *slog.Logger
	idleTimeout time.Duration
	cancelGrace time.Duration

	mu      sync.Mutex
	streams map[string]*StreamHandle
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithIdleTimeout bounds the wait between vendor chunks. Expiry behaves
// exactly like a cancellation.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idleTimeout = d }
}

// WithCancelGrace bounds how long Cancel waits for the stream to
// acknowledge before force-releasing the handle.
func WithCancelGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.cancelGrace = d }
}

// New constructs an orchestrator over the given registry and credential
// resolver.
func New(registry *provider.Registry, credentials model.CredentialResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:    registry,
		credentials: credentials,
		logger:      slog.Default(),
		idleTimeout: defaultIdleTimeout,
		cancelGrace: defaultCancelGrace,
		streams:     make(map[string]*StreamHandle),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Admit validates a generation request, resolves its vendor and credential,
// opens the vendor stream and starts forwarding chunks to the sink.
//
// All resolution failures (ErrInvalidRequest, provider.ErrUnknownModel,
// provider.ErrUnsupportedProvider, model.ErrNoCredential,
// ErrDuplicateStream) are returned synchronously before any vendor
// connection is opened, and nothing is written to the sink. Once Admit
// returns a handle, the sink channel is authoritative: completion, vendor
// failure and cancellation are all delivered as a terminal chunk there.
//
// Cancelling ctx (for example when the requesting client disconnects)
// cancels the stream.
func (o *Orchestrator) Admit(ctx context.Context, userID string, req model.GenerateRequest, sink TokenSink) (*StreamHandle, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	providerID, err := o.registry.ResolveProvider(req.Model)
	if err != nil {
		return nil, err
	}
	adapter, err := o.registry.Adapter(providerID)
	if err != nil {
		return nil, err
	}

	apiKey := ""
	if adapter.RequiresKey() {
		apiKey, err = o.credentials.Resolve(ctx, userID, providerID)
		if err != nil {
			return nil, err
		}
	}

	// Reserve the node id before opening the vendor connection so two
	// concurrent admits cannot both pass the duplicate check.
	streamCtx, cancel := context.WithCancel(ctx)
	handle := newHandle(req.NodeID, req.Model, cancel, sink)

	o.mu.Lock()
	if _, exists := o.streams[req.NodeID]; exists {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateStream, req.NodeID)
	}
	o.streams[req.NodeID] = handle
	o.mu.Unlock()

	events, err := adapter.OpenStream(streamCtx, model.StreamParams{
		Model:    req.Model,
		Messages: req.Messages(),
		Options:  req.Options,
		APIKey:   apiKey,
	})
	if err != nil {
		o.remove(req.NodeID, handle)
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	handle.setStreaming()
	o.logger.Debug("stream admitted",
		"nodeId", req.NodeID, "model", req.Model, "provider", string(providerID))

	go o.pump(streamCtx, handle, events)
	return handle, nil
}

// Cancel stops the stream for nodeID if one is live. The sink receives one
// final chunk with no error (cancellation is not an error) and is closed.
// Cancelling an unknown or already-terminal node id is a no-op.
func (o *Orchestrator) Cancel(nodeID string) {
	o.mu.Lock()
	handle := o.streams[nodeID]
	o.mu.Unlock()
	if handle == nil {
		return
	}

	handle.cancel()

	// Cooperative teardown: wait for the pump to acknowledge, but only so
	// long. An adapter stuck past the grace period gets force-released.
	select {
	case <-handle.Done():
	case <-time.After(o.cancelGrace):
		o.logger.Warn("stream did not acknowledge cancellation, force releasing",
			"nodeId", nodeID, "grace", o.cancelGrace)
		o.finishCancelled(handle)
		o.remove(nodeID, handle)
	}
}

// Active reports how many streams are currently live.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.streams)
}

// pump is the single reader of one vendor event channel. It forwards chunks
// in adapter order, never reordering or batching, and finalizes the handle
// exactly once.
func (o *Orchestrator) pump(ctx context.Context, handle *StreamHandle, events <-chan model.StreamEvent) {
	defer o.remove(handle.nodeID, handle)
	defer handle.cancel()

	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Producer stopped without a final event: cancellation
				// if our context was cut, otherwise a vendor fault.
				if ctx.Err() != nil {
					o.finishCancelled(handle)
				} else {
					o.finishFailed(handle, "stream ended unexpectedly")
				}
				return
			}

			if ev.Final {
				if ev.Err != "" {
					o.finishFailed(handle, ev.Err)
				} else {
					o.finishCompleted(handle, ev.FinishReason)
				}
				return
			}

			handle.addText(ev.Text)
			if err := handle.writeDelta(model.StreamChunk{
				NodeID:  handle.nodeID,
				Content: ev.Text,
			}); err != nil {
				// The sink is gone (client disconnected mid-write).
				// Tear down the vendor side and treat it as a cancel.
				o.logger.Warn("sink write failed, cancelling stream",
					"nodeId", handle.nodeID, "error", err)
				handle.cancel()
				o.finishCancelled(handle)
				return
			}

			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(o.idleTimeout)

		case <-idle.C:
			o.logger.Warn("stream idle timeout, cancelling",
				"nodeId", handle.nodeID, "timeout", o.idleTimeout)
			handle.cancel()
			o.finishCancelled(handle)
			return
		}
	}
}

func (o *Orchestrator) finishCompleted(handle *StreamHandle, finishReason string) {
	first, err := handle.terminate(StateCompleted, model.StreamChunk{
		NodeID:     handle.nodeID,
		IsComplete: true,
		Metadata: &model.Metadata{
			TokensUsed:   estimateTokens(handle.charCount()),
			Model:        handle.model,
			FinishReason: finishReason,
		},
	})
	o.logFinish(handle, first, err, "completed")
}

func (o *Orchestrator) finishFailed(handle *StreamHandle, message string) {
	first, err := handle.terminate(StateFailed, model.StreamChunk{
		NodeID:     handle.nodeID,
		IsComplete: true,
		Error:      message,
		Metadata: &model.Metadata{
			TokensUsed: estimateTokens(handle.charCount()),
			Model:      handle.model,
		},
	})
	o.logFinish(handle, first, err, "failed")
}

func (o *Orchestrator) finishCancelled(handle *StreamHandle) {
	first, err := handle.terminate(StateCancelled, model.StreamChunk{
		NodeID:     handle.nodeID,
		IsComplete: true,
		Metadata: &model.Metadata{
			TokensUsed: estimateTokens(handle.charCount()),
			Model:      handle.model,
		},
	})
	o.logFinish(handle, first, err, "cancelled")
}

func (o *Orchestrator) logFinish(handle *StreamHandle, first bool, err error, outcome string) {
	if !first {
		return
	}
	if err != nil {
		o.logger.Warn("sink finalization error",
			"nodeId", handle.nodeID, "outcome", outcome, "error", err)
		return
	}
	o.logger.Debug("stream finished", "nodeId", handle.nodeID, "outcome", outcome)
}

// remove releases the node id only if it is still held by this handle. A
// force-released stream may outlive its map entry, and its pump must not
// evict a successor admitted for the same id in the meantime.
func (o *Orchestrator) remove(nodeID string, handle *StreamHandle) {
	o.mu.Lock()
	if o.streams[nodeID] == handle {
		delete(o.streams, nodeID)
	}
	o.mu.Unlock()
}

func validateRequest(req model.GenerateRequest) error {
	if req.NodeID == "" {
		return fmt.Errorf("%w: nodeId is required", ErrInvalidRequest)
	}
	if req.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if req.Prompt == "" && len(req.History) == 0 {
		return fmt.Errorf("%w: prompt or history is required", ErrInvalidRequest)
	}
	return nil
}
