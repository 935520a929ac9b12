// Package testutil provides mock adapters and resolvers for testing the
// relay without any vendor network traffic.
package testutil

import (
	"context"
	"sync/atomic"

	"flowrelay/model"
)

// MockAdapter implements model.Adapter with scripted events.
//
// By default OpenStream plays back Events in order and closes the channel.
// Set OpenStreamFunc to override entirely. OpenStreamCalls counts
// invocations so tests can assert an adapter was never reached.
type MockAdapter struct {
	Provider model.ProviderID

	// Events are played back in order by the default OpenStream. A Final
	// event stops playback; the producer also stops when the stream
	// context is cancelled.
	Events []model.StreamEvent

	// Hold, when non-nil, is waited on between events so tests can keep a
	// stream in flight deliberately.
	Hold chan struct{}

	OpenStreamFunc  func(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error)
	ValidateKeyFunc func(ctx context.Context, apiKey string) bool

	OpenStreamCalls  atomic.Int32
	ValidateKeyCalls atomic.Int32

	// LastParams records the most recent OpenStream parameters.
	LastParams model.StreamParams

	NoKey bool
}

// NewMockAdapter creates a mock for the given vendor with a trivial
// two-event script.
func NewMockAdapter(provider model.ProviderID) *MockAdapter {
	return &MockAdapter{
		Provider: provider,
		Events: []model.StreamEvent{
			{Text: "mock response"},
			{Final: true, FinishReason: "stop"},
		},
	}
}

// ID implements model.Adapter.
func (m *MockAdapter) ID() model.ProviderID { return m.Provider }

// RequiresKey implements model.Adapter.
func (m *MockAdapter) RequiresKey() bool { return !m.NoKey }

// OpenStream implements model.Adapter.
func (m *MockAdapter) OpenStream(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error) {
	m.OpenStreamCalls.Add(1)
	m.LastParams = params
	if m.OpenStreamFunc != nil {
		return m.OpenStreamFunc(ctx, params)
	}

	events := make(chan model.StreamEvent, len(m.Events))
	go func() {
		defer close(events)
		for _, ev := range m.Events {
			if m.Hold != nil {
				select {
				case <-m.Hold:
				case <-ctx.Done():
					return
				}
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Final {
				return
			}
		}
	}()
	return events, nil
}

// ValidateKey implements model.Adapter.
func (m *MockAdapter) ValidateKey(ctx context.Context, apiKey string) bool {
	m.ValidateKeyCalls.Add(1)
	if m.ValidateKeyFunc != nil {
		return m.ValidateKeyFunc(ctx, apiKey)
	}
	return apiKey != ""
}

// MockResolver implements model.CredentialResolver from a static map keyed
// by userID+"/"+provider.
type MockResolver struct {
	Keys map[string]string

	ResolveCalls atomic.Int32
}

// NewMockResolver creates a resolver with a single user/provider/key entry.
func NewMockResolver(userID string, provider model.ProviderID, key string) *MockResolver {
	return &MockResolver{Keys: map[string]string{userID + "/" + string(provider): key}}
}

// Resolve implements model.CredentialResolver.
func (r *MockResolver) Resolve(_ context.Context, userID string, provider model.ProviderID) (string, error) {
	r.ResolveCalls.Add(1)
	key, ok := r.Keys[userID+"/"+string(provider)]
	if !ok {
		return "", model.ErrNoCredential
	}
	return key, nil
}
