package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"flowrelay/model"
	"flowrelay/provider"
	"flowrelay/provider/testutil"
)

// recordSink captures chunks in memory for assertions.
type recordSink struct {
	mu     sync.Mutex
	chunks []model.StreamChunk
	closes int
}

func (s *recordSink) Write(chunk model.StreamChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *recordSink) snapshot() []model.StreamChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.StreamChunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

func (s *recordSink) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func newTestRegistry(t *testing.T, prefix string, adapter *testutil.MockAdapter) *provider.Registry {
	t.Helper()
	registry := provider.NewRegistry()
	if err := registry.RegisterPrefix(prefix, adapter.ID()); err != nil {
		t.Fatalf("register prefix: %v", err)
	}
	if err := registry.RegisterAdapter(adapter); err != nil {
		t.Fatalf("register adapter: %v", err)
	}
	return registry
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRoundTripOrderAndAccumulation(t *testing.T) {
	deltas := []string{"The ", "quick ", "brown ", "fox ", "jumps"}
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.Events = nil
	for _, d := range deltas {
		adapter.Events = append(adapter.Events, model.StreamEvent{Text: d})
	}
	adapter.Events = append(adapter.Events, model.StreamEvent{Final: true, FinishReason: "stop"})

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	sink := &recordSink{}
	handle, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1",
		Model:  "gpt-4o",
		Prompt: "tell me about foxes",
	}, sink)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}

	<-handle.Done()

	chunks := sink.snapshot()
	if len(chunks) != len(deltas)+1 {
		t.Fatalf("expected %d chunks, got %d", len(deltas)+1, len(chunks))
	}

	var accumulated strings.Builder
	for i, d := range deltas {
		if chunks[i].Content != d {
			t.Errorf("chunk %d: expected %q, got %q", i, d, chunks[i].Content)
		}
		if chunks[i].IsComplete {
			t.Errorf("chunk %d: unexpected IsComplete before the end", i)
		}
		accumulated.WriteString(chunks[i].Content)
	}
	if accumulated.String() != strings.Join(deltas, "") {
		t.Errorf("accumulated text mismatch: %q", accumulated.String())
	}

	final := chunks[len(chunks)-1]
	if !final.IsComplete {
		t.Error("last chunk should be terminal")
	}
	if final.Error != "" {
		t.Errorf("unexpected error on completion: %q", final.Error)
	}
	if final.Metadata == nil || final.Metadata.FinishReason != "stop" {
		t.Errorf("expected finish reason metadata, got %+v", final.Metadata)
	}
	if sink.closeCount() != 1 {
		t.Errorf("sink closed %d times, want exactly 1", sink.closeCount())
	}
	if handle.State() != StateCompleted {
		t.Errorf("expected Completed, got %s", handle.State())
	}
}

func TestNoChunkAfterFinal(t *testing.T) {
	// An adapter that misbehaves and keeps sending after its final event:
	// the relay must still stop at the terminal chunk.
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.OpenStreamFunc = func(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error) {
		events := make(chan model.StreamEvent, 4)
		events <- model.StreamEvent{Text: "a"}
		events <- model.StreamEvent{Final: true}
		events <- model.StreamEvent{Text: "late"}
		close(events)
		return events, nil
	}

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	sink := &recordSink{}
	handle, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, sink)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	<-handle.Done()

	chunks := sink.snapshot()
	for i, chunk := range chunks {
		if chunk.IsComplete && i != len(chunks)-1 {
			t.Fatalf("chunk %d is terminal but %d chunks followed", i, len(chunks)-1-i)
		}
	}
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks (delta + final), got %d", len(chunks))
	}
}

func TestUnknownModelFailsBeforeAdapter(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	sink := &recordSink{}
	_, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "llama-3", Prompt: "hi",
	}, sink)
	if !errors.Is(err, provider.ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}
	if calls := adapter.OpenStreamCalls.Load(); calls != 0 {
		t.Errorf("adapter invoked %d times for unknown model", calls)
	}
	if len(sink.snapshot()) != 0 || sink.closeCount() != 0 {
		t.Error("sink touched on resolution failure")
	}
}

func TestUnsupportedProvider(t *testing.T) {
	registry := provider.NewRegistry()
	if err := registry.RegisterPrefix("gpt-", model.ProviderOpenAI); err != nil {
		t.Fatalf("register prefix: %v", err)
	}
	// No adapter registered for openai.
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	_, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, &recordSink{})
	if !errors.Is(err, provider.ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestNoCredentialFailsBeforeStream(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	registry := newTestRegistry(t, "gpt-", adapter)
	// Resolver knows a different user only.
	resolver := testutil.NewMockResolver("someone-else", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	_, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, &recordSink{})
	if !errors.Is(err, model.ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}
	if calls := adapter.OpenStreamCalls.Load(); calls != 0 {
		t.Errorf("adapter invoked %d times without a credential", calls)
	}
}

func TestInvalidRequest(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	tests := []struct {
		name string
		req  model.GenerateRequest
	}{
		{"missing node id", model.GenerateRequest{Model: "gpt-4o", Prompt: "hi"}},
		{"missing model", model.GenerateRequest{NodeID: "n", Prompt: "hi"}},
		{"no prompt or history", model.GenerateRequest{NodeID: "n", Model: "gpt-4o"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := orchestrator.Admit(context.Background(), "u1", tt.req, &recordSink{})
			if !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestDuplicateStreamRejected(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.Hold = make(chan struct{})
	adapter.Events = []model.StreamEvent{
		{Text: "partial"},
		{Final: true, FinishReason: "stop"},
	}

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	first := &recordSink{}
	handle, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, first)
	if err != nil {
		t.Fatalf("first Admit returned error: %v", err)
	}

	second := &recordSink{}
	_, err = orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi again",
	}, second)
	if !errors.Is(err, ErrDuplicateStream) {
		t.Fatalf("expected ErrDuplicateStream, got %v", err)
	}
	if len(second.snapshot()) != 0 {
		t.Error("rejected request's sink received chunks")
	}

	// Let the first stream finish; the id becomes reusable.
	adapter.Hold <- struct{}{}
	adapter.Hold <- struct{}{}
	<-handle.Done()
	waitFor(t, time.Second, "handle removal", func() bool { return orchestrator.Active() == 0 })

	third := &recordSink{}
	adapter.Hold = nil
	h3, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "again",
	}, third)
	if err != nil {
		t.Fatalf("Admit after completion returned error: %v", err)
	}
	<-h3.Done()
}

func TestCancelMidFlight(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.Hold = make(chan struct{})
	adapter.Events = []model.StreamEvent{
		{Text: "Hel"},
		{Text: "lo"},
		{Final: true, FinishReason: "stop"},
	}

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	sink := &recordSink{}
	handle, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, sink)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}

	// Release the first delta, then cancel while the producer is held.
	adapter.Hold <- struct{}{}
	waitFor(t, time.Second, "first delta", func() bool { return len(sink.snapshot()) == 1 })

	orchestrator.Cancel("node-1")
	<-handle.Done()

	chunks := sink.snapshot()
	final := chunks[len(chunks)-1]
	if !final.IsComplete {
		t.Error("cancellation must deliver a terminal chunk")
	}
	if final.Error != "" {
		t.Errorf("cancellation is not an error, got %q", final.Error)
	}
	if handle.State() != StateCancelled {
		t.Errorf("expected Cancelled, got %s", handle.State())
	}
	if sink.closeCount() != 1 {
		t.Errorf("sink closed %d times, want exactly 1", sink.closeCount())
	}

	// Cancelling a terminal stream is a no-op.
	orchestrator.Cancel("node-1")
	orchestrator.Cancel("never-existed")
	if got := sink.closeCount(); got != 1 {
		t.Errorf("idempotent cancel closed the sink again (%d)", got)
	}
}

func TestForceReleaseDoesNotEvictSuccessor(t *testing.T) {
	// First stream's producer ignores its context, so Cancel has to
	// force-release after the grace period. A successor then takes over the
	// node id; when the stale producer finally unblocks, its pump must not
	// remove the successor's map entry.
	release := make(chan struct{})
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.OpenStreamFunc = func(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error) {
		events := make(chan model.StreamEvent)
		if adapter.OpenStreamCalls.Load() == 1 {
			go func() {
				<-release
				close(events)
			}()
			return events, nil
		}
		go func() {
			<-ctx.Done()
			close(events)
		}()
		return events, nil
	}

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver, WithCancelGrace(20*time.Millisecond))

	first := &recordSink{}
	stuck, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, first)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}

	orchestrator.Cancel("node-1")
	<-stuck.Done()
	if stuck.State() != StateCancelled {
		t.Fatalf("expected force-released stream to be Cancelled, got %s", stuck.State())
	}

	second := &recordSink{}
	live, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi again",
	}, second)
	if err != nil {
		t.Fatalf("Admit after force release returned error: %v", err)
	}

	// Unblock the stale producer and let its pump wind down.
	close(release)
	time.Sleep(50 * time.Millisecond)

	if got := orchestrator.Active(); got != 1 {
		t.Errorf("Active() = %d while the successor is live, want 1", got)
	}
	if _, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "again",
	}, &recordSink{}); !errors.Is(err, ErrDuplicateStream) {
		t.Errorf("expected ErrDuplicateStream while the successor is live, got %v", err)
	}

	// The successor is still addressable by id.
	orchestrator.Cancel("node-1")
	<-live.Done()
	if live.State() != StateCancelled {
		t.Errorf("expected successor Cancelled, got %s", live.State())
	}
	chunks := second.snapshot()
	if len(chunks) != 1 || !chunks[0].IsComplete || chunks[0].Error != "" {
		t.Errorf("expected a single clean terminal chunk on the successor, got %+v", chunks)
	}
}

func TestVendorErrorMidStream(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.Events = []model.StreamEvent{
		{Text: "partial "},
		{Final: true, Err: "rate limited"},
	}

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	sink := &recordSink{}
	handle, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, sink)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	<-handle.Done()

	chunks := sink.snapshot()
	final := chunks[len(chunks)-1]
	if !final.IsComplete || final.Error != "rate limited" {
		t.Errorf("expected terminal error chunk, got %+v", final)
	}
	// Partial output is still accounted: "partial " is 8 chars, 2 tokens.
	if final.Metadata == nil || final.Metadata.TokensUsed != 2 {
		t.Errorf("expected token estimate on failure, got %+v", final.Metadata)
	}
	if handle.State() != StateFailed {
		t.Errorf("expected Failed, got %s", handle.State())
	}
	if sink.closeCount() != 1 {
		t.Errorf("sink closed %d times after vendor error, want 1", sink.closeCount())
	}
}

func TestScenarioTokenEstimate(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.Events = []model.StreamEvent{
		{Text: "Hel"},
		{Text: "lo"},
		{Final: true, FinishReason: "stop"},
	}

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	sink := &recordSink{}
	handle, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-9", Model: "gpt-4o-mini", Prompt: "Hi",
	}, sink)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	<-handle.Done()

	chunks := sink.snapshot()
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "Hel" || chunks[1].Content != "lo" {
		t.Errorf("unexpected delta contents: %q, %q", chunks[0].Content, chunks[1].Content)
	}

	final := chunks[2]
	if final.Content != "" || !final.IsComplete {
		t.Errorf("unexpected final chunk: %+v", final)
	}
	// "Hello" is 5 chars; the ~4 chars/token heuristic rounds up to 2.
	if final.Metadata == nil || final.Metadata.TokensUsed != 2 {
		t.Errorf("expected tokensUsed 2, got %+v", final.Metadata)
	}
	if final.Metadata.Model != "gpt-4o-mini" {
		t.Errorf("expected model in metadata, got %+v", final.Metadata)
	}
	if params := adapter.LastParams; params.APIKey != "sk-test" {
		t.Errorf("adapter did not receive the resolved credential")
	}
}

func TestConcurrentStreamsIndependent(t *testing.T) {
	held := testutil.NewMockAdapter(model.ProviderOpenAI)
	held.Hold = make(chan struct{})
	held.Events = []model.StreamEvent{
		{Text: "never finishes"},
		{Final: true},
	}

	registry := newTestRegistry(t, "gpt-", held)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	// Stream A will be cancelled; stream B must be unaffected. Both go
	// through the same adapter, so B gets its own scripted producer.
	sinkA := &recordSink{}
	handleA, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-a", Model: "gpt-4o", Prompt: "hi",
	}, sinkA)
	if err != nil {
		t.Fatalf("Admit A returned error: %v", err)
	}

	sinkB := &recordSink{}
	handleB, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-b", Model: "gpt-4o", Prompt: "hi",
	}, sinkB)
	if err != nil {
		t.Fatalf("Admit B returned error: %v", err)
	}

	orchestrator.Cancel("node-a")
	<-handleA.Done()
	if handleA.State() != StateCancelled {
		t.Errorf("stream A: expected Cancelled, got %s", handleA.State())
	}

	// B still runs; release its events.
	if handleB.State().Terminal() {
		t.Fatal("cancelling A terminated B")
	}
	held.Hold <- struct{}{}
	held.Hold <- struct{}{}
	<-handleB.Done()

	if handleB.State() != StateCompleted {
		t.Errorf("stream B: expected Completed, got %s", handleB.State())
	}
	chunks := sinkB.snapshot()
	if len(chunks) != 2 || chunks[0].Content != "never finishes" {
		t.Errorf("stream B lost chunks: %+v", chunks)
	}
}

func TestIdleTimeoutBehavesAsCancel(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.Hold = make(chan struct{}) // never released: no events at all

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver, WithIdleTimeout(20*time.Millisecond))

	sink := &recordSink{}
	handle, err := orchestrator.Admit(context.Background(), "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, sink)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}
	<-handle.Done()

	if handle.State() != StateCancelled {
		t.Errorf("expected Cancelled after idle timeout, got %s", handle.State())
	}
	chunks := sink.snapshot()
	if len(chunks) != 1 || !chunks[0].IsComplete || chunks[0].Error != "" {
		t.Errorf("expected a single clean terminal chunk, got %+v", chunks)
	}
}

func TestCallerContextCancelsStream(t *testing.T) {
	adapter := testutil.NewMockAdapter(model.ProviderOpenAI)
	adapter.Hold = make(chan struct{})

	registry := newTestRegistry(t, "gpt-", adapter)
	resolver := testutil.NewMockResolver("u1", model.ProviderOpenAI, "sk-test")
	orchestrator := New(registry, resolver)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordSink{}
	handle, err := orchestrator.Admit(ctx, "u1", model.GenerateRequest{
		NodeID: "node-1", Model: "gpt-4o", Prompt: "hi",
	}, sink)
	if err != nil {
		t.Fatalf("Admit returned error: %v", err)
	}

	cancel() // simulates the requesting client disconnecting
	<-handle.Done()

	if handle.State() != StateCancelled {
		t.Errorf("expected Cancelled, got %s", handle.State())
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		chars int
		want  int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{8, 2},
		{100, 25},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.chars); got != tt.want {
			t.Errorf("estimateTokens(%d) = %d, want %d", tt.chars, got, tt.want)
		}
	}
}
