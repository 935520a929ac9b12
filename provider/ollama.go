package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"flowrelay/model"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// ollamaModelPrefix namespaces local models in the registry ("ollama/llama3.1").
// The adapter strips it before calling the server, which knows the bare name.
const ollamaModelPrefix = "ollama/"

// OllamaAdapter streams chat completions from a local Ollama server.
//
// Ollama is unauthenticated, so RequiresKey reports false and credential
// resolution is skipped for its models. The server address is deployment
// configuration, not a per-user secret.
//
// Parameter mapping: temperature (default 0.7), maxTokens (default 2000,
// sent as num_predict), topP and stop sequences map onto the request options
// map. Ollama has no frequency or presence penalty; those options are
// ignored.
type OllamaAdapter struct {
	client *api.Client
}

// NewOllamaAdapter creates an Ollama adapter for the server at baseURL,
// defaulting to the standard local address.
func NewOllamaAdapter(baseURL string) (*OllamaAdapter, error) {
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama URL: %w", err)
	}
	return &OllamaAdapter{client: api.NewClient(parsed, http.DefaultClient)}, nil
}

// ID implements model.Adapter.
func (a *OllamaAdapter) ID() model.ProviderID { return model.ProviderOllama }

// RequiresKey implements model.Adapter.
func (a *OllamaAdapter) RequiresKey() bool { return false }

// OpenStream implements model.Adapter.
func (a *OllamaAdapter) OpenStream(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error) {
	if err := checkStreamParams(params, a.RequiresKey()); err != nil {
		return nil, err
	}

	options := map[string]any{
		"temperature": params.Options.TemperatureOrDefault(),
		"num_predict": params.Options.MaxTokensOrDefault(),
	}
	if opts := params.Options; opts != nil {
		if opts.TopP != nil {
			options["top_p"] = *opts.TopP
		}
		if len(opts.Stop) > 0 {
			options["stop"] = opts.Stop
		}
	}

	req := &api.ChatRequest{
		Model:    strings.TrimPrefix(params.Model, ollamaModelPrefix),
		Messages: toOllamaMessages(params.Messages),
		Options:  options,
		Stream:   func(b bool) *bool { return &b }(true),
	}

	events := make(chan model.StreamEvent, streamBuffer)

	go func() {
		defer close(events)

		doneReason := ""
		err := a.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if !send(ctx, events, model.StreamEvent{Text: resp.Message.Content}) {
					return ctx.Err()
				}
			}
			if resp.Done {
				doneReason = resp.DoneReason
			}
			return nil
		})

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, events, model.StreamEvent{Final: true, Err: err.Error()})
			return
		}

		send(ctx, events, model.StreamEvent{Final: true, FinishReason: doneReason})
	}()

	return events, nil
}

// ValidateKey implements model.Adapter. Ollama has no credentials; this
// reports whether the server is reachable, which is what the settings flow
// wants to know before enabling local models.
func (a *OllamaAdapter) ValidateKey(ctx context.Context, _ string) bool {
	_, err := a.client.List(ctx)
	return err == nil
}

// toOllamaMessages converts flowrelay messages to Ollama api messages.
func toOllamaMessages(messages []model.Message) []api.Message {
	result := make([]api.Message, len(messages))
	for i, msg := range messages {
		result[i] = api.Message{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return result
}
