package provider

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"flowrelay/model"
)

const defaultAnthropicBaseURL = "https://api.anthropic.com"

// validationModel is the cheapest Claude model, used for the 1-token key
// validation probe. Anthropic has no models-list endpoint.
const validationModel = anthropic.ModelClaude_3_Haiku_20240307

// AnthropicAdapter streams messages from Anthropic using the official Go
// SDK.
//
// Parameter mapping: temperature (default 0.7), maxTokens (default 2000,
// required by the Messages API), topP and stop sequences map directly.
// Anthropic has no frequency or presence penalty; those options are ignored.
type AnthropicAdapter struct {
	baseURL string
}

// NewAnthropicAdapter creates an Anthropic adapter. baseURL defaults to the
// public API and is overridable for tests and proxies.
func NewAnthropicAdapter(baseURL string) *AnthropicAdapter {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicAdapter{baseURL: baseURL}
}

// ID implements model.Adapter.
func (a *AnthropicAdapter) ID() model.ProviderID { return model.ProviderAnthropic }

// RequiresKey implements model.Adapter.
func (a *AnthropicAdapter) RequiresKey() bool { return true }

func (a *AnthropicAdapter) client(apiKey string) anthropic.Client {
	return anthropic.NewClient(
		option.WithBaseURL(a.baseURL),
		option.WithAPIKey(apiKey),
	)
}

// OpenStream implements model.Adapter.
func (a *AnthropicAdapter) OpenStream(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error) {
	if err := checkStreamParams(params, a.RequiresKey()); err != nil {
		return nil, err
	}

	client := a.client(params.APIKey)
	messages, system := toAnthropicMessages(params.Messages)

	req := anthropic.MessageNewParams{
		Model:       anthropic.Model(params.Model),
		Messages:    messages,
		MaxTokens:   int64(params.Options.MaxTokensOrDefault()),
		Temperature: anthropic.Float(params.Options.TemperatureOrDefault()),
	}
	if len(system) > 0 {
		req.System = system
	}
	if opts := params.Options; opts != nil {
		if opts.TopP != nil {
			req.TopP = anthropic.Float(*opts.TopP)
		}
		if len(opts.Stop) > 0 {
			req.StopSequences = opts.Stop
		}
	}

	events := make(chan model.StreamEvent, streamBuffer)

	go func() {
		defer close(events)

		stream := client.Messages.NewStreaming(ctx, req)
		msg := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()
			// Accumulation keeps the stop reason available once the
			// stream ends.
			if err := msg.Accumulate(event); err != nil {
				if ctx.Err() != nil {
					return
				}
				send(ctx, events, model.StreamEvent{Final: true, Err: err.Error()})
				return
			}

			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if !send(ctx, events, model.StreamEvent{Text: deltaVariant.Text}) {
						return
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, events, model.StreamEvent{Final: true, Err: err.Error()})
			return
		}

		send(ctx, events, model.StreamEvent{Final: true, FinishReason: string(msg.StopReason)})
	}()

	return events, nil
}

// ValidateKey implements model.Adapter with a 1-token message against the
// cheapest Claude model.
func (a *AnthropicAdapter) ValidateKey(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	client := a.client(apiKey)
	_, err := client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     validationModel,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Hi")),
		},
	})
	return err == nil
}

// toAnthropicMessages converts flowrelay messages to Anthropic params.
// System messages go into the separate system parameter, not the messages
// array.
func toAnthropicMessages(messages []model.Message) ([]anthropic.MessageParam, []anthropic.TextBlockParam) {
	var system []anthropic.TextBlockParam
	result := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case model.RoleAssistant:
			result = append(result, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	return result, system
}
