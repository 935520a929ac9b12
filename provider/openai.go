package provider

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"flowrelay/model"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIAdapter streams chat completions from OpenAI using the official Go
// SDK.
//
// Parameter mapping: temperature (default 0.7), maxTokens (default 2000),
// topP, frequencyPenalty, presencePenalty and stop sequences all map
// directly onto the Chat Completions API.
type OpenAIAdapter struct {
	baseURL string
}

// NewOpenAIAdapter creates an OpenAI adapter. baseURL defaults to the public
// API and is overridable for tests and proxies.
func NewOpenAIAdapter(baseURL string) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAIAdapter{baseURL: baseURL}
}

// ID implements model.Adapter.
func (a *OpenAIAdapter) ID() model.ProviderID { return model.ProviderOpenAI }

// RequiresKey implements model.Adapter.
func (a *OpenAIAdapter) RequiresKey() bool { return true }

// client builds a per-invocation SDK client so the key is never retained.
func (a *OpenAIAdapter) client(apiKey string) openai.Client {
	return openai.NewClient(
		option.WithBaseURL(a.baseURL),
		option.WithAPIKey(apiKey),
	)
}

// OpenStream implements model.Adapter.
func (a *OpenAIAdapter) OpenStream(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error) {
	if err := checkStreamParams(params, a.RequiresKey()); err != nil {
		return nil, err
	}

	client := a.client(params.APIKey)

	req := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(params.Model),
		Messages:    toOpenAIMessages(params.Messages),
		Temperature: openai.Float(params.Options.TemperatureOrDefault()),
		MaxTokens:   openai.Int(int64(params.Options.MaxTokensOrDefault())),
	}
	if opts := params.Options; opts != nil {
		if opts.TopP != nil {
			req.TopP = openai.Float(*opts.TopP)
		}
		if opts.FrequencyPenalty != nil {
			req.FrequencyPenalty = openai.Float(*opts.FrequencyPenalty)
		}
		if opts.PresencePenalty != nil {
			req.PresencePenalty = openai.Float(*opts.PresencePenalty)
		}
		if len(opts.Stop) > 0 {
			req.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: opts.Stop}
		}
	}

	events := make(chan model.StreamEvent, streamBuffer)

	go func() {
		defer close(events)

		stream := client.Chat.Completions.NewStreaming(ctx, req)
		finishReason := ""

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !send(ctx, events, model.StreamEvent{Text: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}
		}

		if err := stream.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, events, model.StreamEvent{Final: true, Err: err.Error()})
			return
		}

		send(ctx, events, model.StreamEvent{Final: true, FinishReason: finishReason})
	}()

	return events, nil
}

// ValidateKey implements model.Adapter by listing models, the cheapest
// authenticated OpenAI call.
func (a *OpenAIAdapter) ValidateKey(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}
	client := a.client(apiKey)
	_, err := client.Models.List(ctx)
	return err == nil
}

// toOpenAIMessages converts flowrelay messages to OpenAI chat params.
func toOpenAIMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result[i] = openai.SystemMessage(msg.Content)
		case model.RoleAssistant:
			result[i] = openai.AssistantMessage(msg.Content)
		default:
			result[i] = openai.UserMessage(msg.Content)
		}
	}
	return result
}
