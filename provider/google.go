package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"flowrelay/model"
)

const defaultGoogleBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GoogleAdapter streams generations from the Gemini API.
//
// There is no official Google GenAI Go SDK in use here; the adapter speaks
// the generativelanguage REST protocol directly, reading the SSE framing of
// streamGenerateContent.
//
// Parameter mapping: temperature (default 0.7), maxTokens (default 2000,
// sent as maxOutputTokens), topP and stop sequences map onto
// generationConfig. Gemini has no frequency or presence penalty; those
// options are ignored.
type GoogleAdapter struct {
	baseURL string
	client  *http.Client
}

// NewGoogleAdapter creates a Gemini adapter. baseURL defaults to the public
// API and is overridable for tests.
func NewGoogleAdapter(baseURL string) *GoogleAdapter {
	if baseURL == "" {
		baseURL = defaultGoogleBaseURL
	}
	return &GoogleAdapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// ID implements model.Adapter.
func (a *GoogleAdapter) ID() model.ProviderID { return model.ProviderGoogle }

// RequiresKey implements model.Adapter.
func (a *GoogleAdapter) RequiresKey() bool { return true }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// OpenStream implements model.Adapter.
func (a *GoogleAdapter) OpenStream(ctx context.Context, params model.StreamParams) (<-chan model.StreamEvent, error) {
	if err := checkStreamParams(params, a.RequiresKey()); err != nil {
		return nil, err
	}

	body, err := json.Marshal(buildGeminiRequest(params))
	if err != nil {
		return nil, fmt.Errorf("marshal gemini request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		a.baseURL, url.PathEscape(params.Model), url.QueryEscape(params.APIKey))

	events := make(chan model.StreamEvent, streamBuffer)

	go func() {
		defer close(events)

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			send(ctx, events, model.StreamEvent{Final: true, Err: err.Error()})
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, events, model.StreamEvent{Final: true, Err: err.Error()})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			send(ctx, events, model.StreamEvent{
				Final: true,
				Err:   fmt.Sprintf("gemini API error: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
			})
			return
		}

		a.readSSE(ctx, resp.Body, events)
	}()

	return events, nil
}

// readSSE consumes the "data: {json}" lines of a streamGenerateContent
// response and emits one event per text part.
func (a *GoogleAdapter) readSSE(ctx context.Context, body io.Reader, events chan<- model.StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	finishReason := ""

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Tolerate malformed keep-alive lines.
			continue
		}
		if chunk.Error != nil {
			send(ctx, events, model.StreamEvent{Final: true, Err: chunk.Error.Message})
			return
		}
		for _, candidate := range chunk.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text == "" {
					continue
				}
				if !send(ctx, events, model.StreamEvent{Text: part.Text}) {
					return
				}
			}
			if candidate.FinishReason != "" {
				finishReason = candidate.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		send(ctx, events, model.StreamEvent{Final: true, Err: err.Error()})
		return
	}

	send(ctx, events, model.StreamEvent{Final: true, FinishReason: finishReason})
}

// ValidateKey implements model.Adapter by listing one model, the cheapest
// authenticated Gemini call.
func (a *GoogleAdapter) ValidateKey(ctx context.Context, apiKey string) bool {
	if apiKey == "" {
		return false
	}

	endpoint := fmt.Sprintf("%s/models?pageSize=1&key=%s", a.baseURL, url.QueryEscape(apiKey))
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

func buildGeminiRequest(params model.StreamParams) geminiRequest {
	req := geminiRequest{}

	for _, msg := range params.Messages {
		switch msg.Role {
		case model.RoleSystem:
			if req.SystemInstruction == nil {
				req.SystemInstruction = &geminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, geminiPart{Text: msg.Content})
		case model.RoleAssistant:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			req.Contents = append(req.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}

	temperature := params.Options.TemperatureOrDefault()
	maxTokens := params.Options.MaxTokensOrDefault()
	cfg := &geminiGenerationConfig{
		Temperature:     &temperature,
		MaxOutputTokens: &maxTokens,
	}
	if opts := params.Options; opts != nil {
		cfg.TopP = opts.TopP
		cfg.StopSequences = opts.Stop
	}
	req.GenerationConfig = cfg

	return req
}
