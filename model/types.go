// Package model holds flowrelay's provider-agnostic types.
//
// Every canvas node that calls an LLM does so through these types: the
// request coming in from the HTTP layer, the normalized events coming back
// from a vendor adapter, and the wire chunks written to whatever transport
// the deployment uses. Vendor-specific types never leak past the provider
// package.
//
// The Adapter and CredentialResolver interfaces live here rather than in the
// packages that implement them so that provider, relay, storage and server
// can all depend on model without depending on each other.
package model

// ProviderID identifies an LLM vendor. The set is closed: adding a vendor
// means adding an adapter and a registry prefix, nothing else.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderGoogle    ProviderID = "google"
	ProviderOllama    ProviderID = "ollama"
)

// Message roles. These match the role strings the canvas client sends.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one turn of a conversation, oldest first in a history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the sampling parameters a node may set. All fields are
// optional; adapters apply their own defaults and silently drop parameters
// the vendor has no equivalent for (documented per adapter).
type Options struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`
}

// Default sampling parameters applied when a request leaves them unset.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// TemperatureOrDefault returns the requested temperature or DefaultTemperature.
func (o *Options) TemperatureOrDefault() float64 {
	if o != nil && o.Temperature != nil {
		return *o.Temperature
	}
	return DefaultTemperature
}

// MaxTokensOrDefault returns the requested max tokens or DefaultMaxTokens.
func (o *Options) MaxTokensOrDefault() int {
	if o != nil && o.MaxTokens != nil {
		return *o.MaxTokens
	}
	return DefaultMaxTokens
}

// GenerateRequest is one generation request from a canvas node.
//
// NodeID is the caller-supplied correlation id: every chunk streamed back
// carries it, and cancellation is addressed to it. Exactly one of Prompt or
// History carries the input; History, when present, is the full conversation
// so far, ordered oldest to newest.
type GenerateRequest struct {
	NodeID  string    `json:"nodeId"`
	Model   string    `json:"model"`
	Prompt  string    `json:"prompt,omitempty"`
	History []Message `json:"history,omitempty"`
	Options *Options  `json:"options,omitempty"`
}

// Messages returns the conversation to send to the vendor: History when
// non-empty, otherwise a single user message built from Prompt.
func (r *GenerateRequest) Messages() []Message {
	if len(r.History) > 0 {
		return r.History
	}
	return []Message{{Role: RoleUser, Content: r.Prompt}}
}

// StreamEvent is the normalized unit adapters emit: one event per text
// delta, then exactly one final event. A final event with Err set means the
// vendor failed mid-stream; FinishReason carries the vendor's stop reason
// when it reports one.
type StreamEvent struct {
	Text         string
	Final        bool
	Err          string
	FinishReason string
}

// Metadata is attached to the terminal chunk of a stream.
//
// TokensUsed is a character-count estimate (~4 chars per token), not a
// vendor-reported figure; it must never be used for billing.
type Metadata struct {
	TokensUsed   int    `json:"tokensUsed,omitempty"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
}

// StreamChunk is the wire unit delivered to a token sink. The final chunk of
// a stream has IsComplete=true and is followed by nothing; Error is set only
// on a final chunk, and a cancelled stream ends with IsComplete=true and no
// error.
type StreamChunk struct {
	NodeID     string    `json:"nodeId"`
	Content    string    `json:"content"`
	IsComplete bool      `json:"isComplete"`
	Error      string    `json:"error,omitempty"`
	Metadata   *Metadata `json:"metadata,omitempty"`
}
