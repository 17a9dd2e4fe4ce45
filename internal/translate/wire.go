// Package translate converts between the outward OpenAI-compatible protocol
// and the engine backend's envelope/frame protocol.
//
// Everything in this package is a pure transformation: the only state lives
// in StreamTranslator, which accumulates completion text for usage
// accounting and aggregation.
package translate

import (
	"encoding/json"
	"fmt"
)

// MessageContent accepts both the plain-string and array-of-parts content
// forms and normalizes to a string. Only "text" parts are supported.
type MessageContent string

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MessageContent(s)
		return nil
	}

	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or an array of content parts")
	}
	var out string
	for i, p := range parts {
		if p.Type != "text" {
			return &ValidationError{
				Message: fmt.Sprintf("unsupported content part type %q, only \"text\" is supported", p.Type),
				Param:   fmt.Sprintf("messages.content[%d].type", i),
				Code:    "unsupported_message_content_type",
			}
		}
		out += p.Text
	}
	*m = MessageContent(out)
	return nil
}

// Message is one role/content pair.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ChatCompletionRequest is the inbound completion request record.
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// samplingParams lists the sampling parameters present on the request, so
// the translator can log the ones the target adapter does not understand.
func (r *ChatCompletionRequest) samplingParams() []string {
	var set []string
	if r.Temperature != nil {
		set = append(set, "temperature")
	}
	if r.TopP != nil {
		set = append(set, "top_p")
	}
	if r.MaxTokens != nil {
		set = append(set, "max_tokens")
	}
	return set
}

// Usage is the token accounting block. Accounting records which counting
// method produced the numbers ("exact" or "approximate") so the fallback is
// never silent.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Accounting       string `json:"accounting,omitempty"`
}

// ChatCompletionChoice is one aggregated (non-streaming) choice.
type ChatCompletionChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletionResponse is the aggregated non-streaming result.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

// Delta is the role-less incremental continuation inside a stream chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice is one choice inside a stream chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionChunk is one streamed event payload.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ErrorBody is the outward error shape.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse wraps ErrorBody the way the outward protocol expects.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ModelInfo is one entry of the model listing.
type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models response.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// ValidationError is a client input error, mapped to a 400 by the shell.
type ValidationError struct {
	Message string
	Param   string
	Code    string
}

func (e *ValidationError) Error() string { return e.Message }
