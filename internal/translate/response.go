package translate

import (
	"errors"
	"strings"

	"github.com/enginebridge/engine-gateway/internal/tokencount"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

const (
	objectChatCompletion = "chat.completion"
	objectChunk          = "chat.completion.chunk"
)

// StreamTranslator turns upstream frames into outward chunks for one
// request. It accumulates delivered text so the terminal chunk (or the
// aggregated result) can carry usage counts; the counting method is fixed
// at construction and never varies mid-stream.
type StreamTranslator struct {
	id      string
	model   string
	created int64

	counter      *tokencount.Counter
	promptTokens int
	completion   strings.Builder
}

// NewStreamTranslator builds the per-request response translator.
// correlationID becomes the caller-visible completion id.
func NewStreamTranslator(correlationID, model string, created int64, counter *tokencount.Counter, prompt string) *StreamTranslator {
	return &StreamTranslator{
		id:           "chatcmpl-" + correlationID,
		model:        model,
		created:      created,
		counter:      counter,
		promptTokens: counter.Count(prompt),
	}
}

// ID returns the caller-visible completion id.
func (t *StreamTranslator) ID() string { return t.id }

// RoleChunk is the opening chunk announcing the assistant role.
func (t *StreamTranslator) RoleChunk() ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      t.id,
		Object:  objectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Delta: Delta{Role: "assistant"}}},
	}
}

// DeltaChunk translates one Delta frame into a role-less continuation.
func (t *StreamTranslator) DeltaChunk(text string) ChatCompletionChunk {
	t.completion.WriteString(text)
	return ChatCompletionChunk{
		ID:      t.id,
		Object:  objectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Delta: Delta{Content: text}}},
	}
}

// FinalChunk translates the Done frame into the terminal chunk carrying the
// finish reason and usage.
func (t *StreamTranslator) FinalChunk(finishReason string) ChatCompletionChunk {
	usage := t.Usage()
	return ChatCompletionChunk{
		ID:      t.id,
		Object:  objectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []ChunkChoice{{Delta: Delta{}, FinishReason: &finishReason}},
		Usage:   &usage,
	}
}

// Usage computes the accounting block from the prompt and every delta
// delivered so far.
func (t *StreamTranslator) Usage() Usage {
	completionTokens := t.counter.Count(t.completion.String())
	return Usage{
		PromptTokens:     t.promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      t.promptTokens + completionTokens,
		Accounting:       string(t.counter.Method()),
	}
}

// Aggregate produces the non-streaming result from everything delivered.
func (t *StreamTranslator) Aggregate(finishReason string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      t.id,
		Object:  objectChatCompletion,
		Created: t.created,
		Model:   t.model,
		Choices: []ChatCompletionChoice{{
			Message:      Message{Role: "assistant", Content: MessageContent(t.completion.String())},
			FinishReason: finishReason,
		}},
		Usage: t.Usage(),
	}
}

// ErrorPayload renders any bridge error in the outward error shape,
// preserving the kind so callers can tell retryable from fatal.
func ErrorPayload(err error) ErrorResponse {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrorResponse{Error: ErrorBody{
			Message: ve.Message,
			Type:    "invalid_request_error",
			Param:   ve.Param,
			Code:    ve.Code,
		}}
	}

	kind := upstream.KindOf(err)
	body := ErrorBody{Message: err.Error(), Code: string(kind)}
	switch kind {
	case upstream.KindAuth:
		body.Type = "authentication_error"
	case upstream.KindUnknownModel:
		body.Type = "invalid_request_error"
		body.Code = "model_not_found"
		body.Param = "model"
	case upstream.KindBusy, upstream.KindRateLimit:
		body.Type = "rate_limit_error"
	case upstream.KindTimeout:
		body.Type = "timeout_error"
	default:
		body.Type = "server_error"
	}
	return ErrorResponse{Error: body}
}

// HTTPStatus maps an error onto the status code used when the error is
// delivered as a whole response rather than mid-stream.
func HTTPStatus(err error) int {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return 400
	}
	switch upstream.KindOf(err) {
	case upstream.KindAuth:
		return 401
	case upstream.KindUnknownModel:
		return 404
	case upstream.KindBusy, upstream.KindRateLimit:
		return 429
	case upstream.KindTimeout:
		return 504
	case upstream.KindConnectionLost, upstream.KindUpstream:
		return 502
	default:
		return 500
	}
}
