package translate

import (
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enginebridge/engine-gateway/internal/adapters"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

// TranslateRequest validates a completion request and shapes it into the
// upstream envelope. The output is deterministic for identical input except
// for the fresh correlation id, which keeps retries idempotent upstream.
//
// Sampling parameters the adapter does not understand are dropped and
// logged, never an error: the upstream protocol has no slot for them.
func TranslateRequest(req *ChatCompletionRequest, adapter adapters.Adapter) (upstream.Envelope, error) {
	if len(req.Messages) == 0 {
		return upstream.Envelope{}, &ValidationError{
			Message: "messages must be a non-empty array",
			Param:   "messages",
			Code:    "missing_required_field",
		}
	}
	if req.Messages[len(req.Messages)-1].Role != "user" {
		return upstream.Envelope{}, &ValidationError{
			Message: "the last message must be from the user",
			Param:   "messages",
			Code:    "invalid_message_role",
		}
	}

	// Checked before flattening: the "role:" prefixes would make the
	// flattened prompt non-blank even when every message is empty.
	hasContent := false
	for _, m := range req.Messages {
		if strings.TrimSpace(string(m.Content)) != "" {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return upstream.Envelope{}, &ValidationError{
			Message: "at least one message with content is required",
			Param:   "messages",
			Code:    "invalid_message_content",
		}
	}

	prompt := FlattenMessages(req.Messages)

	for _, param := range req.samplingParams() {
		if !adapter.Supports(param) {
			log.Debug().
				Str("model", req.Model).
				Str("param", param).
				Msg("dropping sampling parameter unsupported by adapter")
		}
	}

	return upstream.Envelope{
		CorrelationID: uuid.NewString(),
		Adapter:       adapter.UpstreamName,
		Prompt:        prompt,
	}, nil
}

// FlattenMessages renders the conversation as the single prompt string the
// engine backend expects: one "role: content" line per message.
func FlattenMessages(messages []Message) string {
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		lines = append(lines, m.Role+": "+string(m.Content))
	}
	return strings.Join(lines, "\n")
}
