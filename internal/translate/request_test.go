package translate

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enginebridge/engine-gateway/internal/adapters"
)

func gpt5(t *testing.T) adapters.Adapter {
	t.Helper()
	a, err := adapters.Resolve("gpt-5")
	require.NoError(t, err)
	return a
}

func TestTranslateRequest_FlattensConversation(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-5",
		Messages: []Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "Hi"},
			{Role: "assistant", Content: "Hello."},
			{Role: "user", Content: "Name a color"},
		},
	}

	env, err := TranslateRequest(req, gpt5(t))
	require.NoError(t, err)
	assert.Equal(t, "GPT5", env.Adapter)
	assert.Equal(t,
		"system: You are terse.\nuser: Hi\nassistant: Hello.\nuser: Name a color",
		env.Prompt)
	assert.NotEmpty(t, env.CorrelationID)
}

func TestTranslateRequest_FreshCorrelationIDPerCall(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gpt-5",
		Messages: []Message{{Role: "user", Content: "Hi"}},
	}

	first, err := TranslateRequest(req, gpt5(t))
	require.NoError(t, err)
	second, err := TranslateRequest(req, gpt5(t))
	require.NoError(t, err)

	// Identical input yields an identical prompt but never an identical id,
	// so a caller-side retry is a distinct request upstream.
	assert.Equal(t, first.Prompt, second.Prompt)
	assert.NotEqual(t, first.CorrelationID, second.CorrelationID)
}

func TestTranslateRequest_EmptyMessages(t *testing.T) {
	req := &ChatCompletionRequest{Model: "gpt-5"}

	_, err := TranslateRequest(req, gpt5(t))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "missing_required_field", ve.Code)
	assert.Equal(t, "messages", ve.Param)
}

func TestTranslateRequest_LastMessageMustBeUser(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-5",
		Messages: []Message{
			{Role: "user", Content: "Hi"},
			{Role: "assistant", Content: "Hello."},
		},
	}

	_, err := TranslateRequest(req, gpt5(t))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_message_role", ve.Code)
}

func TestTranslateRequest_BlankContent(t *testing.T) {
	req := &ChatCompletionRequest{
		Model:    "gpt-5",
		Messages: []Message{{Role: "user", Content: "   "}},
	}

	_, err := TranslateRequest(req, gpt5(t))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_message_content", ve.Code)
}

func TestTranslateRequest_AllMessagesBlank(t *testing.T) {
	// The role prefixes added during flattening must not count as content.
	req := &ChatCompletionRequest{
		Model: "gpt-5",
		Messages: []Message{
			{Role: "system", Content: ""},
			{Role: "assistant", Content: "\t\n"},
			{Role: "user", Content: "   "},
		},
	}

	_, err := TranslateRequest(req, gpt5(t))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "invalid_message_content", ve.Code)
}

func TestTranslateRequest_OneNonBlankMessageSuffices(t *testing.T) {
	req := &ChatCompletionRequest{
		Model: "gpt-5",
		Messages: []Message{
			{Role: "system", Content: "   "},
			{Role: "user", Content: "hi"},
		},
	}

	_, err := TranslateRequest(req, gpt5(t))
	assert.NoError(t, err)
}

func TestTranslateRequest_UnsupportedParamsDroppedNotRejected(t *testing.T) {
	topP := 0.5
	req := &ChatCompletionRequest{
		Model:    "gpt-5",
		Messages: []Message{{Role: "user", Content: "Hi"}},
		TopP:     &topP,
	}

	_, err := TranslateRequest(req, gpt5(t))
	assert.NoError(t, err)
}

func TestMessageContent_PartsArray(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{
		"role": "user",
		"content": [
			{"type": "text", "text": "part one "},
			{"type": "text", "text": "part two"}
		]
	}`), &m)
	require.NoError(t, err)
	assert.Equal(t, "part one part two", string(m.Content))
}

func TestMessageContent_RejectsNonTextParts(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{
		"role": "user",
		"content": [{"type": "image_url", "image_url": {"url": "https://x/y.png"}}]
	}`), &m)
	require.Error(t, err)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "unsupported_message_content_type", ve.Code)
}
