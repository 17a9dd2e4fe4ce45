// Frame parsing for the engine buffer stream.
//
// The stream multiplexes every chat the session owns: each message is tagged
// with the chatHistoryId it belongs to, which the bridge uses as the
// correlation id. Text arrives double-encoded — the outer message carries a
// "buffer" field whose value is itself a JSON document.
package upstream

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FrameKind discriminates the ResponseFrame variants.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameDone
	FrameError
	FrameHeartbeat
)

func (k FrameKind) String() string {
	switch k {
	case FrameDelta:
		return "delta"
	case FrameDone:
		return "done"
	case FrameError:
		return "error"
	case FrameHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Frame is one unit received from upstream.
//
// Invariant: for a given correlation id at most one Done or Error frame is
// ever emitted, and it is the last frame for that id.
type Frame struct {
	Kind          FrameKind
	CorrelationID string

	// Text is set for FrameDelta.
	Text string

	// FinishReason is set for FrameDone: "stop" or "length".
	FinishReason string

	// Err is set for FrameError.
	Err *Error
}

// Terminal reports whether the frame resolves its correlation id.
func (f Frame) Terminal() bool {
	return f.Kind == FrameDone || f.Kind == FrameError
}

// Envelope is one translated request ready for submission on a session.
type Envelope struct {
	CorrelationID string
	Adapter       string
	Prompt        string
}

// chatPayload builds the chat submission body.
func (e Envelope) chatPayload() []byte {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "prompt", e.Prompt)
	body, _ = sjson.SetBytes(body, "chatHistoryId", e.CorrelationID)
	body, _ = sjson.SetBytes(body, "adapterName", e.Adapter)
	return body
}

// abortMessage builds the best-effort cancel notification for one chat.
func abortMessage(correlationID string) []byte {
	msg := []byte(`{"type":"abort"}`)
	msg, _ = sjson.SetBytes(msg, "chatHistoryId", correlationID)
	return msg
}

// ParseFrame decodes one WebSocket message into a Frame.
// Messages that don't carry caller-visible content (pings, empty buffers,
// progress states) come back as heartbeats so the read loop still resets
// its idle timer. A non-nil error means the message was unintelligible and
// should be logged and skipped.
func ParseFrame(data []byte) (Frame, error) {
	if !gjson.ValidBytes(data) {
		return Frame{}, fmt.Errorf("invalid frame JSON (%d bytes)", len(data))
	}
	msg := gjson.ParseBytes(data)
	id := msg.Get("chatHistoryId").String()

	switch msg.Get("type").String() {
	case "ping", "pong", "heartbeat":
		return Frame{Kind: FrameHeartbeat}, nil

	case "update":
		raw := msg.Get("buffer").String()
		if raw == "" {
			return Frame{Kind: FrameHeartbeat, CorrelationID: id}, nil
		}
		inner := gjson.Parse(raw)
		if inner.Get("type").String() != "chat" {
			// Tool traces, plan updates and other buffer types are not part
			// of the chat text.
			return Frame{Kind: FrameHeartbeat, CorrelationID: id}, nil
		}
		content := inner.Get("chat.content").String()
		if content == "" {
			return Frame{Kind: FrameHeartbeat, CorrelationID: id}, nil
		}
		return Frame{Kind: FrameDelta, CorrelationID: id, Text: content}, nil

	case "state":
		if msg.Get("state.inProgress").Bool() {
			return Frame{Kind: FrameHeartbeat, CorrelationID: id}, nil
		}
		reason := finishReason(msg.Get("state.stopReason").String())
		return Frame{Kind: FrameDone, CorrelationID: id, FinishReason: reason}, nil

	case "error":
		kind := errorKindFromWire(msg.Get("error.kind").String())
		detail := msg.Get("error.message").String()
		if detail == "" {
			detail = "upstream reported an error"
		}
		return Frame{Kind: FrameError, CorrelationID: id, Err: NewError(kind, "%s", detail)}, nil
	}

	return Frame{}, fmt.Errorf("unknown frame type %q", msg.Get("type").String())
}

func finishReason(stopReason string) string {
	switch strings.ToLower(stopReason) {
	case "max_tokens", "length", "truncated":
		return "length"
	default:
		return "stop"
	}
}

func errorKindFromWire(kind string) ErrorKind {
	switch strings.ToLower(kind) {
	case "auth", "unauthorized", "forbidden":
		return KindAuth
	case "rate_limited", "rate_limit", "throttled":
		return KindRateLimit
	case "timeout":
		return KindTimeout
	default:
		return KindUpstream
	}
}
