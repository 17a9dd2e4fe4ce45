package gateway

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/enginebridge/engine-gateway/internal/bridge"
	"github.com/enginebridge/engine-gateway/internal/config"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

// scriptedChannel emits whatever its submit hook decides, letting each test
// define the upstream's behavior.
type scriptedChannel struct {
	frames   chan upstream.Frame
	onSubmit func(env upstream.Envelope, ch *scriptedChannel)

	mu      sync.Mutex
	state   upstream.State
	err     error
	dieOnce sync.Once
}

func newScriptedChannel(onSubmit func(upstream.Envelope, *scriptedChannel)) *scriptedChannel {
	return &scriptedChannel{
		frames:   make(chan upstream.Frame, 64),
		onSubmit: onSubmit,
		state:    upstream.StateOpen,
	}
}

func (c *scriptedChannel) Submit(ctx context.Context, env upstream.Envelope) error {
	if c.onSubmit != nil {
		go c.onSubmit(env, c)
	}
	return nil
}

func (c *scriptedChannel) Abort(ctx context.Context, correlationID string) {}

func (c *scriptedChannel) Frames() <-chan upstream.Frame { return c.frames }

func (c *scriptedChannel) State() upstream.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *scriptedChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *scriptedChannel) Close() { c.die(nil) }

func (c *scriptedChannel) emit(f upstream.Frame) { c.frames <- f }

func (c *scriptedChannel) die(reason error) {
	c.dieOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		c.state = upstream.StateClosed
		c.mu.Unlock()
		close(c.frames)
	})
}

type testGateway struct {
	srv     *httptest.Server
	dials   int
	dialsMu sync.Mutex
}

func (tg *testGateway) dialCount() int {
	tg.dialsMu.Lock()
	defer tg.dialsMu.Unlock()
	return tg.dials
}

func newTestGateway(t *testing.T, poolCfg bridge.Config, onSubmit func(upstream.Envelope, *scriptedChannel)) *testGateway {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.RateLimit = 0 // exercised separately

	tg := &testGateway{}
	br := bridge.New(poolCfg, func(ctx context.Context) (bridge.Channel, error) {
		tg.dialsMu.Lock()
		tg.dials++
		tg.dialsMu.Unlock()
		return newScriptedChannel(onSubmit), nil
	})
	t.Cleanup(br.Close)

	gw := New(cfg, br, nil)
	tg.srv = httptest.NewServer(gw.Routes())
	t.Cleanup(tg.srv.Close)
	return tg
}

func postCompletion(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// sseEvents reads every data: payload up to (not including) the [DONE]
// sentinel, and reports whether the sentinel arrived.
func sseEvents(t *testing.T, body io.Reader) (events []string, done bool) {
	t.Helper()
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return events, true
		}
		events = append(events, payload)
	}
	return events, false
}

func TestChatCompletions_Streaming(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, func(env upstream.Envelope, ch *scriptedChannel) {
		ch.emit(upstream.Frame{Kind: upstream.FrameDelta, CorrelationID: env.CorrelationID, Text: "Blue"})
		ch.emit(upstream.Frame{Kind: upstream.FrameDelta, CorrelationID: env.CorrelationID, Text: " skies"})
		ch.emit(upstream.Frame{Kind: upstream.FrameDone, CorrelationID: env.CorrelationID, FinishReason: "stop"})
	})

	resp := postCompletion(t, tg.srv, `{
		"model": "gpt-5",
		"stream": true,
		"messages": [{"role": "user", "content": "Name a color"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events, done := sseEvents(t, resp.Body)
	require.True(t, done, "missing [DONE] sentinel")
	require.Len(t, events, 4)

	// Opening chunk announces the role, carries no content.
	assert.Equal(t, "assistant", gjson.Get(events[0], "choices.0.delta.role").String())
	assert.Equal(t, "chat.completion.chunk", gjson.Get(events[0], "object").String())

	assert.Equal(t, "Blue", gjson.Get(events[1], "choices.0.delta.content").String())
	assert.Equal(t, " skies", gjson.Get(events[2], "choices.0.delta.content").String())

	final := events[3]
	assert.Equal(t, "stop", gjson.Get(final, "choices.0.finish_reason").String())
	usage := gjson.Get(final, "usage")
	require.True(t, usage.Exists())
	assert.Equal(t,
		usage.Get("prompt_tokens").Int()+usage.Get("completion_tokens").Int(),
		usage.Get("total_tokens").Int())
	assert.NotEmpty(t, usage.Get("accounting").String())

	// Every chunk shares the completion id.
	id := gjson.Get(events[0], "id").String()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	for _, ev := range events[1:] {
		assert.Equal(t, id, gjson.Get(ev, "id").String())
	}
}

func TestChatCompletions_NonStreaming(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, func(env upstream.Envelope, ch *scriptedChannel) {
		ch.emit(upstream.Frame{Kind: upstream.FrameDelta, CorrelationID: env.CorrelationID, Text: "Hello"})
		ch.emit(upstream.Frame{Kind: upstream.FrameDelta, CorrelationID: env.CorrelationID, Text: ", world"})
		ch.emit(upstream.Frame{Kind: upstream.FrameDone, CorrelationID: env.CorrelationID, FinishReason: "stop"})
	})

	resp := postCompletion(t, tg.srv, `{
		"model": "claude-sonnet-4-5",
		"messages": [{"role": "user", "content": "Greet me"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, "chat.completion", gjson.GetBytes(data, "object").String())
	assert.Equal(t, "claude-sonnet-4-5", gjson.GetBytes(data, "model").String())
	assert.Equal(t, "Hello, world", gjson.GetBytes(data, "choices.0.message.content").String())
	assert.Equal(t, "stop", gjson.GetBytes(data, "choices.0.finish_reason").String())
	// No exact tokenizer for this family, so accounting is approximate.
	assert.Equal(t, "approximate", gjson.GetBytes(data, "usage.accounting").String())
	assert.Greater(t, gjson.GetBytes(data, "usage.total_tokens").Int(), int64(0))
}

func TestChatCompletions_UnknownModelContactsNoSession(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, nil)

	resp := postCompletion(t, tg.srv, `{
		"model": "gpt-99",
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "model_not_found", gjson.GetBytes(data, "error.code").String())
	assert.Equal(t, "model", gjson.GetBytes(data, "error.param").String())
	assert.Equal(t, 0, tg.dialCount())
}

func TestChatCompletions_ValidationErrors(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, nil)

	cases := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"empty messages", `{"model":"gpt-5","messages":[]}`, "missing_required_field"},
		{"assistant last", `{"model":"gpt-5","messages":[{"role":"assistant","content":"x"}]}`, "invalid_message_role"},
		{"whitespace content", `{"model":"gpt-5","messages":[{"role":"user","content":"   "}]}`, "invalid_message_content"},
		{"bad json", `{"model":`, "invalid_json"},
		{"image content", `{"model":"gpt-5","messages":[{"role":"user","content":[{"type":"image_url"}]}]}`, "unsupported_message_content_type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postCompletion(t, tg.srv, tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tc.wantCode, gjson.GetBytes(data, "error.code").String())
			assert.Equal(t, "invalid_request_error", gjson.GetBytes(data, "error.type").String())
		})
	}
	assert.Equal(t, 0, tg.dialCount())
}

func TestChatCompletions_BusyUnderLoad(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	tg := newTestGateway(t,
		bridge.Config{MaxSessions: 1, MaxInflightPerSession: 1, QueueSize: 0},
		func(env upstream.Envelope, ch *scriptedChannel) {
			started <- struct{}{}
			<-release
			ch.emit(upstream.Frame{Kind: upstream.FrameDone, CorrelationID: env.CorrelationID, FinishReason: "stop"})
		})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		resp, err := http.Post(tg.srv.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model":"gpt-5","stream":true,"messages":[{"role":"user","content":"slow"}]}`))
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached upstream")
	}

	// Capacity 1, queue 0: the second request must fail fast, not wait.
	resp := postCompletion(t, tg.srv, `{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "rate_limit_error", gjson.GetBytes(data, "error.type").String())
	assert.Equal(t, "busy", gjson.GetBytes(data, "error.code").String())

	close(release)
	<-firstDone
}

func TestChatCompletions_SessionLossMidStream(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, func(env upstream.Envelope, ch *scriptedChannel) {
		ch.emit(upstream.Frame{Kind: upstream.FrameDelta, CorrelationID: env.CorrelationID, Text: "partial "})
		ch.die(upstream.NewError(upstream.KindConnectionLost, "reconnect budget exhausted after 5 attempts"))
	})

	resp := postCompletion(t, tg.srv, `{
		"model": "gpt-5",
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}]
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events, done := sseEvents(t, resp.Body)
	require.True(t, done, "stream must end with [DONE] even on failure")
	require.GreaterOrEqual(t, len(events), 3)

	// The partial delta is delivered, never retracted.
	assert.Equal(t, "partial ", gjson.Get(events[1], "choices.0.delta.content").String())

	last := events[len(events)-1]
	assert.Equal(t, "server_error", gjson.Get(last, "error.type").String())
	assert.Equal(t, "connection_lost", gjson.Get(last, "error.code").String())
}

func TestModels_Listing(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, nil)

	resp, err := http.Get(tg.srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "list", gjson.GetBytes(data, "object").String())

	var ids []string
	for _, m := range gjson.GetBytes(data, "data.#.id").Array() {
		ids = append(ids, m.String())
	}
	assert.Equal(t, []string{"claude-sonnet-4-5", "gpt-5"}, ids)
}

func TestHealth(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, nil)

	resp, err := http.Get(tg.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", gjson.GetBytes(data, "status").String())
}

func TestRequestID_EchoedAndGenerated(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, nil)

	resp, err := http.Get(tg.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest(http.MethodGet, tg.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "caller-supplied-id")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "caller-supplied-id", resp.Header.Get("X-Request-ID"))
}

func TestRateLimit_Rejects(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Server.RateLimit = 1

	br := bridge.New(bridge.Config{}, func(ctx context.Context) (bridge.Channel, error) {
		return newScriptedChannel(nil), nil
	})
	defer br.Close()

	srv := httptest.NewServer(New(cfg, br, nil).Routes())
	defer srv.Close()

	var rejected bool
	for i := 0; i < 10; i++ {
		resp, err := http.Get(srv.URL + "/health")
		require.NoError(t, err)
		if resp.StatusCode == http.StatusTooManyRequests {
			data, _ := io.ReadAll(resp.Body)
			assert.Equal(t, "rate_limit_error", gjson.GetBytes(data, "error.type").String())
			rejected = true
		}
		resp.Body.Close()
	}
	assert.True(t, rejected, "burst of 10 against a 1 rps limit should be throttled")
}

func TestChatCompletions_MethodNotAllowed(t *testing.T) {
	tg := newTestGateway(t, bridge.Config{}, nil)

	resp, err := http.Get(tg.srv.URL + "/v1/chat/completions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
