// HTTP request handling for the session bridge.
//
// DESIGN: Main request flow:
//   - handleChatCompletions(): Entry point for completion requests
//   - handleStreaming():       SSE emission, one event per delta
//   - handleNonStreaming():    Same frame path, buffered and aggregated
//
// Also includes the model listing, health check, and usage recording.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enginebridge/engine-gateway/internal/adapters"
	"github.com/enginebridge/engine-gateway/internal/bridge"
	"github.com/enginebridge/engine-gateway/internal/config"
	"github.com/enginebridge/engine-gateway/internal/monitoring"
	"github.com/enginebridge/engine-gateway/internal/tokencount"
	"github.com/enginebridge/engine-gateway/internal/translate"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

// Gateway is the outward HTTP surface over the bridge.
type Gateway struct {
	cfg    *config.Config
	bridge *bridge.Bridge
	usage  *monitoring.Store
}

// New wires the HTTP surface. usage may be nil when monitoring is disabled.
func New(cfg *config.Config, b *bridge.Bridge, usage *monitoring.Store) *Gateway {
	return &Gateway{cfg: cfg, bridge: b, usage: usage}
}

// Routes builds the handler tree with middleware applied.
func (g *Gateway) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleRoot)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/v1/models", g.handleModels)
	mux.HandleFunc("/v1/chat/completions", g.handleChatCompletions)

	var handler http.Handler = mux
	handler = withRateLimit(handler, g.cfg.Server.RateLimit)
	handler = withRequestID(handler)
	return handler
}

// writeError writes a JSON error response in the outward error shape.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(translate.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(translate.ErrorPayload(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "engine-gateway",
		"endpoints": map[string]string{
			"chat":   "/v1/chat/completions",
			"models": "/v1/models",
			"health": "/health",
		},
	})
}

// handleHealth returns gateway health status. Degraded means the bridge is
// saturated or the credential pool is empty, not that requests will fail.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"time":     time.Now().Format(time.RFC3339),
		"sessions": g.bridge.SessionCount(),
		"inflight": g.bridge.InflightCount(),
	})
}

// handleModels lists every registered model, derived from the adapter
// registry.
func (g *Gateway) handleModels(w http.ResponseWriter, r *http.Request) {
	created := time.Now().Unix()
	list := translate.ModelList{Object: "list"}
	for _, a := range adapters.List() {
		list.Data = append(list.Data, translate.ModelInfo{
			ID:      a.ID,
			Object:  "model",
			Created: created,
			OwnedBy: a.OwnedBy,
		})
	}
	writeJSON(w, http.StatusOK, list)
}

// handleChatCompletions serves both streaming and non-streaming completion
// requests over the same bridge path.
func (g *Gateway) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := requestIDFrom(r)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxRequestBodySize)
	var req translate.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var ve *translate.ValidationError
		if !errors.As(err, &ve) {
			ve = &translate.ValidationError{Message: "invalid request payload: " + err.Error(), Code: "invalid_json"}
		}
		writeError(w, ve)
		return
	}

	adapter, err := adapters.Resolve(req.Model)
	if err != nil {
		// No session is contacted for an unknown model.
		writeError(w, err)
		g.record(requestID, &req, "", nil, translate.HTTPStatus(err), err, start)
		return
	}

	env, err := translate.TranslateRequest(&req, adapter)
	if err != nil {
		writeError(w, err)
		return
	}

	counter := tokencount.ForFamily(adapter.TokenizerFamily)
	tr := translate.NewStreamTranslator(env.CorrelationID, req.Model, start.Unix(), counter, env.Prompt)

	// The request context carries the caller's connection lifetime, so a
	// disconnect cancels the exchange; the timeout bounds it either way.
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.Upstream.RequestTimeout)
	defer cancel()

	handle, err := g.bridge.Submit(ctx, env)
	if err != nil {
		log.Warn().
			Str("request_id", requestID).
			Str("model", req.Model).
			Str("kind", string(upstream.KindOf(err))).
			Err(err).
			Msg("submission rejected")
		writeError(w, err)
		g.record(requestID, &req, adapter.UpstreamName, tr, translate.HTTPStatus(err), err, start)
		return
	}

	var termErr error
	if req.Stream {
		termErr = g.handleStreaming(ctx, w, handle, tr)
	} else {
		termErr = g.handleNonStreaming(ctx, w, handle, tr)
	}

	status := http.StatusOK
	if termErr != nil {
		status = translate.HTTPStatus(termErr)
	}
	g.record(requestID, &req, adapter.UpstreamName, tr, status, termErr, start)
}

func (g *Gateway) record(requestID string, req *translate.ChatCompletionRequest, adapter string, tr *translate.StreamTranslator, status int, err error, start time.Time) {
	if g.usage == nil {
		return
	}
	rec := monitoring.Record{
		RequestID:   requestID,
		Model:       req.Model,
		Adapter:     adapter,
		Stream:      req.Stream,
		Status:      status,
		LatencyMS:   time.Since(start).Milliseconds(),
		RequestedAt: start,
	}
	if err != nil {
		rec.ErrorKind = string(upstream.KindOf(err))
	}
	if tr != nil {
		u := tr.Usage()
		rec.PromptTokens = u.PromptTokens
		rec.CompletionTokens = u.CompletionTokens
		rec.TotalTokens = u.TotalTokens
		rec.Accounting = u.Accounting
	}
	g.usage.Record(rec)
}
