// Stream emission: the ordered chunk sequence is serialized as server-sent
// events for streaming requests, or buffered into one aggregated object for
// non-streaming requests. Both modes consume the identical frame path so
// their behavior cannot drift apart.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/enginebridge/engine-gateway/internal/bridge"
	"github.com/enginebridge/engine-gateway/internal/translate"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

// handleStreaming emits one SSE event per chunk, a terminal event, the
// [DONE] sentinel, then closes. A request that fails after partial delivery
// still gets a well-formed terminal error event — the stream is never left
// hanging, and already-emitted deltas are not retracted.
func (g *Gateway) handleStreaming(ctx context.Context, w http.ResponseWriter, h *bridge.Handle, tr *translate.StreamTranslator) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Cancel()
		writeError(w, upstream.NewError(upstream.KindUpstream, "streaming unsupported by connection"))
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(v any) {
		data, err := json.Marshal(v)
		if err != nil {
			log.Error().Err(err).Msg("chunk marshal failed")
			return
		}
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	writeSentinel := func() {
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	writeEvent(tr.RoleChunk())

	for {
		select {
		case frame, open := <-h.Frames():
			if !open {
				// Terminal already delivered or the handle was cancelled.
				return nil
			}
			switch frame.Kind {
			case upstream.FrameDelta:
				writeEvent(tr.DeltaChunk(frame.Text))
			case upstream.FrameDone:
				writeEvent(tr.FinalChunk(frame.FinishReason))
				writeSentinel()
				return nil
			case upstream.FrameError:
				writeEvent(translate.ErrorPayload(frame.Err))
				writeSentinel()
				return frame.Err
			}
		case <-ctx.Done():
			// Caller disconnect or timeout: release the registration now;
			// late frames for this id are dropped by the bridge.
			h.Cancel()
			if ctx.Err() == context.DeadlineExceeded {
				err := upstream.WrapError(upstream.KindTimeout, ctx.Err(), "request timed out mid-stream")
				writeEvent(translate.ErrorPayload(err))
				writeSentinel()
				return err
			}
			return ctx.Err()
		}
	}
}

// handleNonStreaming blocks until the terminal frame, concatenates every
// delta, and returns one aggregated object.
func (g *Gateway) handleNonStreaming(ctx context.Context, w http.ResponseWriter, h *bridge.Handle, tr *translate.StreamTranslator) error {
	for {
		select {
		case frame, open := <-h.Frames():
			if !open {
				err := upstream.NewError(upstream.KindConnectionLost, "stream ended without a terminal frame")
				writeError(w, err)
				return err
			}
			switch frame.Kind {
			case upstream.FrameDelta:
				// Accumulates inside the translator; nothing to emit yet.
				_ = tr.DeltaChunk(frame.Text)
			case upstream.FrameDone:
				writeJSON(w, http.StatusOK, tr.Aggregate(frame.FinishReason))
				return nil
			case upstream.FrameError:
				writeError(w, frame.Err)
				return frame.Err
			}
		case <-ctx.Done():
			h.Cancel()
			if ctx.Err() == context.DeadlineExceeded {
				err := upstream.WrapError(upstream.KindTimeout, ctx.Err(), "request timed out")
				writeError(w, err)
				return err
			}
			return ctx.Err()
		}
	}
}
