// Package adapters maps public model identifiers onto upstream adapter names.
//
// DESIGN: The adapter set is closed — the engine backend only understands the
// adapters enumerated here, so resolution is a pure lookup with no runtime
// registration. An unknown model is a client error, never retried and never
// silently mapped to a default.
package adapters

import (
	"sort"

	"github.com/enginebridge/engine-gateway/internal/upstream"
)

// Adapter describes one upstream adapter and how to shape requests for it.
type Adapter struct {
	// ID is the public, caller-facing model identifier.
	ID string

	// UpstreamName is the adapterName value the engine backend expects.
	UpstreamName string

	// OwnedBy is reported on the model listing.
	OwnedBy string

	// TokenizerFamily selects the exact tokenizer when one exists.
	// Empty means no exact tokenizer: token accounting is approximate.
	TokenizerFamily string

	// SupportedParams are the sampling parameters the adapter understands.
	// Anything else on a request is dropped and logged, never an error.
	SupportedParams []string
}

// Supports reports whether the adapter understands a sampling parameter.
func (a Adapter) Supports(param string) bool {
	for _, p := range a.SupportedParams {
		if p == param {
			return true
		}
	}
	return false
}

var registry = map[string]Adapter{
	"gpt-5": {
		ID:              "gpt-5",
		UpstreamName:    "GPT5",
		OwnedBy:         "openai",
		TokenizerFamily: "cl100k_base",
		SupportedParams: []string{"temperature", "max_tokens"},
	},
	"claude-sonnet-4-5": {
		ID:              "claude-sonnet-4-5",
		UpstreamName:    "ClaudeSonnet4_5",
		OwnedBy:         "anthropic",
		SupportedParams: []string{"temperature", "max_tokens"},
	},
}

// Resolve maps a public model id to its adapter. Unknown models come back as
// a KindUnknownModel error, which the shell maps to a client error.
func Resolve(publicModelID string) (Adapter, error) {
	a, ok := registry[publicModelID]
	if !ok {
		return Adapter{}, upstream.NewError(upstream.KindUnknownModel,
			"model %q is not available on this gateway", publicModelID)
	}
	return a, nil
}

// List returns every adapter sorted by public id, for the model listing.
func List() []Adapter {
	out := make([]Adapter, 0, len(registry))
	for _, a := range registry {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
