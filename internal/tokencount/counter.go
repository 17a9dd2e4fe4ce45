// Package tokencount implements the token accounting contract.
//
// When an exact tokenizer exists for the target model family it is used for
// both prompt and completion counts; otherwise a deterministic codepoint
// heuristic stands in and the result is marked approximate. The method is
// chosen once per request and never varies mid-stream.
package tokencount

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/enginebridge/engine-gateway/internal/config"
)

// Method identifies which counting implementation produced a number.
type Method string

const (
	MethodExact       Method = "exact"
	MethodApproximate Method = "approximate"
)

// Counter counts tokens with one fixed method.
type Counter struct {
	method Method
	enc    *tiktoken.Tiktoken
}

// ForFamily returns a counter for a tokenizer family ("cl100k_base", ...).
// An empty or unknown family yields the approximate counter.
func ForFamily(family string) *Counter {
	if family == "" {
		return &Counter{method: MethodApproximate}
	}
	enc, err := tiktoken.GetEncoding(family)
	if err != nil {
		log.Debug().Err(err).Str("family", family).Msg("tokenizer unavailable, falling back to approximate counting")
		return &Counter{method: MethodApproximate}
	}
	return &Counter{method: MethodExact, enc: enc}
}

// Method reports the accounting method this counter uses.
func (c *Counter) Method() Method { return c.method }

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.method == MethodExact {
		return len(c.enc.Encode(text, nil, nil))
	}
	runes := utf8.RuneCountInString(text)
	return (runes + config.TokenEstimateRatio - 1) / config.TokenEstimateRatio
}
