package tokencount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForFamily_ExactWhenTokenizerExists(t *testing.T) {
	c := ForFamily("cl100k_base")
	if c.Method() != MethodExact {
		// tiktoken fetches encoding data on first use; offline environments
		// legitimately fall back to approximate counting.
		t.Skip("cl100k_base encoding unavailable")
	}
	require.Equal(t, MethodExact, c.Method())

	// Real BPE counts, not a codepoint heuristic.
	assert.Equal(t, 1, c.Count("hello"))
	assert.Greater(t, c.Count("hello world, this is a longer sentence"), 5)
	assert.Equal(t, 0, c.Count(""))
}

func TestForFamily_ApproximateFallback(t *testing.T) {
	for _, family := range []string{"", "no_such_encoding"} {
		c := ForFamily(family)
		assert.Equal(t, MethodApproximate, c.Method(), "family %q", family)
	}
}

func TestCount_ApproximateCeilDivision(t *testing.T) {
	c := ForFamily("")

	assert.Equal(t, 0, c.Count(""))
	assert.Equal(t, 1, c.Count("a"))
	assert.Equal(t, 1, c.Count("abcd"))
	assert.Equal(t, 2, c.Count("abcde"))
	// Codepoints, not bytes: four multi-byte runes are one token.
	assert.Equal(t, 1, c.Count("日本語字"))
}

func TestCount_MethodFixedForCounterLifetime(t *testing.T) {
	c := ForFamily("")
	before := c.Method()
	for i := 0; i < 10; i++ {
		c.Count("some text")
	}
	assert.Equal(t, before, c.Method())
}
