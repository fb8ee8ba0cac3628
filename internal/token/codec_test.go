package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateProducesUniqueOpaqueTokens(t *testing.T) {
	codec := NewCodec()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok := codec.Generate()
		require.Len(t, tok, 43) // 32 bytes, raw url base64
		require.False(t, seen[tok], "token collision")
		seen[tok] = true
	}
}

func TestMatches(t *testing.T) {
	codec := NewCodec()
	tok := codec.Generate()

	assert.True(t, codec.Matches(tok, tok))
	assert.False(t, codec.Matches(codec.Generate(), tok))
	assert.False(t, codec.Matches(tok[:len(tok)-1], tok))
}

func TestMatchesAbsentStoredTokenAlwaysFalse(t *testing.T) {
	codec := NewCodec()

	assert.False(t, codec.Matches("anything", ""))
	assert.False(t, codec.Matches("", ""))
	assert.False(t, codec.Matches("", "stored"))
}
