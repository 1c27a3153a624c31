package random

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSeed_Varies(t *testing.T) {
	seen := map[int64]bool{}
	for i := 0; i < 16; i++ {
		s, err := NewSeed()
		require.NoError(t, err)
		seen[s] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestCode(t *testing.T) {
	code, err := Code(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, r := range code {
		assert.True(t, strings.ContainsRune(codeCharset, r), "unexpected rune %q", r)
	}
}
