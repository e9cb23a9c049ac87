package service

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodeUsesUnambiguousAlphabet(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := newCode()
		require.NoError(t, err)
		require.Len(t, code, codeLength)
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "1")
		assert.NotContains(t, code, "I")
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 190)
}

func TestCodeFromDiscardsBiasedBytes(t *testing.T) {
	src := make([]byte, 0, 2*codeLength)
	for i := 0; i < codeLength; i++ {
		src = append(src, 255, byte(i))
	}
	code, err := codeFrom(bytes.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, codeAlphabet[:codeLength], code)

	_, err = codeFrom(bytes.NewReader([]byte{248, 249, 250}))
	assert.Error(t, err, "a short source fails instead of padding")
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "ABC23456", NormalizeCode("  abc23456 "))
}
