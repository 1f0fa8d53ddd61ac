package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher(t *testing.T) {
	plain := NewHasher("")
	peppered := NewHasher("server-secret")

	token := "tr-0123456789abcdef"

	assert.Len(t, plain.Hash(token), 64)
	assert.Equal(t, plain.Hash(token), plain.Hash(token))
	assert.NotEqual(t, plain.Hash(token), peppered.Hash(token))
	assert.NotEqual(t, plain.Hash(token), plain.Hash(token+"x"))

	assert.True(t, peppered.Matches(peppered.Hash(token), token))
	assert.False(t, peppered.Matches(plain.Hash(token), token))
	assert.False(t, plain.Matches(plain.Hash(token), "other"))
}

func TestPrefix(t *testing.T) {
	assert.Equal(t, "short", Prefix("short"))
	assert.Equal(t, "tr-abcdefghi", Prefix("tr-abcdefghijklmnop"))
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken("tr-")
	require.NoError(t, err)
	b, err := GenerateToken("tr-")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a, "tr-"))
	assert.Len(t, a, len("tr-")+43)
	assert.NotEqual(t, a, b)
}
