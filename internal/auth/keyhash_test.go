package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashKeyRoundTrip(t *testing.T) {
	hash, err := HashKey("gb_live_c8f2a7")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	match, err := CompareKeyAndHash("gb_live_c8f2a7", hash)
	require.NoError(t, err)
	assert.True(t, match)

	match, err = CompareKeyAndHash("gb_live_wrong", hash)
	require.NoError(t, err)
	assert.False(t, match)
}

func TestCompareKeyAndHashMalformed(t *testing.T) {
	for _, h := range []string{
		"",
		"not-a-hash",
		"$argon2i$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536,t=3,p=2$!!!$aGFzaA",
	} {
		_, err := CompareKeyAndHash("secret", h)
		assert.Error(t, err, "hash %q must be rejected", h)
	}
}
