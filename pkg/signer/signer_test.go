package signer

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var key = []byte("0123456789abcdef0123456789abcdef")

func TestSignVerify(t *testing.T) {
	content := []byte("2026-10-14T12:00:00ZhostA-alice")
	sig := Sign(content, key)

	assert.True(t, Verify(content, sig, key))
	assert.Equal(t, sig, Sign(content, key), "signing is deterministic")
	assert.False(t, Verify(content, sig, []byte("a-different-shared-secret-value!")))
}

func TestVerify_SingleByteMutations(t *testing.T) {
	content := []byte("2026-10-14T12:00:00ZhostA-alice")
	sig := Sign(content, key)

	for i := range content {
		mutated := append([]byte(nil), content...)
		mutated[i] ^= 0x01
		assert.False(t, Verify(mutated, sig, key), "content byte %d", i)
	}

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x80
		assert.False(t, Verify(content, base64.StdEncoding.EncodeToString(mutated), key), "signature byte %d", i)
	}
}

func TestVerify_RejectsGarbage(t *testing.T) {
	content := []byte("x")
	tests := map[string]string{
		"empty":      "",
		"not base64": "%%%",
		"truncated":  Sign(content, key)[:20],
		"too long":   base64.StdEncoding.EncodeToString(make([]byte, 64)),
	}
	for name, sig := range tests {
		t.Run(name, func(t *testing.T) {
			assert.False(t, Verify(content, sig, key))
		})
	}
	assert.False(t, Verify(content, Sign(content, key), nil), "empty key")
}

func TestHMACSigner(t *testing.T) {
	_, err := NewHMACSigner([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakKey)

	k := append([]byte(nil), key...)
	s, err := NewHMACSigner(k)
	require.NoError(t, err)

	content := []byte("payload")
	sig := s.Sign(content)
	k[0] ^= 0xff // caller mutation must not leak into the signer

	assert.True(t, s.Verify(content, sig))
	assert.Equal(t, Sign(content, key), sig)
}
