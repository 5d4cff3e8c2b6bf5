package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecoverySigner(t *testing.T) {
	t.Run("requires secret", func(t *testing.T) {
		_, err := NewRecoverySigner("")
		assert.Error(t, err)
	})

	t.Run("with secret", func(t *testing.T) {
		s, err := NewRecoverySigner("123456:bot-secret")
		require.NoError(t, err)
		assert.NotNil(t, s)
	})
}

func TestRecoveryGenerateVerify(t *testing.T) {
	s, err := NewRecoverySigner("test-secret")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	tok := s.Generate("abc123", now)

	// Token shape: <unix-ts>-<hex signature>
	parts := strings.SplitN(tok, "-", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "1700000000", parts[0])
	assert.Len(t, parts[1], 64) // hex sha256

	assert.True(t, s.Verify("abc123", tok, now))
}

func TestRecoveryVerifyExpiry(t *testing.T) {
	s, err := NewRecoverySigner("test-secret")
	require.NoError(t, err)

	issued := time.Unix(1700000000, 0)
	tok := s.Generate("abc123", issued)

	t.Run("just inside the window", func(t *testing.T) {
		assert.True(t, s.Verify("abc123", tok, issued.Add(899*time.Second)))
	})

	t.Run("exactly at the window edge", func(t *testing.T) {
		assert.True(t, s.Verify("abc123", tok, issued.Add(900*time.Second)))
	})

	t.Run("just past the window", func(t *testing.T) {
		assert.False(t, s.Verify("abc123", tok, issued.Add(901*time.Second)))
	})
}

func TestRecoveryVerifyRejects(t *testing.T) {
	s, err := NewRecoverySigner("test-secret")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	tok := s.Generate("abc123", now)

	t.Run("wrong reference", func(t *testing.T) {
		assert.False(t, s.Verify("other99", tok, now))
	})

	t.Run("tampered signature", func(t *testing.T) {
		tampered := tok[:len(tok)-1] + "0"
		if tampered == tok {
			tampered = tok[:len(tok)-1] + "1"
		}
		assert.False(t, s.Verify("abc123", tampered, now))
	})

	t.Run("tampered timestamp", func(t *testing.T) {
		sep := strings.Index(tok, "-")
		forged := "1700009999" + tok[sep:]
		assert.False(t, s.Verify("abc123", forged, now))
	})

	t.Run("different secret", func(t *testing.T) {
		other, err := NewRecoverySigner("other-secret")
		require.NoError(t, err)
		assert.False(t, other.Verify("abc123", tok, now))
	})

	t.Run("malformed tokens", func(t *testing.T) {
		for _, bad := range []string{"", "-", "abc", "notanumber-deadbeef", "-deadbeef", "1700000000-"} {
			assert.False(t, s.Verify("abc123", bad, now), "token %q should fail", bad)
		}
	})
}

func TestRecoveryTokensAreStateless(t *testing.T) {
	s, err := NewRecoverySigner("test-secret")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	tok := s.Generate("abc123", now)

	// Verification does not consume the token
	assert.True(t, s.Verify("abc123", tok, now))
	assert.True(t, s.Verify("abc123", tok, now))

	// A signer built from the same secret verifies tokens it never issued
	fresh, err := NewRecoverySigner("test-secret")
	require.NoError(t, err)
	assert.True(t, fresh.Verify("abc123", tok, now))
}
