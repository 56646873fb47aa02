package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHMACAuthenticator(t *testing.T) {
	_, err := NewHMACAuthenticator("")
	assert.Error(t, err)

	auth, err := NewHMACAuthenticator("test-secret")
	require.NoError(t, err)
	assert.NotNil(t, auth)
}

func TestHMACAuthenticator_GenerateChallenge(t *testing.T) {
	auth, err := NewHMACAuthenticator("test-secret")
	require.NoError(t, err)

	t.Run("should generate 32-byte challenge as hex", func(t *testing.T) {
		challenge, err := auth.GenerateChallenge()
		require.NoError(t, err)
		assert.Len(t, challenge, 64)
	})

	t.Run("should generate unique challenges", func(t *testing.T) {
		challenge1, err1 := auth.GenerateChallenge()
		challenge2, err2 := auth.GenerateChallenge()

		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.NotEqual(t, challenge1, challenge2)
	})
}

func TestHMACAuthenticator_Verify(t *testing.T) {
	auth, err := NewHMACAuthenticator("test-secret")
	require.NoError(t, err)
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	t.Run("should verify valid signature", func(t *testing.T) {
		assert.True(t, auth.Verify("alice", challenge, computeHMAC("alice:"+challenge, "test-secret")))
	})

	t.Run("should bind the signature to the user id", func(t *testing.T) {
		sig := auth.Sign("alice", challenge)
		assert.False(t, auth.Verify("bob", challenge, sig))
	})

	t.Run("should reject signature with wrong secret", func(t *testing.T) {
		assert.False(t, auth.Verify("alice", challenge, Sign("wrong-secret", "alice", challenge)))
	})

	t.Run("should reject garbage", func(t *testing.T) {
		assert.False(t, auth.Verify("alice", challenge, "invalid-signature"))
		assert.False(t, auth.Verify("alice", challenge, ""))
	})
}

func TestAuthenticate(t *testing.T) {
	auth, err := NewHMACAuthenticator("test-secret")
	require.NoError(t, err)

	newClient := func() *Client {
		return &Client{ID: "c1", Challenge: "challenge-1", State: StateAuthenticating}
	}

	t.Run("should authenticate valid response", func(t *testing.T) {
		client := newClient()
		result := authenticate(auth, client, AuthResponse{
			Method:    "auth.response",
			UserID:    "alice",
			Signature: auth.Sign("alice", "challenge-1"),
		})

		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.Equal(t, "alice", client.UserID)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Empty(t, client.Challenge)
	})

	t.Run("should reject forbidden user ids", func(t *testing.T) {
		for _, id := range []string{"", "placeholder", "NULL", "temp"} {
			client := newClient()
			result := authenticate(auth, client, AuthResponse{
				Method:    "auth.response",
				UserID:    id,
				Signature: auth.Sign(id, "challenge-1"),
			})
			assert.False(t, result.Success, id)
			assert.Equal(t, "Invalid user id", result.Message)
			assert.Empty(t, client.UserID)
		}
	})

	t.Run("should require a pending challenge", func(t *testing.T) {
		client := newClient()
		client.Challenge = ""
		result := authenticate(auth, client, AuthResponse{UserID: "alice"})
		assert.False(t, result.Success)
		assert.Equal(t, "No challenge found", result.Message)
	})

	t.Run("should lock out after max attempts", func(t *testing.T) {
		client := newClient()
		var result AuthResult
		for i := 0; i < MaxAuthAttempts; i++ {
			result = authenticate(auth, client, AuthResponse{UserID: "alice", Signature: "bad"})
		}
		assert.False(t, result.Success)
		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.Equal(t, MaxAuthAttempts, client.AuthAttempts)
	})
}

// computeHMAC is an independent reference implementation.
func computeHMAC(message, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
