package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/harun/tenantd/pkg/execctx"
)

// MaxAuthAttempts is how many bad signatures a socket may send.
const MaxAuthAttempts = 3

// Authenticator approves a user ID for a socket. It is the only source of
// user IDs the gateway trusts.
type Authenticator interface {
	GenerateChallenge() (string, error)
	Verify(userID, challenge, signature string) bool
}

// HMACAuthenticator accepts HMAC-SHA256(secret, userID + ":" + challenge),
// hex encoded.
type HMACAuthenticator struct {
	sharedSecret []byte
}

// NewHMACAuthenticator creates an authenticator for secret.
func NewHMACAuthenticator(sharedSecret string) (*HMACAuthenticator, error) {
	if sharedSecret == "" {
		return nil, errors.New("shared secret is required")
	}
	return &HMACAuthenticator{sharedSecret: []byte(sharedSecret)}, nil
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *HMACAuthenticator) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign computes the signature a client must present.
func (a *HMACAuthenticator) Sign(userID, challenge string) string {
	return Sign(string(a.sharedSecret), userID, challenge)
}

// Verify checks the signature in constant time.
func (a *HMACAuthenticator) Verify(userID, challenge, signature string) bool {
	expected := a.Sign(userID, challenge)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// Sign computes HMAC-SHA256(secret, userID + ":" + challenge) as hex.
func Sign(secret, userID, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(userID))
	h.Write([]byte{':'})
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// authenticate checks one response against the client's pending challenge.
func authenticate(auth Authenticator, client *Client, resp AuthResponse) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: "auth.failure", Message: "No challenge found"}
	}
	if resp.UserID == "" || execctx.IsForbiddenIdentifier(resp.UserID) {
		client.AuthAttempts++
		return AuthResult{Event: "auth.failure", Message: "Invalid user id"}
	}

	if !auth.Verify(resp.UserID, client.Challenge, resp.Signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= MaxAuthAttempts {
			return AuthResult{Event: "auth.failure", Message: "Too many failed attempts"}
		}
		return AuthResult{Event: "auth.failure", Message: "Invalid signature"}
	}

	client.UserID = resp.UserID
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: "auth.success", Success: true, UserID: resp.UserID}
}
