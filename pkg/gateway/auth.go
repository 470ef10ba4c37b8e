package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	// maxAuthAttempts failed signatures close the connection
	maxAuthAttempts = 3
	challengeBytes  = 32
)

// Auth failure messages sent in auth.failure events
const (
	authNoChallenge     = "No challenge found"
	authBadSignature    = "Invalid signature"
	authTooManyAttempts = "Too many failed attempts"
)

const (
	authEventChallenge = "auth.challenge"
	authEventSuccess   = "auth.success"
	authEventFailure   = "auth.failure"
	authMethodResponse = "auth.response"
)

// AuthHandler checks editors against the shared secret. WebSocket clients prove
// knowledge of it by signing a random challenge; HTTP callers send it verbatim.
type AuthHandler struct {
	secret []byte
}

func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{secret: []byte(sharedSecret)}
}

// GenerateChallenge returns 32 random bytes, hex encoded
func (a *AuthHandler) GenerateChallenge() (string, error) {
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Sign returns the hex HMAC-SHA256 of challenge keyed by secret. Clients answer the
// auth.challenge event with it.
func Sign(secret, challenge string) string {
	return hex.EncodeToString(mac([]byte(secret), challenge))
}

func mac(secret []byte, challenge string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(challenge))
	return h.Sum(nil)
}

// VerifySignature reports whether signature is the hex HMAC of challenge.
// Hex case is not significant.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(mac(a.secret, challenge), got)
}

// VerifySecret compares the shared secret sent by HTTP callers in constant time
func (a *AuthHandler) VerifySecret(secret string) bool {
	return subtle.ConstantTimeCompare(a.secret, []byte(secret)) == 1
}

// HandleAuthResponse checks a client's answer to its challenge. A challenge is
// single use: success clears it and later responses fail.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return authFailure(authNoChallenge)
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if client.AuthAttempts >= maxAuthAttempts {
			return authFailure(authTooManyAttempts)
		}
		return authFailure(authBadSignature)
	}

	client.SetAuthenticated(true)
	client.AuthAttempts = 0
	client.Challenge = ""
	return AuthResult{Event: authEventSuccess, Success: true}
}

func authFailure(message string) AuthResult {
	return AuthResult{Event: authEventFailure, Message: message}
}
