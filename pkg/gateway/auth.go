package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

const (
	// SecretHeader carries the shared secret on HTTP requests.
	SecretHeader = "X-Toolmesh-Secret"
	// MaxAuthAttempts is how many bad signatures close a connection.
	MaxAuthAttempts = 3
)

// AuthHandler manages the shared-secret checks: challenge-response for
// WebSocket clients and a header or bearer token for HTTP requests. An
// empty secret disables authentication.
type AuthHandler struct {
	sharedSecret string

	// OnReject is called for every HTTP request Middleware refuses.
	OnReject func(r *http.Request)
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// Enabled reports whether a secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// GenerateChallenge generates a cryptographically random 32-byte challenge
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// VerifySignature verifies an HMAC-SHA256 signature against a challenge
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	expected := hex.EncodeToString(h.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// AuthorizeRequest checks the secret of an HTTP request, taken from
// SecretHeader or an Authorization bearer token.
func (a *AuthHandler) AuthorizeRequest(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	secret := r.Header.Get(SecretHeader)
	if secret == "" {
		secret = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(a.sharedSecret)) == 1
}

// Middleware rejects unauthorized requests with 401.
func (a *AuthHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.AuthorizeRequest(r) {
			if a.OnReject != nil {
				a.OnReject(r)
			}
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HandleAuthResponse processes an authentication response from a client
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{
			Type:    FrameEvent,
			Event:   "auth.failure",
			Success: false,
			Message: "No challenge found",
		}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++

		if client.AuthAttempts >= MaxAuthAttempts {
			return AuthResult{
				Type:    FrameEvent,
				Event:   "auth.failure",
				Success: false,
				Message: "Too many failed attempts",
			}
		}

		return AuthResult{
			Type:    FrameEvent,
			Event:   "auth.failure",
			Success: false,
			Message: "Invalid signature",
		}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{
		Type:    FrameEvent,
		Event:   "auth.success",
		Success: true,
	}
}
