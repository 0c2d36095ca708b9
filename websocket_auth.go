package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"treasuredig/prober/internal/auth"
)

// sessionAuthenticator resolves the subject behind a WebSocket upgrade request.
type sessionAuthenticator interface {
	Authenticate(r *http.Request) (string, error)
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request) (string, error) {
	return "", nil
}

type hmacSessionAuthenticator struct {
	tokens *auth.SessionTokens
}

func newHMACSessionAuthenticator(secret string) (sessionAuthenticator, error) {
	tokens, err := auth.NewSessionTokens(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacSessionAuthenticator{tokens: tokens}, nil
}

// Authenticate validates the session token and returns its subject.
func (a *hmacSessionAuthenticator) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.tokens == nil {
		return "", errors.New("session tokens not configured")
	}
	token := sessionToken(r)
	if token == "" {
		return "", errors.New("missing session token")
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// sessionToken reads the token from the query string, the X-Session-Token header or a bearer Authorization header.
func sessionToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Session-Token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
