package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTokens(t *testing.T, secret string, leeway time.Duration, now time.Time) *SessionTokens {
	t.Helper()
	tokens, err := NewSessionTokens(secret, leeway)
	if err != nil {
		t.Fatalf("NewSessionTokens: %v", err)
	}
	tokens.WithClock(func() time.Time { return now })
	return tokens
}

func TestIssueThenVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", time.Second, now)

	token, err := tokens.Issue("digger-7", 30*time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "digger-7" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if !claims.ExpiresAt.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("unexpected expiry: %v", claims.ExpiresAt)
	}
	if !claims.IssuedAt.Equal(now) {
		t.Fatalf("unexpected issued at: %v", claims.IssuedAt)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", 0, now)
	token, err := tokens.Issue("digger-7", time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tokens.WithClock(func() time.Time { return now.Add(2 * time.Second) })

	if _, err := tokens.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyHonoursLeeway(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", 5*time.Second, now)
	token, err := tokens.Issue("digger-7", time.Second)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tokens.WithClock(func() time.Time { return now.Add(3 * time.Second) })
	if _, err := tokens.Verify(token); err != nil {
		t.Fatalf("expected token inside leeway to verify, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := newTokens(t, "other", 0, now)
	token, err := issuer.Issue("digger-7", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	verifier := newTokens(t, "secret", 0, now)
	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsMalformedTokens(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", 0, now)
	exp := now.Add(time.Minute).Unix()
	cases := map[string]string{
		"empty":         "",
		"two parts":     "a.b",
		"bad base64":    "!!.??.**",
		"wrong alg":     signed(t, "secret", `{"alg":"none","typ":"JWT"}`, fmt.Sprintf(`{"sub":"x","exp":%d,"aud":"prober"}`, exp)),
		"no subject":    signed(t, "secret", `{"alg":"HS256","typ":"JWT"}`, fmt.Sprintf(`{"exp":%d,"aud":"prober"}`, exp)),
		"no expiry":     signed(t, "secret", `{"alg":"HS256","typ":"JWT"}`, `{"sub":"x","aud":"prober"}`),
		"wrong aud":     signed(t, "secret", `{"alg":"HS256","typ":"JWT"}`, fmt.Sprintf(`{"sub":"x","exp":%d,"aud":"broker"}`, exp)),
		"tampered body": tamper(t, tokens),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewSessionTokensRequiresSecret(t *testing.T) {
	if _, err := NewSessionTokens("   ", time.Second); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestIssueValidatesInput(t *testing.T) {
	tokens := newTokens(t, "secret", 0, time.Unix(1700000000, 0))
	if _, err := tokens.Issue("", time.Minute); err == nil {
		t.Fatal("expected error for empty subject")
	}
	if _, err := tokens.Issue("x", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
}

func signed(t *testing.T, secret, header, payload string) string {
	t.Helper()
	input := base64.RawURLEncoding.EncodeToString([]byte(header)) + "." + base64.RawURLEncoding.EncodeToString([]byte(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(input))
	return input + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func tamper(t *testing.T, tokens *SessionTokens) string {
	t.Helper()
	token, err := tokens.Issue("digger-7", time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	parts := strings.Split(token, ".")
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"admin","exp":9999999999,"aud":"prober"}`))
	return strings.Join(parts, ".")
}
