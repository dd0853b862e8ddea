package security

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, secret, userID string, exp time.Duration) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(exp)),
		},
	})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseToken(t *testing.T) {
	token := signToken(t, "topsecret", "alice", time.Hour)

	uid, err := ParseToken("topsecret", token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if uid != "alice" {
		t.Fatalf("uid = %q", uid)
	}

	if _, err := ParseToken("wrongsecret", token); err == nil {
		t.Fatal("wrong secret accepted")
	}
	expired := signToken(t, "topsecret", "alice", -time.Minute)
	if _, err := ParseToken("topsecret", expired); err == nil {
		t.Fatal("expired token accepted")
	}
	if _, err := ParseToken("topsecret", "not-a-jwt"); err == nil {
		t.Fatal("garbage accepted")
	}
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	if got := TokenFromRequest(r); got != "abc" {
		t.Fatalf("header token = %q", got)
	}

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	if got := TokenFromRequest(r); got != "xyz" {
		t.Fatalf("query token = %q", got)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("empty request token = %q", got)
	}
}
