package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestGenerateKey_shape(t *testing.T) {
	raw, prefix, hash, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		t.Errorf("raw key %q missing %q prefix", raw, KeyPrefix)
	}
	if prefix != raw[:PrefixLen] {
		t.Errorf("prefix %q is not the first %d chars of %q", prefix, PrefixLen, raw)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash %q is not PHC argon2id", hash)
	}
	if !WellFormedKey(raw) {
		t.Errorf("generated key %q failed the shape check", raw)
	}
}

func TestGenerateEnrollToken_shape(t *testing.T) {
	raw, _, _, err := GenerateEnrollToken()
	if err != nil {
		t.Fatalf("GenerateEnrollToken: %v", err)
	}
	if !WellFormedEnrollToken(raw) {
		t.Errorf("token %q failed the shape check", raw)
	}
	if WellFormedKey(raw) {
		t.Errorf("enroll token %q must not pass the API key shape check", raw)
	}
}

func TestVerifySecret(t *testing.T) {
	raw, _, hash, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if !VerifySecret(raw, hash) {
		t.Error("correct secret rejected")
	}
	if VerifySecret(raw+"x", hash) {
		t.Error("tampered secret accepted")
	}
	if VerifySecret(raw, "") {
		t.Error("empty hash accepted")
	}
	if VerifySecret(raw, "$bcrypt$whatever") {
		t.Error("non-argon2id hash accepted")
	}
}

func TestVerifySecret_twoKeysDoNotCross(t *testing.T) {
	rawA, _, hashA, _ := GenerateKey()
	rawB, _, hashB, _ := GenerateKey()
	if VerifySecret(rawA, hashB) || VerifySecret(rawB, hashA) {
		t.Error("key verified against another key's hash")
	}
}

func TestWellFormedKey(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"", false},
		{"nbl_", false},
		{"nbl_abcd", true},
		{"nbe_abcdefgh", false},
		{"Bearer nbl_x", false},
	}
	for _, tc := range cases {
		if got := WellFormedKey(tc.raw); got != tc.want {
			t.Errorf("WellFormedKey(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestSessionIssuer_roundTrip(t *testing.T) {
	issuer := NewSessionIssuer("test-secret", time.Hour)
	userID := uuid.New()

	tok, exp, err := issuer.Issue(userID, []string{"public", "work"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(time.Now()) {
		t.Error("expiry not in the future")
	}

	gotID, scopes, err := issuer.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if gotID != userID {
		t.Errorf("user id = %s, want %s", gotID, userID)
	}
	if len(scopes) != 2 || scopes[0] != "public" || scopes[1] != "work" {
		t.Errorf("scopes = %v, want [public work]", scopes)
	}
}

func TestSessionIssuer_rejectsWrongSecret(t *testing.T) {
	tok, _, err := NewSessionIssuer("secret-a", time.Hour).Issue(uuid.New(), nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, _, err := NewSessionIssuer("secret-b", time.Hour).Verify(tok); err == nil {
		t.Error("token signed with another secret verified")
	}
}

func TestSessionIssuer_rejectsExpired(t *testing.T) {
	issuer := NewSessionIssuer("test-secret", -time.Minute)
	// ttl <= 0 falls back to an hour, so force a short one directly.
	issuer.ttl = -time.Minute
	tok, _, err := issuer.Issue(uuid.New(), nil)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, _, err := issuer.Verify(tok); err == nil {
		t.Error("expired token verified")
	}
}

func TestSessionIssuer_rejectsGarbage(t *testing.T) {
	issuer := NewSessionIssuer("test-secret", time.Hour)
	for _, tok := range []string{"", "not.a.jwt", "a.b"} {
		if _, _, err := issuer.Verify(tok); err == nil {
			t.Errorf("Verify(%q) succeeded", tok)
		}
	}
}
