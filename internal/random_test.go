package internal

import (
	"encoding/base64"
	"testing"
)

func TestNewOpaqueTokenIsUniqueAndDecodable(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		tok, err := NewOpaqueToken()
		if err != nil {
			t.Fatalf("new token: %v", err)
		}
		raw, err := base64.RawURLEncoding.DecodeString(tok)
		if err != nil || len(raw) != opaqueTokenSize {
			t.Fatalf("unexpected token encoding %q", tok)
		}
		if _, dup := seen[tok]; dup {
			t.Fatal("duplicate token")
		}
		seen[tok] = struct{}{}
	}
}

func TestHashOpaqueIsStable(t *testing.T) {
	if HashOpaque("abc") != HashOpaque("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashOpaque("abc") == HashOpaque("abd") {
		t.Fatal("distinct inputs must hash differently")
	}
	if len(HashOpaque("abc")) != 64 {
		t.Fatal("expected hex sha256")
	}
}

func TestNewOTPDigits(t *testing.T) {
	if _, err := NewOTP(4); err == nil {
		t.Fatal("expected short otp to be rejected")
	}
	code, err := NewOTP(6)
	if err != nil {
		t.Fatalf("new otp: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6 digits, got %q", code)
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			t.Fatalf("non-digit in %q", code)
		}
	}
}

func FuzzHashOpaque(f *testing.F) {
	f.Add("")
	f.Add("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	f.Add("!!!not-base64!!!")
	f.Fuzz(func(t *testing.T, in string) {
		if len(HashOpaque(in)) != 64 {
			t.Fatal("digest length changed")
		}
	})
}
