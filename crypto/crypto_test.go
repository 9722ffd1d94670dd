package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	s, err := NewSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return s
}

func TestNewSealer(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSealer(tt.key)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("NewSealer() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || s == nil {
				t.Fatalf("NewSealer() = %v, %v", s, err)
			}
		})
	}
}

func TestSealOpen_RoundTrip(t *testing.T) {
	s := newTestSealer(t)
	for _, plain := range []string{"access-token", strings.Repeat("x", 512), "토큰 🔑"} {
		sealed, err := s.Seal(plain)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if !IsSealed(sealed) || strings.Contains(sealed, plain) {
			t.Fatalf("Seal() = %q, expected opaque sealed value", sealed)
		}
		got, err := s.Open(sealed)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got != plain {
			t.Errorf("Open() = %q, want %q", got, plain)
		}
	}
}

func TestSeal_EmptyStaysEmpty(t *testing.T) {
	s := newTestSealer(t)
	got, err := s.Seal("")
	if err != nil || got != "" {
		t.Fatalf("Seal(\"\") = %q, %v; want empty", got, err)
	}
}

func TestOpen_PlaintextPassthrough(t *testing.T) {
	s := newTestSealer(t)
	got, err := s.Open("legacy-plain")
	if err != nil || got != "legacy-plain" {
		t.Fatalf("Open() = %q, %v", got, err)
	}
}

func TestOpen_WrongKeyFails(t *testing.T) {
	a, b := newTestSealer(t), newTestSealer(t)
	sealed, err := a.Seal("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); err == nil {
		t.Fatal("Open() with a different key should fail")
	}
}

func TestOpenWith_NilSealer(t *testing.T) {
	if got, err := OpenWith(nil, "plain"); err != nil || got != "plain" {
		t.Fatalf("OpenWith(nil, plain) = %q, %v", got, err)
	}
	if _, err := OpenWith(nil, "v1:AAAA"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("OpenWith(nil, sealed) error = %v, want ErrNoKey", err)
	}
	if got, _ := SealWith(nil, "plain"); got != "plain" {
		t.Fatalf("SealWith(nil) = %q", got)
	}
}
