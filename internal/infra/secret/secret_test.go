package secret_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/boddenberg/ledger-ingest-go/internal/infra/secret"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestSealOpen(t *testing.T) {
	s, err := secret.NewSealer(testKey)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := s.Seal("access-sandbox-123")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(sealed, "access-sandbox") {
		t.Fatal("sealed value leaks plaintext")
	}

	again, _ := s.Seal("access-sandbox-123")
	if again == sealed {
		t.Error("expected a fresh nonce per seal")
	}

	plain, err := s.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if plain != "access-sandbox-123" {
		t.Errorf("expected round trip, got %q", plain)
	}
}

func TestOpen_RejectsTampering(t *testing.T) {
	s, _ := secret.NewSealer(testKey)
	other, _ := secret.NewSealer(strings.Repeat("ff", 32))

	sealed, _ := s.Seal("token")
	if _, err := other.Open(sealed); !errors.Is(err, secret.ErrOpen) {
		t.Errorf("expected ErrOpen with wrong key, got %v", err)
	}
	if _, err := s.Open("not-base64!"); !errors.Is(err, secret.ErrOpen) {
		t.Errorf("expected ErrOpen for garbage, got %v", err)
	}
}

func TestNewSealer_BadKey(t *testing.T) {
	if _, err := secret.NewSealer("abcd"); err == nil {
		t.Fatal("expected short key error")
	}
	if _, err := secret.NewSealer("zz"); err == nil {
		t.Fatal("expected hex error")
	}
}
