// Package secret seals aggregator access tokens before they are persisted.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// ErrOpen is returned when a sealed value cannot be authenticated.
var ErrOpen = errors.New("secret: cannot open sealed value")

// Sealer encrypts short secrets with NaCl secretbox under a fixed key.
type Sealer struct {
	key [32]byte
}

// NewSealer builds a sealer from a 64-character hex key.
func NewSealer(hexKey string) (*Sealer, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("secret: decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret: key must be 32 bytes, got %d", len(raw))
	}
	s := &Sealer{}
	copy(s.key[:], raw)
	return s, nil
}

// Seal returns base64(nonce || box).
func (s *Sealer) Seal(plaintext string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secret: nonce: %w", err)
	}
	out := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrOpen
	}
	return string(plain), nil
}
