package epacket

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthFailure is returned when AEAD verification fails — a single bit
// flip anywhere in the header, ciphertext, or tag.
var ErrAuthFailure = errors.New("epacket: AEAD authentication failure")

// Encrypt seals plaintext with ChaCha20-Poly1305.
//
// ad is the first 11 header bytes, nonce is the next 12 header bytes — the
// split is bit-exact and callers must not reorder or pad either input.
func Encrypt(key, ad, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("epacket: aead init: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("epacket: nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, ad), nil
}

// Decrypt opens a ciphertext||tag produced by Encrypt. Any authentication
// failure is reported as ErrAuthFailure, never a lower-level crypto error,
// so callers can match it without caring about the AEAD implementation.
func Decrypt(key, ad, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("epacket: aead init: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("epacket: nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
