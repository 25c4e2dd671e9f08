// Package crypto provides AES-256-GCM authenticated encryption for device
// push tokens held at rest. The token store's keys are already one-way email
// digests, but the values are live FCM registration tokens: anyone holding one
// can push arbitrary notifications to that device. Sealing the value side
// means a compromised Redis snapshot yields neither identities nor usable
// tokens. GCM is used so a tampered ciphertext fails authentication instead
// of decrypting to a corrupt token that would be silently sent to the
// provider.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrSealKeyLength is returned when a seal key is not exactly 32 bytes (AES-256).
	ErrSealKeyLength = errors.New("crypto: seal key must be exactly 32 bytes")
	// ErrSealedTokenCorrupt is returned when a sealed token fails base64 decoding
	// or is too short to contain the GCM nonce.
	ErrSealedTokenCorrupt = errors.New("crypto: sealed token is corrupted")
	// ErrOpenFailed is returned when GCM authentication fails, indicating
	// tampering or a key mismatch between deployments.
	ErrOpenFailed = errors.New("crypto: failed to open sealed token")
)

// TokenSealer encrypts device push tokens before they reach the backing store
// and decrypts them on the way out. A nil *TokenSealer is valid and acts as a
// pass-through, so the store layer does not need to special-case deployments
// that run without TOKEN_SEAL_KEY.
type TokenSealer struct {
	key []byte
}

// NewTokenSealer creates a sealer from a 32-byte key.
func NewTokenSealer(key []byte) (*TokenSealer, error) {
	if len(key) != 32 {
		return nil, ErrSealKeyLength
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, key)
	return &TokenSealer{key: keyCopy}, nil
}

// SealerFromPassphrase derives a 32-byte key from an operator passphrase with
// PBKDF2-SHA256 and a deployment-stable salt. Used when the seal key is
// supplied as human text rather than raw key material.
func SealerFromPassphrase(passphrase string, salt []byte, iterations int) (*TokenSealer, error) {
	if len(salt) < 16 {
		return nil, errors.New("crypto: salt must be at least 16 bytes")
	}
	if iterations < 10000 {
		iterations = 100000
	}
	derived := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewTokenSealer(derived)
}

// Seal encrypts a token and returns base64url(nonce || ciphertext).
// A nil sealer or empty token passes through unchanged.
func (ts *TokenSealer) Seal(token string) (string, error) {
	if ts == nil || token == "" {
		return token, nil
	}

	block, err := aes.NewCipher(ts.key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := aead.Seal(nonce, nonce, []byte(token), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal. A nil sealer or empty value passes
// through unchanged.
func (ts *TokenSealer) Open(sealed string) (string, error) {
	if ts == nil || sealed == "" {
		return sealed, nil
	}

	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealedTokenCorrupt
	}

	block, err := aes.NewCipher(ts.key)
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrSealedTokenCorrupt
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	token, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(token), nil
}
