// Package secrets seals Strava OAuth tokens before they are written to the
// database. Sealing binds the ciphertext to the owning athlete via AEAD
// additional data, so a sealed token copied between rows will not open.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
)

// Box encrypts and decrypts small secrets under a fixed process-lifetime key.
type Box struct {
	aead cipher.AEAD
}

// New builds a Box from a 32-byte key.
func New(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: building AEAD: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext bound to the athlete id and returns base64 text
// suitable for storage.
func (b *Box) Seal(plaintext string, athleteID uint64) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generating nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), aadFor(athleteID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a sealed value. Opening fails if the ciphertext was tampered
// with or sealed for a different athlete.
func (b *Box) Open(sealed string, athleteID uint64) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("secrets: decoding sealed value: %w", err)
	}
	nonceSize := b.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("secrets: sealed value too short")
	}
	plaintext, err := b.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], aadFor(athleteID))
	if err != nil {
		return "", errors.New("secrets: sealed value failed to open")
	}
	return string(plaintext), nil
}

func aadFor(athleteID uint64) []byte {
	return []byte("athlete:" + strconv.FormatUint(athleteID, 10))
}
