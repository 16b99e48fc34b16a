package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// IntakeSealer provides AES-256-GCM encryption of the intake retained on a
// case. It satisfies casefile.Sealer.
type IntakeSealer struct {
	aead cipher.AEAD
}

// NewIntakeSealer creates an IntakeSealer with the given 32-byte AES-256 key.
func NewIntakeSealer(key []byte) (*IntakeSealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("intake sealer: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("intake sealer: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("intake sealer: create GCM: %w", err)
	}

	return &IntakeSealer{aead: aead}, nil
}

// NewIntakeSealerFromHex decodes a 64 character hex key, as configured in
// INTAKE_ENCRYPTION_KEY.
func NewIntakeSealerFromHex(hexKey string) (*IntakeSealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("intake sealer: decode key: %w", err)
	}
	return NewIntakeSealer(key)
}

// Seal returns the nonce prepended to the ciphertext.
func (s *IntakeSealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("intake seal: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open extracts the nonce from the front of sealed and decrypts the rest.
func (s *IntakeSealer) Open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("intake open: ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("intake open: %w", err)
	}
	return plaintext, nil
}
