package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealedTooShort = errors.New("credentials: sealed secret too short")

// Sealer encrypts HMAC secrets at rest with XChaCha20-Poly1305. The sealed
// form is nonce || ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer accepts a 32-byte key as 64 hex chars. Any other non-empty
// string is stretched with sha256, which is only acceptable for dev.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("credentials: empty sealing key")
	}
	key, err := hex.DecodeString(secret)
	if err != nil || len(key) != chacha20poly1305.KeySize {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}
	return &Sealer{key: key}, nil
}

func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credentials: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: aead: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("credentials: open: %w", err)
	}
	return plain, nil
}
