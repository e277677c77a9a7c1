// Package credential protects gateway credential tokens stored on subscriptions.
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrInvalidSecret = errors.New("credential: secret must be 32 bytes")
	ErrMalformed     = errors.New("credential: malformed sealed token")
)

// Sealer encrypts tokens with XChaCha20-Poly1305. The output is
// base64(nonce || ciphertext).
type Sealer struct {
	secret []byte
}

func NewSealer(secret string) (*Sealer, error) {
	if len(secret) != chacha20poly1305.KeySize {
		return nil, ErrInvalidSecret
	}
	return &Sealer{secret: []byte(secret)}, nil
}

// Seal encrypts token. An empty token seals to an empty string.
func (s *Sealer) Seal(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(token)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credential: nonce: %w", err)
	}
	out := aead.Seal(nonce, nonce, []byte(token), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(s.secret)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrMalformed
	}
	return string(plain), nil
}
