package phone

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// MinKeyLength is the minimum byte length of the process encryption key.
const MinKeyLength = 32

// Encryptor seals digit-only normalized numbers with AES-256-GCM. Stored
// form is base64(nonce || ciphertext || tag), so records are portable
// across processes sharing the same key.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor derives a 256-bit key from the process key string via
// SHA-256 and builds the AEAD. Keys shorter than MinKeyLength are refused
// at startup rather than weakening at send time.
func NewEncryptor(key string) (*Encryptor, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("phone: encryption key must be at least %d characters, got %d", MinKeyLength, len(key))
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("phone: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phone: init gcm: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals the digit-only normalized form of the number, so a raw
// ten-digit input and its E.164 form produce ciphertext for the same
// plaintext.
func (e *Encryptor) Encrypt(number string) (string, error) {
	digits := canonicalDigits(number)
	if digits == "" {
		return "", ErrInvalidNumber
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phone: nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(digits), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt returns the digit-only normalized number. Tampered or truncated
// ciphertext fails authentication.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("phone: decode ciphertext: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns+e.aead.Overhead() {
		return "", errors.New("phone: ciphertext too short")
	}
	plain, err := e.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("phone: decrypt: %w", err)
	}
	return string(plain), nil
}
