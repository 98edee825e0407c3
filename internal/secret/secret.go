// Package secret protects credentials kept in configuration files. Values
// look like "enc:<base64(nonce|ciphertext)>" and are sealed with AES-GCM.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Prefix marks an encrypted configuration value.
const Prefix = "enc:"

// ErrMissingKey is returned when an encrypted value is found but no key is
// configured.
var ErrMissingKey = errors.New("missing key")

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with a random nonce prepended. Key must be 16, 24,
// or 32 bytes.
func Encrypt(key []byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func Decrypt(key []byte, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	plain, err := gcm.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}

// IsEncrypted reports whether value carries the enc: prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// EncryptString returns the enc:-prefixed form of value.
func EncryptString(key []byte, value string) (string, error) {
	sealed, err := Encrypt(key, []byte(value))
	if err != nil {
		return "", err
	}
	return Prefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Reveal returns value unchanged unless it is enc:-prefixed, in which case it
// is decoded and decrypted with key.
func Reveal(key []byte, value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	plain, err := Decrypt(key, raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
