package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// EncryptionMethod defines how stored API keys are protected at rest.
type EncryptionMethod string

const (
	// EncryptionNone stores keys in plaintext. Development only.
	EncryptionNone EncryptionMethod = "none"
	// EncryptionSecret derives an AES-GCM key from the configured master
	// secret.
	EncryptionSecret EncryptionMethod = "secret"
)

// hkdfInfo namespaces the derived key so the same master secret could later
// protect other stores without key reuse.
const hkdfInfo = "flowrelay/api-keys/v1"

// KeyCipher encrypts and decrypts stored API keys. It is safe for
// concurrent use once constructed.
type KeyCipher struct {
	method EncryptionMethod
	aesKey []byte
}

// NewKeyCipher builds a cipher from the master secret. An empty secret
// selects EncryptionNone; callers should surface that loudly at startup.
func NewKeyCipher(masterSecret string) (*KeyCipher, error) {
	if masterSecret == "" {
		return &KeyCipher{method: EncryptionNone}, nil
	}

	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(hkdfInfo))
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	return &KeyCipher{method: EncryptionSecret, aesKey: aesKey}, nil
}

// Method returns the active encryption method.
func (k *KeyCipher) Method() EncryptionMethod { return k.method }

// Encrypt seals plaintext. With EncryptionNone it returns the input
// unchanged.
func (k *KeyCipher) Encrypt(plaintext []byte) ([]byte, error) {
	switch k.method {
	case EncryptionNone:
		return plaintext, nil
	case EncryptionSecret:
		return encryptAESGCM(plaintext, k.aesKey)
	default:
		return nil, fmt.Errorf("unknown encryption method: %s", k.method)
	}
}

// Decrypt opens ciphertext produced by Encrypt.
func (k *KeyCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	switch k.method {
	case EncryptionNone:
		return ciphertext, nil
	case EncryptionSecret:
		return decryptAESGCM(ciphertext, k.aesKey)
	default:
		return nil, fmt.Errorf("unknown encryption method: %s", k.method)
	}
}

// encryptAESGCM seals with AES-256-GCM, prefixing the random nonce to the
// ciphertext.
func encryptAESGCM(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptAESGCM opens a nonce-prefixed AES-256-GCM ciphertext.
func decryptAESGCM(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}
