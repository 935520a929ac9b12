package config

import (
	"bytes"
	"testing"
)

func TestKeyCipherRoundTrip(t *testing.T) {
	cipher, err := NewKeyCipher("master-secret")
	if err != nil {
		t.Fatalf("NewKeyCipher: %v", err)
	}
	if cipher.Method() != EncryptionSecret {
		t.Fatalf("expected secret method, got %s", cipher.Method())
	}

	plaintext := []byte("sk-proj-abcd1234")
	sealed, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(sealed, plaintext) {
		t.Error("ciphertext equals plaintext")
	}

	opened, err := cipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip mismatch: %q", opened)
	}

	// Each seal uses a fresh nonce.
	sealed2, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(sealed, sealed2) {
		t.Error("nonce reuse: identical ciphertexts for identical plaintexts")
	}
}

func TestKeyCipherTamperDetection(t *testing.T) {
	cipher, err := NewKeyCipher("master-secret")
	if err != nil {
		t.Fatalf("NewKeyCipher: %v", err)
	}
	sealed, err := cipher.Encrypt([]byte("sk-proj-abcd1234"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := cipher.Decrypt(sealed); err == nil {
		t.Error("tampered ciphertext accepted")
	}

	if _, err := cipher.Decrypt([]byte("short")); err == nil {
		t.Error("truncated ciphertext accepted")
	}
}

func TestKeyCipherWrongSecret(t *testing.T) {
	a, err := NewKeyCipher("secret-a")
	if err != nil {
		t.Fatalf("NewKeyCipher: %v", err)
	}
	b, err := NewKeyCipher("secret-b")
	if err != nil {
		t.Fatalf("NewKeyCipher: %v", err)
	}

	sealed, err := a.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("ciphertext opened with a different master secret")
	}
}

func TestKeyCipherNone(t *testing.T) {
	cipher, err := NewKeyCipher("")
	if err != nil {
		t.Fatalf("NewKeyCipher: %v", err)
	}
	if cipher.Method() != EncryptionNone {
		t.Fatalf("expected none method, got %s", cipher.Method())
	}

	plaintext := []byte("sk-dev")
	sealed, err := cipher.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !bytes.Equal(sealed, plaintext) {
		t.Error("none method altered the payload")
	}
	opened, err := cipher.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("none method round trip mismatch")
	}
}
