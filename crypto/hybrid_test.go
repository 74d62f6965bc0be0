package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
)

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTripBothRoles(t *testing.T) {
	sender := generateTestKey(t)
	recipient := generateTestKey(t)

	plaintext := []byte("hello over an untrusted server")

	env, err := Encrypt(plaintext, &sender.PublicKey, &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(env.IV) != gcmNonceSize {
		t.Fatalf("expected %d-byte IV, got %d", gcmNonceSize, len(env.IV))
	}
	if len(env.AuthTag) != gcmTagSize {
		t.Fatalf("expected %d-byte auth tag, got %d", gcmTagSize, len(env.AuthTag))
	}

	fromSender, err := Decrypt(env.Ciphertext, env.WrappedKeySender, env.IV, env.AuthTag, sender)
	if err != nil {
		t.Fatalf("sender-side Decrypt failed: %v", err)
	}
	if !bytes.Equal(fromSender, plaintext) {
		t.Fatalf("sender-side plaintext mismatch: %q", fromSender)
	}

	fromRecipient, err := Decrypt(env.Ciphertext, env.WrappedKeyRecipient, env.IV, env.AuthTag, recipient)
	if err != nil {
		t.Fatalf("recipient-side Decrypt failed: %v", err)
	}
	if !bytes.Equal(fromRecipient, plaintext) {
		t.Fatalf("recipient-side plaintext mismatch: %q", fromRecipient)
	}
}

func TestEncryptDecryptEmptyPlaintext(t *testing.T) {
	sender := generateTestKey(t)
	recipient := generateTestKey(t)

	env, err := Encrypt([]byte(""), &sender.PublicKey, &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if len(env.Ciphertext) != 0 {
		t.Fatalf("expected empty ciphertext for empty plaintext, got %d bytes", len(env.Ciphertext))
	}
	if len(env.AuthTag) != gcmTagSize {
		t.Fatalf("expected %d-byte auth tag, got %d", gcmTagSize, len(env.AuthTag))
	}

	plaintext, err := Decrypt(env.Ciphertext, env.WrappedKeyRecipient, env.IV, env.AuthTag, recipient)
	if err != nil {
		t.Fatalf("Decrypt failed for empty plaintext: %v", err)
	}
	if len(plaintext) != 0 {
		t.Fatalf("expected empty plaintext, got %q", plaintext)
	}
}

func TestEncryptUsesFreshKeyMaterialPerCall(t *testing.T) {
	sender := generateTestKey(t)
	recipient := generateTestKey(t)

	first, err := Encrypt([]byte("same plaintext"), &sender.PublicKey, &recipient.PublicKey)
	if err != nil {
		t.Fatalf("first Encrypt failed: %v", err)
	}
	second, err := Encrypt([]byte("same plaintext"), &sender.PublicKey, &recipient.PublicKey)
	if err != nil {
		t.Fatalf("second Encrypt failed: %v", err)
	}

	if bytes.Equal(first.IV, second.IV) {
		t.Fatalf("nonce reused across calls")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Fatalf("identical ciphertext for two calls implies key reuse")
	}
}

func TestDecryptRejectsTamperedCiphertextAndTag(t *testing.T) {
	sender := generateTestKey(t)
	recipient := generateTestKey(t)

	env, err := Encrypt([]byte("tamper target"), &sender.PublicKey, &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	flipped := append([]byte(nil), env.Ciphertext...)
	flipped[0] ^= 0x01
	if _, err := Decrypt(flipped, env.WrappedKeyRecipient, env.IV, env.AuthTag, recipient); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for tampered ciphertext, got %v", err)
	}

	badTag := append([]byte(nil), env.AuthTag...)
	badTag[len(badTag)-1] ^= 0x80
	if _, err := Decrypt(env.Ciphertext, env.WrappedKeyRecipient, env.IV, badTag, recipient); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for tampered auth tag, got %v", err)
	}
}

func TestDecryptRejectsWrongPrivateKey(t *testing.T) {
	sender := generateTestKey(t)
	recipient := generateTestKey(t)
	outsider := generateTestKey(t)

	env, err := Encrypt([]byte("not for outsiders"), &sender.PublicKey, &recipient.PublicKey)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := Decrypt(env.Ciphertext, env.WrappedKeyRecipient, env.IV, env.AuthTag, outsider); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for wrong private key, got %v", err)
	}
}

func TestDecryptRejectsMalformedInputs(t *testing.T) {
	recipient := generateTestKey(t)

	if _, err := Decrypt([]byte{1}, nil, make([]byte, gcmNonceSize), make([]byte, gcmTagSize), recipient); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for missing wrapped key, got %v", err)
	}
	if _, err := Decrypt([]byte{1}, []byte{1}, []byte{1, 2}, make([]byte, gcmTagSize), recipient); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for short nonce, got %v", err)
	}
	if _, err := Decrypt([]byte{1}, []byte{1}, make([]byte, gcmNonceSize), []byte{1}, recipient); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for short auth tag, got %v", err)
	}
}
