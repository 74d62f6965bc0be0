package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	aes256KeySize = 32
	gcmNonceSize  = 12
	gcmTagSize    = 16
)

// ErrDecryption indicates the wrapped key, ciphertext, or auth tag could not
// be verified with the caller's key material. Callers render a placeholder
// instead of surfacing this as a fatal error.
var ErrDecryption = errors.New("crypto: decryption failed")

// Envelope is the output of one hybrid encryption: the payload sealed under a
// fresh symmetric key, plus that key wrapped once per party so either side
// can decrypt without a shared secret ever crossing the server in the clear.
type Envelope struct {
	Ciphertext          []byte
	WrappedKeySender    []byte
	WrappedKeyRecipient []byte
	IV                  []byte
	AuthTag             []byte
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random key and
// nonce, then wraps the key with RSA-OAEP-SHA256 for both the sender and the
// recipient. The key and nonce are never reused across messages.
func Encrypt(plaintext []byte, senderPub, recipientPub *rsa.PublicKey) (Envelope, error) {
	if senderPub == nil || recipientPub == nil {
		return Envelope{}, errors.New("crypto: both public keys are required")
	}

	key := make([]byte, aes256KeySize)
	if _, err := rand.Read(key); err != nil {
		return Envelope{}, fmt.Errorf("generate message key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Envelope{}, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Envelope{}, fmt.Errorf("create GCM: %w", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)
	tagStart := len(sealed) - gcmTagSize

	wrappedSender, err := wrapKey(senderPub, key)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap key for sender: %w", err)
	}
	wrappedRecipient, err := wrapKey(recipientPub, key)
	if err != nil {
		return Envelope{}, fmt.Errorf("wrap key for recipient: %w", err)
	}

	return Envelope{
		Ciphertext:          sealed[:tagStart],
		WrappedKeySender:    wrappedSender,
		WrappedKeyRecipient: wrappedRecipient,
		IV:                  iv,
		AuthTag:             sealed[tagStart:],
	}, nil
}

// Decrypt unwraps the symmetric key with the caller's private key and opens
// the ciphertext. It returns an error wrapping ErrDecryption when the wrapped
// key does not match the caller's key pair, the auth tag does not verify, or
// any input is malformed.
func Decrypt(ciphertext, wrappedKey, iv, authTag []byte, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: private key is required", ErrDecryption)
	}
	// An empty ciphertext is legitimate: GCM of an empty plaintext is just
	// the tag. The tag check decides, not a length guard.
	if len(wrappedKey) == 0 {
		return nil, fmt.Errorf("%w: wrapped key is required", ErrDecryption)
	}
	if len(iv) != gcmNonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length %d", ErrDecryption, len(iv))
	}
	if len(authTag) != gcmTagSize {
		return nil, fmt.Errorf("%w: invalid auth tag length %d", ErrDecryption, len(authTag))
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap message key", ErrDecryption)
	}
	if len(key) != aes256KeySize {
		return nil, fmt.Errorf("%w: unwrapped key has length %d", ErrDecryption, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create AES cipher", ErrDecryption)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCM", ErrDecryption)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(authTag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open ciphertext", ErrDecryption)
	}

	return plaintext, nil
}

func wrapKey(pub *rsa.PublicKey, key []byte) ([]byte, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}
