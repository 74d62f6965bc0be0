package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 210_000
	pbkdf2SaltSize   = 16
)

// SealPrivateKey encrypts private key PEM bytes under a passphrase so they
// can sit in an untrusted credential store. Output layout: salt | nonce | box.
func SealPrivateKey(keyPEM []byte, passphrase string) ([]byte, error) {
	if len(keyPEM) == 0 {
		return nil, fmt.Errorf("seal private key: key material is required")
	}

	salt := make([]byte, pbkdf2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	aead, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(keyPEM)+gcmTagSize)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, keyPEM, nil)

	return out, nil
}

// OpenPrivateKey reverses SealPrivateKey. A wrong passphrase fails the auth
// tag check and returns an error wrapping ErrDecryption.
func OpenPrivateKey(sealed []byte, passphrase string) ([]byte, error) {
	if len(sealed) < pbkdf2SaltSize+gcmNonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: sealed key is truncated", ErrDecryption)
	}

	salt := sealed[:pbkdf2SaltSize]
	nonce := sealed[pbkdf2SaltSize : pbkdf2SaltSize+gcmNonceSize]
	box := sealed[pbkdf2SaltSize+gcmNonceSize:]

	aead, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	keyPEM, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open sealed key", ErrDecryption)
	}

	return keyPEM, nil
}

func passphraseAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, aes256KeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return aead, nil
}
