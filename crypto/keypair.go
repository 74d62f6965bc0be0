package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

const (
	rsaKeyBits = 2048

	privatePEMType = "PRIVATE KEY"
	publicPEMType  = "PUBLIC KEY"
)

// EnsureKeyPair loads an RSA keypair from disk, generating it on first run.
func EnsureKeyPair(privatePath, publicPath string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privateKey, err := LoadPrivateKey(privatePath)
	if err == nil {
		publicKey := &privateKey.PublicKey

		storedPublic, pubErr := LoadPublicKey(publicPath)
		if pubErr != nil || !storedPublic.Equal(publicKey) {
			if err := SavePublicKey(publicPath, publicKey); err != nil {
				return nil, nil, err
			}
		}

		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	privateKey, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate RSA keypair: %w", err)
	}

	if err := SavePrivateKey(privatePath, privateKey); err != nil {
		return nil, nil, err
	}
	if err := SavePublicKey(publicPath, &privateKey.PublicKey); err != nil {
		return nil, nil, err
	}

	return privateKey, &privateKey.PublicKey, nil
}

// LoadPrivateKey loads an RSA private key from a PKCS#8 PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(raw)
}

// ParsePrivateKey parses a PKCS#8 PEM-encoded RSA private key.
func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode private PEM: no PEM block")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse private key: not an RSA key")
	}

	return key, nil
}

// LoadPublicKey loads an RSA public key from a PKIX PEM file.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return ParsePublicKey(raw)
}

// ParsePublicKey parses a PKIX PEM-encoded RSA public key.
func ParsePublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode public PEM: no PEM block")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("parse public key: not an RSA key")
	}

	return key, nil
}

// SavePrivateKey writes an RSA private key PEM file with 0600 permissions.
func SavePrivateKey(path string, key *rsa.PrivateKey) error {
	raw, err := MarshalPrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	return nil
}

// MarshalPrivateKey encodes an RSA private key as PKCS#8 PEM.
func MarshalPrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	block := &pem.Block{
		Type:  privatePEMType,
		Bytes: der,
	}
	return pem.EncodeToMemory(block), nil
}

// SavePublicKey writes an RSA public key PEM file.
func SavePublicKey(path string, key *rsa.PublicKey) error {
	raw, err := MarshalPublicKey(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	return nil
}

// MarshalPublicKey encodes an RSA public key as PKIX PEM.
func MarshalPublicKey(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	block := &pem.Block{
		Type:  publicPEMType,
		Bytes: der,
	}
	return pem.EncodeToMemory(block), nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func Fingerprint(publicKey *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key for fingerprint: %w", err)
	}

	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16]), nil
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
