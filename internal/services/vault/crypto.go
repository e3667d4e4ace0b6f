package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 work factor for master-key secrets
	DefaultIterations = 150000
	keySize           = 32
	saltSize          = 16
	ivSize            = 12
)

// DeriveMasterKey stretches passphrase with PBKDF2-HMAC-SHA256 into an AES-256 key.
func DeriveMasterKey(passphrase string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, keySize, sha256.New)
}

// seal encrypts plaintext under key with a fresh IV.
func seal(key []byte, plaintext string) (*models.EncryptedSecret, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return &models.EncryptedSecret{
		Data: base64.StdEncoding.EncodeToString(ciphertext),
		IV:   base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// open decrypts secret under key. Every failure is a DECRYPT error.
func open(key []byte, secret *models.EncryptedSecret) (string, error) {
	if secret == nil {
		return "", apperrors.New(apperrors.CodeDecrypt, "secret is missing")
	}
	ciphertext, err := base64.StdEncoding.DecodeString(secret.Data)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDecrypt, err, "ciphertext is not valid base64")
	}
	iv, err := base64.StdEncoding.DecodeString(secret.IV)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDecrypt, err, "iv is not valid base64")
	}
	if len(iv) != ivSize {
		return "", apperrors.New(apperrors.CodeDecrypt, fmt.Sprintf("iv must be %d bytes, got %d", ivSize, len(iv)))
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDecrypt, err, "authentication failed")
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, apperrors.New(apperrors.CodeDecrypt, fmt.Sprintf("key must be %d bytes, got %d", keySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDecrypt, err, "invalid key")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDecrypt, err, "invalid key")
	}
	return gcm, nil
}

// EncryptWithPassphrase seals plaintext under a key derived from passphrase and a fresh salt.
func EncryptWithPassphrase(passphrase, plaintext string, iterations int) (*models.EncryptedSecret, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	secret, err := seal(DeriveMasterKey(passphrase, salt, iterations), plaintext)
	if err != nil {
		return nil, err
	}
	secret.Salt = base64.StdEncoding.EncodeToString(salt)
	return secret, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(passphrase string, secret *models.EncryptedSecret, iterations int) (string, error) {
	if secret == nil {
		return "", apperrors.New(apperrors.CodeDecrypt, "secret is missing")
	}
	salt, err := decodeSalt(secret)
	if err != nil {
		return "", err
	}
	return open(DeriveMasterKey(passphrase, salt, iterations), secret)
}

func decodeSalt(secret *models.EncryptedSecret) ([]byte, error) {
	if secret.Salt == "" {
		return nil, apperrors.New(apperrors.CodeDecrypt, "master-key secret has no salt")
	}
	salt, err := base64.StdEncoding.DecodeString(secret.Salt)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDecrypt, err, "salt is not valid base64")
	}
	return salt, nil
}
