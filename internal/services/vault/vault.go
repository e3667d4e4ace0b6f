// Package vault decrypts provider credentials under either the
// session-held master passphrase or the per-device key.
//
// A Vault is created once at process start. The session passphrase lives
// only in memory and is dropped by Lock (or by idle expiry when a session
// TTL is configured). The device key is generated lazily on first use,
// persisted exactly once through the KeyStore, and cached for the life of
// the process.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pet-ai-gateway-go/internal/config"
	apperrors "github.com/pet-ai-gateway-go/internal/errors"
	"github.com/pet-ai-gateway-go/internal/models"
	"github.com/sirupsen/logrus"
)

const sessionEntry = "passphrase"

// KeyStore persists the device key.
type KeyStore interface {
	GetDeviceKey(ctx context.Context) (string, error)
	SetDeviceKeyIfAbsent(ctx context.Context, key string) (string, error)
}

// Vault holds the key material for one process.
type Vault struct {
	store      KeyStore
	iterations int
	sessionTTL time.Duration
	logger     *logrus.Logger

	mu      sync.RWMutex
	session *cache.Cache
	derived *cache.Cache

	deviceMu  sync.Mutex
	deviceKey []byte
}

// New creates a locked vault.
func New(store KeyStore, cfg *config.VaultConfig, logger *logrus.Logger) *Vault {
	iterations := cfg.PBKDF2Iterations
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	return &Vault{
		store:      store,
		iterations: iterations,
		sessionTTL: ttl,
		logger:     logger,
		session:    cache.New(ttl, time.Minute),
		derived:    cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

// Unlock stores the master passphrase for this session.
func (v *Vault) Unlock(passphrase string) error {
	if passphrase == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "passphrase is required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.derived.Flush()
	v.session.Set(sessionEntry, passphrase, cache.DefaultExpiration)
	v.logger.Info("Vault unlocked")
	return nil
}

// Lock clears the session passphrase and every key derived from it.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.session.Flush()
	v.derived.Flush()
	v.logger.Info("Vault locked")
}

// Unlocked reports whether a session passphrase is held.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.session.Get(sessionEntry)
	return ok
}

// Iterations returns the PBKDF2 work factor in use.
func (v *Vault) Iterations() int {
	return v.iterations
}

// passphrase returns the session passphrase and refreshes its idle deadline.
// Callers must hold v.mu.
func (v *Vault) passphrase() (string, bool) {
	val, ok := v.session.Get(sessionEntry)
	if !ok {
		return "", false
	}
	passphrase := val.(string)
	if v.sessionTTL != cache.NoExpiration {
		v.session.Set(sessionEntry, passphrase, cache.DefaultExpiration)
	}
	return passphrase, true
}

// DecryptWithMasterKey opens a secret sealed under the session passphrase.
// It fails with LOCKED when no passphrase is held.
func (v *Vault) DecryptWithMasterKey(secret *models.EncryptedSecret) (string, error) {
	if secret == nil {
		return "", apperrors.New(apperrors.CodeDecrypt, "secret is missing")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	passphrase, ok := v.passphrase()
	if !ok {
		return "", apperrors.New(apperrors.CodeLocked, "")
	}

	key, err := v.derivedKey(passphrase, secret)
	if err != nil {
		return "", err
	}
	return open(key, secret)
}

func (v *Vault) derivedKey(passphrase string, secret *models.EncryptedSecret) ([]byte, error) {
	if cached, ok := v.derived.Get(secret.Salt); ok {
		return cached.([]byte), nil
	}
	salt, err := decodeSalt(secret)
	if err != nil {
		return nil, err
	}
	key := DeriveMasterKey(passphrase, salt, v.iterations)
	v.derived.Set(secret.Salt, key, cache.NoExpiration)
	return key, nil
}

// DecryptWithDeviceKey opens a secret sealed under the device key.
func (v *Vault) DecryptWithDeviceKey(ctx context.Context, secret *models.EncryptedSecret) (string, error) {
	key, err := v.loadDeviceKey(ctx)
	if err != nil {
		return "", err
	}
	return open(key, secret)
}

// Decrypt picks the key regime from masterKeyEnabled.
func (v *Vault) Decrypt(ctx context.Context, secret *models.EncryptedSecret, masterKeyEnabled bool) (string, error) {
	if masterKeyEnabled {
		return v.DecryptWithMasterKey(secret)
	}
	return v.DecryptWithDeviceKey(ctx, secret)
}

// EncryptWithMasterKey seals plaintext under the session passphrase.
func (v *Vault) EncryptWithMasterKey(plaintext string) (*models.EncryptedSecret, error) {
	v.mu.Lock()
	passphrase, ok := v.passphrase()
	v.mu.Unlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeLocked, "")
	}
	return EncryptWithPassphrase(passphrase, plaintext, v.iterations)
}

// EncryptWithDeviceKey seals plaintext under the device key.
func (v *Vault) EncryptWithDeviceKey(ctx context.Context, plaintext string) (*models.EncryptedSecret, error) {
	key, err := v.loadDeviceKey(ctx)
	if err != nil {
		return nil, err
	}
	return seal(key, plaintext)
}

// Encrypt picks the key regime from masterKeyEnabled.
func (v *Vault) Encrypt(ctx context.Context, plaintext string, masterKeyEnabled bool) (*models.EncryptedSecret, error) {
	if masterKeyEnabled {
		return v.EncryptWithMasterKey(plaintext)
	}
	return v.EncryptWithDeviceKey(ctx, plaintext)
}

func (v *Vault) loadDeviceKey(ctx context.Context) ([]byte, error) {
	v.deviceMu.Lock()
	defer v.deviceMu.Unlock()

	if v.deviceKey != nil {
		return v.deviceKey, nil
	}

	encoded, err := v.store.GetDeviceKey(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, err, "load device key")
	}

	if encoded == "" {
		fresh := make([]byte, keySize)
		if _, err := rand.Read(fresh); err != nil {
			return nil, fmt.Errorf("generate device key: %w", err)
		}
		encoded, err = v.store.SetDeviceKeyIfAbsent(ctx, base64.StdEncoding.EncodeToString(fresh))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorage, err, "store device key")
		}
		v.logger.Info("Generated device key")
	}

	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != keySize {
		return nil, apperrors.New(apperrors.CodeDecrypt, "stored device key is corrupt")
	}
	v.deviceKey = key
	return key, nil
}
