package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

var (
	ErrKeyNotFound    = errors.New("encryption key not found")
	ErrVersionMissing = errors.New("key version not configured")
)

// KeyManager holds every configured key version and seals with the newest.
type KeyManager struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManagerFromEnv loads base64 keys from prefix (version 1) and
// prefix_V2..prefix_V10. It returns ErrKeyNotFound when the primary key is
// unset.
func NewKeyManagerFromEnv(prefix string) (*KeyManager, error) {
	keys := make(map[int][]byte)
	for v := 1; v <= 10; v++ {
		name := prefix
		if v > 1 {
			name = fmt.Sprintf("%s_V%d", prefix, v)
		}
		raw := os.Getenv(name)
		if raw == "" {
			if v == 1 {
				return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
			}
			continue
		}
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("decode key %s: %w", name, err)
		}
		keys[v] = key
	}
	return NewKeyManager(keys)
}

// NewKeyManager builds a manager from raw keys by version.
func NewKeyManager(keys map[int][]byte) (*KeyManager, error) {
	if len(keys) == 0 {
		return nil, ErrKeyNotFound
	}
	km := &KeyManager{encryptors: make(map[int]*Encryptor, len(keys))}
	versions := make([]int, 0, len(keys))
	for v := range keys {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	for _, v := range versions {
		enc, err := NewEncryptor(keys[v], v)
		if err != nil {
			return nil, fmt.Errorf("create encryptor v%d: %w", v, err)
		}
		km.encryptors[v] = enc
		km.currentVer = v
	}
	return km, nil
}

// Encrypt encrypts plaintext using the current (latest) key version.
func (km *KeyManager) Encrypt(plaintext string) (string, error) {
	km.mu.RLock()
	enc := km.encryptors[km.currentVer]
	km.mu.RUnlock()
	return enc.Encrypt(plaintext)
}

// Decrypt decrypts ciphertext, automatically selecting the correct key version.
func (km *KeyManager) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}
	km.mu.RLock()
	enc, ok := km.encryptors[version]
	km.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrVersionMissing, version)
	}
	return enc.Decrypt(ciphertext)
}

// Stale reports whether ciphertext was sealed with an older key version.
func (km *KeyManager) Stale(ciphertext string) bool {
	v := ParseVersion(ciphertext)
	return v > 0 && v < km.CurrentVersion()
}

// ReEncrypt re-encrypts a ciphertext with the current key version.
func (km *KeyManager) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := km.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return km.Encrypt(plaintext)
}

// CurrentVersion returns the current (latest) key version being used.
func (km *KeyManager) CurrentVersion() int {
	km.mu.RLock()
	defer km.mu.RUnlock()
	return km.currentVer
}
