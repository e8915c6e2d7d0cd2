// Package crypto seals credential material at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// KeySize is the required size for AES-256 keys (32 bytes)
	KeySize = 32
	// NonceSize is the size of GCM nonce (12 bytes)
	NonceSize = 12

	prefix = "ENC[v"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// Encryptor seals strings with one key version. Output format is
// ENC[vN]:base64(nonce|ciphertext|tag).
type Encryptor struct {
	aead    cipher.AEAD
	version int
}

// NewEncryptor creates a new Encryptor with the given key.
// Key must be 32 bytes for AES-256.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{aead: aead, version: version}, nil
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+e.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + strconv.Itoa(e.version) + "]:" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	_, body, ok := split(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize+e.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := e.aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func (e *Encryptor) Version() int { return e.version }

// IsEncrypted reports whether s carries the sealed-value prefix.
func IsEncrypted(s string) bool {
	_, _, ok := split(s)
	return ok
}

// ParseVersion extracts the key version from a sealed value, or 0.
func ParseVersion(ciphertext string) int {
	v, _, _ := split(ciphertext)
	return v
}

func split(s string) (version int, body string, ok bool) {
	if !strings.HasPrefix(s, prefix) {
		return 0, "", false
	}
	end := strings.Index(s, "]:")
	if end < len(prefix) {
		return 0, "", false
	}
	v, err := strconv.Atoi(s[len(prefix):end])
	if err != nil || v <= 0 {
		return 0, "", false
	}
	return v, s[end+2:], true
}
