package models

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// encPrefix marks AES-GCM ciphertext at rest. Values without it are treated
// as legacy plaintext and re-encrypted by the startup migration.
const encPrefix = "enc:"

const nonceSize = 12

// Secrets encrypts and decrypts at-rest secrets (agent passwords) with
// AES-256-GCM. The key is derived from the JWT secret via SHA3-256.
type Secrets struct {
	key [32]byte
}

func NewSecrets(masterSecret string) *Secrets {
	return &Secrets{key: sha3.Sum256([]byte(masterSecret))}
}

// Encrypt returns "enc:" + base64(nonce || ciphertext). A fresh random nonce
// is drawn per call, so two encryptions of the same plaintext differ.
func (s *Secrets) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the encrypted prefix are returned
// unchanged (legacy plaintext).
func (s *Secrets) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(raw) < nonceSize {
		return "", fmt.Errorf("secret too short")
	}

	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the encrypted prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}
