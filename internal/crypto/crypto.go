// Package crypto handles encryption of credential material at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

// versionGCM prefixes every ciphertext so the key/cipher can be rotated
// without re-encrypting existing rows in one shot.
const versionGCM = 0x01

const (
	keySize        = 32 // AES-256
	pbkdf2Iters    = 210000
	keyFileName    = ".encryption.key"
	passphraseSalt = "thetahealth-ingest-credential-key"
)

// ErrDecrypt is returned for any ciphertext that fails to authenticate or
// carries an unknown version. Callers must treat it as "credential missing".
var ErrDecrypt = errors.New("crypto: decryption failed")

// Manager encrypts and decrypts credential fields with AES-GCM.
type Manager struct {
	key []byte
}

// NewManager builds a manager from an explicit passphrase, or from a key file
// under dataDir when the passphrase is empty. A missing key file is generated
// on first start with owner-only permissions.
func NewManager(dataDir, passphrase string) (*Manager, error) {
	if passphrase != "" {
		key := pbkdf2.Key([]byte(passphrase), []byte(passphraseSalt), pbkdf2Iters, keySize, sha256.New)
		return &Manager{key: key}, nil
	}
	key, err := getOrCreateKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get encryption key: %w", err)
	}
	return &Manager{key: key}, nil
}

func getOrCreateKey(dataDir string) ([]byte, error) {
	keyPath := filepath.Join(dataDir, keyFileName)

	if data, err := os.ReadFile(keyPath); err == nil {
		key := make([]byte, keySize)
		n, err := base64.StdEncoding.Decode(key, data)
		if err == nil && n == keySize {
			return key[:keySize], nil
		}
		return nil, fmt.Errorf("corrupt key file %s", keyPath)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}
	log.Info().Str("path", keyPath).Msg("Generated new credential encryption key")
	return key, nil
}

// Encrypt seals plaintext with AES-GCM and returns
// base64(version || nonce || ciphertext).
func (m *Manager) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, versionGCM)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It never returns partial plaintext; any failure
// maps to ErrDecrypt so callers can't distinguish tampering from key loss.
func (m *Manager) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) < 2 {
		return "", ErrDecrypt
	}
	if raw[0] != versionGCM {
		return "", ErrDecrypt
	}
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return "", ErrDecrypt
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecrypt
	}
	body := raw[1:]
	if len(body) < gcm.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, ciphertext := body[:gcm.NonceSize()], body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
