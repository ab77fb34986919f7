// Package agent implements the Agent half of the fleet control plane: the
// on-host token store (§4.5), the connection-loop state machine (§4.4),
// and the RPC handlers the Backend calls into (§6.2).
package agent

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	keyLen           = 32 // AES-128 key (16) + HMAC-SHA-256 key (16), split below
	saltFileName     = ".token_salt"
	saltLen          = 32

	// cipherPrefix marks a ciphertext produced by TokenStore so the agent's
	// state loader can tell it apart from legacy plaintext (§4.5).
	cipherPrefix = "sv1:"
)

// machineIDPaths are tried in order to source the key-derivation material,
// per §4.5.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/host/etc/machine-id",
}

// TokenStore implements the Fernet-equivalent authenticated encryption
// scheme from §4.5: AES-128-CBC for confidentiality, HMAC-SHA-256 for
// integrity, with the key derived via PBKDF2-HMAC-SHA-256 from a machine
// identifier and a persisted random salt.
type TokenStore struct {
	key []byte // 32 bytes: [0:16] AES key, [16:32] HMAC key
}

// NewTokenStore derives the encryption key for the agent rooted at dataDir,
// creating dataDir/.token_salt (chmod 0600) on first use.
func NewTokenStore(dataDir string) (*TokenStore, error) {
	salt, err := loadOrCreateSalt(dataDir)
	if err != nil {
		return nil, err
	}
	id := machineID()
	key := pbkdf2.Key([]byte(id), salt, pbkdf2Iterations, keyLen, sha256.New)
	return &TokenStore{key: key}, nil
}

// Encrypt authenticates and encrypts s, returning a prefixed, base64-encoded
// ciphertext safe to write to JSON state files.
func (t *TokenStore) Encrypt(s string) (string, error) {
	aesKey := t.key[:16]
	hmacKey := t.key[16:]

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	plaintext := pkcs7Pad([]byte(s), block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}

	ciphertext := make([]byte, len(plaintext))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, plaintext)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	payload := append(append(iv, ciphertext...), tag...)
	return cipherPrefix + base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt, verifying the HMAC tag before returning
// plaintext. Returns an error if c is not ciphertext Encrypt produced, or
// the tag does not verify (tampered or wrong key).
func (t *TokenStore) Decrypt(c string) (string, error) {
	if !IsCiphertext(c) {
		return "", fmt.Errorf("tokenstore: not ciphertext")
	}
	raw, err := base64.RawURLEncoding.DecodeString(c[len(cipherPrefix):])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	aesKey := t.key[:16]
	hmacKey := t.key[16:]
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	blockSize := block.BlockSize()
	tagSize := sha256.Size
	if len(raw) < blockSize+tagSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	iv := raw[:blockSize]
	tag := raw[len(raw)-tagSize:]
	ciphertext := raw[blockSize : len(raw)-tagSize]
	if len(ciphertext)%blockSize != 0 {
		return "", fmt.Errorf("ciphertext is not block-aligned")
	}

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, tag) {
		return "", fmt.Errorf("tokenstore: authentication failed")
	}

	plaintext := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, blockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// IsCiphertext reports whether s carries the TokenStore ciphertext prefix,
// distinguishing it from legacy plaintext state (§4.5).
func IsCiphertext(s string) bool {
	return len(s) >= len(cipherPrefix) && s[:len(cipherPrefix)] == cipherPrefix
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded data length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// loadOrCreateSalt reads dataDir/.token_salt, generating and persisting a
// fresh 32-byte random salt (chmod 0600) on first use.
func loadOrCreateSalt(dataDir string) ([]byte, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, saltFileName)

	if data, err := os.ReadFile(path); err == nil && len(data) == saltLen {
		return data, nil
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// machineID returns the first usable machine identifier from
// machineIDPaths, falling back to hostname + $HOSTNAME (§4.5).
func machineID() string {
	for _, path := range machineIDPaths {
		if data, err := os.ReadFile(path); err == nil {
			if id := bytesTrimSpace(data); len(id) > 0 {
				return string(id)
			}
		}
	}
	host, _ := os.Hostname()
	return host + os.Getenv("HOSTNAME")
}

func bytesTrimSpace(b []byte) []byte {
	return bytes.TrimSpace(b)
}
