// Package crypto implements the PHI encryption service: AES-256-GCM
// field encryption under a two-tier key hierarchy (process master secret
// plus per-user salt) and keyed search hashing for equality lookups.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// SaltLength is the hex length of user and audit salts (256 bits).
	SaltLength = 64

	gcmTagSize  = 16
	encodedSegs = 3
)

var (
	// ErrCipherFormat reports a malformed encoded value.
	ErrCipherFormat = errors.New("crypto: malformed encrypted value")
	// ErrCipherIntegrity reports a failed authentication tag, meaning
	// tampered ciphertext or the wrong salt.
	ErrCipherIntegrity = errors.New("crypto: integrity check failed")
)

// Service performs authenticated encryption keyed by the master secret
// and an optional per-user salt. It is immutable after construction and
// safe for concurrent use.
type Service struct {
	masterKey []byte
}

// NewService builds a Service from a 64-hex-char master secret.
func NewService(masterSecret string) (*Service, error) {
	key, err := hex.DecodeString(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("decode master secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master secret must be 32 bytes, got %d", len(key))
	}
	return &Service{masterKey: key}, nil
}

// Encrypt encrypts plaintext under the key derived from the master
// secret and userSalt. Empty plaintext returns empty output so optional
// fields stay optional. The result is base64(iv):base64(tag):base64(ct).
func (s *Service) Encrypt(plaintext, userSalt string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := s.deriveKey(userSalt)
	if err != nil {
		return "", err
	}
	return seal(key, plaintext)
}

// Decrypt reverses Encrypt, verifying the authentication tag before
// returning plaintext. It fails closed: ErrCipherFormat for a malformed
// value, ErrCipherIntegrity when the tag does not verify.
func (s *Service) Decrypt(encoded, userSalt string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	key, err := s.deriveKey(userSalt)
	if err != nil {
		return "", err
	}
	return open(key, encoded)
}

// EncryptWithMasterKey encrypts directly under the master secret. Used
// only to wrap per-user salts and the system audit salt, never PHI.
func (s *Service) EncryptWithMasterKey(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return seal(s.masterKey, plaintext)
}

// DecryptWithMasterKey reverses EncryptWithMasterKey.
func (s *Service) DecryptWithMasterKey(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	return open(s.masterKey, encoded)
}

// ReEncrypt decrypts under oldSalt and re-encrypts under newSalt, the
// primitive for key rotation. The intermediate plaintext never leaves
// this call.
func (s *Service) ReEncrypt(encoded, oldSalt, newSalt string) (string, error) {
	plaintext, err := s.Decrypt(encoded, oldSalt)
	if err != nil {
		return "", err
	}
	return s.Encrypt(plaintext, newSalt)
}

// GenerateUserSalt returns a fresh 256-bit salt as 64 lowercase hex
// characters. Salts are generated once per user and never reused.
func GenerateUserSalt() (string, error) {
	salt := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hex.EncodeToString(salt), nil
}

// HashForSearch computes a deterministic keyed digest of the trimmed,
// case-folded value, enabling equality lookups without decryption.
// Identical input and salt always produce the same 64-hex-char digest;
// distinct salts produce uncorrelated digests.
func HashForSearch(value, salt string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// deriveKey derives the per-user AES key from the master secret and
// salt using HKDF-SHA256.
func (s *Service) deriveKey(userSalt string) ([]byte, error) {
	if userSalt == "" {
		return nil, errors.New("crypto: user salt is required")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, s.masterKey, []byte(userSalt), []byte("medvault-phi-field"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func seal(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// gcm.Seal appends the tag to the ciphertext; the persisted shape
	// keeps iv, tag and ciphertext as separate segments.
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

func open(key []byte, encoded string) (string, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != encodedSegs {
		return "", ErrCipherFormat
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrCipherFormat
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrCipherFormat
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrCipherFormat
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return "", ErrCipherFormat
	}
	sealed := append(ct, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrCipherIntegrity
	}
	return string(plaintext), nil
}
