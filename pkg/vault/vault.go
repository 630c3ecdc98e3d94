// Package vault encrypts third-party secrets at rest with tamper detection.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"ideaforge/pkg/domain"
)

const (
	// KeyHexLen is the required length of the hex-encoded 256-bit key.
	KeyHexLen = 64
	// ivLen is the per-record random nonce size in bytes. Never reused.
	ivLen = 16
	// tagLen is the GCM authentication tag size in bytes.
	tagLen = 16

	// RecordVersion identifies the current on-disk record layout.
	RecordVersion = 1
)

// Record is the serialized form of one encrypted secret. All fields are
// lowercase hex.
type Record struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	Version    int    `json:"version,omitempty"`
}

// Vault performs authenticated encryption with a process-wide 256-bit key.
type Vault struct {
	aead cipher.AEAD
}

// ParseKey decodes a 64-hex-character key. Anything else fails with
// domain.ErrConfig so startup can abort before serving requests.
func ParseKey(hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if hexKey == "" {
		return nil, fmt.Errorf("%w: encryption key is required", domain.ErrConfig)
	}
	if len(hexKey) != KeyHexLen {
		return nil, fmt.Errorf("%w: encryption key must be %d hex characters, got %d", domain.ErrConfig, KeyHexLen, len(hexKey))
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encryption key is not valid hex", domain.ErrConfig)
	}
	return key, nil
}

// New builds a vault from a raw 32-byte key. Use ParseKey for hex input.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: vault key must be 32 bytes, got %d", domain.ErrConfig, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: init cipher: %v", domain.ErrConfig, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("%w: init gcm: %v", domain.ErrConfig, err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random 16-byte IV and returns the
// hex-encoded record.
func (v *Vault) Encrypt(plaintext string) (Record, error) {
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return Record{}, fmt.Errorf("generate iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag; split it out so the record stores it separately.
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]
	return Record{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		AuthTag:    hex.EncodeToString(tag),
		Version:    RecordVersion,
	}, nil
}

// Decrypt opens a record. A malformed record, a wrong key, or any flipped bit
// in ciphertext or tag fails with domain.ErrDecryption; partially decrypted
// data is never returned.
func (v *Vault) Decrypt(rec Record) (string, error) {
	// Ciphertext may legitimately be empty: sealing an empty plaintext
	// yields a tag-only record. IV and tag are always present.
	if rec.IV == "" || rec.AuthTag == "" {
		return "", fmt.Errorf("%w: record is missing fields", domain.ErrDecryption)
	}
	ct, err := hex.DecodeString(rec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext is not valid hex", domain.ErrDecryption)
	}
	iv, err := hex.DecodeString(rec.IV)
	if err != nil || len(iv) != ivLen {
		return "", fmt.Errorf("%w: iv is malformed", domain.ErrDecryption)
	}
	tag, err := hex.DecodeString(rec.AuthTag)
	if err != nil || len(tag) != tagLen {
		return "", fmt.Errorf("%w: auth tag is malformed", domain.ErrDecryption)
	}
	plaintext, err := v.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", domain.ErrDecryption)
	}
	return string(plaintext), nil
}

// RoundTrip encrypts and decrypts a freshly generated value and reports
// whether the result matches. Run once at startup to validate the key.
func (v *Vault) RoundTrip() bool {
	probe := make([]byte, 24)
	if _, err := rand.Read(probe); err != nil {
		return false
	}
	value := hex.EncodeToString(probe)
	rec, err := v.Encrypt(value)
	if err != nil {
		return false
	}
	got, err := v.Decrypt(rec)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(value)) == 1
}
