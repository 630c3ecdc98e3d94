package vault

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"ideaforge/pkg/domain"
)

const testKeyHex = "6368616e676520746869732070617373776f726420746f206120736563726574"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := ParseKey(testKeyHex)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	v, err := New(key)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestParseKeyRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"short", "abcd"},
		{"long", testKeyHex + "00"},
		{"nonhex", strings.Repeat("zz", 32)},
	}
	for _, tc := range cases {
		if _, err := ParseKey(tc.key); !errors.Is(err, domain.ErrConfig) {
			t.Fatalf("%s: expected config error, got %v", tc.name, err)
		}
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	for _, plaintext := range []string{"", "x", "oauth-token-abc123", strings.Repeat("long secret ", 100)} {
		rec, err := v.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if rec.Version != RecordVersion {
			t.Fatalf("unexpected record version %d", rec.Version)
		}
		got, err := v.Decrypt(rec)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plaintext {
			t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
		}
	}
}

func TestEmptyPlaintextRecord(t *testing.T) {
	v := newTestVault(t)
	rec, err := v.Encrypt("")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	// GCM over an empty plaintext is tag-only.
	if rec.Ciphertext != "" {
		t.Fatalf("ciphertext = %q, want empty", rec.Ciphertext)
	}
	if rec.IV == "" || rec.AuthTag == "" {
		t.Fatalf("iv/tag missing: %+v", rec)
	}
	got, err := v.Decrypt(rec)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != "" {
		t.Fatalf("plaintext = %q, want empty", got)
	}

	// The tag still protects the record.
	tampered := rec
	raw, err := hex.DecodeString(rec.AuthTag)
	if err != nil {
		t.Fatalf("decode tag: %v", err)
	}
	raw[0] ^= 1
	tampered.AuthTag = hex.EncodeToString(raw)
	if _, err := v.Decrypt(tampered); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected decryption error, got %v", err)
	}
}

func TestEncryptUsesFreshIV(t *testing.T) {
	v := newTestVault(t)
	a, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("encrypt a: %v", err)
	}
	b, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatalf("encrypt b: %v", err)
	}
	if a.IV == b.IV {
		t.Fatalf("iv reused across calls")
	}
	if a.Ciphertext == b.Ciphertext {
		t.Fatalf("identical ciphertext for distinct ivs")
	}
}

func TestDecryptDetectsTamper(t *testing.T) {
	v := newTestVault(t)
	rec, err := v.Encrypt("tamper me")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	// Flip every single bit of the ciphertext and the tag in turn; each
	// mutation must be rejected.
	for _, field := range []struct {
		name string
		get  func(Record) string
		set  func(*Record, string)
	}{
		{"ciphertext", func(r Record) string { return r.Ciphertext }, func(r *Record, s string) { r.Ciphertext = s }},
		{"authTag", func(r Record) string { return r.AuthTag }, func(r *Record, s string) { r.AuthTag = s }},
	} {
		raw, err := hex.DecodeString(field.get(rec))
		if err != nil {
			t.Fatalf("%s decode: %v", field.name, err)
		}
		for i := range raw {
			for bit := 0; bit < 8; bit++ {
				mutated := make([]byte, len(raw))
				copy(mutated, raw)
				mutated[i] ^= 1 << bit
				tampered := rec
				field.set(&tampered, hex.EncodeToString(mutated))
				if _, err := v.Decrypt(tampered); !errors.Is(err, domain.ErrDecryption) {
					t.Fatalf("%s byte %d bit %d: expected decryption error, got %v", field.name, i, bit, err)
				}
			}
		}
	}
}

func TestDecryptRejectsMalformedRecord(t *testing.T) {
	v := newTestVault(t)
	rec, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	cases := []struct {
		name   string
		mutate func(Record) Record
	}{
		{"stripped ciphertext", func(r Record) Record { r.Ciphertext = ""; return r }},
		{"missing iv", func(r Record) Record { r.IV = ""; return r }},
		{"missing tag", func(r Record) Record { r.AuthTag = ""; return r }},
		{"nonhex ciphertext", func(r Record) Record { r.Ciphertext = "zz"; return r }},
		{"short iv", func(r Record) Record { r.IV = "abcd"; return r }},
		{"short tag", func(r Record) Record { r.AuthTag = "abcd"; return r }},
	}
	for _, tc := range cases {
		if _, err := v.Decrypt(tc.mutate(rec)); !errors.Is(err, domain.ErrDecryption) {
			t.Fatalf("%s: expected decryption error, got %v", tc.name, err)
		}
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	v := newTestVault(t)
	rec, err := v.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	otherKey, err := ParseKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("parse other key: %v", err)
	}
	other, err := New(otherKey)
	if err != nil {
		t.Fatalf("new other vault: %v", err)
	}
	if _, err := other.Decrypt(rec); !errors.Is(err, domain.ErrDecryption) {
		t.Fatalf("expected decryption error with wrong key, got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)
	if !v.RoundTrip() {
		t.Fatalf("round trip self-check failed")
	}
}
