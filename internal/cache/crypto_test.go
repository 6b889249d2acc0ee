package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestDeriveKeyDeterministic(t *testing.T) {
	t.Parallel()

	salt := bytes.Repeat([]byte{0xAB}, saltSize)
	k1 := deriveKey("hunter2", salt, 1000)
	k2 := deriveKey("hunter2", salt, 1000)
	if !bytes.Equal(k1, k2) {
		t.Fatal("same password and salt must derive the same key")
	}
	if len(k1) != keySize {
		t.Fatalf("key size = %d, want %d", len(k1), keySize)
	}

	k3 := deriveKey("hunter3", salt, 1000)
	if bytes.Equal(k1, k3) {
		t.Fatal("different passwords must derive different keys")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	key := deriveKey("pw", bytes.Repeat([]byte{1}, saltSize), 1000)
	plaintext := []byte(`{"hello":"world"}`)

	blob, err := encryptPayload(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !bytes.HasPrefix(blob, encMagic) {
		t.Fatal("sealed blob must start with the format magic")
	}

	got, err := decryptPayload(key, blob)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	t.Parallel()

	salt := bytes.Repeat([]byte{2}, saltSize)
	blob, err := encryptPayload(deriveKey("right", salt, 1000), []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := decryptPayload(deriveKey("wrong", salt, 1000), blob); err == nil {
		t.Fatal("wrong key must fail authentication")
	}
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	t.Parallel()

	key := deriveKey("pw", bytes.Repeat([]byte{3}, saltSize), 1000)
	blob, err := encryptPayload(key, []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	blob[len(blob)-1] ^= 0xFF
	if _, err := decryptPayload(key, blob); err == nil {
		t.Fatal("tampered blob must fail authentication")
	}

	if _, err := decryptPayload(key, []byte("not-a-cache-file")); err == nil {
		t.Fatal("blob without magic must be rejected")
	}
}

func TestLoadOrCreateSaltStable(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), saltFileName)
	first, err := loadOrCreateSalt(path)
	if err != nil {
		t.Fatalf("create salt: %v", err)
	}
	if len(first) != saltSize {
		t.Fatalf("salt size = %d, want %d", len(first), saltSize)
	}

	second, err := loadOrCreateSalt(path)
	if err != nil {
		t.Fatalf("reload salt: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("salt must be stable across loads")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat salt: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("salt mode = %o, want 600", perm)
	}
}

func TestReadSaltRejectsWrongSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), saltFileName)
	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := readSalt(path); err == nil {
		t.Fatal("truncated salt must be rejected")
	}
}
