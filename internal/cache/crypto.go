package cache

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize = 16
	keySize  = 32 // AES-256

	// DefaultIterations is the PBKDF2 work factor. Raising it invalidates
	// existing category files, which degrades to "no data" on the next unlock.
	DefaultIterations = 100_000

	saltFileName = "salt.bin"
)

// encMagic marks the category file format. Files without it (or written by a
// future incompatible version) fail to decrypt and are dropped on load.
var encMagic = []byte("vcc1")

// deriveKey stretches the user password into an AES-256 key using the
// per-installation salt.
func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
}

// encryptPayload seals plaintext with AES-256-GCM. Layout: magic || nonce || ciphertext.
func encryptPayload(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(encMagic)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, encMagic...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// decryptPayload opens a sealed category file. A wrong key, a truncated file
// and a tampered file all fail here; callers treat failure as "file absent".
func decryptPayload(key, blob []byte) ([]byte, error) {
	if !bytes.HasPrefix(blob, encMagic) {
		return nil, fmt.Errorf("cache: unrecognized file format")
	}
	blob = blob[len(encMagic):]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("cache: encrypted file too short")
	}
	return gcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
}

// loadOrCreateSalt reads the per-installation salt, generating it exactly once.
// Creation uses a temp-file + hard-link pattern so that concurrent first opens
// agree on a single salt and the file is never observed half-written.
func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := readSalt(path)
	if err != nil {
		return nil, err
	}
	if salt != nil {
		return salt, nil
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("cache: generate salt: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".salt.tmp.*")
	if err != nil {
		return nil, fmt.Errorf("cache: create salt temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(salt); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("cache: write salt temp: %w", err)
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("cache: chmod salt temp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("cache: close salt temp: %w", err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			// Another process won the race — use the salt it created.
			raceSalt, loadErr := readSalt(path)
			if loadErr != nil {
				return nil, loadErr
			}
			if raceSalt == nil {
				return nil, fmt.Errorf("cache: salt %s disappeared after creation race", path)
			}
			return raceSalt, nil
		}
		return nil, fmt.Errorf("cache: link salt: %w", err)
	}
	os.Remove(tmpPath)

	return salt, nil
}

// readSalt returns nil, nil when the salt file does not exist yet.
func readSalt(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache: read salt: %w", err)
	}
	defer f.Close()

	// Check permissions on the same file descriptor to avoid TOCTOU races.
	// Skip on Windows where Go returns synthetic mode bits.
	if runtime.GOOS != "windows" {
		if info, statErr := f.Stat(); statErr == nil {
			if perm := info.Mode().Perm(); perm&0o077 != 0 {
				log.Printf("[Cache] WARNING: salt %s has overly permissive mode 0%o (expected 0600)", path, perm)
			}
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("cache: read salt: %w", err)
	}
	if len(data) != saltSize {
		return nil, fmt.Errorf("cache: salt at %s has invalid size %d (expected %d)", path, len(data), saltSize)
	}
	return data, nil
}
