// Package secure persists an opaque payload to disk in a form that is
// not human readable. The key is derived from the local machine
// identifier, which is discoverable; this protects against casual
// inspection only and must not be mistaken for a hardened design.
// Decryption is unauthenticated: a wrong key yields garbage, not an
// error.
package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/host"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/pbkdf2"
)

// ErrCorruptStore is returned when the store file is missing,
// truncated, or does not decode under the derived key.
var ErrCorruptStore = errors.New("credential store corrupt or missing")

const (
	keyLen     = chacha20.KeySize
	nonceLen   = chacha20.NonceSizeX
	kdfRounds  = 4096
	storePerms = 0600
)

var kdfSalt = []byte("peerchat-credential-store")

// Store encrypts payloads into a single file, overwritten wholesale on
// each write. Layout: [random nonce][ciphertext].
type Store struct {
	path string
	key  []byte
}

// Open prepares a store at path, deriving the key from the stable
// machine identifier so a later process on the same host can decrypt.
func Open(path string) (*Store, error) {
	id, err := machineID()
	if err != nil {
		return nil, fmt.Errorf("failed to derive store key: %w", err)
	}
	key := pbkdf2.Key([]byte(id), kdfSalt, kdfRounds, keyLen, sha256.New)
	return &Store{path: path, key: key}, nil
}

func machineID() (string, error) {
	if id, err := host.HostID(); err == nil && id != "" {
		return id, nil
	}
	// Containers may not expose a host id; the hostname is the best
	// stable identifier left.
	name, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return name, nil
}

// Store serializes and encrypts payload, replacing the previous file
// content.
func (s *Store) Store(payload any) error {
	plain, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to serialize payload: %w", err)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(s.key, nonce)
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}

	out := make([]byte, nonceLen+len(plain))
	copy(out, nonce)
	cipher.XORKeyStream(out[nonceLen:], plain)

	if err := os.WriteFile(s.path, out, storePerms); err != nil {
		return fmt.Errorf("failed to write store: %w", err)
	}
	return nil
}

// Retrieve decrypts the file into payload.
func (s *Store) Retrieve(payload any) error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	if len(raw) < nonceLen {
		return fmt.Errorf("%w: file truncated", ErrCorruptStore)
	}

	cipher, err := chacha20.NewUnauthenticatedCipher(s.key, raw[:nonceLen])
	if err != nil {
		return fmt.Errorf("failed to initialize cipher: %w", err)
	}

	plain := make([]byte, len(raw)-nonceLen)
	cipher.XORKeyStream(plain, raw[nonceLen:])

	if err := json.Unmarshal(plain, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptStore, err)
	}
	return nil
}
